package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shiwuteam/shiwu-backend/pkg/enums"
)

// Refund records a settled refund for exactly one order. Rows are immutable
// once written.
type Refund struct {
	ID        uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID   uuid.UUID          `gorm:"column:order_id;type:uuid;not null;uniqueIndex:idx_refunds_order"`
	PaymentID uuid.UUID          `gorm:"column:payment_id;type:uuid;not null"`
	BuyerID   uuid.UUID          `gorm:"column:buyer_id;type:uuid;not null"`
	Amount    decimal.Decimal    `gorm:"column:amount;type:numeric(12,2);not null"`
	Status    enums.RefundStatus `gorm:"column:status;type:text;not null;default:'completed'"`
	Reason    string             `gorm:"column:reason;type:text;not null"`
	CreatedAt time.Time          `gorm:"column:created_at;autoCreateTime"`
}
