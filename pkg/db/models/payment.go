package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	dbtypes "github.com/shiwuteam/shiwu-backend/pkg/db/types"
	"github.com/shiwuteam/shiwu-backend/pkg/enums"
)

// Payment settles one or more orders for a single buyer in one transaction.
type Payment struct {
	ID        uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID   uuid.UUID           `gorm:"column:buyer_id;type:uuid;not null;index:idx_payments_buyer"`
	OrderIDs  dbtypes.UUIDArray   `gorm:"column:order_ids;type:text;not null"`
	Amount    decimal.Decimal     `gorm:"column:amount;type:numeric(12,2);not null"`
	Status    enums.PaymentStatus `gorm:"column:status;type:text;not null;default:'created';index:idx_payments_status_expires,priority:1"`
	ExpiresAt time.Time           `gorm:"column:expires_at;not null;index:idx_payments_status_expires,priority:2"`
	PaidAt    *time.Time          `gorm:"column:paid_at"`
	CreatedAt time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
