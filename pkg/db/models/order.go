package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shiwuteam/shiwu-backend/pkg/enums"
)

// Order represents a single-product second-hand order between two users.
// PriorStatus remembers the pre-return state so a rejected return request
// can restore it.
type Order struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID       uuid.UUID          `gorm:"column:buyer_id;type:uuid;not null;index:idx_orders_buyer"`
	SellerID      uuid.UUID          `gorm:"column:seller_id;type:uuid;not null;index:idx_orders_seller"`
	ProductID     uuid.UUID          `gorm:"column:product_id;type:uuid;not null"`
	Status        enums.OrderStatus  `gorm:"column:status;type:text;not null;default:'pending_payment'"`
	PriorStatus   *enums.OrderStatus `gorm:"column:prior_status;type:text"`
	PriceSnapshot decimal.Decimal    `gorm:"column:price_snapshot;type:numeric(12,2);not null"`
	TitleSnapshot string             `gorm:"column:title_snapshot;type:text;not null"`
	ReturnReason  *string            `gorm:"column:return_reason;type:text"`
	CompletedAt   *time.Time         `gorm:"column:completed_at"`
	CancelledAt   *time.Time         `gorm:"column:cancelled_at"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}
