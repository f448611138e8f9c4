package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shiwuteam/shiwu-backend/pkg/db/models"
	"github.com/shiwuteam/shiwu-backend/pkg/enums"
)

// Repository is the single arbiter over the order/payment/refund tables.
// Conditional writes compare-and-swap on the current status column; callers
// decide what a false transition means.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	FindOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindOrdersByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Order, error)
	ListBuyerOrders(ctx context.Context, buyerID uuid.UUID) ([]models.Order, error)
	ListSellerOrders(ctx context.Context, sellerID uuid.UUID) ([]models.Order, error)
	UpdateOrderStatusIf(ctx context.Context, id uuid.UUID, from, to enums.OrderStatus, extra map[string]any) (bool, error)

	CreatePayment(ctx context.Context, payment *models.Payment) (*models.Payment, error)
	FindPaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	FindExpiredPendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
	CountExpiredPendingPayments(ctx context.Context, cutoff time.Time) (int64, error)
	UpdatePaymentStatusIf(ctx context.Context, id uuid.UUID, from, to enums.PaymentStatus, extra map[string]any) (bool, error)

	CreateRefund(ctx context.Context, refund *models.Refund) (*models.Refund, error)
	FindRefundByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Refund, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a ledger repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

func (r *repository) FindOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindOrdersByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) ListBuyerOrders(ctx context.Context, buyerID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) ListSellerOrders(ctx context.Context, sellerID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("seller_id = ?", sellerID).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) UpdateOrderStatusIf(ctx context.Context, id uuid.UUID, from, to enums.OrderStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) CreatePayment(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		return nil, err
	}
	return payment, nil
}

func (r *repository) FindPaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindPaymentByOrderID matches against the serialized order id list. IDs are
// fixed-width UUID strings, so a substring match cannot cross id boundaries.
func (r *repository) FindPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("order_ids LIKE ?", "%"+orderID.String()+"%").
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindExpiredPendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	query := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", enums.PaymentStatusPending, cutoff).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repository) CountExpiredPendingPayments(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("status = ? AND expires_at <= ?", enums.PaymentStatusPending, cutoff).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) UpdatePaymentStatusIf(ctx context.Context, id uuid.UUID, from, to enums.PaymentStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) CreateRefund(ctx context.Context, refund *models.Refund) (*models.Refund, error) {
	if err := r.db.WithContext(ctx).Create(refund).Error; err != nil {
		return nil, err
	}
	return refund, nil
}

// FindRefundByOrderID reports absence as (nil, nil).
func (r *repository) FindRefundByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&refund).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &refund, nil
}
