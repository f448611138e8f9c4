package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shiwuteam/shiwu-backend/internal/ledger"
	"github.com/shiwuteam/shiwu-backend/internal/refunds"
	"github.com/shiwuteam/shiwu-backend/pkg/db/models"
	"github.com/shiwuteam/shiwu-backend/pkg/enums"
	pkgerrors "github.com/shiwuteam/shiwu-backend/pkg/errors"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

const maxReturnReasonLen = 200

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Ratings recomputes a seller's average after a completed sale.
// Fire-and-forget: a failure is logged and never blocks the order.
type Ratings interface {
	RecomputeSellerAverage(ctx context.Context, sellerID uuid.UUID) error
}

// Service owns the post-settlement order state machine.
type Service interface {
	Ship(ctx context.Context, orderID, sellerID uuid.UUID) (*models.Order, error)
	ConfirmReceipt(ctx context.Context, orderID, buyerID uuid.UUID) (*models.Order, error)
	ApplyForReturn(ctx context.Context, orderID, buyerID uuid.UUID, reason string) (*models.Order, error)
	ProcessReturnRequest(ctx context.Context, orderID, sellerID uuid.UUID, accept bool) (*models.Order, error)
	GetOrder(ctx context.Context, orderID, actorID uuid.UUID) (*models.Order, error)
	ListBuyerOrders(ctx context.Context, buyerID uuid.UUID) ([]models.Order, error)
	ListSellerOrders(ctx context.Context, sellerID uuid.UUID) ([]models.Order, error)
}

// Params configure the order service.
type Params struct {
	Repo    ledger.Repository
	Tx      txRunner
	Logger  *logger.Logger
	Refunds refunds.Service
	Ratings Ratings
}

type service struct {
	repo    ledger.Repository
	tx      txRunner
	logg    *logger.Logger
	refunds refunds.Service
	ratings Ratings
}

// NewService builds an order service.
func NewService(params Params) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Refunds == nil {
		return nil, fmt.Errorf("refund service required")
	}
	if params.Ratings == nil {
		return nil, fmt.Errorf("ratings collaborator required")
	}
	return &service{
		repo:    params.Repo,
		tx:      params.Tx,
		logg:    params.Logger,
		refunds: params.Refunds,
		ratings: params.Ratings,
	}, nil
}

func (s *service) Ship(ctx context.Context, orderID, sellerID uuid.UUID) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.SellerID != sellerID {
		return nil, pkgerrors.New(pkgerrors.CodePermissionDenied, "order does not belong to seller")
	}
	if order.Status != enums.OrderStatusAwaitingShipment {
		return nil, invalidState(order.Status)
	}

	ok, err := s.repo.UpdateOrderStatusIf(ctx, order.ID, enums.OrderStatusAwaitingShipment, enums.OrderStatusShipped, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "ship order")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidState, "order changed state before shipment")
	}

	order.Status = enums.OrderStatusShipped
	s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order shipped")
	return order, nil
}

func (s *service) ConfirmReceipt(ctx context.Context, orderID, buyerID uuid.UUID) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodePermissionDenied, "order does not belong to buyer")
	}
	if order.Status != enums.OrderStatusShipped {
		return nil, invalidState(order.Status)
	}

	completedAt := time.Now().UTC()
	ok, err := s.repo.UpdateOrderStatusIf(ctx, order.ID, enums.OrderStatusShipped, enums.OrderStatusCompleted, map[string]any{"completed_at": completedAt})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "confirm receipt")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidState, "order changed state before receipt confirmation")
	}

	order.Status = enums.OrderStatusCompleted
	order.CompletedAt = &completedAt

	if err := s.ratings.RecomputeSellerAverage(ctx, order.SellerID); err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, order.ID.String()), "seller rating recompute failed", err)
	}

	s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order completed")
	return order, nil
}

func (s *service) ApplyForReturn(ctx context.Context, orderID, buyerID uuid.UUID, reason string) (*models.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "return reason required")
	}
	if len(reason) > maxReturnReasonLen {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "return reason exceeds 200 characters")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodePermissionDenied, "order does not belong to buyer")
	}
	if order.Status != enums.OrderStatusAwaitingShipment && order.Status != enums.OrderStatusShipped {
		return nil, invalidState(order.Status)
	}

	// the pre-return status decides where a rejected return lands
	prior := order.Status
	ok, err := s.repo.UpdateOrderStatusIf(ctx, order.ID, prior, enums.OrderStatusReturnRequested, map[string]any{
		"return_reason": reason,
		"prior_status":  prior,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "apply for return")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidState, "order changed state before return request")
	}

	order.Status = enums.OrderStatusReturnRequested
	order.PriorStatus = &prior
	order.ReturnReason = &reason
	s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "return requested")
	return order, nil
}

func (s *service) ProcessReturnRequest(ctx context.Context, orderID, sellerID uuid.UUID, accept bool) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.SellerID != sellerID {
		return nil, pkgerrors.New(pkgerrors.CodePermissionDenied, "order does not belong to seller")
	}
	if order.Status != enums.OrderStatusReturnRequested {
		return nil, invalidState(order.Status)
	}

	if !accept {
		return s.rejectReturn(ctx, order)
	}
	return s.acceptReturn(ctx, order)
}

func (s *service) acceptReturn(ctx context.Context, order *models.Order) (*models.Order, error) {
	payment, err := s.repo.FindPaymentByOrderID(ctx, order.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeInvalidState, "no settled payment covers this order")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "load payment for refund")
	}

	reason := "return accepted"
	if order.ReturnReason != nil {
		reason = *order.ReturnReason
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		ok, err := repo.UpdateOrderStatusIf(ctx, order.ID, enums.OrderStatusReturnRequested, enums.OrderStatusReturned, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "mark order returned")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeInvalidState, "order changed state before return decision")
		}

		_, err = s.refunds.ProcessRefund(ctx, tx, refunds.ProcessRefundInput{
			Order:   order,
			Payment: payment,
			Reason:  reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	order.Status = enums.OrderStatusReturned
	s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "return accepted and refunded")
	return order, nil
}

func (s *service) rejectReturn(ctx context.Context, order *models.Order) (*models.Order, error) {
	restored := enums.OrderStatusShipped
	if order.PriorStatus != nil && order.PriorStatus.IsValid() {
		restored = *order.PriorStatus
	}

	ok, err := s.repo.UpdateOrderStatusIf(ctx, order.ID, enums.OrderStatusReturnRequested, restored, map[string]any{
		"prior_status": nil,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "restore order after rejected return")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidState, "order changed state before return decision")
	}

	order.Status = restored
	order.PriorStatus = nil
	s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "return rejected")
	return order, nil
}

// GetOrder returns the order only to one of its two parties.
func (s *service) GetOrder(ctx context.Context, orderID, actorID uuid.UUID) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != actorID && order.SellerID != actorID {
		return nil, pkgerrors.New(pkgerrors.CodePermissionDenied, "order does not belong to actor")
	}
	return order, nil
}

func (s *service) ListBuyerOrders(ctx context.Context, buyerID uuid.UUID) ([]models.Order, error) {
	if buyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer id required")
	}
	orders, err := s.repo.ListBuyerOrders(ctx, buyerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "list buyer orders")
	}
	return orders, nil
}

func (s *service) ListSellerOrders(ctx context.Context, sellerID uuid.UUID) ([]models.Order, error) {
	if sellerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller id required")
	}
	orders, err := s.repo.ListSellerOrders(ctx, sellerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "list seller orders")
	}
	return orders, nil
}

func (s *service) loadOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "load order")
	}
	return order, nil
}

func invalidState(current enums.OrderStatus) error {
	return pkgerrors.New(pkgerrors.CodeInvalidState, "action not allowed in current order state").
		WithDetails(map[string]any{"status": current})
}
