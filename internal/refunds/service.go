package refunds

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shiwuteam/shiwu-backend/internal/ledger"
	"github.com/shiwuteam/shiwu-backend/pkg/db"
	"github.com/shiwuteam/shiwu-backend/pkg/db/models"
	"github.com/shiwuteam/shiwu-backend/pkg/enums"
	pkgerrors "github.com/shiwuteam/shiwu-backend/pkg/errors"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

// Service settles refunds synchronously. There is no external gateway; a
// refund is final the moment its row is written.
type Service interface {
	// ProcessRefund writes the refund row for the given order inside the
	// caller's transaction. At most one refund may exist per order.
	ProcessRefund(ctx context.Context, tx *gorm.DB, input ProcessRefundInput) (*models.Refund, error)
	// GetRefundByOrder returns nil when the order was never refunded.
	GetRefundByOrder(ctx context.Context, orderID uuid.UUID) (*models.Refund, error)
}

// ProcessRefundInput carries the already-validated order and payment rows.
type ProcessRefundInput struct {
	Order   *models.Order
	Payment *models.Payment
	Reason  string
}

// Params configure the refund service.
type Params struct {
	Repo   ledger.Repository
	Logger *logger.Logger
}

type service struct {
	repo ledger.Repository
	logg *logger.Logger
}

// NewService builds a refund service.
func NewService(params Params) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{repo: params.Repo, logg: params.Logger}, nil
}

func (s *service) ProcessRefund(ctx context.Context, tx *gorm.DB, input ProcessRefundInput) (*models.Refund, error) {
	if input.Order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required for refund")
	}
	if input.Payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment required for refund")
	}

	repo := s.repo.WithTx(tx)

	existing, err := repo.FindRefundByOrderID(ctx, input.Order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "lookup existing refund")
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "order already refunded")
	}

	refund := &models.Refund{
		ID:        uuid.New(),
		OrderID:   input.Order.ID,
		PaymentID: input.Payment.ID,
		BuyerID:   input.Order.BuyerID,
		Amount:    input.Order.PriceSnapshot,
		Status:    enums.RefundStatusCompleted,
		Reason:    input.Reason,
	}

	if _, err := repo.CreateRefund(ctx, refund); err != nil {
		// concurrent writer beat the existence check to the unique index
		if db.IsUniqueViolation(err, "idx_refunds_order") {
			return nil, pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "order already refunded")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "create refund")
	}

	logCtx := s.logg.WithOrderID(ctx, input.Order.ID.String())
	logCtx = s.logg.WithField(logCtx, "refund_id", refund.ID.String())
	logCtx = s.logg.WithField(logCtx, "amount", refund.Amount.String())
	s.logg.Info(logCtx, "refund settled")

	return refund, nil
}

func (s *service) GetRefundByOrder(ctx context.Context, orderID uuid.UUID) (*models.Refund, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	refund, err := s.repo.FindRefundByOrderID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "lookup refund")
	}
	return refund, nil
}
