package payments

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/shiwuteam/shiwu-backend/internal/ledger"
	"github.com/shiwuteam/shiwu-backend/pkg/db/models"
	dbtypes "github.com/shiwuteam/shiwu-backend/pkg/db/types"
	"github.com/shiwuteam/shiwu-backend/pkg/enums"
	pkgerrors "github.com/shiwuteam/shiwu-backend/pkg/errors"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

// DefaultExpiryWindow is how long a buyer has to confirm a pending payment.
const DefaultExpiryWindow = 15 * time.Minute

// credential proof is simulated: any six digit code settles.
var proofPattern = regexp.MustCompile(`^\d{6}$`)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Catalog flips product availability as payments settle or unwind.
// Failures here are logged, never propagated; the ledger is the source of
// truth and the catalog converges out of band.
type Catalog interface {
	MarkSold(ctx context.Context, productID uuid.UUID) error
	Release(ctx context.Context, productID uuid.UUID) error
}

// SettlementResult reports the per-order outcome of a payment-level
// transition. Skipped orders drifted to another status before the
// conditional write landed and need out-of-band reconciliation.
type SettlementResult struct {
	PaymentID     uuid.UUID
	PaymentStatus enums.PaymentStatus
	NoOp          bool
	Transitioned  []uuid.UUID
	Skipped       []uuid.UUID
}

// Service owns the payment state machine.
type Service interface {
	CreatePayment(ctx context.Context, input CreatePaymentInput) (*models.Payment, error)
	ProcessPayment(ctx context.Context, input ProcessPaymentInput) (*SettlementResult, error)
	CancelPayment(ctx context.Context, paymentID, userID uuid.UUID) (*SettlementResult, error)
	HandleTimeout(ctx context.Context, paymentID uuid.UUID) (*SettlementResult, error)
	GetPaymentStatus(ctx context.Context, paymentID, userID uuid.UUID) (*models.Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
}

// CreatePaymentInput covers one checkout's worth of orders for a single buyer.
type CreatePaymentInput struct {
	UserID   uuid.UUID
	OrderIDs []uuid.UUID
}

// ProcessPaymentInput carries the buyer's settlement confirmation.
type ProcessPaymentInput struct {
	PaymentID       uuid.UUID
	UserID          uuid.UUID
	CredentialProof string
}

// Params configure the payment service.
type Params struct {
	Repo         ledger.Repository
	Tx           txRunner
	Logger       *logger.Logger
	Catalog      Catalog
	ExpiryWindow time.Duration
}

type service struct {
	repo         ledger.Repository
	tx           txRunner
	logg         *logger.Logger
	catalog      Catalog
	expiryWindow time.Duration
}

// NewService builds a payment service.
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
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog collaborator required")
	}
	window := params.ExpiryWindow
	if window <= 0 {
		window = DefaultExpiryWindow
	}
	return &service{
		repo:         params.Repo,
		tx:           params.Tx,
		logg:         params.Logger,
		catalog:      params.Catalog,
		expiryWindow: window,
	}, nil
}

func (s *service) CreatePayment(ctx context.Context, input CreatePaymentInput) (*models.Payment, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if len(input.OrderIDs) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one order id required")
	}
	seen := make(map[uuid.UUID]struct{}, len(input.OrderIDs))
	for _, id := range input.OrderIDs {
		if id == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "duplicate order id in batch")
		}
		seen[id] = struct{}{}
	}

	orders, err := s.repo.FindOrdersByIDs(ctx, input.OrderIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "load orders for payment")
	}
	if len(orders) != len(input.OrderIDs) {
		return nil, pkgerrors.New(pkgerrors.CodeOrderNotPayable, "one or more orders do not exist")
	}

	total := decimal.Zero
	for _, order := range orders {
		if order.BuyerID != input.UserID {
			return nil, pkgerrors.New(pkgerrors.CodeOrderNotPayable, "order does not belong to buyer")
		}
		if order.Status != enums.OrderStatusPendingPayment {
			return nil, pkgerrors.New(pkgerrors.CodeOrderNotPayable, "order is not awaiting payment").
				WithDetails(map[string]any{"order_id": order.ID, "status": order.Status})
		}
		total = total.Add(order.PriceSnapshot)
	}

	now := time.Now().UTC()
	payment := &models.Payment{
		ID:        uuid.New(),
		BuyerID:   input.UserID,
		OrderIDs:  dbtypes.UUIDArray(input.OrderIDs),
		Amount:    total,
		Status:    enums.PaymentStatusPending,
		ExpiresAt: now.Add(s.expiryWindow),
	}
	if _, err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "create payment")
	}

	logCtx := s.logg.WithPaymentID(ctx, payment.ID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"order_count": len(input.OrderIDs),
		"amount":      total.String(),
		"expires_at":  payment.ExpiresAt,
	})
	s.logg.Info(logCtx, "payment created")

	return payment, nil
}

func (s *service) ProcessPayment(ctx context.Context, input ProcessPaymentInput) (*SettlementResult, error) {
	if input.PaymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	payment, err := s.loadPayment(ctx, input.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.BuyerID != input.UserID {
		return nil, pkgerrors.New(pkgerrors.CodePermissionDenied, "payment does not belong to user")
	}
	if payment.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "payment already reached a terminal state").
			WithDetails(map[string]any{"status": payment.Status})
	}

	if time.Now().UTC().After(payment.ExpiresAt) {
		// expire it now rather than waiting for the next sweep
		if _, timeoutErr := s.HandleTimeout(ctx, payment.ID); timeoutErr != nil {
			s.logg.Error(s.logg.WithPaymentID(ctx, payment.ID.String()), "inline expiry after late confirmation failed", timeoutErr)
		}
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyExpired, "payment window has expired")
	}

	if !proofPattern.MatchString(input.CredentialProof) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credential proof must be six digits")
	}

	result := &SettlementResult{PaymentID: payment.ID, PaymentStatus: enums.PaymentStatusSuccess}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		paidAt := time.Now().UTC()
		ok, err := repo.UpdatePaymentStatusIf(ctx, payment.ID, enums.PaymentStatusPending, enums.PaymentStatusSuccess, map[string]any{"paid_at": paidAt})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "settle payment")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "payment was settled or expired concurrently")
		}

		s.transitionOrders(ctx, repo, payment, enums.OrderStatusPendingPayment, enums.OrderStatusAwaitingShipment, nil, result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.markProductsSold(ctx, payment, result.Transitioned)
	s.logSettlement(ctx, "payment settled", payment, result)
	return result, nil
}

func (s *service) CancelPayment(ctx context.Context, paymentID, userID uuid.UUID) (*SettlementResult, error) {
	if paymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	payment, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.BuyerID != userID {
		return nil, pkgerrors.New(pkgerrors.CodePermissionDenied, "payment does not belong to user")
	}
	if payment.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "payment already reached a terminal state").
			WithDetails(map[string]any{"status": payment.Status})
	}

	result := &SettlementResult{PaymentID: payment.ID, PaymentStatus: enums.PaymentStatusCancelled}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		ok, err := repo.UpdatePaymentStatusIf(ctx, payment.ID, enums.PaymentStatusPending, enums.PaymentStatusCancelled, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "cancel payment")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeAlreadyProcessed, "payment was settled or expired concurrently")
		}

		cancelledAt := time.Now().UTC()
		s.transitionOrders(ctx, repo, payment, enums.OrderStatusPendingPayment, enums.OrderStatusCancelled, map[string]any{"cancelled_at": cancelledAt}, result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.releaseProducts(ctx, payment, result.Transitioned)
	s.logSettlement(ctx, "payment cancelled", payment, result)
	return result, nil
}

// HandleTimeout forces a pending, past-window payment through the expiry
// path. Terminal payments return a success no-op so a racing user action and
// the reconciler can both call it safely.
func (s *service) HandleTimeout(ctx context.Context, paymentID uuid.UUID) (*SettlementResult, error) {
	if paymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}

	payment, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status.IsTerminal() {
		return &SettlementResult{PaymentID: payment.ID, PaymentStatus: payment.Status, NoOp: true}, nil
	}
	if time.Now().UTC().Before(payment.ExpiresAt) {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidState, "payment window is still open")
	}

	result := &SettlementResult{PaymentID: payment.ID, PaymentStatus: enums.PaymentStatusExpired}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		ok, err := repo.UpdatePaymentStatusIf(ctx, payment.ID, enums.PaymentStatusPending, enums.PaymentStatusExpired, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "expire payment")
		}
		if !ok {
			// lost the race to a user action; report the state that won
			current, err := repo.FindPaymentByID(ctx, payment.ID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "reload payment after lost race")
			}
			result.PaymentStatus = current.Status
			result.NoOp = true
			return nil
		}

		cancelledAt := time.Now().UTC()
		s.transitionOrders(ctx, repo, payment, enums.OrderStatusPendingPayment, enums.OrderStatusCancelled, map[string]any{"cancelled_at": cancelledAt}, result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.NoOp {
		return result, nil
	}

	s.releaseProducts(ctx, payment, result.Transitioned)
	s.logSettlement(ctx, "payment expired", payment, result)
	return result, nil
}

func (s *service) GetPaymentStatus(ctx context.Context, paymentID, userID uuid.UUID) (*models.Payment, error) {
	if paymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}
	payment, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.BuyerID != userID {
		return nil, pkgerrors.New(pkgerrors.CodePermissionDenied, "payment does not belong to user")
	}
	return payment, nil
}

func (s *service) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	payment, err := s.repo.FindPaymentByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no payment covers this order")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "lookup payment by order")
	}
	return payment, nil
}

func (s *service) loadPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.FindPaymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "load payment")
	}
	return payment, nil
}

// transitionOrders applies the per-order conditional writes for a committed
// payment-level transition. Drifted orders are skipped and recorded, never
// fatal.
func (s *service) transitionOrders(ctx context.Context, repo ledger.Repository, payment *models.Payment, from, to enums.OrderStatus, extra map[string]any, result *SettlementResult) {
	for _, orderID := range payment.OrderIDs {
		ok, err := repo.UpdateOrderStatusIf(ctx, orderID, from, to, extra)
		if err != nil {
			logCtx := s.logg.WithPaymentID(ctx, payment.ID.String())
			logCtx = s.logg.WithOrderID(logCtx, orderID.String())
			s.logg.Error(logCtx, "order transition write failed", err)
			result.Skipped = append(result.Skipped, orderID)
			continue
		}
		if !ok {
			logCtx := s.logg.WithPaymentID(ctx, payment.ID.String())
			logCtx = s.logg.WithOrderID(logCtx, orderID.String())
			s.logg.Warn(logCtx, "order drifted before payment transition; skipped")
			result.Skipped = append(result.Skipped, orderID)
			continue
		}
		result.Transitioned = append(result.Transitioned, orderID)
	}
}

func (s *service) markProductsSold(ctx context.Context, payment *models.Payment, orderIDs []uuid.UUID) {
	s.forEachProduct(ctx, payment, orderIDs, s.catalog.MarkSold, "mark product sold failed")
}

func (s *service) releaseProducts(ctx context.Context, payment *models.Payment, orderIDs []uuid.UUID) {
	s.forEachProduct(ctx, payment, orderIDs, s.catalog.Release, "release product failed")
}

func (s *service) forEachProduct(ctx context.Context, payment *models.Payment, orderIDs []uuid.UUID, fn func(context.Context, uuid.UUID) error, failMsg string) {
	if len(orderIDs) == 0 {
		return
	}
	orders, err := s.repo.FindOrdersByIDs(ctx, orderIDs)
	if err != nil {
		s.logg.Error(s.logg.WithPaymentID(ctx, payment.ID.String()), "load orders for catalog update failed", err)
		return
	}
	for _, order := range orders {
		if err := fn(ctx, order.ProductID); err != nil {
			logCtx := s.logg.WithOrderID(ctx, order.ID.String())
			s.logg.Error(logCtx, failMsg, err)
		}
	}
}

func (s *service) logSettlement(ctx context.Context, msg string, payment *models.Payment, result *SettlementResult) {
	logCtx := s.logg.WithPaymentID(ctx, payment.ID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"transitioned": len(result.Transitioned),
		"skipped":      len(result.Skipped),
	})
	if len(result.Skipped) > 0 {
		s.logg.Warn(logCtx, msg+" with drifted orders")
		return
	}
	s.logg.Info(logCtx, msg)
}
