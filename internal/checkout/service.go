package checkout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/shiwuteam/shiwu-backend/internal/ledger"
	"github.com/shiwuteam/shiwu-backend/internal/orders"
	"github.com/shiwuteam/shiwu-backend/internal/payments"
	"github.com/shiwuteam/shiwu-backend/pkg/db/models"
	"github.com/shiwuteam/shiwu-backend/pkg/enums"
	pkgerrors "github.com/shiwuteam/shiwu-backend/pkg/errors"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// CatalogProduct is the slice of a listing the checkout flow needs.
type CatalogProduct struct {
	ID        uuid.UUID
	SellerID  uuid.UUID
	Title     string
	Price     decimal.Decimal
	Available bool
}

// Catalog resolves listings and reserves them while an order is open.
// Reserve failures are logged, never propagated; the ledger stays the source
// of truth and the catalog converges out of band.
type Catalog interface {
	Resolve(ctx context.Context, productID uuid.UUID) (*CatalogProduct, error)
	Reserve(ctx context.Context, productID uuid.UUID) error
}

// AuditEvent records who forced what outside the normal flow.
type AuditEvent struct {
	Action   string
	ActorID  uuid.UUID
	TargetID uuid.UUID
	Details  map[string]any
}

// Audit records high-risk operator actions. Best-effort.
type Audit interface {
	Record(ctx context.Context, event AuditEvent) error
}

// PaymentExpirer forces a payment through the expiry path.
type PaymentExpirer interface {
	HandleTimeout(ctx context.Context, paymentID uuid.UUID) (*payments.SettlementResult, error)
}

// Result is the uniform envelope every facade operation returns. Failures are
// folded in rather than surfaced as Go errors.
type Result struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// CreateOrdersInput opens one order per product for a single buyer.
type CreateOrdersInput struct {
	BuyerID    uuid.UUID   `json:"buyerId" validate:"required"`
	ProductIDs []uuid.UUID `json:"productIds" validate:"required,min=1,max=20"`
}

// CreatePaymentInput groups open orders under one payment.
type CreatePaymentInput struct {
	UserID   uuid.UUID   `json:"userId" validate:"required"`
	OrderIDs []uuid.UUID `json:"orderIds" validate:"required,min=1"`
}

// ProcessPaymentInput confirms a pending payment.
type ProcessPaymentInput struct {
	PaymentID       uuid.UUID `json:"paymentId" validate:"required"`
	UserID          uuid.UUID `json:"userId" validate:"required"`
	CredentialProof string    `json:"credentialProof" validate:"required"`
}

// PaymentActionInput addresses a payment on behalf of its buyer.
type PaymentActionInput struct {
	PaymentID uuid.UUID `json:"paymentId" validate:"required"`
	UserID    uuid.UUID `json:"userId" validate:"required"`
}

// OrderActionInput addresses an order on behalf of one of its parties.
type OrderActionInput struct {
	OrderID uuid.UUID `json:"orderId" validate:"required"`
	UserID  uuid.UUID `json:"userId" validate:"required"`
}

// ReturnRequestInput opens a return request.
type ReturnRequestInput struct {
	OrderID uuid.UUID `json:"orderId" validate:"required"`
	BuyerID uuid.UUID `json:"buyerId" validate:"required"`
	Reason  string    `json:"reason" validate:"required"`
}

// ReturnDecisionInput settles a return request.
type ReturnDecisionInput struct {
	OrderID  uuid.UUID `json:"orderId" validate:"required"`
	SellerID uuid.UUID `json:"sellerId" validate:"required"`
	Accept   bool      `json:"accept"`
}

// ForceExpireInput is the operator-facing manual expiry trigger.
type ForceExpireInput struct {
	PaymentID  uuid.UUID `json:"paymentId" validate:"required"`
	OperatorID uuid.UUID `json:"operatorId" validate:"required"`
}

// Facade fronts the whole order/payment lifecycle with one calling
// convention.
type Facade interface {
	CreateOrders(ctx context.Context, input CreateOrdersInput) Result
	CreatePayment(ctx context.Context, input CreatePaymentInput) Result
	ProcessPayment(ctx context.Context, input ProcessPaymentInput) Result
	CancelPayment(ctx context.Context, input PaymentActionInput) Result
	GetPaymentStatus(ctx context.Context, input PaymentActionInput) Result
	ShipOrder(ctx context.Context, input OrderActionInput) Result
	ConfirmReceipt(ctx context.Context, input OrderActionInput) Result
	ApplyForReturn(ctx context.Context, input ReturnRequestInput) Result
	ProcessReturnRequest(ctx context.Context, input ReturnDecisionInput) Result
	GetOrder(ctx context.Context, input OrderActionInput) Result
	ListBuyerOrders(ctx context.Context, buyerID uuid.UUID) Result
	ListSellerOrders(ctx context.Context, sellerID uuid.UUID) Result
	ForceExpirePayment(ctx context.Context, input ForceExpireInput) Result
}

// Params configure the facade.
type Params struct {
	Repo     ledger.Repository
	Tx       txRunner
	Logger   *logger.Logger
	Orders   orders.Service
	Payments payments.Service
	Expirer  PaymentExpirer
	Catalog  Catalog
	Audit    Audit
}

type facade struct {
	repo     ledger.Repository
	tx       txRunner
	logg     *logger.Logger
	orders   orders.Service
	payments payments.Service
	expirer  PaymentExpirer
	catalog  Catalog
	audit    Audit
}

// NewFacade builds the lifecycle facade.
func NewFacade(params Params) (Facade, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order service required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment service required")
	}
	if params.Expirer == nil {
		return nil, fmt.Errorf("payment expirer required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog collaborator required")
	}
	if params.Audit == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	return &facade{
		repo:     params.Repo,
		tx:       params.Tx,
		logg:     params.Logger,
		orders:   params.Orders,
		payments: params.Payments,
		expirer:  params.Expirer,
		catalog:  params.Catalog,
		audit:    params.Audit,
	}, nil
}

func (f *facade) CreateOrders(ctx context.Context, input CreateOrdersInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	seen := make(map[uuid.UUID]struct{}, len(input.ProductIDs))
	for _, id := range input.ProductIDs {
		if id == uuid.Nil {
			return failure(pkgerrors.New(pkgerrors.CodeValidation, "product id must not be empty"))
		}
		if _, dup := seen[id]; dup {
			return failure(pkgerrors.New(pkgerrors.CodeValidation, "duplicate product id in checkout"))
		}
		seen[id] = struct{}{}
	}

	// all-or-nothing: resolve everything before writing anything
	products := make([]*CatalogProduct, 0, len(input.ProductIDs))
	for _, productID := range input.ProductIDs {
		product, err := f.catalog.Resolve(ctx, productID)
		if err != nil {
			return failure(pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "resolve product"))
		}
		if product == nil {
			return failure(pkgerrors.New(pkgerrors.CodeNotFound, "product not found"))
		}
		if product.SellerID == input.BuyerID {
			return failure(pkgerrors.New(pkgerrors.CodeValidation, "buyer cannot purchase own product"))
		}
		if !product.Available {
			return failure(pkgerrors.New(pkgerrors.CodeInvalidState, "product is not available").
				WithDetails(map[string]any{"product_id": product.ID}))
		}
		products = append(products, product)
	}

	created := make([]models.Order, 0, len(products))
	err := f.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := f.repo.WithTx(tx)
		for _, product := range products {
			order := &models.Order{
				ID:            uuid.New(),
				BuyerID:       input.BuyerID,
				SellerID:      product.SellerID,
				ProductID:     product.ID,
				Status:        enums.OrderStatusPendingPayment,
				PriceSnapshot: product.Price,
				TitleSnapshot: product.Title,
			}
			if _, err := repo.CreateOrder(ctx, order); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "create order")
			}
			created = append(created, *order)
		}
		return nil
	})
	if err != nil {
		return failure(err)
	}

	for _, product := range products {
		if err := f.catalog.Reserve(ctx, product.ID); err != nil {
			s := f.logg.WithField(ctx, "product_id", product.ID.String())
			f.logg.Error(s, "product reservation failed", err)
		}
	}

	logCtx := f.logg.WithUserID(ctx, input.BuyerID.String())
	logCtx = f.logg.WithField(logCtx, "order_count", len(created))
	f.logg.Info(logCtx, "checkout created orders")
	return success(created)
}

func (f *facade) CreatePayment(ctx context.Context, input CreatePaymentInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	payment, err := f.payments.CreatePayment(ctx, payments.CreatePaymentInput{
		UserID:   input.UserID,
		OrderIDs: input.OrderIDs,
	})
	if err != nil {
		return failure(err)
	}
	return success(payment)
}

func (f *facade) ProcessPayment(ctx context.Context, input ProcessPaymentInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	result, err := f.payments.ProcessPayment(ctx, payments.ProcessPaymentInput{
		PaymentID:       input.PaymentID,
		UserID:          input.UserID,
		CredentialProof: input.CredentialProof,
	})
	if err != nil {
		return failure(err)
	}
	return success(result)
}

func (f *facade) CancelPayment(ctx context.Context, input PaymentActionInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	result, err := f.payments.CancelPayment(ctx, input.PaymentID, input.UserID)
	if err != nil {
		return failure(err)
	}
	return success(result)
}

func (f *facade) GetPaymentStatus(ctx context.Context, input PaymentActionInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	payment, err := f.payments.GetPaymentStatus(ctx, input.PaymentID, input.UserID)
	if err != nil {
		return failure(err)
	}
	return success(payment)
}

func (f *facade) ShipOrder(ctx context.Context, input OrderActionInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	order, err := f.orders.Ship(ctx, input.OrderID, input.UserID)
	if err != nil {
		return failure(err)
	}
	return success(order)
}

func (f *facade) ConfirmReceipt(ctx context.Context, input OrderActionInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	order, err := f.orders.ConfirmReceipt(ctx, input.OrderID, input.UserID)
	if err != nil {
		return failure(err)
	}
	return success(order)
}

func (f *facade) ApplyForReturn(ctx context.Context, input ReturnRequestInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	order, err := f.orders.ApplyForReturn(ctx, input.OrderID, input.BuyerID, input.Reason)
	if err != nil {
		return failure(err)
	}
	return success(order)
}

func (f *facade) ProcessReturnRequest(ctx context.Context, input ReturnDecisionInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	order, err := f.orders.ProcessReturnRequest(ctx, input.OrderID, input.SellerID, input.Accept)
	if err != nil {
		return failure(err)
	}
	return success(order)
}

func (f *facade) GetOrder(ctx context.Context, input OrderActionInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}
	order, err := f.orders.GetOrder(ctx, input.OrderID, input.UserID)
	if err != nil {
		return failure(err)
	}
	return success(order)
}

func (f *facade) ListBuyerOrders(ctx context.Context, buyerID uuid.UUID) Result {
	list, err := f.orders.ListBuyerOrders(ctx, buyerID)
	if err != nil {
		return failure(err)
	}
	return success(list)
}

func (f *facade) ListSellerOrders(ctx context.Context, sellerID uuid.UUID) Result {
	list, err := f.orders.ListSellerOrders(ctx, sellerID)
	if err != nil {
		return failure(err)
	}
	return success(list)
}

// ForceExpirePayment bypasses the schedule to expire one payment now. Audited
// because it mutates another user's payment.
func (f *facade) ForceExpirePayment(ctx context.Context, input ForceExpireInput) Result {
	if err := validateInput(input); err != nil {
		return failure(err)
	}

	result, err := f.expirer.HandleTimeout(ctx, input.PaymentID)

	event := AuditEvent{
		Action:   "payment.force_expire",
		ActorID:  input.OperatorID,
		TargetID: input.PaymentID,
		Details:  map[string]any{"succeeded": err == nil},
	}
	if auditErr := f.audit.Record(ctx, event); auditErr != nil {
		f.logg.Error(f.logg.WithPaymentID(ctx, input.PaymentID.String()), "audit record failed", auditErr)
	}

	if err != nil {
		return failure(err)
	}
	return success(result)
}

func success(data any) Result {
	return Result{Success: true, Data: data}
}

// failure maps a typed error onto the envelope. Codes whose metadata forbids
// detail exposure fall back to the public message so existence never leaks.
func failure(err error) Result {
	typed := pkgerrors.As(err)
	if typed == nil {
		meta := pkgerrors.MetadataFor(pkgerrors.CodeInternal)
		return Result{
			Success:      false,
			ErrorCode:    string(pkgerrors.CodeInternal),
			ErrorMessage: meta.PublicMessage,
		}
	}
	meta := pkgerrors.MetadataFor(typed.Code())
	message := typed.Message()
	if !meta.DetailsAllowed {
		message = meta.PublicMessage
	}
	return Result{
		Success:      false,
		ErrorCode:    string(typed.Code()),
		ErrorMessage: message,
	}
}
