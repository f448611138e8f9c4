package orders

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/shiwuteam/shiwu-backend/internal/ledger"
	"github.com/shiwuteam/shiwu-backend/internal/refunds"
	"github.com/shiwuteam/shiwu-backend/pkg/db/models"
	dbtypes "github.com/shiwuteam/shiwu-backend/pkg/db/types"
	"github.com/shiwuteam/shiwu-backend/pkg/enums"
	pkgerrors "github.com/shiwuteam/shiwu-backend/pkg/errors"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

func setupOrdersTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	orders := `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  buyer_id TEXT NOT NULL,
  seller_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending_payment',
  prior_status TEXT,
  price_snapshot NUMERIC NOT NULL,
  title_snapshot TEXT NOT NULL,
  return_reason TEXT,
  completed_at DATETIME,
  cancelled_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`
	payments := `
CREATE TABLE IF NOT EXISTS payments (
  id TEXT PRIMARY KEY,
  buyer_id TEXT NOT NULL,
  order_ids TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  status TEXT NOT NULL DEFAULT 'created',
  expires_at DATETIME NOT NULL,
  paid_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`
	refundsTable := `
CREATE TABLE IF NOT EXISTS refunds (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL UNIQUE,
  payment_id TEXT NOT NULL,
  buyer_id TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  status TEXT NOT NULL DEFAULT 'completed',
  reason TEXT NOT NULL,
  created_at DATETIME
);`
	require.NoError(t, db.Exec(orders).Error)
	require.NoError(t, db.Exec(payments).Error)
	require.NoError(t, db.Exec(refundsTable).Error)
	return db
}

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type fakeRatings struct {
	calls []uuid.UUID
	err   error
}

func (f *fakeRatings) RecomputeSellerAverage(ctx context.Context, sellerID uuid.UUID) error {
	f.calls = append(f.calls, sellerID)
	return f.err
}

func newTestService(t *testing.T, db *gorm.DB, ratings *fakeRatings) Service {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	repo := ledger.NewRepository(db)
	refundSvc, err := refunds.NewService(refunds.Params{Repo: repo, Logger: logg})
	require.NoError(t, err)
	svc, err := NewService(Params{
		Repo:    repo,
		Tx:      gormTxRunner{db: db},
		Logger:  logg,
		Refunds: refundSvc,
		Ratings: ratings,
	})
	require.NoError(t, err)
	return svc
}

func seedOrder(t *testing.T, db *gorm.DB, buyer, seller uuid.UUID, status enums.OrderStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:            uuid.New(),
		BuyerID:       buyer,
		SellerID:      seller,
		ProductID:     uuid.New(),
		Status:        status,
		PriceSnapshot: decimal.NewFromFloat(80.00),
		TitleSnapshot: "Graphing Calculator",
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func seedSettledPayment(t *testing.T, db *gorm.DB, buyer uuid.UUID, orderIDs ...uuid.UUID) *models.Payment {
	t.Helper()
	paidAt := time.Now().UTC()
	payment := &models.Payment{
		ID:        uuid.New(),
		BuyerID:   buyer,
		OrderIDs:  dbtypes.UUIDArray(orderIDs),
		Amount:    decimal.NewFromFloat(80.00),
		Status:    enums.PaymentStatusSuccess,
		ExpiresAt: paidAt.Add(15 * time.Minute),
		PaidAt:    &paidAt,
	}
	require.NoError(t, db.Create(payment).Error)
	return payment
}

func reloadOrder(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, db.Where("id = ?", id).First(&order).Error)
	return &order
}

func TestShip(t *testing.T) {
	db := setupOrdersTestDB(t)
	svc := newTestService(t, db, &fakeRatings{})
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	order := seedOrder(t, db, buyer, seller, enums.OrderStatusAwaitingShipment)

	shipped, err := svc.Ship(ctx, order.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusShipped, shipped.Status)
	assert.Equal(t, enums.OrderStatusShipped, reloadOrder(t, db, order.ID).Status)

	// wrong actor is a permission error, not a not-found
	_, err = svc.Ship(ctx, order.ID, uuid.New())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePermissionDenied, pkgerrors.As(err).Code())

	// already shipped
	_, err = svc.Ship(ctx, order.ID, seller)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInvalidState, pkgerrors.As(err).Code())

	// truly absent order
	_, err = svc.Ship(ctx, uuid.New(), seller)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestConfirmReceipt_CompletesAndFiresRatings(t *testing.T) {
	db := setupOrdersTestDB(t)
	ratings := &fakeRatings{}
	svc := newTestService(t, db, ratings)
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	order := seedOrder(t, db, buyer, seller, enums.OrderStatusShipped)

	completed, err := svc.ConfirmReceipt(ctx, order.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	assert.Equal(t, []uuid.UUID{seller}, ratings.calls)

	loaded := reloadOrder(t, db, order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
}

func TestConfirmReceipt_RatingsFailureDoesNotPropagate(t *testing.T) {
	db := setupOrdersTestDB(t)
	ratings := &fakeRatings{err: fmt.Errorf("ratings service down")}
	svc := newTestService(t, db, ratings)
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	order := seedOrder(t, db, buyer, seller, enums.OrderStatusShipped)

	completed, err := svc.ConfirmReceipt(ctx, order.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, completed.Status)
	assert.Len(t, ratings.calls, 1)
}

func TestConfirmReceipt_BuyerOnly(t *testing.T) {
	db := setupOrdersTestDB(t)
	svc := newTestService(t, db, &fakeRatings{})
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	order := seedOrder(t, db, buyer, seller, enums.OrderStatusShipped)

	_, err := svc.ConfirmReceipt(ctx, order.ID, seller)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePermissionDenied, pkgerrors.As(err).Code())
}

func TestApplyForReturn_StoresReasonAndPriorStatus(t *testing.T) {
	db := setupOrdersTestDB(t)
	svc := newTestService(t, db, &fakeRatings{})
	ctx := context.Background()

	for _, prior := range []enums.OrderStatus{enums.OrderStatusAwaitingShipment, enums.OrderStatusShipped} {
		t.Run(string(prior), func(t *testing.T) {
			buyer, seller := uuid.New(), uuid.New()
			order := seedOrder(t, db, buyer, seller, prior)

			requested, err := svc.ApplyForReturn(ctx, order.ID, buyer, "wrong color")
			require.NoError(t, err)
			assert.Equal(t, enums.OrderStatusReturnRequested, requested.Status)

			loaded := reloadOrder(t, db, order.ID)
			require.NotNil(t, loaded.PriorStatus)
			assert.Equal(t, prior, *loaded.PriorStatus)
			require.NotNil(t, loaded.ReturnReason)
			assert.Equal(t, "wrong color", *loaded.ReturnReason)
		})
	}
}

func TestApplyForReturn_ValidatesReason(t *testing.T) {
	db := setupOrdersTestDB(t)
	svc := newTestService(t, db, &fakeRatings{})
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	order := seedOrder(t, db, buyer, seller, enums.OrderStatusShipped)

	_, err := svc.ApplyForReturn(ctx, order.ID, buyer, "   ")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	_, err = svc.ApplyForReturn(ctx, order.ID, buyer, strings.Repeat("x", 201))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	// completed orders are past the return window
	done := seedOrder(t, db, buyer, seller, enums.OrderStatusCompleted)
	_, err = svc.ApplyForReturn(ctx, done.ID, buyer, "too late")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInvalidState, pkgerrors.As(err).Code())
}

func TestProcessReturnRequest_AcceptRefundsAndReturns(t *testing.T) {
	db := setupOrdersTestDB(t)
	svc := newTestService(t, db, &fakeRatings{})
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	order := seedOrder(t, db, buyer, seller, enums.OrderStatusShipped)
	payment := seedSettledPayment(t, db, buyer, order.ID)

	_, err := svc.ApplyForReturn(ctx, order.ID, buyer, "item damaged")
	require.NoError(t, err)

	returned, err := svc.ProcessReturnRequest(ctx, order.ID, seller, true)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusReturned, returned.Status)

	var refund models.Refund
	require.NoError(t, db.Where("order_id = ?", order.ID).First(&refund).Error)
	assert.Equal(t, payment.ID, refund.PaymentID)
	assert.Equal(t, enums.RefundStatusCompleted, refund.Status)
	assert.True(t, refund.Amount.Equal(order.PriceSnapshot))
	assert.Equal(t, "item damaged", refund.Reason)
}

func TestProcessReturnRequest_RejectRestoresPriorStatus(t *testing.T) {
	db := setupOrdersTestDB(t)
	svc := newTestService(t, db, &fakeRatings{})
	ctx := context.Background()

	for _, prior := range []enums.OrderStatus{enums.OrderStatusAwaitingShipment, enums.OrderStatusShipped} {
		t.Run(string(prior), func(t *testing.T) {
			buyer, seller := uuid.New(), uuid.New()
			order := seedOrder(t, db, buyer, seller, prior)

			_, err := svc.ApplyForReturn(ctx, order.ID, buyer, "changed my mind")
			require.NoError(t, err)

			restored, err := svc.ProcessReturnRequest(ctx, order.ID, seller, false)
			require.NoError(t, err)
			assert.Equal(t, prior, restored.Status)

			loaded := reloadOrder(t, db, order.ID)
			assert.Equal(t, prior, loaded.Status)
			assert.Nil(t, loaded.PriorStatus)
		})
	}
}

func TestProcessReturnRequest_SellerOnlyAndStateChecked(t *testing.T) {
	db := setupOrdersTestDB(t)
	svc := newTestService(t, db, &fakeRatings{})
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	order := seedOrder(t, db, buyer, seller, enums.OrderStatusShipped)

	_, err := svc.ProcessReturnRequest(ctx, order.ID, seller, true)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInvalidState, pkgerrors.As(err).Code())

	_, err = svc.ApplyForReturn(ctx, order.ID, buyer, "defective")
	require.NoError(t, err)

	_, err = svc.ProcessReturnRequest(ctx, order.ID, buyer, true)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePermissionDenied, pkgerrors.As(err).Code())
}

func TestGetOrderAndListings(t *testing.T) {
	db := setupOrdersTestDB(t)
	svc := newTestService(t, db, &fakeRatings{})
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	order := seedOrder(t, db, buyer, seller, enums.OrderStatusShipped)
	seedOrder(t, db, buyer, uuid.New(), enums.OrderStatusCompleted)

	got, err := svc.GetOrder(ctx, order.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	got, err = svc.GetOrder(ctx, order.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = svc.GetOrder(ctx, order.ID, uuid.New())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePermissionDenied, pkgerrors.As(err).Code())

	bought, err := svc.ListBuyerOrders(ctx, buyer)
	require.NoError(t, err)
	assert.Len(t, bought, 2)

	sold, err := svc.ListSellerOrders(ctx, seller)
	require.NoError(t, err)
	assert.Len(t, sold, 1)
}
