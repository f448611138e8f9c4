package refunds

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/shiwuteam/shiwu-backend/internal/ledger"
	"github.com/shiwuteam/shiwu-backend/pkg/db/models"
	dbtypes "github.com/shiwuteam/shiwu-backend/pkg/db/types"
	"github.com/shiwuteam/shiwu-backend/pkg/enums"
	pkgerrors "github.com/shiwuteam/shiwu-backend/pkg/errors"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

func setupRefundsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	refunds := `
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
	require.NoError(t, db.Exec(refunds).Error)
	return db
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func testOrder(buyer uuid.UUID) *models.Order {
	return &models.Order{
		ID:            uuid.New(),
		BuyerID:       buyer,
		SellerID:      uuid.New(),
		ProductID:     uuid.New(),
		Status:        enums.OrderStatusReturnRequested,
		PriceSnapshot: decimal.NewFromFloat(42.00),
		TitleSnapshot: "Desk Lamp",
	}
}

func testPayment(buyer uuid.UUID, orderID uuid.UUID) *models.Payment {
	return &models.Payment{
		ID:        uuid.New(),
		BuyerID:   buyer,
		OrderIDs:  dbtypes.UUIDArray{orderID},
		Amount:    decimal.NewFromFloat(42.00),
		Status:    enums.PaymentStatusSuccess,
		ExpiresAt: time.Now().UTC(),
	}
}

func TestProcessRefund_WritesCompletedRow(t *testing.T) {
	db := setupRefundsTestDB(t)
	svc, err := NewService(Params{Repo: ledger.NewRepository(db), Logger: testLogger()})
	require.NoError(t, err)

	buyer := uuid.New()
	order := testOrder(buyer)
	payment := testPayment(buyer, order.ID)

	refund, err := svc.ProcessRefund(context.Background(), db, ProcessRefundInput{
		Order:   order,
		Payment: payment,
		Reason:  "return accepted",
	})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusCompleted, refund.Status)
	assert.Equal(t, order.ID, refund.OrderID)
	assert.Equal(t, payment.ID, refund.PaymentID)
	assert.True(t, refund.Amount.Equal(order.PriceSnapshot))

	found, err := svc.GetRefundByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, refund.ID, found.ID)
}

func TestProcessRefund_RejectsSecondRefund(t *testing.T) {
	db := setupRefundsTestDB(t)
	svc, err := NewService(Params{Repo: ledger.NewRepository(db), Logger: testLogger()})
	require.NoError(t, err)

	buyer := uuid.New()
	order := testOrder(buyer)
	payment := testPayment(buyer, order.ID)

	_, err = svc.ProcessRefund(context.Background(), db, ProcessRefundInput{Order: order, Payment: payment, Reason: "first"})
	require.NoError(t, err)

	_, err = svc.ProcessRefund(context.Background(), db, ProcessRefundInput{Order: order, Payment: payment, Reason: "second"})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeAlreadyProcessed, typed.Code())
}

func TestGetRefundByOrder_AbsenceIsNil(t *testing.T) {
	db := setupRefundsTestDB(t)
	svc, err := NewService(Params{Repo: ledger.NewRepository(db), Logger: testLogger()})
	require.NoError(t, err)

	found, err := svc.GetRefundByOrder(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, found)
}
