package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwuteam/shiwu-backend/internal/checkout"
	"github.com/shiwuteam/shiwu-backend/pkg/config"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error {
	return f.err
}

type fakeProber struct {
	count int64
	err   error
}

func (f fakeProber) ExpiredPaymentCount(ctx context.Context) (int64, error) {
	return f.count, f.err
}

type fakeFacade struct {
	checkout.Facade
	lastExpire checkout.ForceExpireInput
	result     checkout.Result
}

func (f *fakeFacade) ForceExpirePayment(ctx context.Context, input checkout.ForceExpireInput) checkout.Result {
	f.lastExpire = input
	return f.result
}

func newTestRouter(dbP fakePinger, prober fakeProber, facade *fakeFacade) http.Handler {
	cfg := &config.Config{}
	cfg.App.Env = "dev"
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	return NewRouter(cfg, logg, dbP, prometheus.NewRegistry(), facade, prober)
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(fakePinger{}, fakeProber{count: 3}, &fakeFacade{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body checkout.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	data := body.Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.EqualValues(t, 3, data["expired_backlog"])
}

func TestHealthz_DBDown(t *testing.T) {
	router := newTestRouter(fakePinger{err: fmt.Errorf("connection refused")}, fakeProber{}, &fakeFacade{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(fakePinger{}, fakeProber{}, &fakeFacade{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForceExpireEndpoint(t *testing.T) {
	facade := &fakeFacade{result: checkout.Result{Success: true}}
	router := newTestRouter(fakePinger{}, fakeProber{}, facade)

	paymentID := uuid.New()
	operatorID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/internal/payments/"+paymentID.String()+"/expire", nil)
	req.Header.Set("X-Operator-Id", operatorID.String())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, paymentID, facade.lastExpire.PaymentID)
	assert.Equal(t, operatorID, facade.lastExpire.OperatorID)
}

func TestForceExpireEndpoint_Validation(t *testing.T) {
	facade := &fakeFacade{result: checkout.Result{Success: true}}
	router := newTestRouter(fakePinger{}, fakeProber{}, facade)

	// garbage payment id
	req := httptest.NewRequest(http.MethodPost, "/internal/payments/not-a-uuid/expire", nil)
	req.Header.Set("X-Operator-Id", uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// missing operator header
	req = httptest.NewRequest(http.MethodPost, "/internal/payments/"+uuid.NewString()+"/expire", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
