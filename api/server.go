package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiwuteam/shiwu-backend/api/middleware"
	"github.com/shiwuteam/shiwu-backend/api/responses"
	"github.com/shiwuteam/shiwu-backend/internal/checkout"
	"github.com/shiwuteam/shiwu-backend/pkg/config"
	"github.com/shiwuteam/shiwu-backend/pkg/db"
	pkgerrors "github.com/shiwuteam/shiwu-backend/pkg/errors"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

// backlogProber reports how many pending payments are already past their
// window.
type backlogProber interface {
	ExpiredPaymentCount(ctx context.Context) (int64, error)
}

// NewRouter wires the operational surface: health, metrics, and the
// operator-only manual expiry trigger.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	gatherer prometheus.Gatherer,
	facade checkout.Facade,
	prober backlogProber,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Get("/healthz", healthzHandler(cfg, logg, dbP, prober))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Post("/internal/payments/{paymentID}/expire", forceExpireHandler(logg, facade))

	return r
}

func healthzHandler(cfg *config.Config, logg *logger.Logger, dbP db.Pinger, prober backlogProber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := dbP.Ping(ctx); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "database unreachable"))
			return
		}

		backlog, err := prober.ExpiredPaymentCount(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeStoreError, err, "expired payment probe failed"))
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"status":          "ok",
			"env":             cfg.App.Env,
			"expired_backlog": backlog,
		})
	}
}

// forceExpireHandler exposes the reconciler's manual trigger. The operator id
// comes from a header because the admin surface carries no sessions here.
func forceExpireHandler(logg *logger.Logger, facade checkout.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment id"))
			return
		}
		operatorID, err := uuid.Parse(r.Header.Get("X-Operator-Id"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid operator id"))
			return
		}

		result := facade.ForceExpirePayment(ctx, checkout.ForceExpireInput{
			PaymentID:  paymentID,
			OperatorID: operatorID,
		})
		responses.WriteResult(w, result)
	}
}
