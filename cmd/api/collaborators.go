package main

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/shiwuteam/shiwu-backend/internal/checkout"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

// The catalog, ratings and audit services live in other deployments. These
// adapters log the outbound intent until their clients are wired in.

// errCatalogUnavailable is returned while no catalog client is configured, so
// checkout surfaces a storage failure instead of pretending the product does
// not exist.
var errCatalogUnavailable = errors.New("catalog client not configured")

type loggingCatalog struct {
	logg *logger.Logger
}

func newLoggingCatalog(logg *logger.Logger) *loggingCatalog {
	return &loggingCatalog{logg: logg}
}

func (c *loggingCatalog) Resolve(ctx context.Context, productID uuid.UUID) (*checkout.CatalogProduct, error) {
	c.logg.Warn(c.logg.WithField(ctx, "product_id", productID.String()), "catalog.resolve requested without a configured client")
	return nil, errCatalogUnavailable
}

func (c *loggingCatalog) Reserve(ctx context.Context, productID uuid.UUID) error {
	c.logg.Info(c.logg.WithField(ctx, "product_id", productID.String()), "catalog.reserve requested")
	return nil
}

func (c *loggingCatalog) MarkSold(ctx context.Context, productID uuid.UUID) error {
	c.logg.Info(c.logg.WithField(ctx, "product_id", productID.String()), "catalog.mark_sold requested")
	return nil
}

func (c *loggingCatalog) Release(ctx context.Context, productID uuid.UUID) error {
	c.logg.Info(c.logg.WithField(ctx, "product_id", productID.String()), "catalog.release requested")
	return nil
}

type loggingRatings struct {
	logg *logger.Logger
}

func (r loggingRatings) RecomputeSellerAverage(ctx context.Context, sellerID uuid.UUID) error {
	r.logg.Info(r.logg.WithUserID(ctx, sellerID.String()), "ratings.recompute requested")
	return nil
}

type loggingAudit struct {
	logg *logger.Logger
}

func (a loggingAudit) Record(ctx context.Context, event checkout.AuditEvent) error {
	logCtx := a.logg.WithFields(ctx, map[string]any{
		"action":    event.Action,
		"actor_id":  event.ActorID.String(),
		"target_id": event.TargetID.String(),
	})
	a.logg.Info(logCtx, "audit.event recorded")
	return nil
}
