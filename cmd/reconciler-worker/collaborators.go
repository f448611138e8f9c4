package main

import (
	"context"

	"github.com/google/uuid"
)

// noopCatalog satisfies the payment service's catalog dependency. The worker
// only drives expiries; catalog convergence happens in the api deployment.
type noopCatalog struct{}

func (noopCatalog) MarkSold(ctx context.Context, productID uuid.UUID) error { return nil }
func (noopCatalog) Release(ctx context.Context, productID uuid.UUID) error  { return nil }
