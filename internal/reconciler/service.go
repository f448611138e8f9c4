package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/shiwuteam/shiwu-backend/internal/payments"
	"github.com/shiwuteam/shiwu-backend/pkg/db/models"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
	"github.com/shiwuteam/shiwu-backend/pkg/metrics"
)

const (
	// SweeperName labels logs and metrics for this reconciler.
	SweeperName = "payment-timeout"

	defaultInterval      = time.Minute
	defaultShutdownGrace = 30 * time.Second
)

// Store is the slice of the ledger the sweeper reads.
type Store interface {
	FindExpiredPendingPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
	CountExpiredPendingPayments(ctx context.Context, cutoff time.Time) (int64, error)
}

// PaymentExpirer drives a single payment through the expiry path.
type PaymentExpirer interface {
	HandleTimeout(ctx context.Context, paymentID uuid.UUID) (*payments.SettlementResult, error)
}

// SweepSummary reports one reconciliation run.
type SweepSummary struct {
	Found     int
	Succeeded int
	Failed    int
	NoOps     int
}

// Params configure the reconciler.
type Params struct {
	Store         Store
	Payments      PaymentExpirer
	Logger        *logger.Logger
	Metrics       *metrics.SweepMetrics
	Lock          Lock
	Interval      time.Duration
	BatchSize     int
	ShutdownGrace time.Duration
}

// Service periodically expires abandoned pending payments. User actions and
// the sweep race on the same rows; the ledger's conditional writes decide the
// winner, so every step here is safe to repeat.
type Service struct {
	store    Store
	payments PaymentExpirer
	logg     *logger.Logger
	metrics  *metrics.SweepMetrics
	lock     Lock
	interval time.Duration
	batch    int
	grace    time.Duration

	mu       sync.Mutex
	running  bool
	stopping chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewService builds a reconciler.
func NewService(params Params) (*Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	grace := params.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	return &Service{
		store:    params.Store,
		payments: params.Payments,
		logg:     params.Logger,
		metrics:  params.Metrics,
		lock:     params.Lock,
		interval: interval,
		batch:    params.BatchSize,
		grace:    grace,
	}, nil
}

// Start launches the sweep loop. Calling Start on a running service is a
// no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopping = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.stopping, s.done)
	s.logg.Info(loopCtx, "payment timeout reconciler started")
}

// Stop halts the loop, waiting up to the shutdown grace for an in-flight
// sweep before force-cancelling it. Calling Stop on a stopped service is a
// no-op. The mutex is held for the whole drain so a concurrent Start cannot
// spawn a second loop over the same lock.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	close(s.stopping)

	select {
	case <-s.done:
	case <-time.After(s.grace):
		s.logg.Warn(context.Background(), "reconciler shutdown grace exceeded; cancelling in-flight sweep")
		s.cancel()
		<-s.done
	}
	s.cancel()
	s.running = false
	s.logg.Info(context.Background(), "payment timeout reconciler stopped")
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context, stopping <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopping:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		s.logg.Error(ctx, "reconciler lock acquire failed", err)
		return
	}
	if !locked {
		s.logg.Info(ctx, "another reconciler instance holds the lock; skipping sweep")
		return
	}
	defer func() {
		if relErr := s.lock.Release(ctx); relErr != nil {
			s.logg.Error(ctx, "failed to release reconciler lock", relErr)
		}
	}()

	if _, err := s.Sweep(ctx); err != nil {
		s.logg.Error(ctx, "sweep finished with failures", err)
	}
}

// Sweep runs one scan-and-expire pass. Per-payment failures are isolated:
// they are collected into the returned error but never abort the pass.
func (s *Service) Sweep(ctx context.Context) (SweepSummary, error) {
	start := time.Now()
	summary := SweepSummary{}

	expired, err := s.store.FindExpiredPendingPayments(ctx, time.Now().UTC(), s.batch)
	if err != nil {
		return summary, fmt.Errorf("scan expired payments: %w", err)
	}
	summary.Found = len(expired)
	s.metrics.SetBacklog(summary.Found)

	var errs error
	for _, payment := range expired {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		result, err := s.payments.HandleTimeout(ctx, payment.ID)
		if err != nil {
			summary.Failed++
			logCtx := s.logg.WithPaymentID(ctx, payment.ID.String())
			s.logg.Error(logCtx, "expiring payment failed", err)
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", payment.ID, err))
			continue
		}
		if result.NoOp {
			summary.NoOps++
			continue
		}
		summary.Succeeded++
	}

	duration := time.Since(start)
	s.metrics.ObserveDuration(SweeperName, duration)
	s.metrics.AddHandled(SweeperName, summary.Succeeded)
	s.metrics.AddFailed(SweeperName, summary.Failed)

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"sweeper":     SweeperName,
		"found":       summary.Found,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"noops":       summary.NoOps,
		"duration_ms": duration.Milliseconds(),
	})
	if summary.Failed > 0 {
		s.logg.Warn(logCtx, "sweep completed with failures")
	} else {
		s.logg.Info(logCtx, "sweep completed")
	}

	return summary, errs
}

// HandleExpiredPayment is the operator-facing manual trigger for a single
// payment, outside the schedule.
func (s *Service) HandleExpiredPayment(ctx context.Context, paymentID uuid.UUID) (*payments.SettlementResult, error) {
	return s.payments.HandleTimeout(ctx, paymentID)
}

// ExpiredPaymentCount reports how many pending payments are past their
// window right now. Used as a health probe.
func (s *Service) ExpiredPaymentCount(ctx context.Context) (int64, error) {
	return s.store.CountExpiredPendingPayments(ctx, time.Now().UTC())
}
