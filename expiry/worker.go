// Package expiry sweeps overdue orders into the expired terminal status.
// The deadline on the order row is authoritative; the sweep is only the
// enforcement mechanism, so a missed tick delays expiry without changing
// which orders expire.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlecore/engine"
	"settlecore/models"
	"settlecore/observability"
	"settlecore/status"
	"settlecore/store"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultBatchSize     = 100
	defaultSweepRate     = 20 // orders per second
	defaultSweepBurst    = 5
)

// Worker periodically expires overdue orders through the finalization
// engine, so escrow refunds and notifications follow the same paths as
// explicit cancellations.
type Worker struct {
	db       *gorm.DB
	engine   *engine.Engine
	logger   *slog.Logger
	metrics  *observability.ExpiryMetrics
	limiter  *rate.Limiter
	interval time.Duration
	batch    int
	now      func() time.Time
}

// Option customises the worker.
type Option func(*Worker)

// WithInterval sets the sweep cadence.
func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize bounds how many orders one sweep claims.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithRateLimit throttles expirations so a large overdue backlog cannot
// saturate the database.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(w *Worker) {
		if perSecond > 0 && burst > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// New constructs an expiry worker over the given engine.
func New(db *gorm.DB, eng *engine.Engine, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		db:       db,
		engine:   eng,
		logger:   logger,
		metrics:  observability.Expiry(),
		limiter:  rate.NewLimiter(rate.Limit(defaultSweepRate), defaultSweepBurst),
		interval: defaultSweepInterval,
		batch:    defaultBatchSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce expires every overdue, non-terminal order it can claim. Orders
// another writer holds locked or moved first are skipped, not errors. It
// returns the number of orders expired.
func (w *Worker) SweepOnce(ctx context.Context) (int, error) {
	now := w.now()
	query := w.db.WithContext(ctx).Model(&models.Order{}).
		Where("status NOT IN ? AND expires_at IS NOT NULL AND expires_at <= ?",
			[]status.Status{status.Completed, status.Cancelled, status.Expired}, now).
		Order("expires_at").
		Limit(w.batch)
	if w.db.Dialector.Name() == "postgres" {
		// Rows locked by an in-flight writer are not worth waiting for;
		// they are either about to move or will still be overdue next tick.
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var ids []uuid.UUID
	if err := query.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	expired := 0
	actor := status.Actor{Kind: status.ActorSystem}
	for _, id := range ids {
		if err := w.limiter.Wait(ctx); err != nil {
			return expired, err
		}
		_, err := w.engine.PatchStatus(ctx, id, status.Expired, actor, map[string]string{"reason": "order expired"})
		switch {
		case err == nil:
			expired++
			w.metrics.RecordSweep("expired")
		case isLostRace(err):
			w.metrics.RecordSweep("skipped")
		default:
			w.metrics.RecordSweep("error")
			w.logger.Error("order expiry failed", "order_id", id, "error", err)
		}
	}
	w.metrics.Heartbeat(w.now())
	if expired > 0 {
		w.logger.Info("expiry sweep finished", "expired", expired, "claimed", len(ids))
	}
	return expired, nil
}

// isLostRace reports whether the order was concurrently moved by another
// writer between the claim query and the expiry transaction.
func isLostRace(err error) bool {
	var denied *status.DeniedError
	if errors.As(err, &denied) {
		return true
	}
	return errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound)
}
