package outbox

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"settlecore/models"
	"settlecore/observability"
)

const (
	defaultBatchSize       = 50
	defaultDrainInterval   = 2 * time.Second
	defaultDeliveryTimeout = 10 * time.Second
	backoffBase            = 10 * time.Second
	backoffCap             = 5 * time.Minute
	stuckAge               = 5 * time.Minute
)

// Deliverer is the narrow contract external collaborators implement.
type Deliverer interface {
	Deliver(ctx context.Context, eventType string, payload []byte) error
}

// Drainer claims pending outbox rows and pushes them to the configured
// sinks. Delivery happens strictly outside any writing transaction.
type Drainer struct {
	db              *gorm.DB
	sinks           []Deliverer
	logger          *slog.Logger
	metrics         *observability.OutboxMetrics
	batchSize       int
	interval        time.Duration
	deliveryTimeout time.Duration
	now             func() time.Time
}

// DrainerOption customises the drainer.
type DrainerOption func(*Drainer)

// WithBatchSize bounds the number of rows claimed per drain pass.
func WithBatchSize(n int) DrainerOption {
	return func(d *Drainer) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithInterval sets the drain cadence.
func WithInterval(interval time.Duration) DrainerOption {
	return func(d *Drainer) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithDeliveryTimeout bounds each sink call.
func WithDeliveryTimeout(timeout time.Duration) DrainerOption {
	return func(d *Drainer) {
		if timeout > 0 {
			d.deliveryTimeout = timeout
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) DrainerOption {
	return func(d *Drainer) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDrainer constructs a drainer delivering to the supplied sinks.
func NewDrainer(db *gorm.DB, logger *slog.Logger, sinks []Deliverer, opts ...DrainerOption) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Drainer{
		db:              db,
		sinks:           sinks,
		logger:          logger,
		metrics:         observability.Outbox(),
		batchSize:       defaultBatchSize,
		interval:        defaultDrainInterval,
		deliveryTimeout: defaultDeliveryTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains on a fixed cadence until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce claims one batch of due rows and attempts delivery. It returns
// the number of rows processed.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	now := d.now()
	var rows []models.OutboxNotification
	err := d.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ? AND attempts < max_attempts", models.OutboxPending, now).
		Order("created_at").
		Limit(d.batchSize).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	d.metrics.SetPending(len(rows))
	for i := range rows {
		d.process(ctx, &rows[i])
	}
	return len(rows), nil
}

func (d *Drainer) process(ctx context.Context, row *models.OutboxNotification) {
	deliverCtx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	err := d.deliver(deliverCtx, row)
	cancel()

	now := d.now()
	if err == nil {
		d.metrics.RecordDelivery("success")
		markErr := d.db.WithContext(ctx).Model(&models.OutboxNotification{}).
			Where("id = ? AND status = ?", row.ID, models.OutboxPending).
			Updates(map[string]any{
				"status":       models.OutboxDelivered,
				"delivered_at": now,
			}).Error
		if markErr != nil {
			// The sink saw the payload; losing the mark means a redelivery.
			d.logger.Error("outbox status update failed",
				"outbox_id", row.ID,
				"order_id", row.OrderID,
				"error", markErr,
			)
		}
		return
	}

	d.metrics.RecordDelivery("error")
	attempts := row.Attempts + 1
	updates := map[string]any{
		"attempts":        attempts,
		"last_error":      truncateError(err),
		"next_attempt_at": now.Add(Backoff(attempts)),
	}
	if attempts >= row.MaxAttempts {
		updates["status"] = models.OutboxFailed
		d.metrics.RecordExhausted()
		d.logger.Error("outbox delivery exhausted",
			"outbox_id", row.ID,
			"order_id", row.OrderID,
			"event_type", row.EventType,
			"attempts", attempts,
			"error", err,
		)
	} else {
		d.logger.Warn("outbox delivery failed",
			"outbox_id", row.ID,
			"order_id", row.OrderID,
			"event_type", row.EventType,
			"attempts", attempts,
			"error", err,
		)
	}
	if markErr := d.db.WithContext(ctx).Model(&models.OutboxNotification{}).
		Where("id = ? AND status = ?", row.ID, models.OutboxPending).
		Updates(updates).Error; markErr != nil {
		d.logger.Error("outbox status update failed",
			"outbox_id", row.ID,
			"order_id", row.OrderID,
			"error", markErr,
		)
	}
}

func (d *Drainer) deliver(ctx context.Context, row *models.OutboxNotification) error {
	payload := []byte(row.Payload)
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, row.EventType, payload); err != nil {
			return err
		}
	}
	return nil
}

// Backoff returns the redelivery delay after the given attempt count:
// exponential from a 10s base, capped at 5m.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// Stuck lists rows that have sat undelivered beyond the monitoring window
// and have attempts remaining, for the ops surface.
func (d *Drainer) Stuck(ctx context.Context) ([]models.OutboxNotification, error) {
	cutoff := d.now().Add(-stuckAge)
	var rows []models.OutboxNotification
	err := d.db.WithContext(ctx).
		Where("status IN ? AND created_at <= ? AND attempts < max_attempts",
			[]string{models.OutboxPending, models.OutboxFailed}, cutoff).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
