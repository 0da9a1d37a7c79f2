// Package engine is the finalization engine: every monetary or
// state-machine mutation of an order runs here, inside a single database
// transaction that locks the order row, validates the transition, moves
// balances, appends the audit event, and enqueues the outbox notification.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"settlecore/ledger"
	"settlecore/models"
	"settlecore/observability"
	"settlecore/outbox"
	"settlecore/status"
	"settlecore/store"
)

const (
	defaultTxTimeout = 5 * time.Second
	// pendingOrderTTL bounds how long a freshly created order may sit
	// unmatched before the sweeper expires it.
	pendingOrderTTL = 15 * time.Minute
	// defaultOrderTTL is applied when an order (re)enters a state that a
	// counterparty must act on: acceptance, payment, escrow.
	defaultOrderTTL = 120 * time.Minute
)

// Engine owns the transactional core. All public operations are safe for
// concurrent use; contention on the same order serialises on the row lock.
type Engine struct {
	db        *gorm.DB
	orders    *store.Store
	book      *ledger.Book
	logger    *slog.Logger
	metrics   *observability.SettlementMetrics
	mockMode  bool
	txTimeout time.Duration
	now       func() time.Time
}

// Option customises engine construction.
type Option func(*Engine)

// WithMockMode toggles in-book balance movements instead of external chain
// settlement.
func WithMockMode(enabled bool) Option {
	return func(e *Engine) { e.mockMode = enabled }
}

// WithTxTimeout bounds each finalization transaction.
func WithTxTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.txTimeout = timeout
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an engine over the given database handle.
func New(db *gorm.DB, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		db:        db,
		logger:    logger,
		metrics:   observability.Settlement(),
		txTimeout: defaultTxTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.orders = store.New(db, e.now)
	e.book = ledger.NewBook(e.now)
	return e
}

// Result is the outcome of a finalization operation: the committed order
// snapshot and the outbox rows enqueued alongside it.
type Result struct {
	Order         *models.Order
	Notifications []models.OutboxNotification
}

// Load returns the current order snapshot.
func (e *Engine) Load(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return e.orders.Load(ctx, id)
}

// transact runs fn inside a timeout-bounded database transaction and records
// operation metrics.
func (e *Engine) transact(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	start := e.now()
	txCtx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	err := e.db.WithContext(txCtx).Transaction(fn)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	e.metrics.Observe(operation, err, e.now().Sub(start))
	if err != nil {
		e.logger.Warn("finalization operation failed", "operation", operation, "error", err)
	}
	return err
}

// appendEvent writes the append-only audit record for a committed
// transition inside the caller's transaction.
func (e *Engine) appendEvent(tx *gorm.DB, order *models.Order, old status.Status, actor status.Actor, eventType string, metadata map[string]string) error {
	encoded := ""
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		encoded = string(raw)
	}
	event := models.OrderEvent{
		ID:        uuid.New(),
		OrderID:   order.ID,
		EventType: eventType,
		ActorType: string(actor.Kind),
		ActorID:   actor.ID,
		OldStatus: old,
		NewStatus: order.Status,
		Metadata:  encoded,
		CreatedAt: e.now(),
	}
	return tx.Create(&event).Error
}

func statusEventType(to status.Status) string {
	return "status_changed_to_" + string(to)
}

// notificationEventType maps a terminal-facing status to its outbox event
// name.
func notificationEventType(to status.Status) string {
	return "ORDER_" + strings.ToUpper(string(to))
}

// enqueueNotification writes the outbox row for the committed snapshot.
func (e *Engine) enqueueNotification(tx *gorm.DB, order *models.Order, old status.Status, eventType, txHash string) (*models.OutboxNotification, error) {
	payload := outbox.PayloadFor(order, old, txHash)
	return outbox.Enqueue(tx, order.ID, eventType, payload, e.now())
}

// actorAccountRef resolves the balance account an actor funds from.
func actorAccountRef(actor status.Actor) (ledger.EntityRef, error) {
	id, err := uuid.Parse(actor.ID)
	if err != nil {
		return ledger.EntityRef{}, fmt.Errorf("%w: %q", ErrInvalidActor, actor.ID)
	}
	switch actor.Kind {
	case status.ActorMerchant:
		return ledger.MerchantRef(id), nil
	case status.ActorUser:
		return ledger.UserRef(id), nil
	default:
		return ledger.EntityRef{}, fmt.Errorf("%w: kind %q", ErrInvalidActor, actor.Kind)
	}
}

// debitRef rebuilds the account reference from the recorded escrow triple.
func debitRef(order *models.Order) (ledger.EntityRef, error) {
	switch order.EscrowDebitedEntityType {
	case models.EntityMerchant, models.EntityUser:
		return ledger.EntityRef{Kind: order.EscrowDebitedEntityType, ID: order.EscrowDebitedEntityID}, nil
	default:
		return ledger.EntityRef{}, fmt.Errorf("%w: kind %q", ErrInvalidActor, order.EscrowDebitedEntityType)
	}
}
