package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"settlecore/models"
	"settlecore/status"
)

// Post-commit verification re-reads the order after a monetary transaction
// has committed and asserts the durable effects are all present. It cannot
// roll anything back; a failure is an alarm for operators, surfaced through
// the log, the invariant counter, and the error returned to the caller.

func (e *Engine) verifyRelease(ctx context.Context, order *models.Order) error {
	if err := e.CheckRelease(ctx, order.ID); err != nil {
		e.metrics.RecordInvariantFailure(CodeReleaseInvariant)
		e.logger.Error("release invariant violated", "order_id", order.ID, "error", err)
		return err
	}
	return nil
}

func (e *Engine) verifyRefund(ctx context.Context, order *models.Order) error {
	if err := e.CheckRefund(ctx, order.ID); err != nil {
		e.metrics.RecordInvariantFailure(CodeRefundInvariant)
		e.logger.Error("refund invariant violated", "order_id", order.ID, "error", err)
		return err
	}
	return nil
}

// CheckRelease asserts the durable effects of a committed release: terminal
// completed status, a recorded release hash, the completion timestamp, and,
// for in-book settlements, the release ledger entry and the fee audit row.
func (e *Engine) CheckRelease(ctx context.Context, orderID uuid.UUID) error {
	order, err := e.orders.Load(ctx, orderID)
	if err != nil {
		return e.invariant(CodeReleaseInvariant, orderID, "order unreadable after commit: %v", err)
	}
	if order.Status != status.Completed {
		return e.invariant(CodeReleaseInvariant, orderID, "status is %s, want %s", order.Status, status.Completed)
	}
	if order.ReleaseTxHash == "" {
		return e.invariant(CodeReleaseInvariant, orderID, "release tx hash missing")
	}
	if order.CompletedAt == nil {
		return e.invariant(CodeReleaseInvariant, orderID, "completed_at missing")
	}
	if e.mockMode && order.HasEscrowDebit() {
		if netReleaseAmount(order).IsPositive() {
			n, err := e.countLedgerEntries(ctx, orderID, models.EntryEscrowRelease)
			if err != nil {
				return e.invariant(CodeReleaseInvariant, orderID, "ledger unreadable: %v", err)
			}
			if n == 0 {
				return e.invariant(CodeReleaseInvariant, orderID, "escrow_release ledger entry missing")
			}
		}
		if order.ProtocolFeeAmount.IsPositive() {
			var fees int64
			if err := e.db.WithContext(ctx).Model(&models.PlatformFeeTransaction{}).
				Where("order_id = ?", orderID).Count(&fees).Error; err != nil {
				return e.invariant(CodeReleaseInvariant, orderID, "fee audit unreadable: %v", err)
			}
			if fees == 0 {
				return e.invariant(CodeReleaseInvariant, orderID, "platform fee audit row missing")
			}
		}
	}
	return nil
}

// CheckRefund asserts the durable effects of a committed refund: a terminal
// status, the refund hash, the transition event, the outbox row, and, for
// in-book settlements, the refund ledger entry.
func (e *Engine) CheckRefund(ctx context.Context, orderID uuid.UUID) error {
	order, err := e.orders.Load(ctx, orderID)
	if err != nil {
		return e.invariant(CodeRefundInvariant, orderID, "order unreadable after commit: %v", err)
	}
	if !status.IsTerminal(order.Status) {
		return e.invariant(CodeRefundInvariant, orderID, "status is %s, want terminal", order.Status)
	}
	if order.RefundTxHash == "" {
		return e.invariant(CodeRefundInvariant, orderID, "refund tx hash missing")
	}
	var events int64
	if err := e.db.WithContext(ctx).Model(&models.OrderEvent{}).
		Where("order_id = ? AND event_type = ?", orderID, statusEventType(order.Status)).
		Count(&events).Error; err != nil {
		return e.invariant(CodeRefundInvariant, orderID, "events unreadable: %v", err)
	}
	if events == 0 {
		return e.invariant(CodeRefundInvariant, orderID, "%s event missing", statusEventType(order.Status))
	}
	var rows int64
	if err := e.db.WithContext(ctx).Model(&models.OutboxNotification{}).
		Where("order_id = ? AND event_type = ?", orderID, notificationEventType(order.Status)).
		Count(&rows).Error; err != nil {
		return e.invariant(CodeRefundInvariant, orderID, "outbox unreadable: %v", err)
	}
	if rows == 0 {
		return e.invariant(CodeRefundInvariant, orderID, "%s outbox row missing", notificationEventType(order.Status))
	}
	if e.mockMode && order.HasEscrowDebit() {
		n, err := e.countLedgerEntries(ctx, orderID, models.EntryEscrowRefund)
		if err != nil {
			return e.invariant(CodeRefundInvariant, orderID, "ledger unreadable: %v", err)
		}
		if n == 0 {
			return e.invariant(CodeRefundInvariant, orderID, "escrow_refund ledger entry missing")
		}
	}
	return nil
}

func (e *Engine) countLedgerEntries(ctx context.Context, orderID uuid.UUID, entryType string) (int64, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("related_order_id = ? AND entry_type = ?", orderID, entryType).
		Count(&n).Error
	return n, err
}

func (e *Engine) invariant(code string, orderID uuid.UUID, format string, args ...any) *InvariantError {
	return &InvariantError{Code: code, OrderID: orderID, Details: fmt.Sprintf(format, args...)}
}
