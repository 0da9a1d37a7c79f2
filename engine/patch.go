package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"settlecore/models"
	"settlecore/outbox"
	"settlecore/status"
	"settlecore/store"
)

// PatchStatus drives a validated status transition. Repeating the current
// status is an idempotent no-op; cancelled and expired targets route
// through the refund path when escrow was debited; completing an
// escrow-locked order requires a prior release.
func (e *Engine) PatchStatus(ctx context.Context, orderID uuid.UUID, to status.Status, actor status.Actor, metadata map[string]string) (*Result, error) {
	var result Result
	err := e.transact(ctx, "patch_status", func(tx *gorm.DB) error {
		order, err := e.orders.LoadForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order.Status == to {
			result.Order = order
			return nil
		}
		old := order.Status
		expected := order.OrderVersion
		if err := status.Validate(old, to, actor.Kind); err != nil {
			return err
		}

		switch to {
		case status.Cancelled, status.Expired:
			return e.terminateLocked(tx, &result, order, actor, to, metadata["reason"])
		case status.Completed:
			if order.EscrowTxHash != "" && order.ReleaseTxHash == "" {
				return ErrCannotCompleteWithoutRelease
			}
		}

		patch := store.Patch{Status: &to}
		if to == status.Accepted {
			applyAcceptance(order, &patch, actor, metadata)
		}
		if to == status.Accepted || to == status.PaymentPending {
			expires := e.now().Add(defaultOrderTTL)
			patch.ExpiresAt = &expires
		}

		post, err := e.orders.Apply(tx, orderID, expected, patch)
		if err != nil {
			return err
		}
		if err := e.appendEvent(tx, post, old, actor, statusEventType(to), metadata); err != nil {
			return err
		}
		row, err := e.enqueueNotification(tx, post, old, notificationEventType(to), "")
		if err != nil {
			return err
		}
		result.Order = post
		result.Notifications = []models.OutboxNotification{*row}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Order.RefundTxHash != "" && status.IsTerminal(result.Order.Status) && len(result.Notifications) > 0 {
		if err := e.verifyRefund(ctx, result.Order); err != nil {
			return &result, err
		}
	}
	return &result, nil
}

// applyAcceptance handles merchant (re)assignment when a merchant other
// than the current one accepts the order. The first acceptance reassigns
// the selling side; later merchant acceptances fill the vacant buying side
// before reassigning.
func applyAcceptance(order *models.Order, patch *store.Patch, actor status.Actor, metadata map[string]string) {
	if wallet := metadata["wallet_address"]; wallet != "" {
		patch.AcceptorWalletAddress = &wallet
	}
	if actor.Kind != status.ActorMerchant {
		return
	}
	acceptor, err := uuid.Parse(actor.ID)
	if err != nil || acceptor == order.MerchantID {
		return
	}
	switch {
	case order.AcceptedAt == nil:
		patch.MerchantID = &acceptor
	case order.BuyerMerchantID == nil:
		patch.BuyerMerchantID = &acceptor
	default:
		patch.MerchantID = &acceptor
	}
}

// Extend pushes the order's expiry deadline out by a status-dependent
// duration, up to the per-order extension cap.
func (e *Engine) Extend(ctx context.Context, orderID uuid.UUID, actor status.Actor) (*Result, error) {
	var result Result
	err := e.transact(ctx, "extend", func(tx *gorm.DB) error {
		order, err := e.orders.LoadForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if status.IsTerminal(order.Status) {
			return &status.DeniedError{From: order.Status, To: order.Status, Actor: actor.Kind, Reason: status.DenialTerminal}
		}
		max := order.MaxExtensions
		if max <= 0 {
			max = models.DefaultMaxExtensions
		}
		if order.ExtensionCount >= max {
			return ErrMaxExtensions
		}

		base := e.now()
		if order.ExpiresAt != nil && order.ExpiresAt.After(base) {
			base = *order.ExpiresAt
		}
		expires := base.Add(extensionDuration(order.Status))
		count := order.ExtensionCount + 1
		post, err := e.orders.Apply(tx, orderID, order.OrderVersion, store.Patch{
			ExpiresAt:      &expires,
			ExtensionCount: &count,
		})
		if err != nil {
			return err
		}
		if err := e.appendEvent(tx, post, order.Status, actor, "order_extended", nil); err != nil {
			return err
		}
		row, err := e.enqueueNotification(tx, post, order.Status, outbox.EventOrderExtended, "")
		if err != nil {
			return err
		}
		result.Order = post
		result.Notifications = []models.OutboxNotification{*row}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// extensionDuration is how much time one extension buys, by status. Waiting
// on escrow or fiat settlement warrants a longer window than matching.
func extensionDuration(s status.Status) time.Duration {
	switch s {
	case status.Escrowed, status.PaymentPending, status.PaymentSent, status.PaymentConfirmed:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}
