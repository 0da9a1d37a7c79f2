package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlecore/models"
	"settlecore/status"
	"settlecore/store"
)

// Refund cancels an escrow-locked order and returns the escrowed funds to
// the party that originally funded them. Orders without an in-book escrow
// debit fall through to the simple cancellation path.
func (e *Engine) Refund(ctx context.Context, orderID uuid.UUID, actor status.Actor, reason string) (*Result, error) {
	var result Result
	err := e.transact(ctx, "refund", func(tx *gorm.DB) error {
		order, err := e.orders.LoadForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		return e.terminateLocked(tx, &result, order, actor, status.Cancelled, reason)
	})
	if err != nil {
		return nil, err
	}
	if result.Order.RefundTxHash != "" {
		e.logger.Info("escrow refunded",
			"order_id", result.Order.ID,
			"refund_tx_hash", result.Order.RefundTxHash,
			"amount", result.Order.EscrowDebitedAmount,
		)
		if err := e.verifyRefund(ctx, result.Order); err != nil {
			return &result, err
		}
	}
	return &result, nil
}

// CancelSimple cancels an order that never locked escrow. It exists for
// callers that know no funds are at stake; escrow-locked orders are
// rejected so they cannot bypass the refund path.
func (e *Engine) CancelSimple(ctx context.Context, orderID uuid.UUID, actor status.Actor, reason string) (*Result, error) {
	var result Result
	err := e.transact(ctx, "cancel", func(tx *gorm.DB) error {
		order, err := e.orders.LoadForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order.HasEscrowDebit() {
			return ErrStatusInvalid
		}
		return e.terminateLocked(tx, &result, order, actor, status.Cancelled, reason)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// terminateLocked moves an already-locked order into a terminal cancelled or
// expired status, routing through the refund path when escrow was debited.
func (e *Engine) terminateLocked(tx *gorm.DB, result *Result, order *models.Order, actor status.Actor, to status.Status, reason string) error {
	if err := status.Validate(order.Status, to, actor.Kind); err != nil {
		return err
	}
	if order.HasEscrowDebit() {
		return e.refundLocked(tx, result, order, actor, to, reason)
	}
	return e.cancelLocked(tx, result, order, actor, to, reason)
}

// refundLocked credits the recorded escrow debit back to its funder and
// terminalises the order. The transition has already been validated.
func (e *Engine) refundLocked(tx *gorm.DB, result *Result, order *models.Order, actor status.Actor, to status.Status, reason string) error {
	old := order.Status
	expected := order.OrderVersion

	debited, err := debitRef(order)
	if err != nil {
		return err
	}
	if e.mockMode {
		if err := e.book.Credit(tx, debited, order.EscrowDebitedAmount); err != nil {
			return err
		}
		if err := e.book.AdjustLocked(tx, debited, order.EscrowDebitedAmount.Neg()); err != nil {
			return err
		}
		if err := e.book.Record(tx, models.LedgerEntry{
			RelatedOrderID:     &order.ID,
			EntryType:          models.EntryEscrowRefund,
			Amount:             order.EscrowDebitedAmount,
			Currency:           order.CryptoCurrency,
			CreditedEntityType: debited.Kind,
			CreditedEntityID:   debited.ID,
		}); err != nil {
			return err
		}
	}

	refundTxHash := "mock-refund-" + order.ID.String()
	cancelledBy := string(actor.Kind)
	post, err := e.orders.Apply(tx, order.ID, expected, store.Patch{
		Status:             &to,
		RefundTxHash:       &refundTxHash,
		CancelledBy:        &cancelledBy,
		CancellationReason: &reason,
	})
	if err != nil {
		return err
	}
	if err := e.appendEvent(tx, post, old, actor, statusEventType(to), refundMetadata(reason)); err != nil {
		return err
	}
	row, err := e.enqueueNotification(tx, post, old, notificationEventType(to), refundTxHash)
	if err != nil {
		return err
	}
	result.Order = post
	result.Notifications = []models.OutboxNotification{*row}
	return nil
}

// cancelLocked terminalises an order with no escrow at stake and restores
// the originating offer's liquidity where the exit calls for it.
func (e *Engine) cancelLocked(tx *gorm.DB, result *Result, order *models.Order, actor status.Actor, to status.Status, reason string) error {
	old := order.Status
	expected := order.OrderVersion

	if status.RestoreLiquidityOnExit(old, to) {
		if err := restoreOfferLiquidity(tx, order); err != nil {
			return err
		}
	}

	cancelledBy := string(actor.Kind)
	post, err := e.orders.Apply(tx, order.ID, expected, store.Patch{
		Status:             &to,
		CancelledBy:        &cancelledBy,
		CancellationReason: &reason,
	})
	if err != nil {
		return err
	}
	if err := e.appendEvent(tx, post, old, actor, statusEventType(to), refundMetadata(reason)); err != nil {
		return err
	}
	row, err := e.enqueueNotification(tx, post, old, notificationEventType(to), "")
	if err != nil {
		return err
	}
	result.Order = post
	result.Notifications = []models.OutboxNotification{*row}
	return nil
}

// restoreOfferLiquidity re-increments the offer's available amount under a
// row lock. A vanished offer is not an error; the order still terminalises.
func restoreOfferLiquidity(tx *gorm.DB, order *models.Order) error {
	if order.OfferID == uuid.Nil {
		return nil
	}
	var offer models.MerchantOffer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&offer, "id = ?", order.OfferID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	offer.AvailableAmount = offer.AvailableAmount.Add(order.CryptoAmount)
	return tx.Save(&offer).Error
}

func refundMetadata(reason string) map[string]string {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}
