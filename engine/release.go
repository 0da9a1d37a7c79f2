package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlecore/ledger"
	"settlecore/models"
	"settlecore/outbox"
	"settlecore/status"
	"settlecore/store"
)

// Release settles an escrowed order: it credits the recipient with the
// escrowed amount net of the protocol fee, collects the fee into the
// platform account, increments both parties' trade stats, and completes the
// order. A second release on the same order fails with ErrAlreadyReleased.
func (e *Engine) Release(ctx context.Context, orderID uuid.UUID, actor status.Actor, releaseTxHash string) (*Result, error) {
	var result Result
	err := e.transact(ctx, "release", func(tx *gorm.DB) error {
		order, err := e.orders.LoadForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order.ReleaseTxHash != "" {
			return store.ErrAlreadyReleased
		}
		switch order.Status {
		case status.Escrowed, status.PaymentSent, status.PaymentConfirmed, status.Releasing:
		default:
			return ErrStatusInvalid
		}
		old := order.Status
		expected := order.OrderVersion
		if err := status.Validate(old, status.Completed, actor.Kind); err != nil {
			return err
		}

		net := order.CryptoAmount.Sub(order.ProtocolFeeAmount)
		if net.IsNegative() {
			return fmt.Errorf("engine: protocol fee %s exceeds escrow amount %s", order.ProtocolFeeAmount, order.CryptoAmount)
		}
		recipient := releaseRecipientRef(order)

		if e.mockMode {
			if net.IsPositive() {
				if err := e.book.Credit(tx, recipient, net); err != nil {
					return err
				}
			}
			if order.HasEscrowDebit() {
				debited, err := debitRef(order)
				if err != nil {
					return err
				}
				if err := e.book.AdjustLocked(tx, debited, order.EscrowDebitedAmount.Neg()); err != nil {
					return err
				}
			}
			if order.ProtocolFeeAmount.IsPositive() {
				if err := e.book.PlatformFee(tx, order.ID, order.ProtocolFeeAmount, order.ProtocolFeePercentage, order.SpreadPreference); err != nil {
					return err
				}
				if err := e.book.Record(tx, models.LedgerEntry{
					RelatedOrderID:     &order.ID,
					EntryType:          models.EntryPlatformFeeCollected,
					Amount:             order.ProtocolFeeAmount,
					Currency:           order.CryptoCurrency,
					DebitedEntityType:  order.EscrowDebitedEntityType,
					DebitedEntityID:    order.EscrowDebitedEntityID,
					CreditedEntityType: models.EntityPlatform,
					CreditedEntityID:   models.PlatformBalanceKey,
				}); err != nil {
					return err
				}
			}
			if net.IsPositive() {
				if err := e.book.Record(tx, models.LedgerEntry{
					RelatedOrderID:     &order.ID,
					EntryType:          models.EntryEscrowRelease,
					Amount:             net,
					Currency:           order.CryptoCurrency,
					DebitedEntityType:  order.EscrowDebitedEntityType,
					DebitedEntityID:    order.EscrowDebitedEntityID,
					CreditedEntityType: recipient.Kind,
					CreditedEntityID:   recipient.ID,
				}); err != nil {
					return err
				}
			}
		}

		if err := e.book.AddTradeStats(tx, ledger.UserRef(order.UserID), order.CryptoAmount); err != nil {
			return err
		}
		if err := e.book.AddTradeStats(tx, ledger.MerchantRef(order.MerchantID), order.CryptoAmount); err != nil {
			return err
		}

		if releaseTxHash == "" && e.mockMode {
			releaseTxHash = "mock-release-" + order.ID.String()
		}
		to := status.Completed
		post, err := e.orders.Apply(tx, orderID, expected, store.Patch{
			Status:        &to,
			ReleaseTxHash: &releaseTxHash,
		})
		if err != nil {
			return err
		}
		if err := e.appendEvent(tx, post, old, actor, statusEventType(to), nil); err != nil {
			return err
		}
		row, err := e.enqueueNotification(tx, post, old, outbox.EventOrderCompleted, releaseTxHash)
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
	e.logger.Info("escrow released",
		"order_id", result.Order.ID,
		"release_tx_hash", result.Order.ReleaseTxHash,
		"fee", result.Order.ProtocolFeeAmount,
	)
	// The transaction is already committed; an invariant failure cannot be
	// rolled back, but the caller must see the invariant code.
	if err := e.verifyRelease(ctx, result.Order); err != nil {
		return &result, err
	}
	return &result, nil
}

// releaseRecipientRef identifies who receives the escrowed funds. A
// merchant-to-merchant acceptance overrides the side-based default.
func releaseRecipientRef(order *models.Order) ledger.EntityRef {
	if order.BuyerMerchantID != nil && *order.BuyerMerchantID != uuid.Nil {
		return ledger.MerchantRef(*order.BuyerMerchantID)
	}
	if order.Side == models.SideSell {
		return ledger.MerchantRef(order.MerchantID)
	}
	return ledger.UserRef(order.UserID)
}

// netReleaseAmount is the amount the recipient receives after the fee.
func netReleaseAmount(order *models.Order) decimal.Decimal {
	return order.CryptoAmount.Sub(order.ProtocolFeeAmount)
}
