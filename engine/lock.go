package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"settlecore/ledger"
	"settlecore/models"
	"settlecore/outbox"
	"settlecore/status"
	"settlecore/store"
)

// EscrowRefs carries the external escrow references recorded at lock time.
// All of them are write-once on the order.
type EscrowRefs struct {
	TxHash        string
	Address       string
	TradeID       string
	TradePDA      string
	PDA           string
	CreatorWallet string
}

// EscrowLock records escrow funding for the order: it transitions the order
// to escrowed, stores the external references, and, in mock mode, debits the
// funding party's in-book balance into escrow. A second lock on the same
// order fails with ErrAlreadyEscrowed.
func (e *Engine) EscrowLock(ctx context.Context, orderID uuid.UUID, actor status.Actor, refs EscrowRefs) (*Result, error) {
	var result Result
	err := e.transact(ctx, "escrow_lock", func(tx *gorm.DB) error {
		order, err := e.orders.LoadForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order.EscrowTxHash != "" {
			return store.ErrAlreadyEscrowed
		}
		switch order.Status {
		case status.Pending, status.Accepted, status.EscrowPending:
		default:
			return ErrStatusInvalid
		}
		old := order.Status
		expected := order.OrderVersion
		if err := status.Validate(old, status.Escrowed, actor.Kind); err != nil {
			return err
		}

		to := status.Escrowed
		expires := e.now().Add(defaultOrderTTL)
		patch := store.Patch{
			Status:              &to,
			EscrowTxHash:        &refs.TxHash,
			EscrowAddress:       &refs.Address,
			EscrowTradeID:       &refs.TradeID,
			EscrowTradePDA:      &refs.TradePDA,
			EscrowPDA:           &refs.PDA,
			EscrowCreatorWallet: &refs.CreatorWallet,
			ExpiresAt:           &expires,
		}

		if e.mockMode {
			funder, err := escrowFunderRef(order, actor)
			if err != nil {
				return err
			}
			if err := e.book.Debit(tx, funder, order.CryptoAmount); err != nil {
				return err
			}
			if err := e.book.AdjustLocked(tx, funder, order.CryptoAmount); err != nil {
				return err
			}
			if err := e.book.Record(tx, models.LedgerEntry{
				RelatedOrderID:    &order.ID,
				EntryType:         models.EntryEscrowLock,
				Amount:            order.CryptoAmount,
				Currency:          order.CryptoCurrency,
				DebitedEntityType: funder.Kind,
				DebitedEntityID:   funder.ID,
			}); err != nil {
				return err
			}
			patch.EscrowDebited = &store.EscrowDebit{
				EntityType: funder.Kind,
				EntityID:   funder.ID,
				Amount:     order.CryptoAmount,
			}
		}

		post, err := e.orders.Apply(tx, orderID, expected, patch)
		if err != nil {
			return err
		}
		if err := e.appendEvent(tx, post, old, actor, statusEventType(to), nil); err != nil {
			return err
		}
		row, err := e.enqueueNotification(tx, post, old, outbox.EventOrderEscrowed, refs.TxHash)
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
	e.logger.Info("escrow locked",
		"order_id", result.Order.ID,
		"tx_hash", refs.TxHash,
		"amount", result.Order.CryptoAmount,
		"expires_at", result.Order.ExpiresAt.Format(time.RFC3339),
	)
	return &result, nil
}

// escrowFunderRef identifies whose balance funds the escrow: the acting
// party when a user or merchant locks it. For system and compliance actors
// the funder is inferred from the order side: the merchant sells crypto on
// buy orders, the user on sell orders.
func escrowFunderRef(order *models.Order, actor status.Actor) (ledger.EntityRef, error) {
	switch actor.Kind {
	case status.ActorUser, status.ActorMerchant:
		return actorAccountRef(actor)
	}
	if order.Side == models.SideSell {
		return ledger.UserRef(order.UserID), nil
	}
	return ledger.MerchantRef(order.MerchantID), nil
}
