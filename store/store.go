// Package store owns order persistence: row-locked reads, optimistic
// version increments, and the write-once guards on escrow references.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlecore/models"
	"settlecore/status"
)

var (
	// ErrNotFound indicates the order identifier was unknown.
	ErrNotFound = errors.New("store: order not found")
	// ErrVersionConflict indicates the caller's expected version no longer
	// matches the persisted row.
	ErrVersionConflict = errors.New("store: order version conflict")
	// ErrAlreadyEscrowed rejects a second write to the escrow reference.
	ErrAlreadyEscrowed = errors.New("store: escrow reference already set")
	// ErrAlreadyReleased rejects a second write to the release tx hash.
	ErrAlreadyReleased = errors.New("store: release tx hash already set")
)

// EscrowDebit is the (kind, id, amount) triple recorded at escrow-lock time.
type EscrowDebit struct {
	EntityType string
	EntityID   string
	Amount     decimal.Decimal
}

// Patch enumerates the mutable order fields. Nil members are left untouched.
type Patch struct {
	Status                *status.Status
	EscrowTxHash          *string
	EscrowAddress         *string
	EscrowTradeID         *string
	EscrowTradePDA        *string
	EscrowPDA             *string
	EscrowCreatorWallet   *string
	EscrowDebited         *EscrowDebit
	ReleaseTxHash         *string
	RefundTxHash          *string
	MerchantID            *uuid.UUID
	BuyerMerchantID       *uuid.UUID
	AcceptorWalletAddress *string
	ExpiresAt             *time.Time
	CancelledBy           *string
	CancellationReason    *string
	ExtensionCount        *int
}

// Store persists orders. All mutating calls run inside a caller-supplied
// transaction so they compose with ledger and outbox writes.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a store backed by the provided database handle.
func New(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Load returns the current order snapshot without locking.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// LoadForUpdate reads the order under a row-level exclusive lock held inside
// tx until commit. Every mutating path must go through this first.
func (s *Store) LoadForUpdate(tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// Apply writes the patch onto the locked row, bumps order_version, and
// stamps the status-dependent timestamp. The caller's expectedVersion must
// match the persisted value or the apply fails with ErrVersionConflict.
func (s *Store) Apply(tx *gorm.DB, id uuid.UUID, expectedVersion int64, patch Patch) (*models.Order, error) {
	order, err := s.LoadForUpdate(tx, id)
	if err != nil {
		return nil, err
	}
	if order.OrderVersion != expectedVersion {
		return nil, ErrVersionConflict
	}
	if patch.EscrowTxHash != nil && order.EscrowTxHash != "" {
		return nil, ErrAlreadyEscrowed
	}
	if patch.ReleaseTxHash != nil && order.ReleaseTxHash != "" {
		return nil, ErrAlreadyReleased
	}

	now := s.now()
	if patch.EscrowTxHash != nil {
		order.EscrowTxHash = *patch.EscrowTxHash
	}
	if patch.EscrowAddress != nil {
		order.EscrowAddress = *patch.EscrowAddress
	}
	if patch.EscrowTradeID != nil {
		order.EscrowTradeID = *patch.EscrowTradeID
	}
	if patch.EscrowTradePDA != nil {
		order.EscrowTradePDA = *patch.EscrowTradePDA
	}
	if patch.EscrowPDA != nil {
		order.EscrowPDA = *patch.EscrowPDA
	}
	if patch.EscrowCreatorWallet != nil {
		order.EscrowCreatorWallet = *patch.EscrowCreatorWallet
	}
	if patch.EscrowDebited != nil {
		order.EscrowDebitedEntityType = patch.EscrowDebited.EntityType
		order.EscrowDebitedEntityID = patch.EscrowDebited.EntityID
		order.EscrowDebitedAmount = patch.EscrowDebited.Amount
	}
	if patch.ReleaseTxHash != nil {
		order.ReleaseTxHash = *patch.ReleaseTxHash
	}
	if patch.RefundTxHash != nil {
		order.RefundTxHash = *patch.RefundTxHash
	}
	if patch.MerchantID != nil {
		order.MerchantID = *patch.MerchantID
	}
	if patch.BuyerMerchantID != nil {
		order.BuyerMerchantID = patch.BuyerMerchantID
	}
	if patch.AcceptorWalletAddress != nil {
		order.AcceptorWalletAddress = *patch.AcceptorWalletAddress
	}
	if patch.ExpiresAt != nil {
		order.ExpiresAt = patch.ExpiresAt
	}
	if patch.CancelledBy != nil {
		order.CancelledBy = *patch.CancelledBy
	}
	if patch.CancellationReason != nil {
		order.CancellationReason = *patch.CancellationReason
	}
	if patch.ExtensionCount != nil {
		order.ExtensionCount = *patch.ExtensionCount
	}
	if patch.Status != nil {
		order.Status = *patch.Status
		stampStatusTime(order, *patch.Status, now)
	}

	order.OrderVersion++
	order.UpdatedAt = now
	if err := tx.Save(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

func stampStatusTime(order *models.Order, to status.Status, now time.Time) {
	switch to {
	case status.Accepted:
		order.AcceptedAt = &now
	case status.Escrowed:
		order.EscrowedAt = &now
	case status.PaymentSent:
		order.PaymentSentAt = &now
	case status.PaymentConfirmed:
		if order.PaymentConfirmedAt == nil {
			order.PaymentConfirmedAt = &now
		}
	case status.Completed:
		order.CompletedAt = &now
		if order.PaymentConfirmedAt == nil {
			order.PaymentConfirmedAt = &now
		}
	case status.Cancelled:
		order.CancelledAt = &now
	}
}
