// Package ledger is the double-entry balance book of the settlement core.
// It moves funds between merchant, user, and platform accounts under
// per-row locks and appends the ledger entries that make every movement
// auditable. The book does not interpret orders; callers decide which
// account moves.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlecore/models"
)

var (
	// ErrInsufficientBalance rejects debits that would take a non-platform
	// account negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrUnknownEntity indicates the referenced account row does not exist.
	ErrUnknownEntity = errors.New("ledger: unknown entity")
	// ErrInvalidAmount rejects zero or negative movement amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// EntityRef is a tagged account reference: (kind, id).
type EntityRef struct {
	Kind string
	ID   string
}

// MerchantRef builds a reference to a merchant account.
func MerchantRef(id uuid.UUID) EntityRef {
	return EntityRef{Kind: models.EntityMerchant, ID: id.String()}
}

// UserRef builds a reference to a user account.
func UserRef(id uuid.UUID) EntityRef {
	return EntityRef{Kind: models.EntityUser, ID: id.String()}
}

// PlatformRef references the platform singleton account.
func PlatformRef() EntityRef {
	return EntityRef{Kind: models.EntityPlatform, ID: models.PlatformBalanceKey}
}

// Book performs balance movements and ledger appends inside a caller
// transaction.
type Book struct {
	now func() time.Time
}

// NewBook constructs a balance book.
func NewBook(now func() time.Time) *Book {
	if now == nil {
		now = time.Now
	}
	return &Book{now: now}
}

// Debit locks the account row and decrements its balance. Non-platform
// accounts may never go negative.
func (b *Book) Debit(tx *gorm.DB, ref EntityRef, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	switch ref.Kind {
	case models.EntityMerchant:
		var m models.Merchant
		if err := lockAccount(tx, &m, "id = ?", ref.ID); err != nil {
			return err
		}
		if m.Balance.LessThan(amount) {
			return ErrInsufficientBalance
		}
		m.Balance = m.Balance.Sub(amount)
		m.UpdatedAt = b.now()
		return tx.Save(&m).Error
	case models.EntityUser:
		var u models.User
		if err := lockAccount(tx, &u, "id = ?", ref.ID); err != nil {
			return err
		}
		if u.Balance.LessThan(amount) {
			return ErrInsufficientBalance
		}
		u.Balance = u.Balance.Sub(amount)
		u.UpdatedAt = b.now()
		return tx.Save(&u).Error
	case models.EntityPlatform:
		p, err := b.lockPlatform(tx)
		if err != nil {
			return err
		}
		p.Balance = p.Balance.Sub(amount)
		p.UpdatedAt = b.now()
		return tx.Save(p).Error
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownEntity, ref.Kind)
	}
}

// Credit locks the account row and increments its balance.
func (b *Book) Credit(tx *gorm.DB, ref EntityRef, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	switch ref.Kind {
	case models.EntityMerchant:
		var m models.Merchant
		if err := lockAccount(tx, &m, "id = ?", ref.ID); err != nil {
			return err
		}
		m.Balance = m.Balance.Add(amount)
		m.UpdatedAt = b.now()
		return tx.Save(&m).Error
	case models.EntityUser:
		var u models.User
		if err := lockAccount(tx, &u, "id = ?", ref.ID); err != nil {
			return err
		}
		u.Balance = u.Balance.Add(amount)
		u.UpdatedAt = b.now()
		return tx.Save(&u).Error
	case models.EntityPlatform:
		p, err := b.lockPlatform(tx)
		if err != nil {
			return err
		}
		p.Balance = p.Balance.Add(amount)
		p.UpdatedAt = b.now()
		return tx.Save(p).Error
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownEntity, ref.Kind)
	}
}

// AdjustLocked moves the locked_in_escrow marker on a merchant or user
// account by delta. Platform accounts carry no escrow marker.
func (b *Book) AdjustLocked(tx *gorm.DB, ref EntityRef, delta decimal.Decimal) error {
	switch ref.Kind {
	case models.EntityMerchant:
		var m models.Merchant
		if err := lockAccount(tx, &m, "id = ?", ref.ID); err != nil {
			return err
		}
		m.LockedInEscrow = m.LockedInEscrow.Add(delta)
		if m.LockedInEscrow.IsNegative() {
			m.LockedInEscrow = decimal.Zero
		}
		m.UpdatedAt = b.now()
		return tx.Save(&m).Error
	case models.EntityUser:
		var u models.User
		if err := lockAccount(tx, &u, "id = ?", ref.ID); err != nil {
			return err
		}
		u.LockedInEscrow = u.LockedInEscrow.Add(delta)
		if u.LockedInEscrow.IsNegative() {
			u.LockedInEscrow = decimal.Zero
		}
		u.UpdatedAt = b.now()
		return tx.Save(&u).Error
	case models.EntityPlatform:
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownEntity, ref.Kind)
	}
}

// AddTradeStats increments lifetime trade counters on completion.
func (b *Book) AddTradeStats(tx *gorm.DB, ref EntityRef, volume decimal.Decimal) error {
	switch ref.Kind {
	case models.EntityMerchant:
		var m models.Merchant
		if err := lockAccount(tx, &m, "id = ?", ref.ID); err != nil {
			return err
		}
		m.TotalTrades++
		m.TotalVolume = m.TotalVolume.Add(volume)
		m.UpdatedAt = b.now()
		return tx.Save(&m).Error
	case models.EntityUser:
		var u models.User
		if err := lockAccount(tx, &u, "id = ?", ref.ID); err != nil {
			return err
		}
		u.TotalTrades++
		u.TotalVolume = u.TotalVolume.Add(volume)
		u.UpdatedAt = b.now()
		return tx.Save(&u).Error
	default:
		return nil
	}
}

// Record appends a ledger entry. Entries are append-only and never mutated.
func (b *Book) Record(tx *gorm.DB, entry models.LedgerEntry) error {
	if !entry.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = b.now()
	}
	return tx.Create(&entry).Error
}

// PlatformFee credits the platform singleton and writes the audit row in
// the same transaction.
func (b *Book) PlatformFee(tx *gorm.DB, orderID uuid.UUID, amount, percentage decimal.Decimal, spreadPreference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	p, err := b.lockPlatform(tx)
	if err != nil {
		return err
	}
	p.Balance = p.Balance.Add(amount)
	p.TotalFeesCollected = p.TotalFeesCollected.Add(amount)
	p.UpdatedAt = b.now()
	if err := tx.Save(p).Error; err != nil {
		return err
	}
	audit := models.PlatformFeeTransaction{
		ID:                   uuid.New(),
		OrderID:              orderID,
		FeeAmount:            amount,
		FeePercentage:        percentage,
		SpreadPreference:     spreadPreference,
		PlatformBalanceAfter: p.Balance,
		CreatedAt:            b.now(),
	}
	return tx.Create(&audit).Error
}

// Balance reads the current balance of the referenced account.
func (b *Book) Balance(tx *gorm.DB, ref EntityRef) (decimal.Decimal, error) {
	switch ref.Kind {
	case models.EntityMerchant:
		var m models.Merchant
		if err := tx.First(&m, "id = ?", ref.ID).Error; err != nil {
			return decimal.Zero, accountErr(err)
		}
		return m.Balance, nil
	case models.EntityUser:
		var u models.User
		if err := tx.First(&u, "id = ?", ref.ID).Error; err != nil {
			return decimal.Zero, accountErr(err)
		}
		return u.Balance, nil
	case models.EntityPlatform:
		var p models.PlatformBalance
		if err := tx.First(&p, "key = ?", models.PlatformBalanceKey).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return decimal.Zero, nil
			}
			return decimal.Zero, err
		}
		return p.Balance, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: kind %q", ErrUnknownEntity, ref.Kind)
	}
}

func (b *Book) lockPlatform(tx *gorm.DB) (*models.PlatformBalance, error) {
	var p models.PlatformBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "key = ?", models.PlatformBalanceKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p = models.PlatformBalance{Key: models.PlatformBalanceKey, UpdatedAt: b.now()}
		if err := tx.Create(&p).Error; err != nil {
			return nil, err
		}
		return &p, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func lockAccount(tx *gorm.DB, dest any, query string, args ...any) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(dest, append([]any{query}, args...)...).Error
	if err != nil {
		return accountErr(err)
	}
	return nil
}

func accountErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUnknownEntity
	}
	return err
}
