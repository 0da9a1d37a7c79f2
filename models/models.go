// Package models defines the persisted schema of the settlement core.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlecore/status"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Payment rails.
const (
	PaymentBank = "bank"
	PaymentCash = "cash"
)

// Spread preferences driving the per-order protocol fee.
const (
	SpreadFastest = "fastest"
	SpreadBest    = "best"
	SpreadCheap   = "cheap"
)

// Outbox row states.
const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)

// Ledger entry types.
const (
	EntryEscrowLock           = "escrow_lock"
	EntryEscrowRefund         = "escrow_refund"
	EntryEscrowRelease        = "escrow_release"
	EntryPlatformFeeCollected = "platform_fee_collected"
	EntryTradeStatsAdjust     = "trade_stats_adjust"
)

// Balance account owner kinds, shared with ledger entity references.
const (
	EntityMerchant = "merchant"
	EntityUser     = "user"
	EntityPlatform = "platform"
)

// DefaultMaxExtensions caps how often a single order may be extended.
const DefaultMaxExtensions = 3

// Order is the central entity of the settlement core. The marketplace
// creates it in status pending; every later mutation flows through the
// finalization engine.
type Order struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrderNumber int64     `gorm:"autoIncrement;uniqueIndex" json:"order_number"`

	UserID          uuid.UUID  `gorm:"type:uuid;index" json:"user_id"`
	MerchantID      uuid.UUID  `gorm:"type:uuid;index" json:"merchant_id"`
	BuyerMerchantID *uuid.UUID `gorm:"type:uuid;index" json:"buyer_merchant_id,omitempty"`
	OfferID         uuid.UUID  `gorm:"type:uuid;index" json:"offer_id"`

	Side          string `gorm:"column:type;size:8" json:"type"`
	PaymentMethod string `gorm:"size:8" json:"payment_method"`

	CryptoAmount   decimal.Decimal `gorm:"type:numeric(38,18)" json:"crypto_amount"`
	CryptoCurrency string          `gorm:"size:16" json:"crypto_currency"`
	FiatAmount     decimal.Decimal `gorm:"type:numeric(38,18)" json:"fiat_amount"`
	FiatCurrency   string          `gorm:"size:16" json:"fiat_currency"`
	Rate           decimal.Decimal `gorm:"type:numeric(38,18)" json:"rate"`
	PlatformFee    decimal.Decimal `gorm:"type:numeric(38,18)" json:"platform_fee"`
	NetworkFee     decimal.Decimal `gorm:"type:numeric(38,18)" json:"network_fee"`

	Status       status.Status `gorm:"size:32;index" json:"status"`
	OrderVersion int64         `gorm:"not null;default:1" json:"order_version"`

	// Escrow references are write-once: set at lock time, immutable after.
	EscrowTxHash        string `gorm:"size:128" json:"escrow_tx_hash,omitempty"`
	EscrowAddress       string `gorm:"size:128" json:"escrow_address,omitempty"`
	EscrowTradeID       string `gorm:"size:128" json:"escrow_trade_id,omitempty"`
	EscrowTradePDA      string `gorm:"size:128" json:"escrow_trade_pda,omitempty"`
	EscrowPDA           string `gorm:"size:128" json:"escrow_pda,omitempty"`
	EscrowCreatorWallet string `gorm:"size:128" json:"escrow_creator_wallet,omitempty"`

	// The debited triple pins refunds to the original funder even when role
	// assignments change afterwards.
	EscrowDebitedEntityType string          `gorm:"size:16" json:"escrow_debited_entity_type,omitempty"`
	EscrowDebitedEntityID   string          `gorm:"size:64" json:"escrow_debited_entity_id,omitempty"`
	EscrowDebitedAmount     decimal.Decimal `gorm:"type:numeric(38,18)" json:"escrow_debited_amount"`

	ReleaseTxHash string `gorm:"size:128" json:"release_tx_hash,omitempty"`
	RefundTxHash  string `gorm:"size:128" json:"refund_tx_hash,omitempty"`

	BuyerWalletAddress    string `gorm:"size:128" json:"buyer_wallet_address,omitempty"`
	AcceptorWalletAddress string `gorm:"size:128" json:"acceptor_wallet_address,omitempty"`
	PaymentDetails        string `gorm:"type:text" json:"payment_details,omitempty"`

	ProtocolFeeAmount     decimal.Decimal `gorm:"type:numeric(38,18)" json:"protocol_fee_amount"`
	ProtocolFeePercentage decimal.Decimal `gorm:"type:numeric(38,18)" json:"protocol_fee_percentage"`
	SpreadPreference      string          `gorm:"size:16" json:"spread_preference,omitempty"`

	ExtensionCount int `gorm:"not null;default:0" json:"extension_count"`
	MaxExtensions  int `gorm:"not null;default:3" json:"max_extensions"`

	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	EscrowedAt         *time.Time `json:"escrowed_at,omitempty"`
	PaymentSentAt      *time.Time `json:"payment_sent_at,omitempty"`
	PaymentConfirmedAt *time.Time `json:"payment_confirmed_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt          *time.Time `gorm:"index" json:"expires_at,omitempty"`

	CancelledBy        string `gorm:"size:16" json:"cancelled_by,omitempty"`
	CancellationReason string `gorm:"size:512" json:"cancellation_reason,omitempty"`
}

// HasEscrowDebit reports whether an in-book escrow debit was recorded at
// lock time and therefore must be refunded on cancellation.
func (o *Order) HasEscrowDebit() bool {
	return o.EscrowDebitedEntityType != "" && o.EscrowDebitedEntityID != "" && o.EscrowDebitedAmount.IsPositive()
}

// OrderEvent is the append-only audit record of a status transition.
type OrderEvent struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID   uuid.UUID     `gorm:"type:uuid;index" json:"order_id"`
	EventType string        `gorm:"size:64;index" json:"event_type"`
	ActorType string        `gorm:"size:16" json:"actor_type"`
	ActorID   string        `gorm:"size:64" json:"actor_id"`
	OldStatus status.Status `gorm:"size:32" json:"old_status"`
	NewStatus status.Status `gorm:"size:32" json:"new_status"`
	Metadata  string        `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// OutboxNotification is a transactional outbox row. It is written in the
// same transaction as the state change it describes and drained afterwards.
type OutboxNotification struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID       uuid.UUID  `gorm:"type:uuid;index" json:"order_id"`
	EventType     string     `gorm:"size:64;index" json:"event_type"`
	Payload       string     `gorm:"type:text" json:"payload"`
	Status        string     `gorm:"size:16;index;default:pending" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int        `gorm:"not null;default:5" json:"max_attempts"`
	LastError     string     `gorm:"size:512" json:"last_error,omitempty"`
	NextAttemptAt time.Time  `gorm:"index" json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// LedgerEntry is an append-only double-entry record of a fund movement.
type LedgerEntry struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	RelatedOrderID     *uuid.UUID      `gorm:"type:uuid;index" json:"related_order_id,omitempty"`
	EntryType          string          `gorm:"size:32;index" json:"entry_type"`
	Amount             decimal.Decimal `gorm:"type:numeric(38,18)" json:"amount"`
	Currency           string          `gorm:"size:16" json:"currency"`
	DebitedEntityType  string          `gorm:"size:16" json:"debited_entity_type,omitempty"`
	DebitedEntityID    string          `gorm:"size:64" json:"debited_entity_id,omitempty"`
	CreditedEntityType string          `gorm:"size:16" json:"credited_entity_type,omitempty"`
	CreditedEntityID   string          `gorm:"size:64" json:"credited_entity_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Merchant carries the merchant balance book and lifetime trade stats.
type Merchant struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	DisplayName    string          `gorm:"size:128" json:"display_name"`
	Balance        decimal.Decimal `gorm:"type:numeric(38,18)" json:"balance"`
	LockedInEscrow decimal.Decimal `gorm:"type:numeric(38,18)" json:"locked_in_escrow"`
	TotalTrades    int64           `gorm:"not null;default:0" json:"total_trades"`
	TotalVolume    decimal.Decimal `gorm:"type:numeric(38,18)" json:"total_volume"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// User carries the user balance book and lifetime trade stats.
type User struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	DisplayName    string          `gorm:"size:128" json:"display_name"`
	Balance        decimal.Decimal `gorm:"type:numeric(38,18)" json:"balance"`
	LockedInEscrow decimal.Decimal `gorm:"type:numeric(38,18)" json:"locked_in_escrow"`
	TotalTrades    int64           `gorm:"not null;default:0" json:"total_trades"`
	TotalVolume    decimal.Decimal `gorm:"type:numeric(38,18)" json:"total_volume"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PlatformBalanceKey is the singleton row key of the platform account.
const PlatformBalanceKey = "main"

// PlatformBalance is the singleton platform fee account.
type PlatformBalance struct {
	Key                string          `gorm:"primaryKey;size:16" json:"key"`
	Balance            decimal.Decimal `gorm:"type:numeric(38,18)" json:"balance"`
	TotalFeesCollected decimal.Decimal `gorm:"type:numeric(38,18)" json:"total_fees_collected"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// PlatformFeeTransaction is the audit row written alongside each platform
// fee credit.
type PlatformFeeTransaction struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID              uuid.UUID       `gorm:"type:uuid;index" json:"order_id"`
	FeeAmount            decimal.Decimal `gorm:"type:numeric(38,18)" json:"fee_amount"`
	FeePercentage        decimal.Decimal `gorm:"type:numeric(38,18)" json:"fee_percentage"`
	SpreadPreference     string          `gorm:"size:16" json:"spread_preference,omitempty"`
	PlatformBalanceAfter decimal.Decimal `gorm:"type:numeric(38,18)" json:"platform_balance_after"`
	CreatedAt            time.Time       `json:"created_at"`
}

// MerchantOffer is the marketplace liquidity row an order originates from.
// The core only touches available_amount when restoring liquidity.
type MerchantOffer struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID      uuid.UUID       `gorm:"type:uuid;index" json:"merchant_id"`
	CryptoCurrency  string          `gorm:"size:16" json:"crypto_currency"`
	AvailableAmount decimal.Decimal `gorm:"type:numeric(38,18)" json:"available_amount"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IdempotencyKey stores request idempotency metadata for the HTTP surface.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Order{},
		&OrderEvent{},
		&OutboxNotification{},
		&LedgerEntry{},
		&Merchant{},
		&User{},
		&PlatformBalance{},
		&PlatformFeeTransaction{},
		&MerchantOffer{},
		&IdempotencyKey{},
	)
}
