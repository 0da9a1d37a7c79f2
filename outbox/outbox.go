// Package outbox implements the transactional notification outbox. Rows are
// written in the same database transaction as the state change they
// describe; a background drainer delivers them to external collaborators
// with retry and exponential backoff.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"settlecore/models"
	"settlecore/status"
)

// Notification event types emitted by the settlement core.
const (
	EventOrderEscrowed  = "ORDER_ESCROWED"
	EventOrderCompleted = "ORDER_COMPLETED"
	EventOrderCancelled = "ORDER_CANCELLED"
	EventOrderExpired   = "ORDER_EXPIRED"
	EventOrderExtended  = "ORDER_EXTENDED"
)

// DefaultMaxAttempts bounds redelivery of a single row.
const DefaultMaxAttempts = 5

// Payload is the JSON snapshot attached to every outbox row.
type Payload struct {
	OrderID        uuid.UUID      `json:"orderId"`
	UserID         uuid.UUID      `json:"userId"`
	MerchantID     uuid.UUID      `json:"merchantId"`
	Status         status.Status  `json:"status"`
	MinimalStatus  status.Minimal `json:"minimal_status"`
	OrderVersion   int64          `json:"order_version"`
	PreviousStatus status.Status  `json:"previousStatus"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	TxHash         string         `json:"tx_hash,omitempty"`
}

// PayloadFor snapshots an order into the wire payload.
func PayloadFor(order *models.Order, previous status.Status, txHash string) Payload {
	return Payload{
		OrderID:        order.ID,
		UserID:         order.UserID,
		MerchantID:     order.MerchantID,
		Status:         order.Status,
		MinimalStatus:  status.MinimalOf(order.Status),
		OrderVersion:   order.OrderVersion,
		PreviousStatus: previous,
		UpdatedAt:      order.UpdatedAt,
		TxHash:         txHash,
	}
}

// Enqueue appends a pending outbox row inside the caller's transaction.
func Enqueue(tx *gorm.DB, orderID uuid.UUID, eventType string, payload Payload, now time.Time) (*models.OutboxNotification, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	row := models.OutboxNotification{
		ID:            uuid.New(),
		OrderID:       orderID,
		EventType:     eventType,
		Payload:       string(raw),
		Status:        models.OutboxPending,
		MaxAttempts:   DefaultMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}
