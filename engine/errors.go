package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrStatusInvalid indicates the order's current status does not permit
	// the requested monetary operation.
	ErrStatusInvalid = errors.New("engine: order status not eligible")
	// ErrCannotCompleteWithoutRelease rejects completing an escrow-locked
	// order whose escrow has not been released.
	ErrCannotCompleteWithoutRelease = errors.New("engine: cannot complete escrow-locked order without release")
	// ErrMaxExtensions rejects extending an order past its extension cap.
	ErrMaxExtensions = errors.New("engine: extension limit reached")
	// ErrInvalidActor indicates the actor kind cannot fund or receive in-book
	// balances.
	ErrInvalidActor = errors.New("engine: actor has no balance account")
	// ErrTimeout indicates the transaction exceeded its wall-clock budget
	// and was rolled back.
	ErrTimeout = errors.New("engine: transaction timed out")
)

// Invariant verification codes.
const (
	CodeReleaseInvariant = "ORDER_RELEASE_INVARIANT_FAILED"
	CodeRefundInvariant  = "ORDER_REFUND_INVARIANT_FAILED"
)

// InvariantError reports a post-commit consistency violation. The
// transaction is already committed when it is raised; it is detection, not
// rollback.
type InvariantError struct {
	Code    string
	OrderID uuid.UUID
	Details string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: order %s: %s", e.Code, e.OrderID, e.Details)
}
