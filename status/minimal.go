package status

import "fmt"

// Minimal is the public 8-value status surface shown to consumers. Transient
// internal statuses collapse onto their nearest stable neighbour.
type Minimal string

// All public statuses.
const (
	MinimalOpen        Minimal = "open"
	MinimalAccepted    Minimal = "accepted"
	MinimalEscrowed    Minimal = "escrowed"
	MinimalPaymentSent Minimal = "payment_sent"
	MinimalCompleted   Minimal = "completed"
	MinimalCancelled   Minimal = "cancelled"
	MinimalDisputed    Minimal = "disputed"
	MinimalExpired     Minimal = "expired"
)

var toMinimal = map[Status]Minimal{
	Pending:          MinimalOpen,
	Accepted:         MinimalAccepted,
	EscrowPending:    MinimalAccepted,
	Escrowed:         MinimalEscrowed,
	PaymentPending:   MinimalEscrowed,
	PaymentSent:      MinimalPaymentSent,
	PaymentConfirmed: MinimalPaymentSent,
	Releasing:        MinimalCompleted,
	Completed:        MinimalCompleted,
	Cancelled:        MinimalCancelled,
	Disputed:         MinimalDisputed,
	Expired:          MinimalExpired,
}

// canonical maps each public status back to the preferred internal value for
// write-backs. The result is never a transient status.
var canonical = map[Minimal]Status{
	MinimalOpen:        Pending,
	MinimalAccepted:    Accepted,
	MinimalEscrowed:    Escrowed,
	MinimalPaymentSent: PaymentSent,
	MinimalCompleted:   Completed,
	MinimalCancelled:   Cancelled,
	MinimalDisputed:    Disputed,
	MinimalExpired:     Expired,
}

// MinimalOf collapses an internal status to its public representation.
func MinimalOf(s Status) Minimal {
	if m, ok := toMinimal[s]; ok {
		return m
	}
	return Minimal(s)
}

// Valid reports whether the public status value is recognised.
func (m Minimal) Valid() bool {
	_, ok := canonical[m]
	return ok
}

// Expand returns every internal status that presents as the supplied public
// status, for use in query filters.
func Expand(m Minimal) []Status {
	var out []Status
	for _, s := range []Status{
		Pending, Accepted, EscrowPending, Escrowed, PaymentPending,
		PaymentSent, PaymentConfirmed, Releasing, Completed, Cancelled,
		Disputed, Expired,
	} {
		if toMinimal[s] == m {
			out = append(out, s)
		}
	}
	return out
}

// ErrTransientWrite rejects public writes that name a transient internal
// status.
type ErrTransientWrite struct {
	Status Status
}

func (e *ErrTransientWrite) Error() string {
	return fmt.Sprintf("status: %s is transient and cannot be written", e.Status)
}

// ParseWrite resolves a status string supplied by a public caller to the
// internal status the write should target. Public statuses denormalise to
// their canonical internal value; internal spellings are accepted as long as
// they are not transient.
func ParseWrite(raw string) (Status, error) {
	if s := Status(raw); s.Valid() {
		if IsTransient(s) {
			return "", &ErrTransientWrite{Status: s}
		}
		return s, nil
	}
	if m := Minimal(raw); m.Valid() {
		return canonical[m], nil
	}
	return "", fmt.Errorf("status: unknown status %q", raw)
}
