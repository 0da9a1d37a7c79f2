// Package status is the single authority on the order lifecycle: which
// internal statuses exist, which transitions are permitted, and which actor
// kinds may drive each edge.
package status

import "fmt"

// Status is the internal lifecycle alphabet of an order.
type Status string

// All internal statuses.
const (
	Pending          Status = "pending"
	Accepted         Status = "accepted"
	EscrowPending    Status = "escrow_pending"
	Escrowed         Status = "escrowed"
	PaymentPending   Status = "payment_pending"
	PaymentSent      Status = "payment_sent"
	PaymentConfirmed Status = "payment_confirmed"
	Releasing        Status = "releasing"
	Completed        Status = "completed"
	Cancelled        Status = "cancelled"
	Disputed         Status = "disputed"
	Expired          Status = "expired"
)

// ActorType tags the identity initiating a transition.
type ActorType string

// Actor kinds recognised by the transition table.
const (
	ActorUser       ActorType = "user"
	ActorMerchant   ActorType = "merchant"
	ActorSystem     ActorType = "system"
	ActorCompliance ActorType = "compliance"
)

// Actor couples an actor kind with its identifier. System actors carry an
// empty identifier.
type Actor struct {
	Kind ActorType
	ID   string
}

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Kind)
	}
	return string(a.Kind) + ":" + a.ID
}

// Valid reports whether the status value is a member of the internal alphabet.
func (s Status) Valid() bool {
	switch s {
	case Pending, Accepted, EscrowPending, Escrowed, PaymentPending,
		PaymentSent, PaymentConfirmed, Releasing, Completed, Cancelled,
		Disputed, Expired:
		return true
	default:
		return false
	}
}

// Valid reports whether the actor kind is recognised.
func (a ActorType) Valid() bool {
	switch a {
	case ActorUser, ActorMerchant, ActorSystem, ActorCompliance:
		return true
	default:
		return false
	}
}

type actorSet uint8

const (
	actorsUser actorSet = 1 << iota
	actorsMerchant
	actorsSystem
	actorsCompliance
)

const (
	actorsAll           = actorsUser | actorsMerchant | actorsSystem | actorsCompliance
	actorsParties       = actorsUser | actorsMerchant
	actorsPartiesSystem = actorsUser | actorsMerchant | actorsSystem
)

func (s actorSet) contains(kind ActorType) bool {
	switch kind {
	case ActorUser:
		return s&actorsUser != 0
	case ActorMerchant:
		return s&actorsMerchant != 0
	case ActorSystem:
		return s&actorsSystem != 0
	case ActorCompliance:
		// Compliance arbiters act with system authority on every edge the
		// system may drive, in addition to edges granted explicitly.
		return s&actorsCompliance != 0 || s&actorsSystem != 0
	default:
		return false
	}
}

type edge struct {
	from Status
	to   Status
}

// transitions is the authoritative edge table. An absent entry means the
// transition is never permitted regardless of actor.
var transitions = map[edge]actorSet{
	{Pending, Accepted}:  actorsMerchant,
	{Pending, Escrowed}:  actorsPartiesSystem,
	{Pending, Cancelled}: actorsPartiesSystem,
	{Pending, Expired}:   actorsSystem,

	{Accepted, EscrowPending}:  actorsMerchant | actorsSystem,
	{Accepted, Escrowed}:       actorsPartiesSystem,
	{Accepted, PaymentPending}: actorsMerchant,
	{Accepted, PaymentSent}:    actorsMerchant,
	{Accepted, Cancelled}:      actorsPartiesSystem,
	{Accepted, Expired}:        actorsSystem,

	{EscrowPending, Escrowed}:  actorsSystem,
	{EscrowPending, Cancelled}: actorsSystem,
	{EscrowPending, Expired}:   actorsSystem,

	{Escrowed, Accepted}:       actorsMerchant,
	{Escrowed, PaymentPending}: actorsPartiesSystem,
	{Escrowed, PaymentSent}:    actorsParties,
	{Escrowed, Completed}:      actorsPartiesSystem,
	{Escrowed, Cancelled}:      actorsPartiesSystem,
	{Escrowed, Disputed}:       actorsParties,
	{Escrowed, Expired}:        actorsSystem,

	{PaymentPending, PaymentSent}: actorsParties,
	{PaymentPending, Cancelled}:   actorsPartiesSystem,
	{PaymentPending, Disputed}:    actorsParties,
	{PaymentPending, Expired}:     actorsSystem,

	{PaymentSent, PaymentConfirmed}: actorsParties,
	{PaymentSent, Completed}:        actorsPartiesSystem,
	{PaymentSent, Disputed}:         actorsParties,
	{PaymentSent, Expired}:          actorsSystem,

	{PaymentConfirmed, Releasing}: actorsSystem,
	{PaymentConfirmed, Completed}: actorsPartiesSystem,
	{PaymentConfirmed, Disputed}:  actorsParties,

	{Releasing, Completed}: actorsSystem,
	{Releasing, Disputed}:  actorsParties,

	{Disputed, Completed}: actorsSystem,
	{Disputed, Cancelled}: actorsSystem,
}

// DenialReason explains why Validate rejected a transition.
type DenialReason string

const (
	DenialNoOp     DenialReason = "no-op"
	DenialTerminal DenialReason = "terminal"
	DenialNoEdge   DenialReason = "no-edge"
	DenialActor    DenialReason = "actor"
)

// DeniedError is returned by Validate for rejected transitions.
type DeniedError struct {
	From   Status
	To     Status
	Actor  ActorType
	Reason DenialReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("status: transition %s -> %s by %s denied (%s)", e.From, e.To, e.Actor, e.Reason)
}

// Validate decides whether the actor kind may move an order from one status
// to another. It never consults external state.
func Validate(from, to Status, actor ActorType) error {
	if from == to {
		return &DeniedError{From: from, To: to, Actor: actor, Reason: DenialNoOp}
	}
	if IsTerminal(from) {
		return &DeniedError{From: from, To: to, Actor: actor, Reason: DenialTerminal}
	}
	allowed, ok := transitions[edge{from, to}]
	if !ok {
		return &DeniedError{From: from, To: to, Actor: actor, Reason: DenialNoEdge}
	}
	if !allowed.contains(actor) {
		return &DeniedError{From: from, To: to, Actor: actor, Reason: DenialActor}
	}
	return nil
}

// IsTerminal reports whether the status permits no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case Completed, Cancelled, Expired:
		return true
	default:
		return false
	}
}

// IsTransient reports whether the status is a brief internal intermediary
// that public commands may never write.
func IsTransient(s Status) bool {
	switch s {
	case EscrowPending, PaymentPending, PaymentConfirmed, Releasing:
		return true
	default:
		return false
	}
}

// RestoreLiquidityOnExit reports whether leaving `from` for `to` should
// re-increment the originating offer's available amount. Escrow-locked
// states are excluded: their funds come back through the refund path.
func RestoreLiquidityOnExit(from, to Status) bool {
	if to != Cancelled && to != Expired {
		return false
	}
	switch from {
	case Pending, Accepted, EscrowPending:
		return true
	default:
		return false
	}
}
