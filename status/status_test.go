package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAllowsTableEdges(t *testing.T) {
	cases := []struct {
		from  Status
		to    Status
		actor ActorType
	}{
		{Pending, Accepted, ActorMerchant},
		{Pending, Escrowed, ActorUser},
		{Pending, Cancelled, ActorSystem},
		{Pending, Expired, ActorSystem},
		{Accepted, EscrowPending, ActorMerchant},
		{Accepted, PaymentSent, ActorMerchant},
		{EscrowPending, Escrowed, ActorSystem},
		{Escrowed, Accepted, ActorMerchant},
		{Escrowed, PaymentSent, ActorUser},
		{Escrowed, Disputed, ActorMerchant},
		{PaymentSent, PaymentConfirmed, ActorUser},
		{PaymentConfirmed, Releasing, ActorSystem},
		{Releasing, Completed, ActorSystem},
		{Releasing, Disputed, ActorUser},
		{Disputed, Completed, ActorSystem},
		{Disputed, Cancelled, ActorSystem},
	}
	for _, tc := range cases {
		require.NoError(t, Validate(tc.from, tc.to, tc.actor), "%s -> %s by %s", tc.from, tc.to, tc.actor)
	}
}

func TestValidateDenials(t *testing.T) {
	cases := []struct {
		name   string
		from   Status
		to     Status
		actor  ActorType
		reason DenialReason
	}{
		{"no-op", Escrowed, Escrowed, ActorUser, DenialNoOp},
		{"terminal completed", Completed, Cancelled, ActorSystem, DenialTerminal},
		{"terminal cancelled", Cancelled, Pending, ActorSystem, DenialTerminal},
		{"terminal expired", Expired, Accepted, ActorMerchant, DenialTerminal},
		{"no edge backwards", PaymentSent, Escrowed, ActorUser, DenialNoEdge},
		{"no edge payment_sent cancel", PaymentSent, Cancelled, ActorUser, DenialNoEdge},
		{"wrong actor accept", Pending, Accepted, ActorUser, DenialActor},
		{"wrong actor releasing", PaymentConfirmed, Releasing, ActorUser, DenialActor},
		{"wrong actor dispute", Escrowed, Disputed, ActorSystem, DenialActor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.from, tc.to, tc.actor)
			var denied *DeniedError
			require.ErrorAs(t, err, &denied)
			require.Equal(t, tc.reason, denied.Reason)
		})
	}
}

func TestComplianceInheritsSystemEdges(t *testing.T) {
	require.NoError(t, Validate(Disputed, Completed, ActorCompliance))
	require.NoError(t, Validate(Disputed, Cancelled, ActorCompliance))
	require.NoError(t, Validate(EscrowPending, Cancelled, ActorCompliance))
}

func TestTerminalAndTransientClassifiers(t *testing.T) {
	for _, s := range []Status{Completed, Cancelled, Expired} {
		require.True(t, IsTerminal(s), "%s", s)
	}
	for _, s := range []Status{Pending, Accepted, Escrowed, PaymentSent, Disputed} {
		require.False(t, IsTerminal(s), "%s", s)
	}
	for _, s := range []Status{EscrowPending, PaymentPending, PaymentConfirmed, Releasing} {
		require.True(t, IsTransient(s), "%s", s)
	}
	require.False(t, IsTransient(Escrowed))
}

func TestRestoreLiquidityOnExit(t *testing.T) {
	require.True(t, RestoreLiquidityOnExit(Pending, Cancelled))
	require.True(t, RestoreLiquidityOnExit(Accepted, Expired))
	require.True(t, RestoreLiquidityOnExit(EscrowPending, Cancelled))
	require.False(t, RestoreLiquidityOnExit(Escrowed, Cancelled))
	require.False(t, RestoreLiquidityOnExit(PaymentSent, Expired))
	require.False(t, RestoreLiquidityOnExit(Pending, Accepted))
}

func TestMinimalCollapse(t *testing.T) {
	cases := map[Status]Minimal{
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
	for internal, public := range cases {
		require.Equal(t, public, MinimalOf(internal))
	}
}

func TestExpandCoversEveryInternalStatus(t *testing.T) {
	seen := map[Status]bool{}
	for _, m := range []Minimal{
		MinimalOpen, MinimalAccepted, MinimalEscrowed, MinimalPaymentSent,
		MinimalCompleted, MinimalCancelled, MinimalDisputed, MinimalExpired,
	} {
		for _, s := range Expand(m) {
			require.False(t, seen[s], "status %s mapped twice", s)
			seen[s] = true
		}
	}
	require.Len(t, seen, 12)
}

func TestParseWrite(t *testing.T) {
	s, err := ParseWrite("payment_sent")
	require.NoError(t, err)
	require.Equal(t, PaymentSent, s)

	s, err = ParseWrite("open")
	require.NoError(t, err)
	require.Equal(t, Pending, s)

	_, err = ParseWrite("releasing")
	var transient *ErrTransientWrite
	require.True(t, errors.As(err, &transient))
	require.Equal(t, Releasing, transient.Status)

	_, err = ParseWrite("bogus")
	require.Error(t, err)
}
