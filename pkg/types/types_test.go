package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMembershipStatusFromProvider(t *testing.T) {
	cases := map[string]MembershipStatus{
		"active":     MembershipStatusActive,
		"PAID":       MembershipStatusActive,
		"suspended":  MembershipStatusPastDue,
		"cancelled":  MembershipStatusCanceled,
		"expired":    MembershipStatusExpired,
		"incomplete": MembershipStatusExpired,
		"":           MembershipStatusExpired,
	}
	for in, want := range cases {
		require.Equal(t, want, MembershipStatusFromProvider(in), in)
	}
}

func TestOrderStatus_OnlyForwardTransitions(t *testing.T) {
	require.True(t, OrderStatusCreated.CanTransition(OrderStatusPaid))
	require.True(t, OrderStatusCreated.CanTransition(OrderStatusCanceled))
	require.True(t, OrderStatusPaid.CanTransition(OrderStatusRefunded))

	require.False(t, OrderStatusPaid.CanTransition(OrderStatusCreated))
	require.False(t, OrderStatusRefunded.CanTransition(OrderStatusPaid))
	require.False(t, OrderStatusCanceled.CanTransition(OrderStatusPaid))
	require.False(t, OrderStatusPaid.CanTransition(OrderStatusCanceled))
	require.False(t, OrderStatusCreated.CanTransition(OrderStatusRefunded))
}

func TestParsePaymentProvider(t *testing.T) {
	p, ok := ParsePaymentProvider(" Stripe ")
	require.True(t, ok)
	require.Equal(t, PaymentProviderStripe, p)

	_, ok = ParsePaymentProvider("apple")
	require.False(t, ok)
}
