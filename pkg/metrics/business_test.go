package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBusinessCounters(t *testing.T) {
	IncWebhookEvent("stripe", "processed")
	IncWebhookEvent("stripe", "processed")
	require.Equal(t, float64(2), testutil.ToFloat64(webhookEvents.WithLabelValues("stripe", "processed")))

	ObservePointsEntry("SPEND", -40)
	ObservePointsEntry("SPEND", -10)
	require.Equal(t, float64(2), testutil.ToFloat64(pointsEntries.WithLabelValues("SPEND")))
	require.Equal(t, float64(50), testutil.ToFloat64(pointsVolume.WithLabelValues("SPEND")))

	SetBreakerState("stripe", 2)
	require.Equal(t, float64(2), testutil.ToFloat64(breakerState.WithLabelValues("stripe")))
	require.Equal(t, "open", BreakerStateLabel(2))
}

func TestObserveProviderCall_LabelsOutcome(t *testing.T) {
	ObserveProviderCall("paypal", "refund", time.Now(), errors.New("boom"))
	ObserveProviderCall("paypal", "refund", time.Now(), nil)
	require.Equal(t, 2, testutil.CollectAndCount(providerCall))
}
