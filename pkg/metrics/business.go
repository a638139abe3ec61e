package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const businessSubsystem = "memberledger"

var MetricsBusinessProcess = &Metric{
	ID:          "bpDur",
	Name:        "bp_dur",
	Description: "process latency in milliseconds",
	Type:        TypeHistogramVec,
	Args:        []string{"type", "subtype"},
}

var MetricsWebhookEvents = &Metric{
	ID:          "webhookEvents",
	Name:        "webhook_events_total",
	Description: "Webhook deliveries partitioned by provider and outcome.",
	Type:        TypeCounterVec,
	Args:        []string{"provider", "outcome"},
}

var MetricsPointsEntries = &Metric{
	ID:          "pointsEntries",
	Name:        "points_entries_total",
	Description: "Points ledger entries written, partitioned by reason.",
	Type:        TypeCounterVec,
	Args:        []string{"reason"},
}

var MetricsPointsVolume = &Metric{
	ID:          "pointsVolume",
	Name:        "points_volume_total",
	Description: "Absolute points moved through the ledger, partitioned by reason.",
	Type:        TypeCounterVec,
	Args:        []string{"reason"},
}

var MetricsOrderTransitions = &Metric{
	ID:          "orderTransitions",
	Name:        "order_transitions_total",
	Description: "Order status transitions.",
	Type:        TypeCounterVec,
	Args:        []string{"from", "to"},
}

var MetricsProviderCall = &Metric{
	ID:          "providerCall",
	Name:        "provider_call_ms",
	Description: "Payment provider call latency in milliseconds.",
	Type:        TypeHistogramVec,
	Args:        []string{"provider", "op", "outcome"},
	Buckets:     ProviderBuckets,
}

var MetricsBreakerState = &Metric{
	ID:          "breakerState",
	Name:        "breaker_state",
	Description: "Circuit breaker state per provider: 0 closed, 1 half-open, 2 open.",
	Type:        TypeGaugeVec,
	Args:        []string{"name"},
}

var businessMetrics = []*Metric{
	MetricsBusinessProcess,
	MetricsWebhookEvents,
	MetricsPointsEntries,
	MetricsPointsVolume,
	MetricsOrderTransitions,
	MetricsProviderCall,
	MetricsBreakerState,
}

var (
	bpDur            = NewMetric(MetricsBusinessProcess, businessSubsystem).(*prometheus.HistogramVec)
	webhookEvents    = NewMetric(MetricsWebhookEvents, businessSubsystem).(*prometheus.CounterVec)
	pointsEntries    = NewMetric(MetricsPointsEntries, businessSubsystem).(*prometheus.CounterVec)
	pointsVolume     = NewMetric(MetricsPointsVolume, businessSubsystem).(*prometheus.CounterVec)
	orderTransitions = NewMetric(MetricsOrderTransitions, businessSubsystem).(*prometheus.CounterVec)
	providerCall     = NewMetric(MetricsProviderCall, businessSubsystem).(*prometheus.HistogramVec)
	breakerState     = NewMetric(MetricsBreakerState, businessSubsystem).(*prometheus.GaugeVec)

	registerOnce sync.Once
)

func init() {
	MetricsBusinessProcess.MetricCollector = bpDur
	MetricsWebhookEvents.MetricCollector = webhookEvents
	MetricsPointsEntries.MetricCollector = pointsEntries
	MetricsPointsVolume.MetricCollector = pointsVolume
	MetricsOrderTransitions.MetricCollector = orderTransitions
	MetricsProviderCall.MetricCollector = providerCall
	MetricsBreakerState.MetricCollector = breakerState
}

// RegisterBusiness registers the business collectors with the default
// registry. Safe to call more than once.
func RegisterBusiness(log *zap.SugaredLogger) {
	registerOnce.Do(func() {
		for _, m := range businessMetrics {
			if err := prometheus.Register(m.MetricCollector); err != nil && log != nil {
				log.Errorf("%s could not be registered in Prometheus, err=%v", m.Name, err)
			}
		}
	})
}

// ObserveBusinessProcess records how long a named business step took.
func ObserveBusinessProcess(typ, subtype string, start time.Time) {
	bpDur.WithLabelValues(typ, subtype).Observe(MillisecondsSince(start))
}

func IncWebhookEvent(provider, outcome string) {
	webhookEvents.WithLabelValues(provider, outcome).Inc()
}

func ObservePointsEntry(reason string, delta int64) {
	pointsEntries.WithLabelValues(reason).Inc()
	if delta < 0 {
		delta = -delta
	}
	pointsVolume.WithLabelValues(reason).Add(float64(delta))
}

func IncOrderTransition(from, to string) {
	orderTransitions.WithLabelValues(from, to).Inc()
}

// ObserveProviderCall records latency and outcome of an outbound provider call.
func ObserveProviderCall(provider, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	providerCall.WithLabelValues(provider, op, outcome).Observe(MillisecondsSince(start))
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// BreakerStateLabel is used in logs next to the gauge value.
func BreakerStateLabel(state int) string {
	switch state {
	case 0:
		return "closed"
	case 1:
		return "half-open"
	case 2:
		return "open"
	}
	return strconv.Itoa(state)
}
