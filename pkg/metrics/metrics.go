package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RefererKey is the request header recorded as the ref label.
const RefererKey = "X-Referer"

// Collector kinds understood by NewMetric.
const (
	TypeCounterVec   = "counter_vec"
	TypeGaugeVec     = "gauge_vec"
	TypeHistogramVec = "histogram_vec"
	TypeSummaryVec   = "summary_vec"
)

// RequestBuckets cover HTTP handlers and business steps, in milliseconds.
// Finalize paths include a provider round trip, so the tail reaches 30s.
var RequestBuckets = []float64{
	5, 10, 25, 50, 100, 250, 500,
	750, 1000, 1500, 2000, 3000,
	5000, 10000, 20000, 30000,
}

// ProviderBuckets cover Stripe and PayPal API calls, in milliseconds. Calls
// past the breaker timeout land in the last bucket.
var ProviderBuckets = []float64{
	50, 100, 200, 300, 500, 750, 1000, 2000, 4000, 8000, 15000, 30000,
}

// Metric describes one collector. Buckets only applies to histograms and
// defaults to RequestBuckets.
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
	Buckets         []float64
}

// NewMetric builds the collector for m.Type. Unknown types return nil.
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	switch m.Type {
	case TypeCounterVec:
		return prometheus.NewCounterVec(prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	case TypeGaugeVec:
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	case TypeHistogramVec:
		buckets := m.Buckets
		if len(buckets) == 0 {
			buckets = RequestBuckets
		}
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description, Buckets: buckets}, m.Args)
	case TypeSummaryVec:
		return prometheus.NewSummaryVec(prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description}, m.Args)
	}
	return nil
}
