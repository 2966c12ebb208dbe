package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/heatlink-project/heatlink/pkg/types"
)

// Metrics mirrors recorded outcomes into Prometheus collectors.
type Metrics struct {
	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchItems    *prometheus.GaugeVec
}

// NewMetrics registers the fetch metrics on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		fetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heatlink",
			Name:      "fetch_total",
			Help:      "Fetch attempts by source, call type, and result.",
		}, []string{"source", "call_type", "result"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "heatlink",
			Name:      "fetch_duration_seconds",
			Help:      "Fetch duration by source and call type.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"source", "call_type"}),
		fetchItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "heatlink",
			Name:      "fetch_items",
			Help:      "Item count of the most recent fetch per source.",
		}, []string{"source"}),
	}
}

func (m *Metrics) observe(o types.StatsOutcome) {
	result := "success"
	if !o.Success {
		result = "error"
		if o.ErrorKind != "" {
			result = o.ErrorKind
		}
	}
	m.fetchTotal.WithLabelValues(o.SourceID, string(o.CallType), result).Inc()
	m.fetchDuration.WithLabelValues(o.SourceID, string(o.CallType)).Observe(o.Duration.Seconds())
	if o.Success {
		m.fetchItems.WithLabelValues(o.SourceID).Set(float64(o.ItemCount))
	}
}
