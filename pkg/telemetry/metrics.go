package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-chain cache activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	chains    *prometheus.CounterVec
	transfers *prometheus.HistogramVec
	bytes     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msacache",
			Name:      "chains_total",
			Help:      "Chains processed, by operation and outcome.",
		}, []string{"op", "outcome"}),
		transfers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "msacache",
			Name:      "transfer_duration_seconds",
			Help:      "Time spent moving one archive to or from the remote store.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msacache",
			Name:      "transfer_bytes_total",
			Help:      "Archive bytes moved to or from the remote store.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.chains, m.transfers, m.bytes)
	return m
}

func (m *Metrics) ChainOutcome(op, outcome string) {
	if m == nil {
		return
	}
	m.chains.WithLabelValues(op, outcome).Inc()
}

// Transfer records a finished upload or download.
func (m *Metrics) Transfer(direction string, size int64, took time.Duration) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(direction).Observe(took.Seconds())
	m.bytes.WithLabelValues(direction).Add(float64(size))
}
