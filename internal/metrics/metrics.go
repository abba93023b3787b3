package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tokoadmin"

// Metrics groups the service collectors. A nil *Metrics, or one built with a
// nil registerer, records nothing.
type Metrics struct {
	salesCompleted   prometheus.Counter
	salesRejected    *prometheus.CounterVec
	commitDuration   prometheus.Histogram
	invoiceFailures  prometheus.Counter
	adminClaims      *prometheus.CounterVec
	adminHeartbeats  *prometheus.CounterVec
	tokenRevocations *prometheus.CounterVec
	streamClients    prometheus.Gauge
}

// New registers the service metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		salesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_completed_total",
			Help:      "Sales committed to the store.",
		}),
		salesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_rejected_total",
			Help:      "Sales rejected before or during commit, by reason.",
		}, []string{"reason"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sale_commit_duration_seconds",
			Help:      "Duration of the atomic sale commit.",
			Buckets:   prometheus.DefBuckets,
		}),
		invoiceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_failures_total",
			Help:      "Invoice generations that failed after a committed sale.",
		}),
		adminClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_session_claims_total",
			Help:      "Admin session claim attempts, by outcome.",
		}, []string{"outcome"}),
		adminHeartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_session_heartbeats_total",
			Help:      "Admin session renewals, by outcome.",
		}, []string{"outcome"}),
		tokenRevocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_revocations_total",
			Help:      "Access tokens revoked, by kind.",
		}, []string{"kind"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Open live update streams.",
		}),
	}
	reg.MustRegister(
		m.salesCompleted, m.salesRejected, m.commitDuration, m.invoiceFailures,
		m.adminClaims, m.adminHeartbeats, m.tokenRevocations, m.streamClients,
	)
	return m
}

func (m *Metrics) SaleCompleted(d time.Duration) {
	if m == nil || m.salesCompleted == nil {
		return
	}
	m.salesCompleted.Inc()
	m.commitDuration.Observe(d.Seconds())
}

func (m *Metrics) SaleRejected(reason string) {
	if m == nil || m.salesRejected == nil {
		return
	}
	m.salesRejected.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) InvoiceFailed() {
	if m == nil || m.invoiceFailures == nil {
		return
	}
	m.invoiceFailures.Inc()
}

func (m *Metrics) AdminClaim(outcome string) {
	if m == nil || m.adminClaims == nil {
		return
	}
	m.adminClaims.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) AdminHeartbeat(outcome string) {
	if m == nil || m.adminHeartbeats == nil {
		return
	}
	m.adminHeartbeats.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) TokenRevoked(kind string, n int) {
	if m == nil || m.tokenRevocations == nil || n <= 0 {
		return
	}
	m.tokenRevocations.WithLabelValues(normalizeLabel(kind)).Add(float64(n))
}

func (m *Metrics) StreamOpened() {
	if m == nil || m.streamClients == nil {
		return
	}
	m.streamClients.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil || m.streamClients == nil {
		return
	}
	m.streamClients.Dec()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
