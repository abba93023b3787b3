package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SaleCompleted(120 * time.Millisecond)
	m.SaleCompleted(80 * time.Millisecond)
	m.SaleRejected("insufficient_stock")
	m.SaleRejected("")
	m.InvoiceFailed()
	m.AdminClaim("rejected")
	m.AdminHeartbeat("renewed")
	m.TokenRevoked("force", 3)
	m.TokenRevoked("force", 0)
	m.StreamOpened()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.salesCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.salesRejected.WithLabelValues("insufficient_stock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.salesRejected.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invoiceFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adminClaims.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adminHeartbeats.WithLabelValues("renewed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tokenRevocations.WithLabelValues("force")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamClients))

	count, err := testutil.GatherAndCount(reg, "tokoadmin_sale_commit_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SaleCompleted(time.Second)
		m.SaleRejected("x")
		m.InvoiceFailed()
		m.AdminClaim("x")
		m.AdminHeartbeat("x")
		m.TokenRevoked("x", 1)
		m.StreamOpened()
		m.StreamClosed()
	})

	empty := New(nil)
	assert.NotPanics(t, func() {
		empty.SaleCompleted(time.Second)
		empty.StreamClosed()
	})
}
