package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	timer := m.FlushDuration("orders", "size")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.FlushCompleted("orders", "size", true)
	m.FlushCompleted("orders", "size", true)
	m.FlushCompleted("orders", "interval", false)

	timer = m.LoadDuration("orders")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.RetryAttempt("orders", "save", false)
	m.RetryAttempt("orders", "save", true)
	m.Evicted("orders", 3)
	m.Pending("orders", 7)
	m.Entries("orders", 12)

	dm := m.(*durableMetrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(dm.flushes.WithLabelValues("orders", "size", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dm.flushes.WithLabelValues("orders", "interval", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dm.retries.WithLabelValues("orders", "save", "true")))
	assert.Equal(t, 3.0, testutil.ToFloat64(dm.evictions.WithLabelValues("orders")))
	assert.Equal(t, 7.0, testutil.ToFloat64(dm.pending.WithLabelValues("orders")))
	assert.Equal(t, 12.0, testutil.ToFloat64(dm.entries.WithLabelValues("orders")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
