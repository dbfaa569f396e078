package metrics_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-tagger/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	require.NotNil(t, m)

	// Registering twice on the same registry must fail, proving the first call registered.
	assert.Panics(t, func() { metrics.New(reg) })
}

func TestMetrics_ObserveForward(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveForward(metrics.OutcomeSuccess, 10*time.Millisecond)
	m.ObserveForward(metrics.OutcomeSuccess, 20*time.Millisecond)
	m.ObserveForward(metrics.OutcomeRejected, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Forwarded.WithLabelValues(metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Forwarded.WithLabelValues(metrics.OutcomeRejected)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Forwarded.WithLabelValues(metrics.OutcomeTransport)))
}

func TestMetrics_SetConnected(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.SetConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerConnected))
	m.SetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BrokerConnected))
}

func TestMetrics_TrackQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	depth := 3
	m.TrackQueueDepth(func() int { return depth })

	assert.Equal(t, 3.0, gaugeValue(t, reg, "tagger_dispatch_queue_depth"))

	// Sampled on every scrape.
	depth = 7
	assert.Equal(t, 7.0, gaugeValue(t, reg, "tagger_dispatch_queue_depth"))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
