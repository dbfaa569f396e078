// Package metrics holds the Prometheus instruments shared by the relay components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tagger"

// Drop reasons recorded on DispatchDropped.
const (
	DropQueueFull = "queue_full"
	DropShutdown  = "shutdown"
)

// Forward outcomes recorded on Forwarded.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport_error"
)

// Metrics contains the relay's counters and histograms.
type Metrics struct {
	MessagesReceived prometheus.Counter
	DispatchDropped  *prometheus.CounterVec
	DecodeFailures   prometheus.Counter
	Forwarded        *prometheus.CounterVec
	ForwardDuration  prometheus.Histogram
	BrokerConnected  prometheus.Gauge

	reg prometheus.Registerer
}

// New creates the relay metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		MessagesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages delivered by the broker",
			},
		),
		DispatchDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "dropped_total",
				Help:      "Messages dropped before reaching a worker",
			},
			[]string{"reason"},
		),
		DecodeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "decode_failures_total",
				Help:      "Messages dropped because the payload was not valid UTF-8 JSON",
			},
		),
		Forwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "requests_total",
				Help:      "Forward attempts by outcome",
			},
			[]string{"outcome"},
		),
		ForwardDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "duration_seconds",
				Help:      "Forward attempt duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.DispatchDropped,
		m.DecodeFailures,
		m.Forwarded,
		m.ForwardDuration,
		m.BrokerConnected,
	)
	return m
}

// ObserveForward records the outcome and duration of one forward attempt.
func (m *Metrics) ObserveForward(outcome string, elapsed time.Duration) {
	m.Forwarded.WithLabelValues(outcome).Inc()
	m.ForwardDuration.Observe(elapsed.Seconds())
}

// SetConnected records the broker connection status.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.BrokerConnected.Set(1)
		return
	}
	m.BrokerConnected.Set(0)
}

// TrackQueueDepth exposes the current dispatch queue length, sampled on scrape.
func (m *Metrics) TrackQueueDepth(depth func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Messages waiting in the dispatch queue",
		},
		func() float64 { return float64(depth()) },
	))
}
