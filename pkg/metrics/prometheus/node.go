// Package prometheus provides the Prometheus-backed implementations of the
// metrics interfaces.
package prometheus

import (
	"time"

	"github.com/marmos91/erlnode/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// nodeMetrics is the Prometheus implementation of metrics.NodeMetrics.
type nodeMetrics struct {
	connections   *prometheus.GaugeVec
	framesIn      *prometheus.CounterVec
	framesOut     *prometheus.CounterVec
	framesSkipped prometheus.Counter
	rpcDuration   *prometheus.HistogramVec
	processes     prometheus.Gauge
}

// NewNodeMetrics creates a new Prometheus-backed NodeMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewNodeMetrics() metrics.NodeMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &nodeMetrics{
		connections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "erlnode_connections",
				Help: "Live distribution connections by peer node",
			},
			[]string{"peer"},
		),
		framesIn: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "erlnode_frames_in_total",
				Help: "Inbound control messages by operation",
			},
			[]string{"op"},
		),
		framesOut: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "erlnode_frames_out_total",
				Help: "Outbound control messages by operation",
			},
			[]string{"op"},
		),
		framesSkipped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "erlnode_frames_skipped_total",
				Help: "Inbound frames skipped for forward compatibility",
			},
		),
		rpcDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "erlnode_rpc_duration_milliseconds",
				Help: "Duration of remote procedure calls in milliseconds",
				Buckets: []float64{
					1,     // 1ms - local loopback
					5,     // 5ms
					10,    // 10ms
					50,    // 50ms
					100,   // 100ms
					500,   // 500ms
					1000,  // 1s
					5000,  // 5s
					10000, // 10s - the default RPC deadline
				},
			},
			[]string{"outcome"}, // "ok", "timeout", "cancelled", "error"
		),
		processes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "erlnode_processes",
				Help: "Live local processes",
			},
		),
	}
}

func (m *nodeMetrics) RecordConnectionOpened(peer string) {
	m.connections.WithLabelValues(peer).Inc()
}

func (m *nodeMetrics) RecordConnectionClosed(peer string) {
	m.connections.WithLabelValues(peer).Dec()
}

func (m *nodeMetrics) RecordFrameIn(op string) {
	m.framesIn.WithLabelValues(op).Inc()
}

func (m *nodeMetrics) RecordFrameOut(op string) {
	m.framesOut.WithLabelValues(op).Inc()
}

func (m *nodeMetrics) RecordFrameSkipped() {
	m.framesSkipped.Inc()
}

func (m *nodeMetrics) RecordRPC(duration time.Duration, outcome string) {
	m.rpcDuration.WithLabelValues(outcome).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *nodeMetrics) SetProcessCount(count int) {
	m.processes.Set(float64(count))
}
