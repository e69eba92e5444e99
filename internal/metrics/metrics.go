// Package metrics exposes the transport's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates all transport counters. One instance is shared by
// the channels, the datagram multiplexer, and the transport layer.
type Metrics struct {
	// Channel metrics
	ChannelsActive prometheus.Gauge
	ChannelsTotal  prometheus.Counter

	// Packet metrics
	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	CreditOnlySent    prometheus.Counter
	WriteWouldBlock   prometheus.Counter
	PacketsDropped    *prometheus.CounterVec // reason: unknown_type, late_response, not_connected
	InvalidPackets    prometheus.Counter
	OutstandingBytes  prometheus.Gauge
	BackPressureFires prometheus.Counter

	// Dispatcher metrics
	RequestsSent    prometheus.Counter
	RequestTimeouts prometheus.Counter
	ResponsesServed prometheus.Counter

	// Loop metrics
	CompletionsPolled prometheus.Counter
	TransientRetries  prometheus.Counter

	startTime time.Time
}

// New registers all collectors with reg. Passing nil creates a private
// registry, which keeps repeated construction (tests, multiple
// transports in one process) from colliding in the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabstream_channels_active",
			Help: "Number of currently open channels",
		}),
		ChannelsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_channels_total",
			Help: "Total number of channels ever opened",
		}),

		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_packets_sent_total",
			Help: "Total data packets posted to the fabric",
		}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_packets_received_total",
			Help: "Total data packets delivered to handlers",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_bytes_sent_total",
			Help: "Total payload bytes posted to the fabric",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_bytes_received_total",
			Help: "Total payload bytes delivered to readers",
		}),
		CreditOnlySent: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_credit_only_packets_total",
			Help: "Total explicit credit-only packets posted",
		}),
		WriteWouldBlock: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_write_would_block_total",
			Help: "Writes refused for lack of peer credit or free slots",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabstream_packets_dropped_total",
			Help: "Packets dropped, by reason",
		}, []string{"reason"}),
		InvalidPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_invalid_packets_total",
			Help: "Frames rejected for framing violations",
		}),
		OutstandingBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fabstream_outstanding_bytes",
			Help: "Bytes enqueued but not yet acknowledged by completions",
		}),
		BackPressureFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_backpressure_fires_total",
			Help: "High-water-mark callbacks fired",
		}),

		RequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_requests_sent_total",
			Help: "Requests submitted through the dispatcher",
		}),
		RequestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_request_timeouts_total",
			Help: "Requests that expired before a response arrived",
		}),
		ResponsesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_responses_served_total",
			Help: "Responses sent by installed request handlers",
		}),

		CompletionsPolled: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_completions_polled_total",
			Help: "Completion queue entries consumed by event loops",
		}),
		TransientRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "fabstream_transient_retries_total",
			Help: "Posts retried after a transient provider error",
		}),
	}
}

// Uptime returns the time since the metrics were created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
