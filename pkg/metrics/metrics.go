// Package metrics provides observability primitives for the TLS 1.3
// handshake library.
//
// The package includes:
//   - a Collector aggregating handshake counters and latency
//   - Prometheus-compatible metrics export
//   - OpenTelemetry tracing support (behind the `otel` build tag)
//   - structured logging with levels
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector aggregates metrics across handshakes.
type Collector struct {
	handshakesStarted   atomic.Uint64
	handshakesCompleted atomic.Uint64
	handshakesFailed    atomic.Uint64
	sessionsResumed     atomic.Uint64
	earlyDataAccepted   atomic.Uint64
	earlyDataRejected   atomic.Uint64
	helloRetries        atomic.Uint64
	ticketsIngested     atomic.Uint64

	handshakeLatency *Histogram
}

// defaultLatencyBuckets covers handshake durations from fast loopback to
// slow asynchronous signing, in seconds.
var defaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		handshakeLatency: NewHistogram(defaultLatencyBuckets),
	}
}

// HandshakeStarted records a handshake entering the state machine.
func (c *Collector) HandshakeStarted() {
	c.handshakesStarted.Add(1)
}

// HandshakeCompleted records a handshake reaching the done state.
func (c *Collector) HandshakeCompleted(resumed, earlyAccepted bool, d time.Duration) {
	c.handshakesCompleted.Add(1)
	if resumed {
		c.sessionsResumed.Add(1)
	}
	if earlyAccepted {
		c.earlyDataAccepted.Add(1)
	}
	c.handshakeLatency.Observe(d.Seconds())
}

// HandshakeFailed records a fatal handshake error.
func (c *Collector) HandshakeFailed() {
	c.handshakesFailed.Add(1)
}

// EarlyDataRejected records a 0-RTT rejection signal.
func (c *Collector) EarlyDataRejected() {
	c.earlyDataRejected.Add(1)
}

// HelloRetry records a processed HelloRetryRequest.
func (c *Collector) HelloRetry() {
	c.helloRetries.Add(1)
}

// TicketIngested records a post-handshake NewSessionTicket.
func (c *Collector) TicketIngested() {
	c.ticketsIngested.Add(1)
}

// Snapshot is a point-in-time copy of the collector state.
type Snapshot struct {
	HandshakesStarted   uint64
	HandshakesCompleted uint64
	HandshakesFailed    uint64
	SessionsResumed     uint64
	EarlyDataAccepted   uint64
	EarlyDataRejected   uint64
	HelloRetries        uint64
	TicketsIngested     uint64
	HandshakeLatency    HistogramSummary
}

// Snapshot returns the current values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		HandshakesStarted:   c.handshakesStarted.Load(),
		HandshakesCompleted: c.handshakesCompleted.Load(),
		HandshakesFailed:    c.handshakesFailed.Load(),
		SessionsResumed:     c.sessionsResumed.Load(),
		EarlyDataAccepted:   c.earlyDataAccepted.Load(),
		EarlyDataRejected:   c.earlyDataRejected.Load(),
		HelloRetries:        c.helloRetries.Load(),
		TicketsIngested:     c.ticketsIngested.Load(),
		HandshakeLatency:    c.handshakeLatency.Summary(),
	}
}
