package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.HandshakeStarted()
	c.HandshakeStarted()
	c.HandshakeCompleted(true, false, 10*time.Millisecond)
	c.HandshakeFailed()
	c.EarlyDataRejected()
	c.HelloRetry()
	c.TicketIngested()

	snap := c.Snapshot()
	if snap.HandshakesStarted != 2 {
		t.Errorf("started = %d", snap.HandshakesStarted)
	}
	if snap.HandshakesCompleted != 1 || snap.SessionsResumed != 1 {
		t.Errorf("completed/resumed = %d/%d", snap.HandshakesCompleted, snap.SessionsResumed)
	}
	if snap.EarlyDataAccepted != 0 {
		t.Errorf("early accepted = %d", snap.EarlyDataAccepted)
	}
	if snap.HandshakesFailed != 1 || snap.EarlyDataRejected != 1 {
		t.Errorf("failed/rejected = %d/%d", snap.HandshakesFailed, snap.EarlyDataRejected)
	}
	if snap.HelloRetries != 1 || snap.TicketsIngested != 1 {
		t.Errorf("retries/tickets = %d/%d", snap.HelloRetries, snap.TicketsIngested)
	}
	if snap.HandshakeLatency.Count != 1 {
		t.Errorf("latency observations = %d", snap.HandshakeLatency.Count)
	}
}

func TestPrometheusExport(t *testing.T) {
	c := NewCollector()
	c.HandshakeStarted()
	c.HandshakeCompleted(false, true, 2*time.Millisecond)

	var sb strings.Builder
	NewPrometheusExporter(c, "tls13").WriteMetrics(&sb)
	out := sb.String()

	for _, want := range []string{
		"tls13_handshakes_started_total 1",
		"tls13_handshakes_completed_total 1",
		"tls13_early_data_accepted_total 1",
		"tls13_handshake_duration_seconds_count 1",
		`le="+Inf"`,
		"# TYPE tls13_handshakes_started_total counter",
		"# TYPE tls13_handshake_duration_seconds histogram",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	h := NewHistogram([]float64{1, 2, 3})
	h.Observe(0.5)
	h.Observe(1.5)
	h.Observe(10)

	s := h.Summary()
	if s.Count != 3 {
		t.Fatalf("count = %d", s.Count)
	}
	if s.Buckets[0].Count != 1 || s.Buckets[1].Count != 2 || s.Buckets[3].Count != 3 {
		t.Errorf("cumulative buckets = %v", s.Buckets)
	}
	if s.Min != 0.5 || s.Max != 10 {
		t.Errorf("min/max = %v/%v", s.Min, s.Max)
	}
	if h.Count() != 3 {
		t.Errorf("Count() = %d", h.Count())
	}
	if h.Mean() != s.Mean {
		t.Errorf("Mean() = %v, summary mean = %v", h.Mean(), s.Mean)
	}
}
