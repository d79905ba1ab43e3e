package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
)

// PrometheusExporter exports metrics in Prometheus text format.
type PrometheusExporter struct {
	collector *Collector
	namespace string
}

// NewPrometheusExporter creates a new Prometheus exporter for the given
// collector. The namespace is prepended to all metric names.
func NewPrometheusExporter(c *Collector, namespace string) *PrometheusExporter {
	if namespace == "" {
		namespace = "tls13"
	}
	return &PrometheusExporter{
		collector: c,
		namespace: namespace,
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (e *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		e.WriteMetrics(w)
	})
}

// WriteMetrics writes all metrics in Prometheus text format to the writer.
func (e *PrometheusExporter) WriteMetrics(w io.Writer) {
	snap := e.collector.Snapshot()

	e.counter(w, "handshakes_started_total", "Handshakes entered the state machine.", snap.HandshakesStarted)
	e.counter(w, "handshakes_completed_total", "Handshakes reached the done state.", snap.HandshakesCompleted)
	e.counter(w, "handshakes_failed_total", "Handshakes that failed fatally.", snap.HandshakesFailed)
	e.counter(w, "sessions_resumed_total", "Handshakes completed via PSK resumption.", snap.SessionsResumed)
	e.counter(w, "early_data_accepted_total", "Handshakes where the server accepted 0-RTT.", snap.EarlyDataAccepted)
	e.counter(w, "early_data_rejected_total", "0-RTT rejection signals returned.", snap.EarlyDataRejected)
	e.counter(w, "hello_retries_total", "HelloRetryRequest messages processed.", snap.HelloRetries)
	e.counter(w, "tickets_ingested_total", "Post-handshake NewSessionTicket messages ingested.", snap.TicketsIngested)
	e.histogram(w, "handshake_duration_seconds", "Handshake wall-clock duration.", snap.HandshakeLatency)
}

func (e *PrometheusExporter) counter(w io.Writer, name, help string, v uint64) {
	full := e.namespace + "_" + name
	fmt.Fprintf(w, "# HELP %s %s\n", full, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", full)
	fmt.Fprintf(w, "%s %d\n", full, v)
}

func (e *PrometheusExporter) histogram(w io.Writer, name, help string, s HistogramSummary) {
	full := e.namespace + "_" + name
	fmt.Fprintf(w, "# HELP %s %s\n", full, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", full)
	for _, b := range s.Buckets {
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", full, formatBound(b.UpperBound), b.Count)
	}
	fmt.Fprintf(w, "%s_sum %g\n", full, s.Sum)
	fmt.Fprintf(w, "%s_count %d\n", full, s.Count)
}

func formatBound(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	s := fmt.Sprintf("%g", v)
	return strings.TrimSpace(s)
}
