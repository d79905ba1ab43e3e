// observer_metrics.go bridges the handshake Observer to the metrics
// collector, the tracer, and an optional logger.
package handshake

import (
	"context"
	"time"

	"github.com/halcyonlabs/tls13/pkg/metrics"
)

// CollectorObserverConfig configures a CollectorObserver. Nil fields fall
// back to a fresh collector, the global tracer, and no logging.
type CollectorObserverConfig struct {
	Collector *metrics.Collector
	Tracer    metrics.Tracer
	Logger    *metrics.Logger
}

// CollectorObserver records handshake lifecycle events into a
// metrics.Collector, traces the handshake as a single client span, and,
// when configured, logs state transitions.
type CollectorObserver struct {
	collector *metrics.Collector
	tracer    metrics.Tracer
	logger    *metrics.Logger
	started   time.Time
	endSpan   metrics.SpanEnder
}

// NewCollectorObserver creates an observer for one handshake and opens
// its lifecycle span; the span ends when the handshake completes or
// fails.
func NewCollectorObserver(cfg CollectorObserverConfig) *CollectorObserver {
	if cfg.Collector == nil {
		cfg.Collector = metrics.NewCollector()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = metrics.GetTracer()
	}

	cfg.Collector.HandshakeStarted()
	_, endSpan := cfg.Tracer.StartSpan(context.Background(), metrics.SpanHandshakeClient,
		metrics.WithSpanKind(metrics.SpanKindClient))

	return &CollectorObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		started:   time.Now(),
		endSpan:   endSpan,
	}
}

func (o *CollectorObserver) OnStateChange(prev, next State) {
	if o.logger != nil {
		o.logger.Debug("state transition", metrics.Fields{
			"from": prev.String(),
			"to":   next.String(),
		})
	}
}

func (o *CollectorObserver) OnHandshakeComplete(resumed, earlyAccepted bool) {
	o.collector.HandshakeCompleted(resumed, earlyAccepted, time.Since(o.started))
	o.closeSpan(nil)
	if o.logger != nil {
		o.logger.Info("handshake complete", metrics.Fields{
			"resumed":    resumed,
			"early_data": earlyAccepted,
		})
	}
}

func (o *CollectorObserver) OnHandshakeFailed(err error) {
	o.collector.HandshakeFailed()
	o.closeSpan(err)
	if o.logger != nil {
		o.logger.Error("handshake failed", metrics.Fields{"error": err.Error()})
	}
}

func (o *CollectorObserver) OnEarlyDataRejected() {
	o.collector.EarlyDataRejected()
	if o.logger != nil {
		o.logger.Info("early data rejected")
	}
}

func (o *CollectorObserver) OnHelloRetryRequest() {
	o.collector.HelloRetry()
	if o.logger != nil {
		o.logger.Info("hello retry request")
	}
}

func (o *CollectorObserver) OnTicketIngested(session *Session) {
	o.collector.TicketIngested()
	_, endSpan := o.tracer.StartSpan(context.Background(), metrics.SpanNewSessionTicket)
	endSpan(nil)
	if o.logger != nil {
		o.logger.Info("session ticket ingested", metrics.Fields{
			"lifetime": session.Timeout.String(),
		})
	}
}

// closeSpan ends the lifecycle span at most once.
func (o *CollectorObserver) closeSpan(err error) {
	if o.endSpan == nil {
		return
	}
	o.endSpan(err)
	o.endSpan = nil
}
