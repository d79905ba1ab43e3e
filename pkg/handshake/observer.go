package handshake

// Observer provides hooks for handshake lifecycle and diagnostics.
// Implementations should be lightweight; callbacks run inline with the
// state machine.
type Observer interface {
	OnStateChange(prev, next State)
	OnHandshakeComplete(resumed, earlyDataAccepted bool)
	OnHandshakeFailed(err error)
	OnEarlyDataRejected()
	OnHelloRetryRequest()
	OnTicketIngested(session *Session)
}

// NopObserver is an Observer that does nothing. Embed it to implement a
// subset of the hooks.
type NopObserver struct{}

func (NopObserver) OnStateChange(prev, next State)                 {}
func (NopObserver) OnHandshakeComplete(resumed, earlyAccepted bool) {}
func (NopObserver) OnHandshakeFailed(err error)                    {}
func (NopObserver) OnEarlyDataRejected()                           {}
func (NopObserver) OnHelloRetryRequest()                           {}
func (NopObserver) OnTicketIngested(session *Session)              {}
