// Package tls13 provides the client-side TLS 1.3 handshake state machine:
// the protocol engine that drives a connection from an offered ClientHello
// through server-selected parameters, key agreement, authentication, and
// the transition to application traffic.
//
// The core is transport-free. Records, X.509 processing, private-key
// operations, and the ClientHello construction are consumed through
// capability interfaces, and the controller suspends whenever one of them
// must run asynchronously.
//
// # Quick Start
//
//	import "github.com/halcyonlabs/tls13/pkg/handshake"
//
//	hs, _ := handshake.NewClient(cfg, recordLayer, certAgent, offer)
//	for {
//	    switch susp, err := hs.Advance(); susp {
//	    case handshake.SuspendReadMessage:
//	        // feed another record into the record layer
//	    case handshake.SuspendFlush:
//	        // drain the outbound buffer
//	    case handshake.SuspendEarlyDataRejected:
//	        // drop buffered 0-RTT data and continue
//	    ...
//	    }
//	    if hs.Done() {
//	        session := hs.EstablishedSession()
//	        break
//	    }
//	}
//
// # Package Structure
//
//   - pkg/handshake: the state machine, sessions, and ticket ingestion
//   - pkg/crypto: HKDF stages, transcript, key schedule, key shares, AEAD
//   - pkg/protocol: handshake message codec and extension dispatch
//   - pkg/metrics: collector, Prometheus export, tracing, logging
//   - internal/constants: protocol parameters
//   - internal/errors: error types shared across the module
package tls13
