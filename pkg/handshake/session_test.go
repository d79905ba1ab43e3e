package handshake

import (
	"bytes"
	"testing"
	"time"

	"github.com/halcyonlabs/tls13/internal/constants"
)

func TestSessionDupAuthOnly(t *testing.T) {
	orig := establishedForTickets()
	orig.Ticket = []byte("ticket")
	orig.TicketAgeAdd = 42
	orig.TicketAgeAddValid = true

	d := orig.dupAuthOnly()

	if d.CipherSuite != orig.CipherSuite || d.Version != orig.Version {
		t.Error("negotiated parameters not carried")
	}
	if !bytes.Equal(d.PeerCertChain[0], orig.PeerCertChain[0]) {
		t.Error("peer chain not carried")
	}
	if d.Ticket != nil || d.TicketAgeAdd != 0 || d.TicketAgeAddValid {
		t.Error("ticket state must not be carried")
	}
	if d.MasterSecret != nil {
		t.Error("resumption secret must not be carried")
	}
	if !d.NotResumable {
		t.Error("auth-only duplicate must not be resumable")
	}

	// Mutating the duplicate must not reach the original.
	d.ALPN[0] = 'x'
	if orig.ALPN[0] == 'x' {
		t.Error("alpn aliased between duplicate and original")
	}
}

func TestSessionResumable(t *testing.T) {
	s := establishedForTickets()
	s.Ticket = []byte("ticket")
	if !s.Resumable() {
		t.Error("ticketed session should be resumable")
	}

	expired := establishedForTickets()
	expired.Ticket = []byte("ticket")
	expired.CreatedAt = time.Now().Add(-3 * constants.DefaultSessionTimeoutSeconds * time.Second)
	if expired.Resumable() {
		t.Error("expired session must not be resumable")
	}

	var nilSession *Session
	if nilSession.Resumable() {
		t.Error("nil session must not be resumable")
	}

	noTicket := establishedForTickets()
	if noTicket.Resumable() {
		t.Error("session without ticket must not be resumable")
	}
}

func TestSessionZeroize(t *testing.T) {
	s := establishedForTickets()
	s.Zeroize()
	if s.MasterSecret != nil {
		t.Error("master secret not cleared")
	}
	if !s.NotResumable {
		t.Error("zeroized session must not be resumable")
	}
}
