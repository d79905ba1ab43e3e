// session.go implements the session object exchanged between the
// handshake and the post-handshake ticket flow.
//
// A session carries the authentication and resumption material of one
// completed (or resumed) handshake. The controller builds a new session
// during the handshake and promotes it to the established session at
// completion; tickets minted afterwards are duplicates of the established
// session plus ticket-only fields.
package handshake

import (
	"time"

	"github.com/halcyonlabs/tls13/internal/constants"
	"github.com/halcyonlabs/tls13/pkg/crypto"
)

// Session is the resumption and authentication state of a connection.
type Session struct {
	// CipherSuite is the negotiated suite; its PRF hash governs every
	// secret derived for this session.
	CipherSuite constants.CipherSuite

	// Version is the negotiated protocol version code point.
	Version uint16

	// MasterSecret is the resumption secret; its length equals the PRF
	// hash length.
	MasterSecret []byte

	// PeerCertChain is the peer's certificate chain in wire order.
	PeerCertChain [][]byte

	// ALPN is the negotiated application protocol, empty if none.
	ALPN []byte

	// Context is the session context the session was created under.
	Context []byte

	// CreatedAt is the session time base.
	CreatedAt time.Time

	// Timeout bounds the session lifetime relative to CreatedAt.
	Timeout time.Duration

	// Ticket fields, populated by NewSessionTicket ingestion.
	Ticket            []byte
	TicketAgeAdd      uint32
	TicketAgeAddValid bool
	MaxEarlyData      uint32

	// NotResumable marks a session that must not be offered again.
	NotResumable bool

	// Reused records that this session was produced by resumption.
	Reused bool
}

// dupAuthOnly duplicates the fields that identify the authenticated peer,
// leaving resumption and ticket state behind. Used when a resumed
// handshake mints its new session from the offered one.
func (s *Session) dupAuthOnly() *Session {
	d := &Session{
		CipherSuite:  s.CipherSuite,
		Version:      s.Version,
		CreatedAt:    time.Now(),
		Timeout:      s.Timeout,
		NotResumable: true,
	}
	d.PeerCertChain = append([][]byte(nil), s.PeerCertChain...)
	d.ALPN = append([]byte(nil), s.ALPN...)
	d.Context = append([]byte(nil), s.Context...)
	return d
}

// dupAll duplicates every field including resumption and ticket state,
// except the time base, which starts at the moment of duplication. Used
// when a post-handshake ticket rebuilds a session from the established one.
func (s *Session) dupAll() *Session {
	d := s.dupAuthOnly()
	d.MasterSecret = append([]byte(nil), s.MasterSecret...)
	d.Ticket = append([]byte(nil), s.Ticket...)
	d.TicketAgeAdd = s.TicketAgeAdd
	d.TicketAgeAddValid = s.TicketAgeAddValid
	d.MaxEarlyData = s.MaxEarlyData
	d.NotResumable = s.NotResumable
	d.Reused = s.Reused
	return d
}

// Resumable reports whether the session can be offered for resumption.
func (s *Session) Resumable() bool {
	if s == nil || s.NotResumable {
		return false
	}
	if len(s.MasterSecret) == 0 || len(s.Ticket) == 0 {
		return false
	}
	return time.Since(s.CreatedAt) < s.Timeout
}

// Zeroize wipes the resumption secret. The session must not be offered
// afterwards.
func (s *Session) Zeroize() {
	crypto.Zeroize(s.MasterSecret)
	s.MasterSecret = nil
	s.NotResumable = true
}
