// ticket.go implements post-handshake NewSessionTicket ingestion.
//
// Each ticket rebuilds a resumable session from the established one: the
// duplicate carries the resumption secret and peer authentication, gets a
// fresh time base, and takes the ticket-only fields from the message. The
// session timeout is capped at the server-advertised lifetime.
package handshake

import (
	"time"

	"github.com/halcyonlabs/tls13/internal/constants"
	qerrors "github.com/halcyonlabs/tls13/internal/errors"
	"github.com/halcyonlabs/tls13/pkg/protocol"
)

// NewSessionFromTicket duplicates the established session and applies a
// decoded NewSessionTicket body to it.
func NewSessionFromTicket(established *Session, body []byte) (*Session, error) {
	if established == nil || len(established.MasterSecret) == 0 {
		return nil, qerrors.ErrInvalidState
	}

	nst, err := protocol.ParseNewSessionTicket(body)
	if err != nil {
		return nil, err
	}

	sess := established.dupAll()
	sess.CreatedAt = time.Now()

	lifetime := time.Duration(nst.Lifetime) * time.Second
	if sess.Timeout == 0 || sess.Timeout > lifetime {
		sess.Timeout = lifetime
	}

	sess.Ticket = append([]byte(nil), nst.Ticket...)
	sess.TicketAgeAdd = nst.AgeAdd
	sess.TicketAgeAddValid = true
	sess.MaxEarlyData = nst.MaxEarlyData
	sess.NotResumable = false
	return sess, nil
}

// IngestNewSessionTicket processes a NewSessionTicket message received on
// an established connection. If the handshake's session callback accepts
// the duplicated session, ownership transfers to it; otherwise the
// duplicate is dropped.
func (hs *ClientHandshake) IngestNewSessionTicket(msg *protocol.Message) error {
	if hs.state != StateDone {
		return qerrors.ErrInvalidState
	}
	if msg.Type != protocol.TypeNewSessionTicket {
		return alertErr(constants.AlertUnexpectedMessage, qerrors.ErrUnexpectedMessage)
	}

	sess, err := NewSessionFromTicket(hs.establishedSession, msg.Body)
	if err != nil {
		return err
	}

	if hs.cfg.Observer != nil {
		hs.cfg.Observer.OnTicketIngested(sess)
	}
	if hs.cfg.NewSessionCallback != nil && hs.cfg.NewSessionCallback(sess) {
		return nil
	}
	sess.Zeroize()
	return nil
}
