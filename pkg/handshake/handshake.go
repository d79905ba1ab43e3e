// Package handshake implements the client-side TLS 1.3 handshake state
// machine.
//
// State graph (initial state at the top, terminal state done):
//
//	read_hello_retry_request
//	  ├─ non-HRR message  → read_server_hello
//	  └─ HRR              → send_second_client_hello → read_server_hello
//	read_server_hello          → process_change_cipher_spec
//	process_change_cipher_spec → read_encrypted_extensions
//	read_encrypted_extensions  → read_certificate_request
//	read_certificate_request
//	  ├─ resumption            → read_server_finished
//	  └─ otherwise             → read_server_certificate
//	read_server_certificate        → read_server_certificate_verify
//	read_server_certificate_verify → read_server_finished
//	read_server_finished           → send_end_of_early_data
//	send_end_of_early_data         → send_client_certificate
//	send_client_certificate
//	  ├─ not requested         → complete_second_flight
//	  └─ requested             → send_client_certificate_verify
//	send_client_certificate_verify → complete_second_flight
//	complete_second_flight         → done
//
// The controller is driven cooperatively: each call to Advance dispatches
// on the current state until a handler suspends (needs I/O, an
// asynchronous callback, or signals 0-RTT rejection) or the handshake
// completes or fails. It is not safe for concurrent use on the same
// connection.
package handshake

import (
	"bytes"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/halcyonlabs/tls13/internal/constants"
	qerrors "github.com/halcyonlabs/tls13/internal/errors"
	"github.com/halcyonlabs/tls13/pkg/crypto"
	"github.com/halcyonlabs/tls13/pkg/protocol"
)

// State identifies the current position in the handshake graph.
type State int

const (
	StateReadHelloRetryRequest State = iota
	StateSendSecondClientHello
	StateReadServerHello
	StateProcessChangeCipherSpec
	StateReadEncryptedExtensions
	StateReadCertificateRequest
	StateReadServerCertificate
	StateReadServerCertificateVerify
	StateReadServerFinished
	StateSendEndOfEarlyData
	StateSendClientCertificate
	StateSendClientCertificateVerify
	StateCompleteSecondFlight
	StateDone
	StateFailed
)

// String returns the diagnostic state name.
func (s State) String() string {
	switch s {
	case StateReadHelloRetryRequest:
		return "read_hello_retry_request"
	case StateSendSecondClientHello:
		return "send_second_client_hello"
	case StateReadServerHello:
		return "read_server_hello"
	case StateProcessChangeCipherSpec:
		return "process_change_cipher_spec"
	case StateReadEncryptedExtensions:
		return "read_encrypted_extensions"
	case StateReadCertificateRequest:
		return "read_certificate_request"
	case StateReadServerCertificate:
		return "read_server_certificate"
	case StateReadServerCertificateVerify:
		return "read_server_certificate_verify"
	case StateReadServerFinished:
		return "read_server_finished"
	case StateSendEndOfEarlyData:
		return "send_end_of_early_data"
	case StateSendClientCertificate:
		return "send_client_certificate"
	case StateSendClientCertificateVerify:
		return "send_client_certificate_verify"
	case StateCompleteSecondFlight:
		return "complete_second_flight"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config carries the connection parameters and embedder callbacks for one
// client handshake.
type Config struct {
	// Version is the negotiated TLS 1.3 code point; zero means the
	// RFC 8446 value. Version selection happens before the state machine
	// is entered.
	Version uint16

	// Experimental enables the middlebox-compatibility profile: legacy
	// record-layer version, legacy_session_id and compression_method in
	// ServerHello decoding, and ChangeCipherSpec injection.
	Experimental bool

	// Groups is the locally supported key-share group list, used to
	// validate a HelloRetryRequest selection.
	Groups []constants.NamedGroup

	// SessionContext scopes resumption; a resumed session must carry the
	// same context.
	SessionContext []byte

	// PSKDHETimeout is the renewed lifetime for sessions resumed with
	// PSK plus ECDHE; zero means the default.
	PSKDHETimeout time.Duration

	// HelloBuilder re-emits the ClientHello after a HelloRetryRequest.
	HelloBuilder ClientHelloBuilder

	// CertCallback is consulted when the server requests client
	// authentication: >0 continue, 0 fatal, <0 retry asynchronously.
	CertCallback func() int

	// NewSessionCallback receives post-handshake ticket sessions; a true
	// return transfers ownership.
	NewSessionCallback func(*Session) bool

	// InfoCallback is fired exactly once per state transition.
	InfoCallback func(prev, next State)

	// ChannelID provides the Channel ID message body once the key is
	// available; a false return defers.
	ChannelID func(transcriptHash []byte) ([]byte, bool)

	// CustomExtensions registers handlers for embedder extensions in
	// EncryptedExtensions.
	CustomExtensions map[protocol.ExtensionType]protocol.Handler

	// Observer receives lifecycle events; may be nil.
	Observer Observer
}

func (c *Config) negotiatedVersion() uint16 {
	if c.Version != 0 {
		return c.Version
	}
	return constants.VersionTLS13
}

func (c *Config) pskTimeout() time.Duration {
	if c.PSKDHETimeout != 0 {
		return c.PSKDHETimeout
	}
	return constants.DefaultPSKDHETimeoutSeconds * time.Second
}

func (c *Config) groupSupported(g constants.NamedGroup) bool {
	for _, have := range c.Groups {
		if have == g {
			return true
		}
	}
	return false
}

// ClientHandshake is the mutable handshake context threaded through every
// state. It is exclusively owned by the controller.
type ClientHandshake struct {
	cfg   *Config
	rl    RecordLayer
	certs CertificateAgent

	state      State
	transcript *crypto.Transcript
	schedule   *crypto.KeySchedule
	suite      constants.CipherSuite

	keyShare    *crypto.KeyShare
	cookie      []byte
	retryGroup  constants.NamedGroup
	receivedHRR bool

	offeredSession     *Session
	newSession         *Session
	earlySession       *Session
	establishedSession *Session

	certRequested bool
	peerSigAlgs   []uint16
	caNames       [][]byte

	inEarlyData         bool
	earlyDataOffered    bool
	earlyDataAccepted   bool
	canEarlyWrite       bool
	earlyRejectSignaled bool

	receivedCustomExtension bool
	channelIDValid          bool
	channelIDSent           bool
	sessionReused           bool

	clientHSSecret  []byte
	serverHSSecret  []byte
	clientAppSecret []byte
	serverAppSecret []byte

	err error
}

// NewClient constructs a controller for a connection whose first
// ClientHello has already been emitted.
func NewClient(cfg *Config, rl RecordLayer, certs CertificateAgent, offer Offer) (*ClientHandshake, error) {
	if cfg == nil || rl == nil || certs == nil {
		return nil, qerrors.ErrInternal
	}
	if len(offer.ClientHello) == 0 || offer.KeyShare == nil {
		return nil, qerrors.ErrInvalidState
	}
	if offer.EarlyDataOffered && offer.Session == nil {
		return nil, qerrors.ErrInvalidState
	}

	hs := &ClientHandshake{
		cfg:            cfg,
		rl:             rl,
		certs:          certs,
		state:          StateReadHelloRetryRequest,
		transcript:     crypto.NewTranscript(),
		keyShare:       offer.KeyShare,
		offeredSession: offer.Session,
	}
	hs.transcript.Write(offer.ClientHello)

	if offer.EarlyDataOffered {
		hs.earlyDataOffered = true
		hs.inEarlyData = true
		hs.canEarlyWrite = true
		hs.earlySession = offer.Session
	}
	return hs, nil
}

// Advance runs the state machine until it suspends, completes, or fails.
// A fatal error latches: further calls return the same error.
func (hs *ClientHandshake) Advance() (Suspension, error) {
	if hs.err != nil {
		return SuspendError, hs.err
	}
	for {
		if hs.state == StateDone {
			return SuspendNone, nil
		}

		var susp Suspension
		var err error
		switch hs.state {
		case StateReadHelloRetryRequest:
			susp, err = hs.readHelloRetryRequest()
		case StateSendSecondClientHello:
			susp, err = hs.sendSecondClientHello()
		case StateReadServerHello:
			susp, err = hs.readServerHello()
		case StateProcessChangeCipherSpec:
			susp, err = hs.processChangeCipherSpec()
		case StateReadEncryptedExtensions:
			susp, err = hs.readEncryptedExtensions()
		case StateReadCertificateRequest:
			susp, err = hs.readCertificateRequest()
		case StateReadServerCertificate:
			susp, err = hs.readServerCertificate()
		case StateReadServerCertificateVerify:
			susp, err = hs.readServerCertificateVerify()
		case StateReadServerFinished:
			susp, err = hs.readServerFinished()
		case StateSendEndOfEarlyData:
			susp, err = hs.sendEndOfEarlyData()
		case StateSendClientCertificate:
			susp, err = hs.sendClientCertificate()
		case StateSendClientCertificateVerify:
			susp, err = hs.sendClientCertificateVerify()
		case StateCompleteSecondFlight:
			susp, err = hs.completeSecondFlight()
		default:
			err = qerrors.ErrInvalidState
		}

		if err != nil {
			return hs.fail(err)
		}
		if susp != SuspendNone {
			return susp, nil
		}
	}
}

// Pump drives Advance, draining the outbound buffer on flush suspensions.
// It returns on any other suspension, on completion, or on error.
func (hs *ClientHandshake) Pump() (Suspension, error) {
	for {
		susp, err := hs.Advance()
		if err != nil || susp != SuspendFlush {
			return susp, err
		}
		if err := hs.rl.Flush(); err != nil {
			hs.err = err
			return SuspendError, err
		}
		if hs.state == StateDone {
			return SuspendNone, nil
		}
	}
}

// State returns the current state.
func (hs *ClientHandshake) State() State { return hs.state }

// Done reports handshake completion.
func (hs *ClientHandshake) Done() bool { return hs.state == StateDone }

// EstablishedSession returns the session once the handshake reached done.
func (hs *ClientHandshake) EstablishedSession() *Session { return hs.establishedSession }

// SessionReused reports whether the handshake resumed the offered session.
func (hs *ClientHandshake) SessionReused() bool { return hs.sessionReused }

// EarlyDataAccepted reports whether the server accepted 0-RTT data.
func (hs *ClientHandshake) EarlyDataAccepted() bool { return hs.earlyDataAccepted }

// CanEarlyWrite reports whether 0-RTT data may still be written.
func (hs *ClientHandshake) CanEarlyWrite() bool { return hs.canEarlyWrite }

// ReceivedHelloRetryRequest reports whether a HelloRetryRequest was
// processed on this connection.
func (hs *ClientHandshake) ReceivedHelloRetryRequest() bool { return hs.receivedHRR }

// PeerSignatureAlgorithms returns the signature schemes advertised in the
// server's CertificateRequest.
func (hs *ClientHandshake) PeerSignatureAlgorithms() []uint16 { return hs.peerSigAlgs }

// CertificateAuthorities returns the CA names from the server's
// CertificateRequest.
func (hs *ClientHandshake) CertificateAuthorities() [][]byte { return hs.caNames }

func (hs *ClientHandshake) setState(next State) {
	prev := hs.state
	hs.state = next
	if hs.cfg.InfoCallback != nil {
		hs.cfg.InfoCallback(prev, next)
	}
	if hs.cfg.Observer != nil {
		hs.cfg.Observer.OnStateChange(prev, next)
	}
}

func (hs *ClientHandshake) fail(err error) (Suspension, error) {
	err = qerrors.NewProtocolError(hs.state.String(), err)
	hs.err = err
	hs.rl.AddAlert(constants.AlertLevelFatal, alertFor(err))
	hs.setState(StateFailed)
	if hs.cfg.Observer != nil {
		hs.cfg.Observer.OnHandshakeFailed(err)
	}
	return SuspendError, err
}

func alertFor(err error) constants.AlertCode {
	var ae *qerrors.AlertError
	if qerrors.As(err, &ae) {
		return constants.AlertCode(ae.Alert)
	}
	return constants.AlertInternalError
}

func alertErr(code constants.AlertCode, err error) error {
	return qerrors.NewAlertError(uint8(code), err)
}

// rejectEarlyData tears down the 0-RTT sub-state. The rejection is
// surfaced to the embedder exactly once.
func (hs *ClientHandshake) rejectEarlyData() Suspension {
	hs.inEarlyData = false
	hs.canEarlyWrite = false
	hs.earlyDataAccepted = false
	if hs.earlyRejectSignaled {
		return SuspendNone
	}
	hs.earlyRejectSignaled = true
	if hs.cfg.Observer != nil {
		hs.cfg.Observer.OnEarlyDataRejected()
	}
	return SuspendEarlyDataRejected
}

func (hs *ClientHandshake) readHelloRetryRequest() (Suspension, error) {
	msg, ok := hs.rl.GetMessage()
	if !ok {
		return SuspendReadMessage, nil
	}
	if msg.Type != protocol.TypeHelloRetryRequest {
		// Peek only; the message stays queued for read_server_hello.
		hs.setState(StateReadServerHello)
		return SuspendNone, nil
	}

	hrr, err := protocol.ParseHelloRetryRequest(msg.Body)
	if err != nil {
		return 0, err
	}

	hasKeyShare := false
	handlers := map[protocol.ExtensionType]protocol.Handler{
		protocol.ExtKeyShare: func(data []byte) error {
			s := cryptobyte.String(data)
			var g uint16
			if !s.ReadUint16(&g) || !s.Empty() {
				return alertErr(constants.AlertDecodeError, qerrors.ErrDecodeError)
			}
			group := constants.NamedGroup(g)
			if !hs.cfg.groupSupported(group) || group == hs.keyShare.Group() {
				return alertErr(constants.AlertIllegalParameter, qerrors.ErrWrongCurve)
			}
			hs.retryGroup = group
			hasKeyShare = true
			return nil
		},
		protocol.ExtCookie: func(data []byte) error {
			s := cryptobyte.String(data)
			var c cryptobyte.String
			if !s.ReadUint16LengthPrefixed(&c) || c.Empty() || !s.Empty() {
				return alertErr(constants.AlertDecodeError, qerrors.ErrDecodeError)
			}
			hs.cookie = append([]byte(nil), c...)
			return nil
		},
	}
	if err := protocol.Dispatch(hrr.Extensions, handlers, protocol.RejectUnknownDecodeError); err != nil {
		return 0, err
	}

	if !hasKeyShare {
		// Cookie-only retry: the group stands, the share is regenerated.
		hs.retryGroup = hs.keyShare.Group()
	}
	hs.keyShare.Zeroize()
	hs.keyShare = nil

	if err := hs.transcript.MarkRetry(); err != nil {
		return 0, err
	}
	hs.transcript.Write(msg.Raw)
	hs.rl.NextMessage()

	hs.receivedHRR = true
	if hs.cfg.Observer != nil {
		hs.cfg.Observer.OnHelloRetryRequest()
	}
	hs.setState(StateSendSecondClientHello)

	if hs.earlyDataOffered && hs.inEarlyData {
		// 0-RTT is always rejected on a retry.
		return hs.rejectEarlyData(), nil
	}
	return SuspendNone, nil
}

func (hs *ClientHandshake) sendSecondClientHello() (Suspension, error) {
	if hs.cfg.HelloBuilder == nil {
		return 0, qerrors.ErrInternal
	}
	// Drop any 0-RTT write epoch before the retry flight.
	if err := hs.rl.SetWriteKeys(nil); err != nil {
		return 0, err
	}

	ch, share, err := hs.cfg.HelloBuilder.BuildClientHello(hs.retryGroup, hs.cookie)
	if err != nil {
		return 0, err
	}
	hs.keyShare = share
	hs.rl.AddMessage(ch)
	hs.transcript.Write(ch)

	hs.setState(StateReadServerHello)
	return SuspendFlush, nil
}

func (hs *ClientHandshake) readServerHello() (Suspension, error) {
	msg, ok := hs.rl.GetMessage()
	if !ok {
		return SuspendReadMessage, nil
	}
	if msg.Type != protocol.TypeServerHello {
		// A second HelloRetryRequest lands here and is fatal.
		return 0, alertErr(constants.AlertUnexpectedMessage, qerrors.ErrUnexpectedMessage)
	}

	sh, err := protocol.ParseServerHello(msg.Body, hs.cfg.Experimental)
	if err != nil {
		return 0, err
	}

	expectVersion := hs.cfg.negotiatedVersion()
	if hs.cfg.Experimental {
		expectVersion = constants.VersionTLS12
	}
	if sh.LegacyVersion != expectVersion {
		return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrWrongVersion)
	}

	suite := sh.CipherSuite
	if !suite.IsSupported() {
		return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrUnknownCipher)
	}

	var keyShareData, pskData []byte
	sawKeyShare, sawPSK := false, false
	handlers := map[protocol.ExtensionType]protocol.Handler{
		protocol.ExtKeyShare: func(data []byte) error {
			keyShareData = data
			sawKeyShare = true
			return nil
		},
		protocol.ExtPreSharedKey: func(data []byte) error {
			pskData = data
			sawPSK = true
			return nil
		},
	}
	if hs.cfg.Experimental {
		// Version selection already happened; presence is tolerated, the
		// contents are not validated further.
		handlers[protocol.ExtSupportedVersions] = func([]byte) error { return nil }
	}
	if err := protocol.Dispatch(sh.Extensions, handlers, protocol.RejectUnknownUnsupported); err != nil {
		return 0, err
	}

	if sawPSK {
		if hs.offeredSession == nil {
			return 0, alertErr(constants.AlertUnsupportedExtension, qerrors.ErrPSKWithoutSession)
		}
		s := cryptobyte.String(pskData)
		var index uint16
		if !s.ReadUint16(&index) || !s.Empty() {
			return 0, alertErr(constants.AlertDecodeError, qerrors.ErrDecodeError)
		}
		if index != 0 {
			return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrIllegalParameter)
		}
		sess := hs.offeredSession
		if sess.Version != hs.cfg.negotiatedVersion() || sess.CipherSuite.Hash() != suite.Hash() {
			return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrSessionMismatch)
		}
		if !bytes.Equal(sess.Context, hs.cfg.SessionContext) {
			// Resuming across contexts is an application bug.
			return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrSessionContextMismatch)
		}
		hs.sessionReused = true
		hs.newSession = sess.dupAuthOnly()
		hs.newSession.Timeout = hs.cfg.pskTimeout()
	} else {
		hs.newSession = &Session{
			CreatedAt:    time.Now(),
			Timeout:      constants.DefaultSessionTimeoutSeconds * time.Second,
			Context:      append([]byte(nil), hs.cfg.SessionContext...),
			NotResumable: true,
		}
	}
	hs.suite = suite
	hs.newSession.CipherSuite = suite
	hs.newSession.Version = hs.cfg.negotiatedVersion()

	if err := hs.transcript.SelectHash(suite.Hash()); err != nil {
		return 0, err
	}
	hs.schedule = crypto.NewKeySchedule(suite.Hash())

	var psk []byte
	if hs.sessionReused {
		psk = hs.offeredSession.MasterSecret
	}
	if err := hs.schedule.AdvanceEarly(psk); err != nil {
		return 0, err
	}

	// psk_ke-only mode is refused: the key share is mandatory.
	if !sawKeyShare {
		return 0, alertErr(constants.AlertMissingExtension, qerrors.ErrMissingExtension)
	}
	group, kx, err := protocol.ParseKeyShareEntry(keyShareData)
	if err != nil {
		return 0, err
	}
	if group != hs.keyShare.Group() {
		return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrIllegalParameter)
	}
	dhe, err := hs.keyShare.SharedSecret(kx)
	if err != nil {
		return 0, err
	}
	err = hs.schedule.AdvanceHandshake(dhe)
	crypto.Zeroize(dhe)
	if err != nil {
		return 0, err
	}
	hs.keyShare.Zeroize()
	hs.keyShare = nil

	hs.transcript.Write(msg.Raw)
	hs.rl.NextMessage()

	th := hs.transcript.Sum()
	if hs.clientHSSecret, err = hs.schedule.DeriveSecret("c hs traffic", th); err != nil {
		return 0, err
	}
	if hs.serverHSSecret, err = hs.schedule.DeriveSecret("s hs traffic", th); err != nil {
		return 0, err
	}

	hs.setState(StateProcessChangeCipherSpec)
	if hs.cfg.Experimental {
		return SuspendReadChangeCipherSpec, nil
	}
	return SuspendNone, nil
}

func (hs *ClientHandshake) processChangeCipherSpec() (Suspension, error) {
	readKeys, err := crypto.DeriveTrafficKeys(hs.suite, hs.serverHSSecret)
	if err != nil {
		return 0, err
	}
	if err := hs.rl.SetReadKeys(readKeys); err != nil {
		return 0, err
	}

	// With no 0-RTT epoch in flight the write side moves to handshake
	// keys here, so that any subsequent alert is encrypted.
	if !hs.earlyDataOffered {
		if hs.cfg.Experimental {
			hs.rl.AddChangeCipherSpec()
		}
		writeKeys, err := crypto.DeriveTrafficKeys(hs.suite, hs.clientHSSecret)
		if err != nil {
			return 0, err
		}
		if err := hs.rl.SetWriteKeys(writeKeys); err != nil {
			return 0, err
		}
	}

	hs.setState(StateReadEncryptedExtensions)
	return SuspendNone, nil
}

func (hs *ClientHandshake) readEncryptedExtensions() (Suspension, error) {
	msg, ok := hs.rl.GetMessage()
	if !ok {
		return SuspendReadMessage, nil
	}
	if msg.Type != protocol.TypeEncryptedExtensions {
		return 0, alertErr(constants.AlertUnexpectedMessage, qerrors.ErrUnexpectedMessage)
	}

	exts, err := protocol.ParseEncryptedExtensions(msg.Body)
	if err != nil {
		return 0, err
	}

	var alpn []byte
	handlers := map[protocol.ExtensionType]protocol.Handler{
		protocol.ExtServerName: protocol.Empty,
		protocol.ExtALPN: func(data []byte) error {
			proto, err := protocol.ParseALPNSelection(data)
			if err != nil {
				return err
			}
			alpn = proto
			return nil
		},
		protocol.ExtEarlyData: func(data []byte) error {
			if err := protocol.Empty(data); err != nil {
				return err
			}
			if !hs.earlyDataOffered {
				return alertErr(constants.AlertUnsupportedExtension, qerrors.ErrUnsupportedExtension)
			}
			hs.earlyDataAccepted = true
			return nil
		},
		protocol.ExtChannelID: func(data []byte) error {
			if err := protocol.Empty(data); err != nil {
				return err
			}
			hs.channelIDValid = true
			return nil
		},
	}
	for typ, h := range hs.cfg.CustomExtensions {
		inner := h
		handlers[typ] = func(data []byte) error {
			if err := inner(data); err != nil {
				return err
			}
			hs.receivedCustomExtension = true
			return nil
		}
	}
	if err := protocol.Dispatch(exts, handlers, protocol.RejectUnknownUnsupported); err != nil {
		return 0, err
	}

	if alpn != nil {
		hs.newSession.ALPN = append([]byte(nil), alpn...)
	}

	if hs.earlyDataAccepted {
		// The server committed to the 0-RTT parameters; any divergence
		// from the offered session is a protocol violation.
		if hs.earlySession.CipherSuite != hs.newSession.CipherSuite {
			return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrCipherMismatchOnEarlyData)
		}
		if !bytes.Equal(hs.earlySession.ALPN, hs.newSession.ALPN) {
			return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrALPNMismatchOnEarlyData)
		}
		if hs.channelIDValid || hs.receivedCustomExtension {
			return 0, alertErr(constants.AlertIllegalParameter, qerrors.ErrUnexpectedExtensionOnEarlyData)
		}
	}

	hs.transcript.Write(msg.Raw)
	hs.rl.NextMessage()
	hs.setState(StateReadCertificateRequest)

	if hs.earlyDataOffered && !hs.earlyDataAccepted {
		return hs.rejectEarlyData(), nil
	}
	return SuspendNone, nil
}

func (hs *ClientHandshake) readCertificateRequest() (Suspension, error) {
	if hs.sessionReused {
		// The server authenticated via the PSK; no certificate flight.
		hs.setState(StateReadServerFinished)
		return SuspendNone, nil
	}

	msg, ok := hs.rl.GetMessage()
	if !ok {
		return SuspendReadMessage, nil
	}
	if msg.Type != protocol.TypeCertificateRequest {
		// Peek only; the server must still authenticate.
		hs.setState(StateReadServerCertificate)
		return SuspendNone, nil
	}

	cr, err := protocol.ParseCertificateRequest(msg.Body)
	if err != nil {
		return 0, err
	}
	hs.certRequested = true
	hs.peerSigAlgs = cr.SignatureAlgorithms
	hs.caNames = cr.CANames

	hs.transcript.Write(msg.Raw)
	hs.rl.NextMessage()
	hs.setState(StateReadServerCertificate)
	return SuspendNone, nil
}

func (hs *ClientHandshake) readServerCertificate() (Suspension, error) {
	msg, ok := hs.rl.GetMessage()
	if !ok {
		return SuspendReadMessage, nil
	}
	if msg.Type != protocol.TypeCertificate {
		return 0, alertErr(constants.AlertUnexpectedMessage, qerrors.ErrUnexpectedMessage)
	}
	if len(msg.Body) == 0 {
		return 0, alertErr(constants.AlertDecodeError, qerrors.ErrDecodeError)
	}
	if err := hs.certs.ProcessCertificate(msg, true); err != nil {
		return 0, withAlert(constants.AlertBadCertificate, err)
	}

	hs.transcript.Write(msg.Raw)
	hs.rl.NextMessage()
	hs.setState(StateReadServerCertificateVerify)
	return SuspendNone, nil
}

func (hs *ClientHandshake) readServerCertificateVerify() (Suspension, error) {
	// The verifier runs before CertificateVerify is parsed.
	switch hs.certs.VerifyPeer() {
	case VerifyRetry:
		return SuspendCertificateVerify, nil
	case VerifyInvalid:
		return 0, alertErr(constants.AlertBadCertificate, qerrors.ErrBadCertificate)
	}

	msg, ok := hs.rl.GetMessage()
	if !ok {
		return SuspendReadMessage, nil
	}
	if msg.Type != protocol.TypeCertificateVerify {
		return 0, alertErr(constants.AlertUnexpectedMessage, qerrors.ErrUnexpectedMessage)
	}
	if err := hs.certs.VerifyCertificateVerify(msg, hs.transcript.Sum()); err != nil {
		return 0, withAlert(constants.AlertDecryptError, err)
	}

	hs.transcript.Write(msg.Raw)
	hs.rl.NextMessage()
	hs.setState(StateReadServerFinished)
	return SuspendNone, nil
}

func (hs *ClientHandshake) readServerFinished() (Suspension, error) {
	msg, ok := hs.rl.GetMessage()
	if !ok {
		return SuspendReadMessage, nil
	}
	if msg.Type != protocol.TypeFinished {
		return 0, alertErr(constants.AlertUnexpectedMessage, qerrors.ErrUnexpectedMessage)
	}

	if !crypto.VerifyFinished(hs.suite.Hash(), hs.serverHSSecret, hs.transcript.Sum(), msg.Body) {
		return 0, alertErr(constants.AlertDecryptError, qerrors.ErrBadFinished)
	}

	hs.transcript.Write(msg.Raw)
	hs.rl.NextMessage()

	if err := hs.schedule.AdvanceMaster(); err != nil {
		return 0, err
	}
	th := hs.transcript.Sum()
	var err error
	if hs.serverAppSecret, err = hs.schedule.DeriveSecret("s ap traffic", th); err != nil {
		return 0, err
	}
	if hs.clientAppSecret, err = hs.schedule.DeriveSecret("c ap traffic", th); err != nil {
		return 0, err
	}

	hs.setState(StateSendEndOfEarlyData)
	return SuspendNone, nil
}

func (hs *ClientHandshake) sendEndOfEarlyData() (Suspension, error) {
	if hs.earlyDataAccepted {
		hs.canEarlyWrite = false
		hs.rl.AddAlert(constants.AlertLevelWarning, constants.AlertEndOfEarlyData)
	}
	if hs.earlyDataOffered {
		// The write side leaves the 0-RTT epoch only now.
		if hs.cfg.Experimental {
			hs.rl.AddChangeCipherSpec()
		}
		writeKeys, err := crypto.DeriveTrafficKeys(hs.suite, hs.clientHSSecret)
		if err != nil {
			return 0, err
		}
		if err := hs.rl.SetWriteKeys(writeKeys); err != nil {
			return 0, err
		}
	}
	hs.inEarlyData = false

	hs.setState(StateSendClientCertificate)
	return SuspendNone, nil
}

func (hs *ClientHandshake) sendClientCertificate() (Suspension, error) {
	if !hs.certRequested {
		hs.setState(StateCompleteSecondFlight)
		return SuspendNone, nil
	}

	if hs.cfg.CertCallback != nil {
		switch ret := hs.cfg.CertCallback(); {
		case ret == 0:
			return 0, alertErr(constants.AlertInternalError, qerrors.ErrCertCallbackFailed)
		case ret < 0:
			return SuspendX509Lookup, nil
		}
	}

	msg, err := hs.certs.AddCertificate()
	if err != nil {
		return 0, err
	}
	hs.rl.AddMessage(msg)
	hs.transcript.Write(msg)
	if err := hs.certs.OnCertificateSelected(); err != nil {
		return 0, err
	}

	hs.setState(StateSendClientCertificateVerify)
	return SuspendNone, nil
}

func (hs *ClientHandshake) sendClientCertificateVerify() (Suspension, error) {
	if !hs.certs.HasCertificate() {
		hs.setState(StateCompleteSecondFlight)
		return SuspendNone, nil
	}

	res, msg, err := hs.certs.SignCertificateVerify(hs.transcript.Sum())
	switch res {
	case SignRetry:
		return SuspendPrivateKeyOperation, nil
	case SignFailure:
		if err == nil {
			err = qerrors.ErrSigningFailed
		}
		return 0, withAlert(constants.AlertInternalError, err)
	}

	hs.rl.AddMessage(msg)
	hs.transcript.Write(msg)
	hs.setState(StateCompleteSecondFlight)
	return SuspendNone, nil
}

func (hs *ClientHandshake) completeSecondFlight() (Suspension, error) {
	if hs.channelIDValid && !hs.channelIDSent {
		if hs.cfg.ChannelID == nil {
			return 0, qerrors.ErrInternal
		}
		body, ready := hs.cfg.ChannelID(hs.transcript.Sum())
		if !ready {
			return SuspendChannelIDLookup, nil
		}
		msg := protocol.BuildMessage(protocol.TypeChannelID, body)
		hs.rl.AddMessage(msg)
		hs.transcript.Write(msg)
		hs.channelIDSent = true
	}

	verify := crypto.FinishedVerify(hs.suite.Hash(), hs.clientHSSecret, hs.transcript.Sum())
	fin := protocol.BuildMessage(protocol.TypeFinished, verify)
	hs.rl.AddMessage(fin)
	hs.transcript.Write(fin)

	readKeys, err := crypto.DeriveTrafficKeys(hs.suite, hs.serverAppSecret)
	if err != nil {
		return 0, err
	}
	if err := hs.rl.SetReadKeys(readKeys); err != nil {
		return 0, err
	}
	writeKeys, err := crypto.DeriveTrafficKeys(hs.suite, hs.clientAppSecret)
	if err != nil {
		return 0, err
	}
	if err := hs.rl.SetWriteKeys(writeKeys); err != nil {
		return 0, err
	}

	resumption, err := hs.schedule.DeriveSecret("res master", hs.transcript.Sum())
	if err != nil {
		return 0, err
	}
	hs.newSession.MasterSecret = resumption
	hs.newSession.Reused = hs.sessionReused

	hs.establishedSession = hs.newSession
	hs.newSession = nil
	hs.offeredSession = nil
	hs.earlySession = nil

	crypto.ZeroizeMultiple(hs.clientHSSecret, hs.serverHSSecret)
	hs.clientHSSecret = nil
	hs.serverHSSecret = nil

	hs.setState(StateDone)
	if hs.cfg.Observer != nil {
		hs.cfg.Observer.OnHandshakeComplete(hs.sessionReused, hs.earlyDataAccepted)
	}
	return SuspendFlush, nil
}

// withAlert attaches an alert code to err unless it already carries one.
func withAlert(code constants.AlertCode, err error) error {
	var ae *qerrors.AlertError
	if qerrors.As(err, &ae) {
		return err
	}
	return qerrors.NewAlertError(uint8(code), err)
}
