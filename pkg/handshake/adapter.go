// adapter.go defines the capability interfaces the handshake core consumes
// and the suspension values it returns to the embedder.
//
// The core performs no I/O and no raw cryptography of its own: records,
// certificate processing, signing, and the ClientHello construction are
// delegated through these narrow interfaces. When an external condition
// must be satisfied before the state machine can continue, the controller
// returns a Suspension describing it; the embedder satisfies the condition
// and reinvokes the controller.
package handshake

import (
	"github.com/halcyonlabs/tls13/internal/constants"
	"github.com/halcyonlabs/tls13/pkg/crypto"
	"github.com/halcyonlabs/tls13/pkg/protocol"
)

// Suspension tells the embedder why the controller returned.
type Suspension int

const (
	// SuspendNone means the controller can be reinvoked immediately.
	SuspendNone Suspension = iota
	// SuspendReadMessage means another inbound handshake record is needed.
	SuspendReadMessage
	// SuspendReadChangeCipherSpec means an inbound ChangeCipherSpec record
	// is expected next (experimental profile only).
	SuspendReadChangeCipherSpec
	// SuspendFlush means the outbound buffer must be drained.
	SuspendFlush
	// SuspendPrivateKeyOperation means the signing oracle is still
	// computing.
	SuspendPrivateKeyOperation
	// SuspendCertificateVerify means the peer-certificate verifier is
	// still running.
	SuspendCertificateVerify
	// SuspendX509Lookup means the embedder's certificate callback
	// deferred.
	SuspendX509Lookup
	// SuspendChannelIDLookup means the Channel ID key is not yet
	// available.
	SuspendChannelIDLookup
	// SuspendEarlyDataRejected is a non-fatal signal: the embedder must
	// drop buffered early data and re-drive the handshake.
	SuspendEarlyDataRejected
	// SuspendError means the handshake failed; the controller is not
	// re-entrant after this.
	SuspendError
)

// String returns the suspension name used in diagnostics.
func (s Suspension) String() string {
	switch s {
	case SuspendNone:
		return "ok"
	case SuspendReadMessage:
		return "read_message"
	case SuspendReadChangeCipherSpec:
		return "read_change_cipher_spec"
	case SuspendFlush:
		return "flush"
	case SuspendPrivateKeyOperation:
		return "private_key_operation"
	case SuspendCertificateVerify:
		return "certificate_verify"
	case SuspendX509Lookup:
		return "x509_lookup"
	case SuspendChannelIDLookup:
		return "channel_id_lookup"
	case SuspendEarlyDataRejected:
		return "early_data_rejected"
	case SuspendError:
		return "error"
	default:
		return "unknown"
	}
}

// RecordLayer is the record-layer adapter. GetMessage peeks at the next
// reassembled handshake message without consuming it; NextMessage consumes
// it. SetReadKeys and SetWriteKeys install traffic keys for the next
// epoch; a nil key set resets the write side to the cleartext epoch. Key
// installation must be observable before the next record is parsed or
// emitted at the new epoch.
type RecordLayer interface {
	GetMessage() (*protocol.Message, bool)
	NextMessage()
	SetReadKeys(keys *crypto.TrafficKeys) error
	SetWriteKeys(keys *crypto.TrafficKeys) error
	AddAlert(level constants.AlertLevel, code constants.AlertCode)
	AddChangeCipherSpec()
	AddMessage(msg []byte)
	Flush() error
}

// VerifyResult is the outcome of the asynchronous peer-certificate
// verifier.
type VerifyResult int

const (
	// VerifyOK accepts the peer certificate.
	VerifyOK VerifyResult = iota
	// VerifyInvalid rejects it; the handshake fails.
	VerifyInvalid
	// VerifyRetry means verification is still in progress.
	VerifyRetry
)

// SignResult is the outcome of the asynchronous signing oracle.
type SignResult int

const (
	// SignSuccess means the CertificateVerify message is ready.
	SignSuccess SignResult = iota
	// SignRetry means the private-key operation is still in progress.
	SignRetry
	// SignFailure means signing failed; the handshake fails.
	SignFailure
)

// CertificateAgent is the certificate subsystem: chain processing and
// storage for the peer, selection and emission for the local endpoint,
// and the signing oracle for CertificateVerify. Path building and
// signature primitives live behind this interface.
type CertificateAgent interface {
	// ProcessCertificate ingests the peer Certificate message. When
	// required is true an empty chain is an error.
	ProcessCertificate(msg *protocol.Message, required bool) error

	// VerifyPeer runs (or polls) peer certificate verification.
	VerifyPeer() VerifyResult

	// VerifyCertificateVerify checks the peer's CertificateVerify
	// signature over the given transcript hash.
	VerifyCertificateVerify(msg *protocol.Message, transcriptHash []byte) error

	// HasCertificate reports whether a local certificate is configured.
	HasCertificate() bool

	// AddCertificate marshals the local Certificate message.
	AddCertificate() ([]byte, error)

	// OnCertificateSelected is invoked once the local certificate has
	// been emitted.
	OnCertificateSelected() error

	// SignCertificateVerify drives the signing oracle over the given
	// transcript hash. On SignSuccess the returned bytes are the full
	// CertificateVerify message.
	SignCertificateVerify(transcriptHash []byte) (SignResult, []byte, error)
}

// ClientHelloBuilder re-emits the ClientHello after a HelloRetryRequest.
// The initial ClientHello is constructed before the controller starts and
// handed over in the Offer.
type ClientHelloBuilder interface {
	// BuildClientHello marshals a ClientHello honoring the server-selected
	// retry group and cookie, returning the message and the fresh key
	// share generated for it.
	BuildClientHello(retryGroup constants.NamedGroup, cookie []byte) ([]byte, *crypto.KeyShare, error)
}

// Offer is the state carried over from the first client flight, emitted
// before the controller was constructed.
type Offer struct {
	// ClientHello is the full encoding of the first ClientHello; it seeds
	// the transcript.
	ClientHello []byte

	// KeyShare is the ephemeral key generated for the offered group.
	KeyShare *crypto.KeyShare

	// Session is the session offered for resumption, nil otherwise.
	Session *Session

	// EarlyDataOffered records that 0-RTT data was offered under the
	// session's PSK.
	EarlyDataOffered bool
}
