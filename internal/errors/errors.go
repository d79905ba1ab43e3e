// Package errors defines custom error types for the TLS 1.3 handshake core.
// These errors provide detailed information for debugging while maintaining
// security by not leaking sensitive information in error messages.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for wire decoding
var (
	// ErrDecodeError indicates a malformed length, trailing bytes, or an
	// otherwise unparseable handshake field
	ErrDecodeError = errors.New("tls13: decode error")

	// ErrUnexpectedMessage indicates a handshake message out of sequence
	ErrUnexpectedMessage = errors.New("tls13: unexpected message")

	// ErrMessageTooLarge indicates a handshake body exceeds the maximum size
	ErrMessageTooLarge = errors.New("tls13: handshake message too large")
)

// Sentinel errors for negotiation
var (
	// ErrIllegalParameter indicates a server-selected parameter outside the
	// offered or permitted set
	ErrIllegalParameter = errors.New("tls13: illegal parameter")

	// ErrWrongCurve indicates a HelloRetryRequest selected an unsupported
	// group or re-selected the originally offered one
	ErrWrongCurve = errors.New("tls13: wrong curve")

	// ErrUnsupportedExtension indicates an extension in a message where it
	// is not permitted
	ErrUnsupportedExtension = errors.New("tls13: unsupported extension")

	// ErrMissingExtension indicates a mandatory extension is absent
	ErrMissingExtension = errors.New("tls13: missing extension")

	// ErrUnknownCipher indicates an unrecognized cipher suite code point
	ErrUnknownCipher = errors.New("tls13: unknown cipher returned")

	// ErrWrongCipher indicates a cipher suite outside the TLS 1.3 range
	ErrWrongCipher = errors.New("tls13: wrong cipher returned")

	// ErrWrongVersion indicates an unexpected legacy_version field
	ErrWrongVersion = errors.New("tls13: wrong version number")

	// ErrPSKWithoutSession indicates pre_shared_key selected with no
	// session offered
	ErrPSKWithoutSession = errors.New("tls13: psk identity not found")

	// ErrSessionMismatch indicates a resumed session disagrees with the
	// negotiated version or PRF hash
	ErrSessionMismatch = errors.New("tls13: offered session incompatible with negotiated parameters")

	// ErrSessionContextMismatch indicates the resumed session was created
	// under a different session context; this is an application bug
	ErrSessionContextMismatch = errors.New("tls13: attempt to reuse session in different context")
)

// Sentinel errors for early-data consistency
var (
	// ErrALPNMismatchOnEarlyData indicates the server accepted 0-RTT but
	// negotiated a different ALPN protocol
	ErrALPNMismatchOnEarlyData = errors.New("tls13: alpn mismatch on early data")

	// ErrCipherMismatchOnEarlyData indicates the server accepted 0-RTT but
	// selected a cipher other than the one the 0-RTT keys were derived
	// under
	ErrCipherMismatchOnEarlyData = errors.New("tls13: cipher mismatch on early data")

	// ErrUnexpectedExtensionOnEarlyData indicates the server accepted 0-RTT
	// together with an extension inconsistent with the 0-RTT commitment
	ErrUnexpectedExtensionOnEarlyData = errors.New("tls13: unexpected extension on early data")
)

// Sentinel errors for authentication and completion
var (
	// ErrBadFinished indicates the peer Finished MAC did not verify
	ErrBadFinished = errors.New("tls13: digest check failed")

	// ErrBadCertificate indicates peer certificate processing failed
	ErrBadCertificate = errors.New("tls13: bad certificate")

	// ErrCertCallbackFailed indicates the embedder certificate callback
	// reported a fatal condition
	ErrCertCallbackFailed = errors.New("tls13: certificate callback failed")

	// ErrSigningFailed indicates the signing oracle reported failure
	ErrSigningFailed = errors.New("tls13: signing failed")

	// ErrInvalidState indicates a handshake operation in the wrong state
	ErrInvalidState = errors.New("tls13: invalid state")

	// ErrHandshakeFailed indicates the handshake cannot proceed
	ErrHandshakeFailed = errors.New("tls13: handshake failed")

	// ErrInternal indicates an internal implementation error
	ErrInternal = errors.New("tls13: internal error")
)

// Sentinel errors for sessions and tickets
var (
	// ErrInvalidTicket indicates a NewSessionTicket message is malformed
	ErrInvalidTicket = errors.New("tls13: invalid session ticket")

	// ErrNotResumable indicates the session lacks resumption material
	ErrNotResumable = errors.New("tls13: session not resumable")
)

// Sentinel errors for cryptographic operations
var (
	// ErrInvalidKeySize indicates a key has an incorrect size
	ErrInvalidKeySize = errors.New("tls13: invalid key size")

	// ErrInvalidPublicKey indicates a peer key share is invalid
	ErrInvalidPublicKey = errors.New("tls13: invalid public key")

	// ErrUnsupportedGroup indicates an unimplemented named group
	ErrUnsupportedGroup = errors.New("tls13: unsupported group")

	// ErrUnsupportedCipherSuite indicates an unimplemented cipher suite
	ErrUnsupportedCipherSuite = errors.New("tls13: unsupported cipher suite")
)

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with the handshake phase it occurred in
type ProtocolError struct {
	Phase string // Handshake phase (e.g., "read_server_hello")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// AlertError binds a fatal handshake error to the TLS alert code that must
// be sent to the peer before the connection is torn down.
type AlertError struct {
	Alert uint8 // TLS alert description code
	Err   error // Underlying error
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("%v (alert %d)", e.Err, e.Alert)
}

func (e *AlertError) Unwrap() error {
	return e.Err
}

// NewAlertError creates a new AlertError
func NewAlertError(alert uint8, err error) *AlertError {
	return &AlertError{Alert: alert, Err: err}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
