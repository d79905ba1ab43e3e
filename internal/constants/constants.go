// Package constants defines protocol parameters for the TLS 1.3 client
// handshake core: versions, cipher suites, named groups, and size limits.
package constants

import "crypto"

// Protocol version code points.
const (
	// VersionTLS12 is the legacy record-layer version spoofed by the
	// middlebox-compatibility profile.
	VersionTLS12 uint16 = 0x0303

	// VersionTLS13 is the TLS 1.3 code point from RFC 8446.
	VersionTLS13 uint16 = 0x0304
)

// Handshake field sizes.
const (
	// RandomSize is the size of the ServerHello random in bytes.
	RandomSize = 32

	// MaxHandshakeSize is the maximum accepted handshake message body.
	MaxHandshakeSize = 1 << 20
)

// CipherSuite identifies a TLS 1.3 AEAD cipher suite.
type CipherSuite uint16

// TLS 1.3 cipher suites (RFC 8446 appendix B.4).
const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

// String returns a human-readable name for the cipher suite.
func (cs CipherSuite) String() string {
	switch cs {
	case TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case TLS_AES_256_GCM_SHA384:
		return "TLS_AES_256_GCM_SHA384"
	case TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	default:
		return "Unknown"
	}
}

// IsSupported returns true if the cipher suite is in the TLS 1.3 range
// implemented by this module.
func (cs CipherSuite) IsSupported() bool {
	switch cs {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256:
		return true
	}
	return false
}

// Hash returns the PRF hash implied by the cipher suite. It is the hash
// used for the transcript and every HKDF stage of the key schedule.
func (cs CipherSuite) Hash() crypto.Hash {
	if cs == TLS_AES_256_GCM_SHA384 {
		return crypto.SHA384
	}
	return crypto.SHA256
}

// KeyLen returns the AEAD key length for the cipher suite.
func (cs CipherSuite) KeyLen() int {
	if cs == TLS_AES_128_GCM_SHA256 {
		return 16
	}
	return 32
}

// NonceLen returns the AEAD per-record nonce length. All TLS 1.3 suites
// use 96-bit nonces.
func (cs CipherSuite) NonceLen() int { return 12 }

// NamedGroup identifies an ECDHE (or hybrid) key-share group.
type NamedGroup uint16

// Supported key-share groups.
const (
	// GroupP256 is secp256r1 (NIST P-256).
	GroupP256 NamedGroup = 0x0017

	// GroupP384 is secp384r1 (NIST P-384).
	GroupP384 NamedGroup = 0x0018

	// GroupX25519 is the Curve25519 Montgomery group from RFC 7748.
	GroupX25519 NamedGroup = 0x001d

	// GroupX25519MLKEM768 is the hybrid of X25519 and ML-KEM-768.
	GroupX25519MLKEM768 NamedGroup = 0x11ec
)

// String returns a human-readable name for the group.
func (g NamedGroup) String() string {
	switch g {
	case GroupP256:
		return "P-256"
	case GroupP384:
		return "P-384"
	case GroupX25519:
		return "X25519"
	case GroupX25519MLKEM768:
		return "X25519MLKEM768"
	default:
		return "Unknown"
	}
}

// IsSupported returns true if the group is implemented by this module.
func (g NamedGroup) IsSupported() bool {
	switch g {
	case GroupP256, GroupP384, GroupX25519, GroupX25519MLKEM768:
		return true
	}
	return false
}

// AlertLevel indicates the severity of a TLS alert record.
type AlertLevel uint8

// Alert severity levels.
const (
	// AlertLevelWarning indicates a non-fatal condition.
	AlertLevelWarning AlertLevel = 1
	// AlertLevelFatal indicates an unrecoverable error requiring
	// connection termination.
	AlertLevelFatal AlertLevel = 2
)

// AlertCode identifies a TLS alert description (RFC 8446 section 6).
type AlertCode uint8

// Alert descriptions emitted by the handshake core.
const (
	AlertCloseNotify          AlertCode = 0
	AlertEndOfEarlyData       AlertCode = 1
	AlertUnexpectedMessage    AlertCode = 10
	AlertHandshakeFailure     AlertCode = 40
	AlertBadCertificate       AlertCode = 42
	AlertIllegalParameter     AlertCode = 47
	AlertDecodeError          AlertCode = 50
	AlertDecryptError         AlertCode = 51
	AlertMissingExtension     AlertCode = 109
	AlertUnsupportedExtension AlertCode = 110
	AlertInternalError        AlertCode = 80
)

// String returns a human-readable name for the alert code.
func (a AlertCode) String() string {
	switch a {
	case AlertCloseNotify:
		return "close_notify"
	case AlertEndOfEarlyData:
		return "end_of_early_data"
	case AlertUnexpectedMessage:
		return "unexpected_message"
	case AlertHandshakeFailure:
		return "handshake_failure"
	case AlertBadCertificate:
		return "bad_certificate"
	case AlertIllegalParameter:
		return "illegal_parameter"
	case AlertDecodeError:
		return "decode_error"
	case AlertDecryptError:
		return "decrypt_error"
	case AlertMissingExtension:
		return "missing_extension"
	case AlertUnsupportedExtension:
		return "unsupported_extension"
	case AlertInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Session parameters.
const (
	// DefaultSessionTimeoutSeconds bounds the lifetime of a freshly minted
	// session before the server-advertised ticket lifetime is known.
	DefaultSessionTimeoutSeconds = 7200

	// DefaultPSKDHETimeoutSeconds is the renewed timeout applied to a
	// session resumed with a PSK plus an ECDHE exchange.
	DefaultPSKDHETimeoutSeconds = 172800
)
