// Package protocol defines the TLS 1.3 handshake message types and the
// wire codec used by the client handshake core.
//
// Handshake messages arrive from the record layer already reassembled:
//
//	+------+----------+----------+
//	| Type | Length   | Body     |
//	| 1B   | 3B BE    | Variable |
//	+------+----------+----------+
//
// The codec parses message bodies; extension blocks are decoded into typed
// slots by the dispatcher in extensions.go under a per-message policy.
package protocol

import (
	"github.com/halcyonlabs/tls13/internal/constants"
)

// HandshakeType identifies the type of a handshake message.
type HandshakeType uint8

// Handshake message types (RFC 8446 section 4, plus the Channel ID
// extension message).
const (
	// TypeClientHello initiates the handshake from the client.
	TypeClientHello HandshakeType = 1
	// TypeServerHello carries the server-selected parameters.
	TypeServerHello HandshakeType = 2
	// TypeNewSessionTicket delivers post-handshake resumption material.
	TypeNewSessionTicket HandshakeType = 4
	// TypeEndOfEarlyData closes the 0-RTT stream.
	TypeEndOfEarlyData HandshakeType = 5
	// TypeHelloRetryRequest asks the client to retry with new parameters.
	TypeHelloRetryRequest HandshakeType = 6
	// TypeEncryptedExtensions carries the remaining server extensions.
	TypeEncryptedExtensions HandshakeType = 8
	// TypeCertificate carries an endpoint certificate chain.
	TypeCertificate HandshakeType = 11
	// TypeCertificateRequest asks the client to authenticate.
	TypeCertificateRequest HandshakeType = 13
	// TypeCertificateVerify proves possession of the certificate key.
	TypeCertificateVerify HandshakeType = 15
	// TypeFinished authenticates the handshake transcript.
	TypeFinished HandshakeType = 20
	// TypeKeyUpdate rotates application traffic keys.
	TypeKeyUpdate HandshakeType = 24
	// TypeChannelID is the optional post-Finished client channel binding.
	TypeChannelID HandshakeType = 203
)

// String returns a human-readable name for the handshake type.
func (t HandshakeType) String() string {
	switch t {
	case TypeClientHello:
		return "ClientHello"
	case TypeServerHello:
		return "ServerHello"
	case TypeNewSessionTicket:
		return "NewSessionTicket"
	case TypeEndOfEarlyData:
		return "EndOfEarlyData"
	case TypeHelloRetryRequest:
		return "HelloRetryRequest"
	case TypeEncryptedExtensions:
		return "EncryptedExtensions"
	case TypeCertificate:
		return "Certificate"
	case TypeCertificateRequest:
		return "CertificateRequest"
	case TypeCertificateVerify:
		return "CertificateVerify"
	case TypeFinished:
		return "Finished"
	case TypeKeyUpdate:
		return "KeyUpdate"
	case TypeChannelID:
		return "ChannelID"
	default:
		return "Unknown"
	}
}

// ExtensionType identifies a handshake extension.
type ExtensionType uint16

// Extension code points recognized by the client core.
const (
	ExtServerName          ExtensionType = 0
	ExtSignatureAlgorithms ExtensionType = 13
	ExtALPN                ExtensionType = 16
	ExtPreSharedKey        ExtensionType = 41
	ExtEarlyData           ExtensionType = 42
	ExtSupportedVersions   ExtensionType = 43
	ExtCookie              ExtensionType = 44
	ExtPSKKeyExchangeModes ExtensionType = 45
	ExtTicketEarlyDataInfo ExtensionType = 46
	ExtKeyShare            ExtensionType = 51
	ExtChannelID           ExtensionType = 30032
)

// Message is one reassembled handshake message. Raw is the full encoding
// including the four-byte header and is what enters the transcript; Body
// is the payload the parsers consume.
type Message struct {
	Type HandshakeType
	Body []byte
	Raw  []byte
}

// ServerHello is the decoded ServerHello message. LegacySessionID and
// CompressionMethod are only present on the wire in the experimental
// middlebox-compatibility profile.
type ServerHello struct {
	LegacyVersion     uint16
	Random            [constants.RandomSize]byte
	LegacySessionID   []byte
	CipherSuite       constants.CipherSuite
	CompressionMethod uint8
	Extensions        []Extension
}

// HelloRetryRequest is the decoded HelloRetryRequest message. The
// extension semantics (group and cookie checks) belong to the handshake
// controller; the codec only validates structure.
type HelloRetryRequest struct {
	ServerVersion uint16
	Extensions    []Extension
}

// CertificateRequest is the decoded CertificateRequest message.
type CertificateRequest struct {
	SignatureAlgorithms []uint16
	CANames             [][]byte
}

// NewSessionTicket is the decoded post-handshake NewSessionTicket message.
type NewSessionTicket struct {
	Lifetime         uint32
	AgeAdd           uint32
	Ticket           []byte
	HasEarlyDataInfo bool
	MaxEarlyData     uint32
}
