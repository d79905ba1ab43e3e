// codec.go implements parsing and emission of handshake messages.
//
// Parsers consume message bodies (the record layer strips the four-byte
// header) and fail with decode_error on malformed lengths or trailing
// bytes. Every variable-length field is read through cryptobyte so length
// prefixes are checked exactly once.
package protocol

import (
	"golang.org/x/crypto/cryptobyte"

	"github.com/halcyonlabs/tls13/internal/constants"
	qerrors "github.com/halcyonlabs/tls13/internal/errors"
)

func decodeErr() error {
	return qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrDecodeError)
}

// ParseMessage splits a raw handshake message into type, body, and the
// full encoding that enters the transcript.
func ParseMessage(raw []byte) (*Message, error) {
	s := cryptobyte.String(raw)
	var typ uint8
	var body cryptobyte.String
	if !s.ReadUint8(&typ) || !s.ReadUint24LengthPrefixed(&body) || !s.Empty() {
		return nil, decodeErr()
	}
	if len(body) > constants.MaxHandshakeSize {
		return nil, qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrMessageTooLarge)
	}
	return &Message{Type: HandshakeType(typ), Body: body, Raw: raw}, nil
}

// BuildMessage frames a handshake body with its type and 24-bit length.
func BuildMessage(t HandshakeType, body []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(t))
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(body)
	})
	return b.BytesOrPanic()
}

// ParseServerHello decodes a ServerHello body. In the experimental
// middlebox-compatibility profile the wire additionally carries a legacy
// session id and a compression method byte, which must be zero.
func ParseServerHello(body []byte, experimental bool) (*ServerHello, error) {
	s := cryptobyte.String(body)
	sh := &ServerHello{}

	if !s.ReadUint16(&sh.LegacyVersion) || !s.CopyBytes(sh.Random[:]) {
		return nil, decodeErr()
	}

	if experimental {
		var sid cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&sid) {
			return nil, decodeErr()
		}
		sh.LegacySessionID = sid
	}

	var suite uint16
	if !s.ReadUint16(&suite) {
		return nil, decodeErr()
	}
	sh.CipherSuite = constants.CipherSuite(suite)

	if experimental {
		if !s.ReadUint8(&sh.CompressionMethod) {
			return nil, decodeErr()
		}
		if sh.CompressionMethod != 0 {
			return nil, qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrDecodeError)
		}
	}

	exts, err := parseExtensionList(&s)
	if err != nil {
		return nil, err
	}
	sh.Extensions = exts

	if !s.Empty() {
		return nil, decodeErr()
	}
	return sh, nil
}

// ParseHelloRetryRequest decodes a HelloRetryRequest body. The extension
// list must be non-empty and the body fully consumed.
func ParseHelloRetryRequest(body []byte) (*HelloRetryRequest, error) {
	s := cryptobyte.String(body)
	hrr := &HelloRetryRequest{}

	if !s.ReadUint16(&hrr.ServerVersion) {
		return nil, decodeErr()
	}
	exts, err := parseExtensionList(&s)
	if err != nil {
		return nil, err
	}
	if len(exts) == 0 || !s.Empty() {
		return nil, decodeErr()
	}
	hrr.Extensions = exts
	return hrr, nil
}

// ParseCertificateRequest decodes a CertificateRequest body. The request
// context must be empty and the signature algorithm list non-empty; the
// trailing extension block is ignored but must parse.
func ParseCertificateRequest(body []byte) (*CertificateRequest, error) {
	s := cryptobyte.String(body)
	cr := &CertificateRequest{}

	var context cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&context) {
		return nil, decodeErr()
	}
	if len(context) != 0 {
		return nil, decodeErr()
	}

	var algs cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&algs) || algs.Empty() {
		return nil, decodeErr()
	}
	for !algs.Empty() {
		var alg uint16
		if !algs.ReadUint16(&alg) {
			return nil, decodeErr()
		}
		cr.SignatureAlgorithms = append(cr.SignatureAlgorithms, alg)
	}

	var cas cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&cas) {
		return nil, decodeErr()
	}
	for !cas.Empty() {
		var name cryptobyte.String
		if !cas.ReadUint16LengthPrefixed(&name) || name.Empty() {
			return nil, decodeErr()
		}
		cr.CANames = append(cr.CANames, name)
	}

	if _, err := parseExtensionList(&s); err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, decodeErr()
	}
	return cr, nil
}

// ParseNewSessionTicket decodes a post-handshake NewSessionTicket body.
// The only recognized extension is ticket_early_data_info; unknown
// extensions are ignored.
func ParseNewSessionTicket(body []byte) (*NewSessionTicket, error) {
	s := cryptobyte.String(body)
	nst := &NewSessionTicket{}

	var ticket cryptobyte.String
	if !s.ReadUint32(&nst.Lifetime) ||
		!s.ReadUint32(&nst.AgeAdd) ||
		!s.ReadUint16LengthPrefixed(&ticket) {
		return nil, qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrInvalidTicket)
	}
	nst.Ticket = ticket

	exts, err := parseExtensionList(&s)
	if err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrInvalidTicket)
	}

	handlers := map[ExtensionType]Handler{
		ExtTicketEarlyDataInfo: func(data []byte) error {
			es := cryptobyte.String(data)
			if !es.ReadUint32(&nst.MaxEarlyData) || !es.Empty() {
				return decodeErr()
			}
			nst.HasEarlyDataInfo = true
			return nil
		},
	}
	if err := Dispatch(exts, handlers, IgnoreUnknown); err != nil {
		return nil, err
	}
	return nst, nil
}

// ParseEncryptedExtensions decodes an EncryptedExtensions body, which is
// a bare extension block.
func ParseEncryptedExtensions(body []byte) ([]Extension, error) {
	s := cryptobyte.String(body)
	exts, err := parseExtensionList(&s)
	if err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, decodeErr()
	}
	return exts, nil
}

// ParseKeyShareEntry reads the server's key_share extension: a named
// group and its u16-length-prefixed key exchange bytes.
func ParseKeyShareEntry(data []byte) (constants.NamedGroup, []byte, error) {
	s := cryptobyte.String(data)
	var group uint16
	var kx cryptobyte.String
	if !s.ReadUint16(&group) || !s.ReadUint16LengthPrefixed(&kx) || !s.Empty() || kx.Empty() {
		return 0, nil, decodeErr()
	}
	return constants.NamedGroup(group), kx, nil
}

// ParseALPNSelection reads the server's ALPN extension, which must carry
// exactly one protocol name.
func ParseALPNSelection(data []byte) ([]byte, error) {
	s := cryptobyte.String(data)
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || !s.Empty() {
		return nil, decodeErr()
	}
	var proto cryptobyte.String
	if !list.ReadUint8LengthPrefixed(&proto) || proto.Empty() || !list.Empty() {
		return nil, decodeErr()
	}
	return proto, nil
}
