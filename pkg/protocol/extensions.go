// extensions.go implements extension-list decoding and per-message
// dispatch.
//
// Each handshake message declares which extensions it recognizes by
// registering a handler per type, plus a policy for everything else:
// ServerHello and HelloRetryRequest reject unknown extensions outright,
// NewSessionTicket ignores them.
package protocol

import (
	"golang.org/x/crypto/cryptobyte"

	"github.com/halcyonlabs/tls13/internal/constants"
	qerrors "github.com/halcyonlabs/tls13/internal/errors"
)

// Extension is one raw type/data pair from an extension block.
type Extension struct {
	Type ExtensionType
	Data []byte
}

// UnknownPolicy selects how Dispatch treats an extension with no handler.
type UnknownPolicy int

const (
	// IgnoreUnknown skips unhandled extensions.
	IgnoreUnknown UnknownPolicy = iota
	// RejectUnknownDecodeError fails with a decode_error alert.
	RejectUnknownDecodeError
	// RejectUnknownUnsupported fails with an unsupported_extension alert.
	RejectUnknownUnsupported
)

// Handler consumes the data of one extension. It must consume the body
// fully; handlers return decode errors for malformed contents.
type Handler func(data []byte) error

// parseExtensionList reads a u16-length-prefixed extension block from s.
func parseExtensionList(s *cryptobyte.String) ([]Extension, error) {
	var block cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&block) {
		return nil, qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrDecodeError)
	}
	var exts []Extension
	for !block.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !block.ReadUint16(&typ) || !block.ReadUint16LengthPrefixed(&data) {
			return nil, qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrDecodeError)
		}
		exts = append(exts, Extension{Type: ExtensionType(typ), Data: data})
	}
	return exts, nil
}

// Dispatch routes each extension to its registered handler. Duplicate
// extension types are a decode error regardless of policy.
func Dispatch(exts []Extension, handlers map[ExtensionType]Handler, policy UnknownPolicy) error {
	seen := make(map[ExtensionType]bool, len(exts))
	for _, ext := range exts {
		if seen[ext.Type] {
			return qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrDecodeError)
		}
		seen[ext.Type] = true

		h, ok := handlers[ext.Type]
		if !ok {
			switch policy {
			case IgnoreUnknown:
				continue
			case RejectUnknownDecodeError:
				return qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrDecodeError)
			default:
				return qerrors.NewAlertError(uint8(constants.AlertUnsupportedExtension), qerrors.ErrUnsupportedExtension)
			}
		}
		if err := h(ext.Data); err != nil {
			return err
		}
	}
	return nil
}

// Empty is a handler for extensions whose body must be empty.
func Empty(data []byte) error {
	if len(data) != 0 {
		return qerrors.NewAlertError(uint8(constants.AlertDecodeError), qerrors.ErrDecodeError)
	}
	return nil
}
