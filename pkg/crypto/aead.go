// aead.go implements traffic-key expansion and AEAD construction.
//
// A traffic secret is expanded into a concrete AEAD key and IV with the
// "key" and "iv" labels. The record layer owns per-record nonce
// construction (sequence number XOR IV); this package only builds the
// cipher.
//
// Supported AEADs:
//   - AES-128-GCM / AES-256-GCM: hardware-accelerated on modern CPUs
//   - ChaCha20-Poly1305: high performance without hardware support
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/halcyonlabs/tls13/internal/constants"
	qerrors "github.com/halcyonlabs/tls13/internal/errors"
)

// TrafficKeys is the concrete key material installed into the record layer
// for one direction at one epoch.
type TrafficKeys struct {
	Suite constants.CipherSuite
	Key   []byte
	IV    []byte
}

// DeriveTrafficKeys expands a traffic secret into the AEAD key and IV for
// the given cipher suite.
func DeriveTrafficKeys(suite constants.CipherSuite, secret []byte) (*TrafficKeys, error) {
	if !suite.IsSupported() {
		return nil, qerrors.ErrUnsupportedCipherSuite
	}
	alg := suite.Hash()
	if len(secret) != alg.Size() {
		return nil, qerrors.ErrInvalidKeySize
	}
	return &TrafficKeys{
		Suite: suite,
		Key:   HKDFExpandLabel(alg, secret, "key", nil, suite.KeyLen()),
		IV:    HKDFExpandLabel(alg, secret, "iv", nil, suite.NonceLen()),
	}, nil
}

// AEAD constructs the cipher for the key set.
func (tk *TrafficKeys) AEAD() (cipher.AEAD, error) {
	switch tk.Suite {
	case constants.TLS_AES_128_GCM_SHA256, constants.TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(tk.Key)
		if err != nil {
			return nil, qerrors.NewCryptoError("TrafficKeys.AEAD", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, qerrors.NewCryptoError("TrafficKeys.AEAD", err)
		}
		return aead, nil

	case constants.TLS_CHACHA20_POLY1305_SHA256:
		aead, err := chacha20poly1305.New(tk.Key)
		if err != nil {
			return nil, qerrors.NewCryptoError("TrafficKeys.AEAD", err)
		}
		return aead, nil

	default:
		return nil, qerrors.ErrUnsupportedCipherSuite
	}
}

// Zeroize wipes the key material.
func (tk *TrafficKeys) Zeroize() {
	ZeroizeMultiple(tk.Key, tk.IV)
	tk.Key = nil
	tk.IV = nil
}
