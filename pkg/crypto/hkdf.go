// hkdf.go implements the HKDF constructions of RFC 8446 section 7.1.
//
// Every secret in TLS 1.3 is produced by exactly two operations:
//
//	HKDF-Extract(salt, IKM)              -> a new schedule stage
//	HKDF-Expand-Label(secret, label,
//	                  context, length)   -> a derived secret or traffic key
//
// The hash algorithm is the PRF hash of the negotiated cipher suite and is
// fixed for the lifetime of a connection.
package crypto

import (
	stdcrypto "crypto"
	"crypto/hmac"
	"io"

	_ "crypto/sha256"
	_ "crypto/sha512"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// hkdfLabelPrefix is prepended to every Expand-Label label on the wire.
const hkdfLabelPrefix = "tls13 "

// HKDFExtract runs HKDF-Extract under the given hash. A nil secret stands
// for a string of hash-length zero bytes, as the key schedule requires for
// the early and master stages without a PSK.
func HKDFExtract(alg stdcrypto.Hash, secret, salt []byte) []byte {
	if secret == nil {
		secret = make([]byte, alg.Size())
	}
	return hkdf.Extract(alg.New, secret, salt)
}

// HKDFExpandLabel runs HKDF-Expand with the HkdfLabel structure of
// RFC 8446: length, "tls13 "-prefixed label, and context, each with the
// mandated length prefixes.
func HKDFExpandLabel(alg stdcrypto.Hash, secret []byte, label string, context []byte, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(hkdfLabelPrefix))
		b.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	info := b.BytesOrPanic()

	out := make([]byte, length)
	// Expand only fails when the requested length exceeds 255*hash_len;
	// every TLS 1.3 derivation is far below that.
	if _, err := io.ReadFull(hkdf.Expand(alg.New, secret, info), out); err != nil {
		panic("tls13: hkdf expand failed: " + err.Error())
	}
	return out
}

// DeriveSecret implements Derive-Secret: Expand-Label with a transcript
// hash as context and the hash length as output length.
func DeriveSecret(alg stdcrypto.Hash, secret []byte, label string, transcriptHash []byte) []byte {
	return HKDFExpandLabel(alg, secret, label, transcriptHash, alg.Size())
}

// FinishedVerify computes the verify_data of a Finished message from the
// handshake traffic secret of the sending side and the current transcript
// hash.
func FinishedVerify(alg stdcrypto.Hash, baseSecret, transcriptHash []byte) []byte {
	key := HKDFExpandLabel(alg, baseSecret, "finished", nil, alg.Size())
	m := hmac.New(alg.New, key)
	m.Write(transcriptHash)
	Zeroize(key)
	return m.Sum(nil)
}

// VerifyFinished checks a received Finished body against the expected
// verify_data in constant time.
func VerifyFinished(alg stdcrypto.Hash, baseSecret, transcriptHash, verifyData []byte) bool {
	expect := FinishedVerify(alg, baseSecret, transcriptHash)
	ok := hmac.Equal(expect, verifyData)
	Zeroize(expect)
	return ok
}
