// transcript.go implements the handshake transcript hash.
//
// The transcript is the sole binding between the handshake messages and
// every derived secret. Messages are buffered raw until the cipher suite
// (and with it the PRF hash) is known; from then on the running hash is
// updated in message order.
//
// After a HelloRetryRequest the transcript is rewritten per RFC 8446
// section 4.4.1: the first ClientHello is replaced by a synthetic
// message_hash message carrying its hash, so that
//
//	Transcript-Hash(CH1, HRR, CH2, ...) =
//	    Hash(message_hash || 00 00 Hash.length || Hash(CH1) || HRR || CH2 || ...)
package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"hash"

	qerrors "github.com/halcyonlabs/tls13/internal/errors"
)

// typeMessageHash is the synthetic handshake type standing in for the
// first ClientHello after a retry.
const typeMessageHash = 254

// Transcript accumulates the handshake transcript. The zero value is a
// transcript in buffering mode, the same as NewTranscript returns.
type Transcript struct {
	alg stdcrypto.Hash
	h   hash.Hash

	// Raw messages observed before the hash is selected, and the byte
	// boundary of the first message for the retry rewrite.
	buf           bytes.Buffer
	retryBoundary int
	retried       bool
}

// NewTranscript returns a transcript in buffering mode. The hash is
// selected later, once the server has committed to a cipher suite.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Write appends a full handshake message (header included) to the
// transcript.
func (t *Transcript) Write(msg []byte) {
	if t.h != nil {
		t.h.Write(msg)
		return
	}
	t.buf.Write(msg)
}

// MarkRetry records that everything buffered so far is the first
// ClientHello, to be replaced by a message_hash when the hash is selected.
// It must be called before the HelloRetryRequest is written. A second call
// is an error; one retry is the protocol maximum.
func (t *Transcript) MarkRetry() error {
	if t.retried {
		return qerrors.ErrInvalidState
	}
	if t.h != nil {
		// The hash is only selected at ServerHello, after any retry.
		return qerrors.ErrInvalidState
	}
	t.retried = true
	t.retryBoundary = t.buf.Len()
	return nil
}

// SelectHash fixes the transcript hash algorithm and replays the buffered
// messages into it, applying the message_hash rewrite if a retry was
// recorded. It may be called exactly once.
func (t *Transcript) SelectHash(alg stdcrypto.Hash) error {
	if t.h != nil {
		return qerrors.ErrInvalidState
	}
	t.alg = alg
	t.h = alg.New()

	raw := t.buf.Bytes()
	if t.retried {
		first := alg.New()
		first.Write(raw[:t.retryBoundary])
		sum := first.Sum(nil)

		hdr := [4]byte{typeMessageHash, 0, 0, byte(len(sum))}
		t.h.Write(hdr[:])
		t.h.Write(sum)
		t.h.Write(raw[t.retryBoundary:])
	} else {
		t.h.Write(raw)
	}
	t.buf.Reset()
	return nil
}

// Sum returns the transcript hash over everything written so far. The hash
// must have been selected.
func (t *Transcript) Sum() []byte {
	if t.h == nil {
		return nil
	}
	return t.h.Sum(nil)
}

// Algorithm returns the selected hash, or zero if still buffering.
func (t *Transcript) Algorithm() stdcrypto.Hash {
	return t.alg
}

// Retried reports whether the message_hash rewrite was recorded.
func (t *Transcript) Retried() bool {
	return t.retried
}
