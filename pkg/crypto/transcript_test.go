package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/sha256"
	"testing"

	qerrors "github.com/halcyonlabs/tls13/internal/errors"
)

func TestTranscriptBufferedThenHashed(t *testing.T) {
	tr := NewTranscript()
	m1 := []byte{1, 0, 0, 2, 0xaa, 0xbb}
	m2 := []byte{2, 0, 0, 1, 0xcc}
	tr.Write(m1)
	tr.Write(m2)

	if tr.Sum() != nil {
		t.Error("Sum before hash selection must be nil")
	}
	if err := tr.SelectHash(stdcrypto.SHA256); err != nil {
		t.Fatalf("SelectHash: %v", err)
	}

	want := sha256.Sum256(append(append([]byte(nil), m1...), m2...))
	if !bytes.Equal(tr.Sum(), want[:]) {
		t.Error("buffered replay diverges from direct hash")
	}

	// Writes after selection feed the running hash.
	m3 := []byte{8, 0, 0, 0}
	tr.Write(m3)
	h := sha256.New()
	h.Write(m1)
	h.Write(m2)
	h.Write(m3)
	if !bytes.Equal(tr.Sum(), h.Sum(nil)) {
		t.Error("post-selection write diverges from direct hash")
	}
}

func TestTranscriptRetryRewrite(t *testing.T) {
	ch1 := []byte{1, 0, 0, 3, 1, 2, 3}
	hrr := []byte{6, 0, 0, 2, 9, 9}
	ch2 := []byte{1, 0, 0, 1, 4}

	tr := NewTranscript()
	tr.Write(ch1)
	if err := tr.MarkRetry(); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}
	tr.Write(hrr)
	tr.Write(ch2)
	if err := tr.SelectHash(stdcrypto.SHA256); err != nil {
		t.Fatalf("SelectHash: %v", err)
	}

	// RFC 8446 section 4.4.1: message_hash || 00 00 Hash.length ||
	// Hash(ClientHello1) || HelloRetryRequest || ClientHello2.
	chHash := sha256.Sum256(ch1)
	h := sha256.New()
	h.Write([]byte{254, 0, 0, 32})
	h.Write(chHash[:])
	h.Write(hrr)
	h.Write(ch2)
	if !bytes.Equal(tr.Sum(), h.Sum(nil)) {
		t.Error("retry rewrite diverges from manual message_hash construction")
	}
	if !tr.Retried() {
		t.Error("retry not recorded")
	}
}

func TestTranscriptOneShotOperations(t *testing.T) {
	tr := NewTranscript()
	tr.Write([]byte{1, 0, 0, 0})

	if err := tr.MarkRetry(); err != nil {
		t.Fatalf("first MarkRetry: %v", err)
	}
	if err := tr.MarkRetry(); !qerrors.Is(err, qerrors.ErrInvalidState) {
		t.Errorf("second MarkRetry error = %v", err)
	}

	if err := tr.SelectHash(stdcrypto.SHA256); err != nil {
		t.Fatalf("SelectHash: %v", err)
	}
	if err := tr.SelectHash(stdcrypto.SHA384); !qerrors.Is(err, qerrors.ErrInvalidState) {
		t.Errorf("second SelectHash error = %v", err)
	}
	if err := tr.MarkRetry(); !qerrors.Is(err, qerrors.ErrInvalidState) {
		t.Errorf("MarkRetry after selection error = %v", err)
	}
	if tr.Algorithm() != stdcrypto.SHA256 {
		t.Errorf("algorithm = %v", tr.Algorithm())
	}
}
