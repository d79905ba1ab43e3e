// schedule.go implements the TLS 1.3 key schedule driver.
//
// The schedule is a strict three-stage ladder of HKDF-Extract calls:
//
//	early     <- PSK (or zeros)
//	handshake <- ECDHE shared secret
//	master    <- zeros
//
// Each stage is entered exactly once and in order; traffic secrets are
// derived off the current stage before the next Extract. The previous
// stage secret is wiped as soon as the next one is computed.
package crypto

import (
	stdcrypto "crypto"

	qerrors "github.com/halcyonlabs/tls13/internal/errors"
)

// Schedule stages.
const (
	stageNone = iota
	stageEarly
	stageHandshake
	stageMaster
)

// KeySchedule carries the current extract-stage secret for a connection.
// It lives for the connection's lifetime; Close wipes it.
type KeySchedule struct {
	alg    stdcrypto.Hash
	secret []byte
	stage  int
}

// NewKeySchedule returns an empty schedule under the given PRF hash.
func NewKeySchedule(alg stdcrypto.Hash) *KeySchedule {
	return &KeySchedule{alg: alg}
}

// AdvanceEarly feeds the first Extract stage. A nil psk stands for
// hash-length zeros (no resumption).
func (ks *KeySchedule) AdvanceEarly(psk []byte) error {
	if ks.stage != stageNone {
		return qerrors.ErrInvalidState
	}
	ks.secret = HKDFExtract(ks.alg, psk, nil)
	ks.stage = stageEarly
	return nil
}

// AdvanceHandshake feeds the ECDHE shared secret into the second Extract
// stage. The caller keeps ownership of dhe and should wipe it afterwards.
func (ks *KeySchedule) AdvanceHandshake(dhe []byte) error {
	if ks.stage != stageEarly {
		return qerrors.ErrInvalidState
	}
	ks.advance(dhe)
	ks.stage = stageHandshake
	return nil
}

// AdvanceMaster feeds zeros into the final Extract stage.
func (ks *KeySchedule) AdvanceMaster() error {
	if ks.stage != stageHandshake {
		return qerrors.ErrInvalidState
	}
	ks.advance(nil)
	ks.stage = stageMaster
	return nil
}

func (ks *KeySchedule) advance(ikm []byte) {
	salt := DeriveSecret(ks.alg, ks.secret, "derived", emptyHash(ks.alg))
	old := ks.secret
	ks.secret = HKDFExtract(ks.alg, ikm, salt)
	ZeroizeMultiple(old, salt)
}

// DeriveSecret derives a secret off the current stage with the given label
// and transcript hash.
func (ks *KeySchedule) DeriveSecret(label string, transcriptHash []byte) ([]byte, error) {
	if ks.stage == stageNone {
		return nil, qerrors.ErrInvalidState
	}
	return DeriveSecret(ks.alg, ks.secret, label, transcriptHash), nil
}

// Algorithm returns the schedule's PRF hash.
func (ks *KeySchedule) Algorithm() stdcrypto.Hash {
	return ks.alg
}

// Close wipes the stage secret.
func (ks *KeySchedule) Close() {
	Zeroize(ks.secret)
	ks.secret = nil
}

func emptyHash(alg stdcrypto.Hash) []byte {
	h := alg.New()
	return h.Sum(nil)
}
