// keyshare.go implements the key-share groups used for the ECDHE exchange.
//
// Classical groups (X25519, P-256, P-384) use x-coordinate or uncompressed
// point encodings via crypto/ecdh. X25519MLKEM768 is the hybrid of X25519
// and ML-KEM-768 (FIPS 203): the client share concatenates the ML-KEM
// encapsulation key and the X25519 public key, the server share the ML-KEM
// ciphertext and the server's X25519 public key, and the shared secret is
// the concatenation of both component secrets.
//
// A KeyShare holds the client-side private material for one offered group.
// It is consumed once to derive the shared secret and then cleared.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"github.com/halcyonlabs/tls13/internal/constants"
	qerrors "github.com/halcyonlabs/tls13/internal/errors"
)

// KeyShare is the locally generated ephemeral key for one named group.
type KeyShare struct {
	group constants.NamedGroup

	ecdhPriv *ecdh.PrivateKey

	// Hybrid component, set only for X25519MLKEM768.
	mlkemPub  *mlkem768.PublicKey
	mlkemPriv *mlkem768.PrivateKey
}

// GenerateKeyShare generates an ephemeral key share for the given group.
func GenerateKeyShare(group constants.NamedGroup) (*KeyShare, error) {
	ks := &KeyShare{group: group}

	curve, err := curveForGroup(group)
	if err != nil {
		return nil, err
	}
	ks.ecdhPriv, err = curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, qerrors.NewCryptoError("GenerateKeyShare", err)
	}

	if group == constants.GroupX25519MLKEM768 {
		pk, sk, err := mlkem768.GenerateKeyPair(rand.Reader)
		if err != nil {
			return nil, qerrors.NewCryptoError("GenerateKeyShare", err)
		}
		ks.mlkemPub = pk
		ks.mlkemPriv = sk
	}

	return ks, nil
}

// Group returns the share's named group.
func (ks *KeyShare) Group() constants.NamedGroup {
	return ks.group
}

// PublicBytes returns the key_exchange field for the ClientHello key_share
// entry.
func (ks *KeyShare) PublicBytes() []byte {
	if ks.ecdhPriv == nil {
		return nil
	}
	ec := ks.ecdhPriv.PublicKey().Bytes()
	if ks.group != constants.GroupX25519MLKEM768 {
		return ec
	}
	out := make([]byte, 0, mlkem768.PublicKeySize+len(ec))
	buf := make([]byte, mlkem768.PublicKeySize)
	ks.mlkemPub.Pack(buf)
	out = append(out, buf...)
	return append(out, ec...)
}

// SharedSecret parses the server's key_exchange field and computes the
// shared secret. The caller owns the result and must wipe it when done.
func (ks *KeyShare) SharedSecret(peer []byte) ([]byte, error) {
	if ks.ecdhPriv == nil {
		return nil, qerrors.ErrInvalidState
	}

	if ks.group == constants.GroupX25519MLKEM768 {
		return ks.hybridSharedSecret(peer)
	}

	peerKey, err := ks.ecdhPriv.Curve().NewPublicKey(peer)
	if err != nil {
		return nil, qerrors.NewAlertError(uint8(constants.AlertIllegalParameter), qerrors.ErrInvalidPublicKey)
	}
	shared, err := ks.ecdhPriv.ECDH(peerKey)
	if err != nil {
		return nil, qerrors.NewCryptoError("KeyShare.SharedSecret", err)
	}
	return shared, nil
}

func (ks *KeyShare) hybridSharedSecret(peer []byte) ([]byte, error) {
	const ecLen = 32
	if len(peer) != mlkem768.CiphertextSize+ecLen {
		return nil, qerrors.NewAlertError(uint8(constants.AlertIllegalParameter), qerrors.ErrInvalidPublicKey)
	}

	mlkemSS := make([]byte, mlkem768.SharedKeySize)
	ks.mlkemPriv.DecapsulateTo(mlkemSS, peer[:mlkem768.CiphertextSize])

	peerKey, err := ecdh.X25519().NewPublicKey(peer[mlkem768.CiphertextSize:])
	if err != nil {
		return nil, qerrors.NewAlertError(uint8(constants.AlertIllegalParameter), qerrors.ErrInvalidPublicKey)
	}
	ecSS, err := ks.ecdhPriv.ECDH(peerKey)
	if err != nil {
		return nil, qerrors.NewCryptoError("KeyShare.SharedSecret", err)
	}

	shared := make([]byte, 0, len(mlkemSS)+len(ecSS))
	shared = append(shared, mlkemSS...)
	shared = append(shared, ecSS...)
	ZeroizeMultiple(mlkemSS, ecSS)
	return shared, nil
}

// Zeroize clears the private material. crypto/ecdh and circl do not expose
// their key bytes for wiping, so references are dropped for collection.
func (ks *KeyShare) Zeroize() {
	ks.ecdhPriv = nil
	ks.mlkemPub = nil
	ks.mlkemPriv = nil
}

// PeerExchange performs the responder side of the exchange for the given
// group: it consumes the initiator's key_exchange bytes and returns the
// responder share plus the shared secret. Used by loopback tests and by
// embedders that terminate both ends.
func PeerExchange(group constants.NamedGroup, initiatorPublic []byte) (share, shared []byte, err error) {
	if group == constants.GroupX25519MLKEM768 {
		return peerExchangeHybrid(initiatorPublic)
	}

	curve, err := curveForGroup(group)
	if err != nil {
		return nil, nil, err
	}
	peerKey, err := curve.NewPublicKey(initiatorPublic)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("PeerExchange", err)
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("PeerExchange", err)
	}
	shared, err = priv.ECDH(peerKey)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("PeerExchange", err)
	}
	return priv.PublicKey().Bytes(), shared, nil
}

func peerExchangeHybrid(initiatorPublic []byte) (share, shared []byte, err error) {
	const ecLen = 32
	if len(initiatorPublic) != mlkem768.PublicKeySize+ecLen {
		return nil, nil, qerrors.ErrInvalidPublicKey
	}

	pk := new(mlkem768.PublicKey)
	if err := pk.Unpack(initiatorPublic[:mlkem768.PublicKeySize]); err != nil {
		return nil, nil, qerrors.NewCryptoError("PeerExchange", err)
	}

	ct := make([]byte, mlkem768.CiphertextSize)
	mlkemSS := make([]byte, mlkem768.SharedKeySize)
	seed := make([]byte, mlkem768.EncapsulationSeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, nil, qerrors.NewCryptoError("PeerExchange", err)
	}
	pk.EncapsulateTo(ct, mlkemSS, seed)

	ecShare, ecSS, err := PeerExchange(constants.GroupX25519, initiatorPublic[mlkem768.PublicKeySize:])
	if err != nil {
		return nil, nil, err
	}

	share = append(ct, ecShare...)
	shared = append(mlkemSS, ecSS...)
	return share, shared, nil
}

func curveForGroup(group constants.NamedGroup) (ecdh.Curve, error) {
	switch group {
	case constants.GroupX25519, constants.GroupX25519MLKEM768:
		return ecdh.X25519(), nil
	case constants.GroupP256:
		return ecdh.P256(), nil
	case constants.GroupP384:
		return ecdh.P384(), nil
	default:
		return nil, qerrors.ErrUnsupportedGroup
	}
}
