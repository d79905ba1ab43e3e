// trace.go hosts the in-process server half of the trace: a scripted
// record layer plus a mirror of the server key schedule, enough to hand
// the client a cryptographically consistent flight.
package main

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/halcyonlabs/tls13/internal/constants"
	"github.com/halcyonlabs/tls13/pkg/crypto"
	"github.com/halcyonlabs/tls13/pkg/handshake"
	"github.com/halcyonlabs/tls13/pkg/metrics"
	"github.com/halcyonlabs/tls13/pkg/protocol"
)

// memoryRecordLayer queues inbound messages and logs outbound activity.
type memoryRecordLayer struct {
	queue  []*protocol.Message
	sent   [][]byte
	logger *metrics.Logger
}

func (rl *memoryRecordLayer) push(raw []byte) error {
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		return err
	}
	rl.queue = append(rl.queue, msg)
	return nil
}

func (rl *memoryRecordLayer) GetMessage() (*protocol.Message, bool) {
	if len(rl.queue) == 0 {
		return nil, false
	}
	return rl.queue[0], true
}

func (rl *memoryRecordLayer) NextMessage() {
	rl.queue = rl.queue[1:]
}

func (rl *memoryRecordLayer) SetReadKeys(keys *crypto.TrafficKeys) error {
	rl.logger.Debug("read keys installed")
	return nil
}

func (rl *memoryRecordLayer) SetWriteKeys(keys *crypto.TrafficKeys) error {
	if keys == nil {
		rl.logger.Debug("write keys reset to cleartext")
		return nil
	}
	rl.logger.Debug("write keys installed")
	return nil
}

func (rl *memoryRecordLayer) AddAlert(level constants.AlertLevel, code constants.AlertCode) {
	rl.logger.Info("alert queued", metrics.Fields{"level": int(level), "alert": code.String()})
}

func (rl *memoryRecordLayer) AddChangeCipherSpec() {
	rl.logger.Debug("change cipher spec queued")
}

func (rl *memoryRecordLayer) AddMessage(msg []byte) {
	rl.sent = append(rl.sent, msg)
	if parsed, err := protocol.ParseMessage(msg); err == nil {
		rl.logger.Debug("message queued", metrics.Fields{"type": parsed.Type.String()})
	}
}

func (rl *memoryRecordLayer) Flush() error {
	rl.logger.Debug("flush", metrics.Fields{"messages": len(rl.sent)})
	return nil
}

// nopCertAgent accepts every certificate and never authenticates the
// client; good enough to watch the state machine move.
type nopCertAgent struct{}

func (nopCertAgent) ProcessCertificate(msg *protocol.Message, required bool) error {
	if required && len(msg.Body) == 0 {
		return errors.New("empty certificate")
	}
	return nil
}
func (nopCertAgent) VerifyPeer() handshake.VerifyResult { return handshake.VerifyOK }
func (nopCertAgent) VerifyCertificateVerify(msg *protocol.Message, transcriptHash []byte) error {
	return nil
}
func (nopCertAgent) HasCertificate() bool            { return false }
func (nopCertAgent) AddCertificate() ([]byte, error) { return nil, errors.New("no certificate") }
func (nopCertAgent) OnCertificateSelected() error    { return nil }
func (nopCertAgent) SignCertificateVerify(transcriptHash []byte) (handshake.SignResult, []byte, error) {
	return handshake.SignFailure, nil, errors.New("no signing key")
}

// helloBuilder emits synthetic ClientHellos carrying the key share.
type helloBuilder struct {
	group constants.NamedGroup
	share *crypto.KeyShare
}

func (b *helloBuilder) BuildClientHello(retryGroup constants.NamedGroup, cookie []byte) ([]byte, *crypto.KeyShare, error) {
	group := retryGroup
	if group == 0 {
		group = b.group
	}
	share, err := crypto.GenerateKeyShare(group)
	if err != nil {
		return nil, nil, err
	}
	b.share = share

	body := append([]byte(nil), cookie...)
	body = append(body, share.PublicBytes()...)
	return protocol.BuildMessage(protocol.TypeClientHello, body), share, nil
}

// serverHalf mirrors the server side of the transcript and key schedule.
type serverHalf struct {
	suite constants.CipherSuite
	tr    *crypto.Transcript
	ks    *crypto.KeySchedule
	sHS   []byte
}

func buildExt(typ protocol.ExtensionType, data []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(typ))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(data) })
	return b.BytesOrPanic()
}

func serverHelloRaw(experimental bool, suite constants.CipherSuite, group constants.NamedGroup, serverShare []byte) []byte {
	var ks cryptobyte.Builder
	ks.AddUint16(uint16(group))
	ks.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(serverShare) })

	var b cryptobyte.Builder
	if experimental {
		b.AddUint16(constants.VersionTLS12)
	} else {
		b.AddUint16(constants.VersionTLS13)
	}
	b.AddBytes(make([]byte, constants.RandomSize))
	if experimental {
		b.AddUint8(0)
	}
	b.AddUint16(uint16(suite))
	if experimental {
		b.AddUint8(0)
	}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(buildExt(protocol.ExtKeyShare, ks.BytesOrPanic()))
	})
	return protocol.BuildMessage(protocol.TypeServerHello, b.BytesOrPanic())
}

func hrrRaw(group constants.NamedGroup) []byte {
	var g cryptobyte.Builder
	g.AddUint16(uint16(group))

	var b cryptobyte.Builder
	b.AddUint16(constants.VersionTLS13)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(buildExt(protocol.ExtKeyShare, g.BytesOrPanic()))
	})
	return protocol.BuildMessage(protocol.TypeHelloRetryRequest, b.BytesOrPanic())
}

func emptyExtBlock() []byte {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {})
	return b.BytesOrPanic()
}

// flight produces ServerHello..Finished for the client's current share.
func (s *serverHalf) flight(experimental bool, builder *helloBuilder, transcriptSoFar ...[]byte) ([][]byte, error) {
	group := builder.share.Group()
	serverShare, shared, err := crypto.PeerExchange(group, builder.share.PublicBytes())
	if err != nil {
		return nil, err
	}

	sh := serverHelloRaw(experimental, s.suite, group, serverShare)
	for _, m := range transcriptSoFar {
		s.tr.Write(m)
	}
	s.tr.Write(sh)
	if err := s.tr.SelectHash(s.suite.Hash()); err != nil {
		return nil, err
	}
	s.ks = crypto.NewKeySchedule(s.suite.Hash())
	if err := s.ks.AdvanceEarly(nil); err != nil {
		return nil, err
	}
	if err := s.ks.AdvanceHandshake(shared); err != nil {
		return nil, err
	}
	if s.sHS, err = s.ks.DeriveSecret("s hs traffic", s.tr.Sum()); err != nil {
		return nil, err
	}

	ee := protocol.BuildMessage(protocol.TypeEncryptedExtensions, emptyExtBlock())
	cert := protocol.BuildMessage(protocol.TypeCertificate, []byte("trace-fixture-chain"))
	cv := protocol.BuildMessage(protocol.TypeCertificateVerify, []byte{0x04, 0x03, 0x00, 0x01, 0xaa})
	s.tr.Write(ee)
	s.tr.Write(cert)
	s.tr.Write(cv)

	fin := protocol.BuildMessage(protocol.TypeFinished,
		crypto.FinishedVerify(s.suite.Hash(), s.sHS, s.tr.Sum()))

	return [][]byte{sh, ee, cert, cv, fin}, nil
}

func runTrace(logger *metrics.Logger, collector *metrics.Collector, experimental, retry bool) error {
	suite := constants.TLS_AES_128_GCM_SHA256

	builder := &helloBuilder{group: constants.GroupX25519}
	firstHello, firstShare, err := builder.BuildClientHello(0, nil)
	if err != nil {
		return err
	}

	rl := &memoryRecordLayer{logger: logger.Named("record")}
	cfg := &handshake.Config{
		Groups:       []constants.NamedGroup{constants.GroupX25519, constants.GroupP256},
		Experimental: experimental,
		HelloBuilder: builder,
		Observer: handshake.NewCollectorObserver(handshake.CollectorObserverConfig{
			Collector: collector,
			Logger:    logger.Named("observer"),
		}),
		InfoCallback: func(prev, next handshake.State) {
			logger.Info("transition", metrics.Fields{"from": prev.String(), "to": next.String()})
		},
	}

	hs, err := handshake.NewClient(cfg, rl, nopCertAgent{}, handshake.Offer{
		ClientHello: firstHello,
		KeyShare:    firstShare,
	})
	if err != nil {
		return err
	}

	server := &serverHalf{suite: suite, tr: crypto.NewTranscript()}

	if retry {
		hrr := hrrRaw(constants.GroupP256)
		if err := rl.push(hrr); err != nil {
			return err
		}
		susp, err := hs.Pump()
		if err != nil {
			return err
		}
		logger.Info("suspension", metrics.Fields{"reason": susp.String()})

		server.tr.Write(firstHello)
		if err := server.tr.MarkRetry(); err != nil {
			return err
		}
		flight, err := server.flight(experimental, builder, hrr, rl.sent[0])
		if err != nil {
			return err
		}
		for _, m := range flight {
			if err := rl.push(m); err != nil {
				return err
			}
		}
	} else {
		flight, err := server.flight(experimental, builder, firstHello)
		if err != nil {
			return err
		}
		for _, m := range flight {
			if err := rl.push(m); err != nil {
				return err
			}
		}
	}

	for {
		susp, err := hs.Pump()
		if err != nil {
			return err
		}
		logger.Info("suspension", metrics.Fields{"reason": susp.String()})
		switch susp {
		case handshake.SuspendNone:
			if !hs.Done() {
				return fmt.Errorf("stalled in %s", hs.State())
			}
			sess := hs.EstablishedSession()
			logger.Info("handshake established", metrics.Fields{
				"cipher":        sess.CipherSuite.String(),
				"resumed":       hs.SessionReused(),
				"master_secret": len(sess.MasterSecret),
			})
			return nil
		case handshake.SuspendReadChangeCipherSpec:
			logger.Info("consuming change cipher spec")
		case handshake.SuspendReadMessage:
			return fmt.Errorf("server flight exhausted in %s", hs.State())
		}
	}
}
