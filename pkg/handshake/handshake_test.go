package handshake

import (
	"bytes"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/halcyonlabs/tls13/internal/constants"
	qerrors "github.com/halcyonlabs/tls13/internal/errors"
	"github.com/halcyonlabs/tls13/pkg/crypto"
	"github.com/halcyonlabs/tls13/pkg/protocol"
)

// --- scripted collaborators ---

type alertRecord struct {
	level constants.AlertLevel
	code  constants.AlertCode
}

// scriptedRecordLayer queues inbound messages and records everything the
// controller pushes outbound.
type scriptedRecordLayer struct {
	queue   []*protocol.Message
	sent    [][]byte
	alerts  []alertRecord
	ccs     int
	keyLog  []string
	flushes int
}

func (rl *scriptedRecordLayer) push(raw []byte) {
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		panic("scripted message malformed: " + err.Error())
	}
	rl.queue = append(rl.queue, msg)
}

func (rl *scriptedRecordLayer) GetMessage() (*protocol.Message, bool) {
	if len(rl.queue) == 0 {
		return nil, false
	}
	return rl.queue[0], true
}

func (rl *scriptedRecordLayer) NextMessage() {
	rl.queue = rl.queue[1:]
}

func (rl *scriptedRecordLayer) SetReadKeys(keys *crypto.TrafficKeys) error {
	rl.keyLog = append(rl.keyLog, "read")
	return nil
}

func (rl *scriptedRecordLayer) SetWriteKeys(keys *crypto.TrafficKeys) error {
	if keys == nil {
		rl.keyLog = append(rl.keyLog, "write:null")
		return nil
	}
	rl.keyLog = append(rl.keyLog, "write")
	return nil
}

func (rl *scriptedRecordLayer) AddAlert(level constants.AlertLevel, code constants.AlertCode) {
	rl.alerts = append(rl.alerts, alertRecord{level, code})
}

func (rl *scriptedRecordLayer) AddChangeCipherSpec() {
	rl.ccs++
}

func (rl *scriptedRecordLayer) AddMessage(msg []byte) {
	rl.sent = append(rl.sent, msg)
}

func (rl *scriptedRecordLayer) Flush() error {
	rl.flushes++
	return nil
}

// installedKeys counts real key installations (the write:null reset from a
// retry does not count).
func (rl *scriptedRecordLayer) installedKeys() []string {
	out := make([]string, 0, len(rl.keyLog))
	for _, k := range rl.keyLog {
		if k != "write:null" {
			out = append(out, k)
		}
	}
	return out
}

// stubCertAgent fakes the certificate subsystem.
type stubCertAgent struct {
	processed     [][]byte
	verifyQueue   []VerifyResult
	hasCert       bool
	certBody      []byte
	signQueue     []SignResult
	cvBody        []byte
	certSelected  int
	verifiedCVs   int
}

func (a *stubCertAgent) ProcessCertificate(msg *protocol.Message, required bool) error {
	if required && len(msg.Body) == 0 {
		return qerrors.ErrBadCertificate
	}
	a.processed = append(a.processed, msg.Body)
	return nil
}

func (a *stubCertAgent) VerifyPeer() VerifyResult {
	if len(a.verifyQueue) == 0 {
		return VerifyOK
	}
	res := a.verifyQueue[0]
	a.verifyQueue = a.verifyQueue[1:]
	return res
}

func (a *stubCertAgent) VerifyCertificateVerify(msg *protocol.Message, transcriptHash []byte) error {
	a.verifiedCVs++
	return nil
}

func (a *stubCertAgent) HasCertificate() bool { return a.hasCert }

func (a *stubCertAgent) AddCertificate() ([]byte, error) {
	return protocol.BuildMessage(protocol.TypeCertificate, a.certBody), nil
}

func (a *stubCertAgent) OnCertificateSelected() error {
	a.certSelected++
	return nil
}

func (a *stubCertAgent) SignCertificateVerify(transcriptHash []byte) (SignResult, []byte, error) {
	if len(a.signQueue) > 0 {
		res := a.signQueue[0]
		a.signQueue = a.signQueue[1:]
		if res != SignSuccess {
			return res, nil, nil
		}
	}
	return SignSuccess, protocol.BuildMessage(protocol.TypeCertificateVerify, a.cvBody), nil
}

// testHelloBuilder regenerates ClientHellos after a retry. The message
// body only matters as transcript input, so it just carries the cookie and
// the fresh key share.
type testHelloBuilder struct {
	group  constants.NamedGroup
	share  *crypto.KeyShare
	cookie []byte
	calls  int
}

func (b *testHelloBuilder) BuildClientHello(retryGroup constants.NamedGroup, cookie []byte) ([]byte, *crypto.KeyShare, error) {
	group := retryGroup
	if group == 0 {
		group = b.group
	}
	share, err := crypto.GenerateKeyShare(group)
	if err != nil {
		return nil, nil, err
	}
	b.share = share
	b.cookie = append([]byte(nil), cookie...)
	b.calls++

	body := append([]byte(nil), cookie...)
	body = append(body, share.PublicBytes()...)
	return protocol.BuildMessage(protocol.TypeClientHello, body), share, nil
}

// --- wire building helpers ---

func buildExt(typ protocol.ExtensionType, data []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(typ))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(data) })
	return b.BytesOrPanic()
}

func buildExtBlock(exts ...[]byte) []byte {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, e := range exts {
			b.AddBytes(e)
		}
	})
	return b.BytesOrPanic()
}

func keyShareExt(group constants.NamedGroup, kx []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(group))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(kx) })
	return buildExt(protocol.ExtKeyShare, b.BytesOrPanic())
}

func pskExt(index uint16) []byte {
	var b cryptobyte.Builder
	b.AddUint16(index)
	return buildExt(protocol.ExtPreSharedKey, b.BytesOrPanic())
}

func alpnExt(proto string) []byte {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(proto)) })
	})
	return buildExt(protocol.ExtALPN, b.BytesOrPanic())
}

func serverHelloRaw(experimental bool, version uint16, suite constants.CipherSuite, exts ...[]byte) []byte {
	var b cryptobyte.Builder
	b.AddUint16(version)
	b.AddBytes(make([]byte, constants.RandomSize))
	if experimental {
		b.AddUint8(0) // empty legacy_session_id
	}
	b.AddUint16(uint16(suite))
	if experimental {
		b.AddUint8(0) // compression_method
	}
	b.AddBytes(buildExtBlock(exts...))
	return protocol.BuildMessage(protocol.TypeServerHello, b.BytesOrPanic())
}

func hrrRaw(exts ...[]byte) []byte {
	var b cryptobyte.Builder
	b.AddUint16(constants.VersionTLS13)
	b.AddBytes(buildExtBlock(exts...))
	return protocol.BuildMessage(protocol.TypeHelloRetryRequest, b.BytesOrPanic())
}

func hrrKeyShareExt(group constants.NamedGroup) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(group))
	return buildExt(protocol.ExtKeyShare, b.BytesOrPanic())
}

func hrrCookieExt(cookie []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cookie) })
	return buildExt(protocol.ExtCookie, b.BytesOrPanic())
}

// --- server-side crypto mirror ---

// serverCrypto runs the peer half of the key schedule so scripted flights
// carry real Finished values.
type serverCrypto struct {
	suite constants.CipherSuite
	tr    *crypto.Transcript
	ks    *crypto.KeySchedule
	sHS   []byte
	cHS   []byte
	sApp  []byte
	cApp  []byte
}

func newServerCrypto(suite constants.CipherSuite) *serverCrypto {
	return &serverCrypto{suite: suite, tr: crypto.NewTranscript()}
}

func (s *serverCrypto) absorb(raw ...[]byte) {
	for _, m := range raw {
		s.tr.Write(m)
	}
}

func (s *serverCrypto) keysAfterServerHello(t *testing.T, psk, shared []byte) {
	t.Helper()
	if err := s.tr.SelectHash(s.suite.Hash()); err != nil {
		t.Fatalf("server SelectHash: %v", err)
	}
	s.ks = crypto.NewKeySchedule(s.suite.Hash())
	if err := s.ks.AdvanceEarly(psk); err != nil {
		t.Fatalf("server AdvanceEarly: %v", err)
	}
	if err := s.ks.AdvanceHandshake(shared); err != nil {
		t.Fatalf("server AdvanceHandshake: %v", err)
	}
	th := s.tr.Sum()
	var err error
	if s.cHS, err = s.ks.DeriveSecret("c hs traffic", th); err != nil {
		t.Fatalf("derive c hs traffic: %v", err)
	}
	if s.sHS, err = s.ks.DeriveSecret("s hs traffic", th); err != nil {
		t.Fatalf("derive s hs traffic: %v", err)
	}
}

func (s *serverCrypto) finishedRaw(t *testing.T) []byte {
	t.Helper()
	verify := crypto.FinishedVerify(s.suite.Hash(), s.sHS, s.tr.Sum())
	return protocol.BuildMessage(protocol.TypeFinished, verify)
}

func (s *serverCrypto) keysAfterFinished(t *testing.T) {
	t.Helper()
	if err := s.ks.AdvanceMaster(); err != nil {
		t.Fatalf("server AdvanceMaster: %v", err)
	}
	th := s.tr.Sum()
	var err error
	if s.sApp, err = s.ks.DeriveSecret("s ap traffic", th); err != nil {
		t.Fatalf("derive s ap traffic: %v", err)
	}
	if s.cApp, err = s.ks.DeriveSecret("c ap traffic", th); err != nil {
		t.Fatalf("derive c ap traffic: %v", err)
	}
}

func (s *serverCrypto) resumptionMaster(t *testing.T, clientFlight ...[]byte) []byte {
	t.Helper()
	s.absorb(clientFlight...)
	res, err := s.ks.DeriveSecret("res master", s.tr.Sum())
	if err != nil {
		t.Fatalf("derive res master: %v", err)
	}
	return res
}

// --- scenario scaffolding ---

type scenario struct {
	rl      *scriptedRecordLayer
	agent   *stubCertAgent
	builder *testHelloBuilder
	cfg     *Config
	hs      *ClientHandshake
	server  *serverCrypto

	firstHello []byte
	firstShare *crypto.KeyShare
}

func newScenario(t *testing.T, cfg *Config, offerSession *Session, earlyData bool) *scenario {
	t.Helper()

	group := constants.GroupX25519
	if len(cfg.Groups) > 0 {
		group = cfg.Groups[0]
	}
	builder := &testHelloBuilder{group: group}
	hello, share, err := builder.BuildClientHello(0, nil)
	if err != nil {
		t.Fatalf("building first ClientHello: %v", err)
	}

	if cfg.HelloBuilder == nil {
		cfg.HelloBuilder = builder
	}
	rl := &scriptedRecordLayer{}
	agent := &stubCertAgent{certBody: []byte("client-chain"), cvBody: []byte("client-cv")}

	hs, err := NewClient(cfg, rl, agent, Offer{
		ClientHello:      hello,
		KeyShare:         share,
		Session:          offerSession,
		EarlyDataOffered: earlyData,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	return &scenario{
		rl:         rl,
		agent:      agent,
		builder:    builder,
		cfg:        cfg,
		hs:         hs,
		firstHello: hello,
		firstShare: share,
	}
}

// queueFullFlight computes the server flight from ServerHello through
// Finished for a full (non-resumed) handshake and queues every message.
func (sc *scenario) queueFullFlight(t *testing.T, suite constants.CipherSuite, includeCertRequest bool) {
	t.Helper()

	clientPub := sc.builder.share.PublicBytes()
	serverShare, shared, err := crypto.PeerExchange(sc.builder.share.Group(), clientPub)
	if err != nil {
		t.Fatalf("PeerExchange: %v", err)
	}

	sh := serverHelloRaw(false, constants.VersionTLS13, suite, keyShareExt(sc.builder.share.Group(), serverShare))

	server := newServerCrypto(suite)
	server.absorb(sc.firstHello, sh)
	server.keysAfterServerHello(t, nil, shared)

	flight := [][]byte{sh}
	ee := protocol.BuildMessage(protocol.TypeEncryptedExtensions, buildExtBlock())
	flight = append(flight, ee)
	server.absorb(ee)

	if includeCertRequest {
		var b cryptobyte.Builder
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // empty context
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0403) // ecdsa_secp256r1_sha256
			b.AddUint16(0x0804) // rsa_pss_rsae_sha256
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {}) // no CA names
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {}) // no extensions
		cr := protocol.BuildMessage(protocol.TypeCertificateRequest, b.BytesOrPanic())
		flight = append(flight, cr)
		server.absorb(cr)
	}

	cert := protocol.BuildMessage(protocol.TypeCertificate, []byte("FIXTURE_A"))
	flight = append(flight, cert)
	server.absorb(cert)

	cv := protocol.BuildMessage(protocol.TypeCertificateVerify, []byte{0x04, 0x03, 0x00, 0x01, 0xaa})
	flight = append(flight, cv)
	server.absorb(cv)

	fin := server.finishedRaw(t)
	flight = append(flight, fin)
	server.absorb(fin)
	server.keysAfterFinished(t)

	for _, m := range flight {
		sc.rl.push(m)
	}
	sc.server = server
}

func pump(t *testing.T, hs *ClientHandshake) Suspension {
	t.Helper()
	susp, err := hs.Pump()
	if err != nil {
		t.Fatalf("handshake failed in %s: %v", hs.State(), err)
	}
	return susp
}

// --- scenarios ---

func TestHandshakeBasic(t *testing.T) {
	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519}}
	sc := newScenario(t, cfg, nil, false)

	sc.queueFullFlight(t, constants.TLS_AES_128_GCM_SHA256, false)

	susp := pump(t, sc.hs)
	if susp != SuspendNone || !sc.hs.Done() {
		t.Fatalf("expected done, got suspension %v in state %v", susp, sc.hs.State())
	}

	if got := sc.rl.installedKeys(); len(got) != 4 ||
		got[0] != "read" || got[1] != "write" || got[2] != "read" || got[3] != "write" {
		t.Errorf("traffic key order: got %v", got)
	}
	if sc.hs.SessionReused() {
		t.Error("fresh handshake must not report session reuse")
	}
	if len(sc.rl.alerts) != 0 {
		t.Errorf("unexpected alerts: %v", sc.rl.alerts)
	}
	if len(sc.agent.processed) != 1 || !bytes.Equal(sc.agent.processed[0], []byte("FIXTURE_A")) {
		t.Errorf("server certificate not processed: %v", sc.agent.processed)
	}

	sess := sc.hs.EstablishedSession()
	if sess == nil {
		t.Fatal("no established session")
	}
	if sess.CipherSuite != constants.TLS_AES_128_GCM_SHA256 {
		t.Errorf("established cipher = %v", sess.CipherSuite)
	}
	if len(sess.MasterSecret) != sess.CipherSuite.Hash().Size() {
		t.Errorf("master secret length = %d", len(sess.MasterSecret))
	}

	// The client flight is just Finished; both sides must agree on the
	// resumption master secret.
	if len(sc.rl.sent) != 1 {
		t.Fatalf("client flight = %d messages, want 1", len(sc.rl.sent))
	}
	want := sc.server.resumptionMaster(t, sc.rl.sent[0])
	if !bytes.Equal(sess.MasterSecret, want) {
		t.Error("resumption master secret mismatch between client and server")
	}
}

func TestHandshakeHelloRetryRequest(t *testing.T) {
	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519, constants.GroupP384}}
	sc := newScenario(t, cfg, nil, false)

	cookie := []byte{0xaa, 0xbb}
	hrr := hrrRaw(hrrKeyShareExt(constants.GroupP384), hrrCookieExt(cookie))
	sc.rl.push(hrr)

	susp := pump(t, sc.hs)
	if susp != SuspendReadMessage {
		t.Fatalf("expected read suspension after retry flight, got %v", susp)
	}
	if !sc.hs.ReceivedHelloRetryRequest() {
		t.Error("retry not recorded")
	}
	if sc.builder.calls != 2 {
		t.Fatalf("hello builder calls = %d, want 2", sc.builder.calls)
	}
	if !bytes.Equal(sc.builder.cookie, cookie) {
		t.Errorf("cookie not passed to builder: %x", sc.builder.cookie)
	}
	if sc.builder.share.Group() != constants.GroupP384 {
		t.Errorf("retry group = %v, want P-384", sc.builder.share.Group())
	}
	if len(sc.rl.sent) != 1 {
		t.Fatalf("second ClientHello not emitted")
	}
	secondHello := sc.rl.sent[0]

	// Server side with the rewritten transcript.
	clientPub := sc.builder.share.PublicBytes()
	serverShare, shared, err := crypto.PeerExchange(constants.GroupP384, clientPub)
	if err != nil {
		t.Fatalf("PeerExchange: %v", err)
	}
	suite := constants.TLS_AES_128_GCM_SHA256
	sh := serverHelloRaw(false, constants.VersionTLS13, suite, keyShareExt(constants.GroupP384, serverShare))

	server := newServerCrypto(suite)
	server.absorb(sc.firstHello)
	if err := server.tr.MarkRetry(); err != nil {
		t.Fatalf("server MarkRetry: %v", err)
	}
	server.absorb(hrr, secondHello, sh)
	server.keysAfterServerHello(t, nil, shared)

	ee := protocol.BuildMessage(protocol.TypeEncryptedExtensions, buildExtBlock())
	cert := protocol.BuildMessage(protocol.TypeCertificate, []byte("FIXTURE_A"))
	cv := protocol.BuildMessage(protocol.TypeCertificateVerify, []byte{0x04, 0x03, 0x00, 0x01, 0xaa})
	server.absorb(ee, cert, cv)
	fin := server.finishedRaw(t)
	server.absorb(fin)
	server.keysAfterFinished(t)

	for _, m := range [][]byte{sh, ee, cert, cv, fin} {
		sc.rl.push(m)
	}

	susp = pump(t, sc.hs)
	if susp != SuspendNone || !sc.hs.Done() {
		t.Fatalf("expected done, got %v in %v", susp, sc.hs.State())
	}

	// End-to-end check of the message_hash transcript rewrite.
	want := server.resumptionMaster(t, sc.rl.sent[1])
	if !bytes.Equal(sc.hs.EstablishedSession().MasterSecret, want) {
		t.Error("resumption master mismatch after retry")
	}
}

func TestHandshakeHRRWithOfferedGroup(t *testing.T) {
	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519, constants.GroupP384}}
	sc := newScenario(t, cfg, nil, false)

	// The retry re-selects the originally offered group.
	sc.rl.push(hrrRaw(hrrKeyShareExt(constants.GroupX25519)))

	_, err := sc.hs.Pump()
	if err == nil {
		t.Fatal("expected fatal error for retry with offered group")
	}
	if !qerrors.Is(err, qerrors.ErrWrongCurve) {
		t.Errorf("error = %v, want wrong curve", err)
	}
	if len(sc.rl.alerts) != 1 || sc.rl.alerts[0].code != constants.AlertIllegalParameter {
		t.Errorf("alerts = %v, want one illegal_parameter", sc.rl.alerts)
	}
	if sc.hs.State() != StateFailed {
		t.Errorf("state = %v, want failed", sc.hs.State())
	}

	// The controller is not re-entrant after a fatal error.
	if _, err2 := sc.hs.Advance(); err2 == nil {
		t.Error("expected latched error on re-entry")
	}
}

func TestHandshakeSecondHRRFatal(t *testing.T) {
	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519, constants.GroupP384}}
	sc := newScenario(t, cfg, nil, false)

	sc.rl.push(hrrRaw(hrrKeyShareExt(constants.GroupP384)))
	susp := pump(t, sc.hs)
	if susp != SuspendReadMessage {
		t.Fatalf("expected read suspension, got %v", susp)
	}

	sc.rl.push(hrrRaw(hrrKeyShareExt(constants.GroupX25519)))
	_, err := sc.hs.Pump()
	if err == nil || !qerrors.Is(err, qerrors.ErrUnexpectedMessage) {
		t.Fatalf("second retry error = %v, want unexpected message", err)
	}
}

func resumableSession(suite constants.CipherSuite, alpn string) *Session {
	secret := make([]byte, suite.Hash().Size())
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	return &Session{
		CipherSuite:  suite,
		Version:      constants.VersionTLS13,
		MasterSecret: secret,
		ALPN:         []byte(alpn),
		Ticket:       []byte("ticket"),
		CreatedAt:    time.Now(),
		Timeout:      time.Hour,
	}
}

func TestHandshakeResumptionWithEarlyData(t *testing.T) {
	suite := constants.TLS_AES_128_GCM_SHA256
	offered := resumableSession(suite, "h2")

	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519}}
	sc := newScenario(t, cfg, offered, true)

	clientPub := sc.builder.share.PublicBytes()
	serverShare, shared, err := crypto.PeerExchange(constants.GroupX25519, clientPub)
	if err != nil {
		t.Fatalf("PeerExchange: %v", err)
	}
	sh := serverHelloRaw(false, constants.VersionTLS13, suite,
		keyShareExt(constants.GroupX25519, serverShare), pskExt(0))

	server := newServerCrypto(suite)
	server.absorb(sc.firstHello, sh)
	server.keysAfterServerHello(t, offered.MasterSecret, shared)

	ee := protocol.BuildMessage(protocol.TypeEncryptedExtensions,
		buildExtBlock(buildExt(protocol.ExtEarlyData, nil), alpnExt("h2")))
	server.absorb(ee)
	fin := server.finishedRaw(t)
	server.absorb(fin)
	server.keysAfterFinished(t)

	for _, m := range [][]byte{sh, ee, fin} {
		sc.rl.push(m)
	}

	susp := pump(t, sc.hs)
	if susp != SuspendNone || !sc.hs.Done() {
		t.Fatalf("expected done, got %v in %v", susp, sc.hs.State())
	}

	if !sc.hs.SessionReused() {
		t.Error("session not reused")
	}
	if !sc.hs.EarlyDataAccepted() {
		t.Error("early data not accepted")
	}
	if sc.hs.CanEarlyWrite() {
		t.Error("early writes must stop after EndOfEarlyData")
	}
	if len(sc.agent.processed) != 0 {
		t.Error("certificate states must be skipped on resumption")
	}

	// EndOfEarlyData goes out as a warning alert.
	found := false
	for _, a := range sc.rl.alerts {
		if a.level == constants.AlertLevelWarning && a.code == constants.AlertEndOfEarlyData {
			found = true
		}
	}
	if !found {
		t.Errorf("no EndOfEarlyData alert, alerts = %v", sc.rl.alerts)
	}

	want := server.resumptionMaster(t, sc.rl.sent[0])
	if !bytes.Equal(sc.hs.EstablishedSession().MasterSecret, want) {
		t.Error("resumption master mismatch")
	}
}

func TestHandshakeEarlyDataRejectedByHRR(t *testing.T) {
	suite := constants.TLS_AES_128_GCM_SHA256
	offered := resumableSession(suite, "h2")

	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519, constants.GroupP384}}
	sc := newScenario(t, cfg, offered, true)

	sc.rl.push(hrrRaw(hrrKeyShareExt(constants.GroupP384)))

	susp, err := sc.hs.Advance()
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if susp != SuspendEarlyDataRejected {
		t.Fatalf("suspension = %v, want early_data_rejected", susp)
	}
	// The rejection surfaces before the second ClientHello is built.
	if sc.hs.State() != StateSendSecondClientHello {
		t.Errorf("state = %v, want send_second_client_hello", sc.hs.State())
	}
	if len(sc.rl.sent) != 0 {
		t.Error("second ClientHello emitted before rejection was surfaced")
	}
	if sc.hs.CanEarlyWrite() {
		t.Error("early writes still allowed after rejection")
	}

	// Re-drive: the retry flight goes out; the server answers without a
	// PSK and the handshake completes without a second rejection signal.
	susp = pump(t, sc.hs)
	if susp != SuspendReadMessage {
		t.Fatalf("expected read suspension, got %v", susp)
	}

	clientPub := sc.builder.share.PublicBytes()
	serverShare, shared, err := crypto.PeerExchange(constants.GroupP384, clientPub)
	if err != nil {
		t.Fatalf("PeerExchange: %v", err)
	}
	sh := serverHelloRaw(false, constants.VersionTLS13, suite, keyShareExt(constants.GroupP384, serverShare))

	server := newServerCrypto(suite)
	server.absorb(sc.firstHello)
	if err := server.tr.MarkRetry(); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}
	server.absorb(hrrRaw(hrrKeyShareExt(constants.GroupP384)), sc.rl.sent[0], sh)
	server.keysAfterServerHello(t, nil, shared)

	ee := protocol.BuildMessage(protocol.TypeEncryptedExtensions, buildExtBlock())
	cert := protocol.BuildMessage(protocol.TypeCertificate, []byte("FIXTURE_A"))
	cv := protocol.BuildMessage(protocol.TypeCertificateVerify, []byte{0xaa})
	server.absorb(ee, cert, cv)
	fin := server.finishedRaw(t)
	server.absorb(fin)
	server.keysAfterFinished(t)

	for _, m := range [][]byte{sh, ee, cert, cv, fin} {
		sc.rl.push(m)
	}

	susp = pump(t, sc.hs)
	if susp != SuspendNone || !sc.hs.Done() {
		t.Fatalf("expected done, got %v in %v", susp, sc.hs.State())
	}
	if sc.hs.EarlyDataAccepted() {
		t.Error("early data must stay rejected")
	}
	if sc.hs.SessionReused() {
		t.Error("server resumed without a PSK extension")
	}
}

func TestHandshakeClientAuthAsync(t *testing.T) {
	certCalls := 0
	cfg := &Config{
		Groups: []constants.NamedGroup{constants.GroupX25519},
		CertCallback: func() int {
			certCalls++
			if certCalls == 1 {
				return -1
			}
			return 1
		},
	}
	sc := newScenario(t, cfg, nil, false)
	sc.agent.hasCert = true

	sc.queueFullFlight(t, constants.TLS_AES_128_GCM_SHA256, true)

	susp := pump(t, sc.hs)
	if susp != SuspendX509Lookup {
		t.Fatalf("suspension = %v, want x509_lookup", susp)
	}
	if sc.hs.State() != StateSendClientCertificate {
		t.Errorf("state = %v, want send_client_certificate", sc.hs.State())
	}

	susp = pump(t, sc.hs)
	if susp != SuspendNone || !sc.hs.Done() {
		t.Fatalf("expected done, got %v in %v", susp, sc.hs.State())
	}
	if certCalls != 2 {
		t.Errorf("cert callback calls = %d, want 2", certCalls)
	}
	if sc.agent.certSelected != 1 {
		t.Errorf("certificate selection hooks = %d, want 1", sc.agent.certSelected)
	}

	// Client flight: Certificate, CertificateVerify, Finished.
	if len(sc.rl.sent) != 3 {
		t.Fatalf("client flight = %d messages, want 3", len(sc.rl.sent))
	}
	if got := sc.rl.sent[0][0]; got != byte(protocol.TypeCertificate) {
		t.Errorf("first flight message type = %d", got)
	}
	if got := sc.rl.sent[1][0]; got != byte(protocol.TypeCertificateVerify) {
		t.Errorf("second flight message type = %d", got)
	}
	if got := sc.rl.sent[2][0]; got != byte(protocol.TypeFinished) {
		t.Errorf("third flight message type = %d", got)
	}

	want := sc.server.resumptionMaster(t, sc.rl.sent...)
	if !bytes.Equal(sc.hs.EstablishedSession().MasterSecret, want) {
		t.Error("resumption master mismatch with client auth flight")
	}
}

func TestHandshakeAsyncVerifyAndSigning(t *testing.T) {
	cfg := &Config{
		Groups:       []constants.NamedGroup{constants.GroupX25519},
		CertCallback: func() int { return 1 },
	}
	sc := newScenario(t, cfg, nil, false)
	sc.agent.hasCert = true
	sc.agent.verifyQueue = []VerifyResult{VerifyRetry, VerifyOK}
	sc.agent.signQueue = []SignResult{SignRetry, SignSuccess}

	sc.queueFullFlight(t, constants.TLS_AES_256_GCM_SHA384, true)

	susp := pump(t, sc.hs)
	if susp != SuspendCertificateVerify {
		t.Fatalf("suspension = %v, want certificate_verify", susp)
	}
	susp = pump(t, sc.hs)
	if susp != SuspendPrivateKeyOperation {
		t.Fatalf("suspension = %v, want private_key_operation", susp)
	}
	susp = pump(t, sc.hs)
	if susp != SuspendNone || !sc.hs.Done() {
		t.Fatalf("expected done, got %v in %v", susp, sc.hs.State())
	}
	if sc.agent.verifiedCVs != 1 {
		t.Errorf("CertificateVerify checks = %d, want 1", sc.agent.verifiedCVs)
	}
}

func TestHandshakeExperimentalProfile(t *testing.T) {
	cfg := &Config{
		Groups:       []constants.NamedGroup{constants.GroupX25519},
		Experimental: true,
	}
	sc := newScenario(t, cfg, nil, false)

	clientPub := sc.builder.share.PublicBytes()
	serverShare, shared, err := crypto.PeerExchange(constants.GroupX25519, clientPub)
	if err != nil {
		t.Fatalf("PeerExchange: %v", err)
	}
	suite := constants.TLS_CHACHA20_POLY1305_SHA256
	// Legacy record version plus a supported_versions extension, both only
	// legal in this profile.
	var sv cryptobyte.Builder
	sv.AddUint16(constants.VersionTLS13)
	sh := serverHelloRaw(true, constants.VersionTLS12, suite,
		keyShareExt(constants.GroupX25519, serverShare),
		buildExt(protocol.ExtSupportedVersions, sv.BytesOrPanic()))

	server := newServerCrypto(suite)
	server.absorb(sc.firstHello, sh)
	server.keysAfterServerHello(t, nil, shared)

	ee := protocol.BuildMessage(protocol.TypeEncryptedExtensions, buildExtBlock())
	cert := protocol.BuildMessage(protocol.TypeCertificate, []byte("FIXTURE_A"))
	cv := protocol.BuildMessage(protocol.TypeCertificateVerify, []byte{0xaa})
	server.absorb(ee, cert, cv)
	fin := server.finishedRaw(t)
	server.absorb(fin)
	server.keysAfterFinished(t)

	sc.rl.push(sh)

	susp := pump(t, sc.hs)
	if susp != SuspendReadChangeCipherSpec {
		t.Fatalf("suspension = %v, want read_change_cipher_spec", susp)
	}

	for _, m := range [][]byte{ee, cert, cv, fin} {
		sc.rl.push(m)
	}
	susp = pump(t, sc.hs)
	if susp != SuspendNone || !sc.hs.Done() {
		t.Fatalf("expected done, got %v in %v", susp, sc.hs.State())
	}

	// One ChangeCipherSpec is injected after ServerHello when no early
	// data is in flight.
	if sc.rl.ccs != 1 {
		t.Errorf("ccs injections = %d, want 1", sc.rl.ccs)
	}
}

func TestHandshakeSupportedVersionsRejectedOutsideProfile(t *testing.T) {
	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519}}
	sc := newScenario(t, cfg, nil, false)

	clientPub := sc.builder.share.PublicBytes()
	serverShare, _, err := crypto.PeerExchange(constants.GroupX25519, clientPub)
	if err != nil {
		t.Fatalf("PeerExchange: %v", err)
	}
	var sv cryptobyte.Builder
	sv.AddUint16(constants.VersionTLS13)
	sh := serverHelloRaw(false, constants.VersionTLS13, constants.TLS_AES_128_GCM_SHA256,
		keyShareExt(constants.GroupX25519, serverShare),
		buildExt(protocol.ExtSupportedVersions, sv.BytesOrPanic()))
	sc.rl.push(sh)

	_, err = sc.hs.Pump()
	if err == nil || !qerrors.Is(err, qerrors.ErrUnsupportedExtension) {
		t.Fatalf("error = %v, want unsupported extension", err)
	}
	if len(sc.rl.alerts) != 1 || sc.rl.alerts[0].code != constants.AlertUnsupportedExtension {
		t.Errorf("alerts = %v", sc.rl.alerts)
	}
}

func TestHandshakeMissingKeyShare(t *testing.T) {
	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519}}
	sc := newScenario(t, cfg, nil, false)

	sh := serverHelloRaw(false, constants.VersionTLS13, constants.TLS_AES_128_GCM_SHA256)
	sc.rl.push(sh)

	_, err := sc.hs.Pump()
	if err == nil || !qerrors.Is(err, qerrors.ErrMissingExtension) {
		t.Fatalf("error = %v, want missing extension", err)
	}
	if len(sc.rl.alerts) != 1 || sc.rl.alerts[0].code != constants.AlertMissingExtension {
		t.Errorf("alerts = %v", sc.rl.alerts)
	}
}

func TestHandshakePSKWithoutOfferedSession(t *testing.T) {
	cfg := &Config{Groups: []constants.NamedGroup{constants.GroupX25519}}
	sc := newScenario(t, cfg, nil, false)

	clientPub := sc.builder.share.PublicBytes()
	serverShare, _, err := crypto.PeerExchange(constants.GroupX25519, clientPub)
	if err != nil {
		t.Fatalf("PeerExchange: %v", err)
	}
	sh := serverHelloRaw(false, constants.VersionTLS13, constants.TLS_AES_128_GCM_SHA256,
		keyShareExt(constants.GroupX25519, serverShare), pskExt(0))
	sc.rl.push(sh)

	_, err = sc.hs.Pump()
	if err == nil || !qerrors.Is(err, qerrors.ErrPSKWithoutSession) {
		t.Fatalf("error = %v, want psk without session", err)
	}
}

func TestHandshakeChannelID(t *testing.T) {
	channelIDReady := false
	cfg := &Config{
		Groups: []constants.NamedGroup{constants.GroupX25519},
		ChannelID: func(transcriptHash []byte) ([]byte, bool) {
			if !channelIDReady {
				return nil, false
			}
			return []byte("channel-id-body"), true
		},
	}
	sc := newScenario(t, cfg, nil, false)

	clientPub := sc.builder.share.PublicBytes()
	serverShare, shared, err := crypto.PeerExchange(constants.GroupX25519, clientPub)
	if err != nil {
		t.Fatalf("PeerExchange: %v", err)
	}
	suite := constants.TLS_AES_128_GCM_SHA256
	sh := serverHelloRaw(false, constants.VersionTLS13, suite, keyShareExt(constants.GroupX25519, serverShare))

	server := newServerCrypto(suite)
	server.absorb(sc.firstHello, sh)
	server.keysAfterServerHello(t, nil, shared)

	ee := protocol.BuildMessage(protocol.TypeEncryptedExtensions,
		buildExtBlock(buildExt(protocol.ExtChannelID, nil)))
	cert := protocol.BuildMessage(protocol.TypeCertificate, []byte("FIXTURE_A"))
	cv := protocol.BuildMessage(protocol.TypeCertificateVerify, []byte{0xaa})
	server.absorb(ee, cert, cv)
	fin := server.finishedRaw(t)
	server.absorb(fin)
	server.keysAfterFinished(t)

	for _, m := range [][]byte{sh, ee, cert, cv, fin} {
		sc.rl.push(m)
	}

	susp := pump(t, sc.hs)
	if susp != SuspendChannelIDLookup {
		t.Fatalf("suspension = %v, want channel_id_lookup", susp)
	}

	channelIDReady = true
	susp = pump(t, sc.hs)
	if susp != SuspendNone || !sc.hs.Done() {
		t.Fatalf("expected done, got %v in %v", susp, sc.hs.State())
	}

	// Flight: ChannelID then Finished.
	if len(sc.rl.sent) != 2 {
		t.Fatalf("client flight = %d messages, want 2", len(sc.rl.sent))
	}
	if sc.rl.sent[0][0] != byte(protocol.TypeChannelID) {
		t.Errorf("first flight message type = %d, want ChannelID", sc.rl.sent[0][0])
	}

	want := server.resumptionMaster(t, sc.rl.sent...)
	if !bytes.Equal(sc.hs.EstablishedSession().MasterSecret, want) {
		t.Error("resumption master mismatch with ChannelID flight")
	}
}

func TestHandshakeInfoCallbackFiresPerTransition(t *testing.T) {
	var transitions []State
	cfg := &Config{
		Groups: []constants.NamedGroup{constants.GroupX25519},
		InfoCallback: func(prev, next State) {
			transitions = append(transitions, next)
		},
	}
	sc := newScenario(t, cfg, nil, false)
	sc.queueFullFlight(t, constants.TLS_AES_128_GCM_SHA256, false)

	pump(t, sc.hs)

	want := []State{
		StateReadServerHello,
		StateProcessChangeCipherSpec,
		StateReadEncryptedExtensions,
		StateReadCertificateRequest,
		StateReadServerCertificate,
		StateReadServerCertificateVerify,
		StateReadServerFinished,
		StateSendEndOfEarlyData,
		StateSendClientCertificate,
		StateCompleteSecondFlight,
		StateDone,
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], s)
		}
	}
}
