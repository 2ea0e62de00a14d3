package network

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/protocol"
)

var errFakeWrite = errors.New("fake write failure")

type sentDatagram struct {
	to   netip.AddrPort
	data []byte
}

type readResult struct {
	data []byte
	addr netip.AddrPort
	err  error
}

// fakeTransport records writes and serves reads from a channel.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentDatagram
	fail      map[netip.AddrPort]bool
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fail:   make(map[netip.AddrPort]bool),
		reads:  make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	select {
	case r := <-f.reads:
		if r.err != nil {
			return 0, netip.AddrPort{}, r.err
		}
		return copy(b, r.data), r.addr, nil
	case <-f.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (f *fakeTransport) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr] {
		return 0, errFakeWrite
	}
	data := make([]byte, len(b))
	copy(data, b)
	f.sent = append(f.sent, sentDatagram{to: addr, data: data})
	return len(b), nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) setFail(addr netip.AddrPort, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[addr] = fail
}

type serverMsg struct {
	env protocol.Envelope
	msg protocol.Message
}

// received decodes every datagram written to addr, in order.
func (f *fakeTransport) received(t *testing.T, addr netip.AddrPort) []serverMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []serverMsg
	for _, d := range f.sent {
		if d.to != addr {
			continue
		}
		env, err := protocol.DecodeEnvelope(d.data)
		if err != nil {
			t.Fatalf("server wrote bad envelope: %v", err)
		}
		msg, err := protocol.DecodeServerMessage(env.Payload)
		if err != nil {
			t.Fatalf("server wrote bad message: %v", err)
		}
		out = append(out, serverMsg{env: env, msg: msg})
	}
	return out
}

func (f *fakeTransport) count(t *testing.T, addr netip.AddrPort, kind byte) int {
	t.Helper()
	n := 0
	for _, m := range f.received(t, addr) {
		if m.msg.Kind() == kind {
			n++
		}
	}
	return n
}

type disconnectRecord struct {
	connID int
	reason DisconnectReason
}

// recordingHandler captures every callback.
type recordingHandler struct {
	assetReady  []int
	joins       []int
	packets     [][]byte
	disconnects []disconnectRecord
	speedhacks  []float64

	joinErr error
	onJoin  func(c *Connection)
	allow   func(addr netip.AddrPort) bool
}

func (h *recordingHandler) OnAssetReady(c *Connection) {
	h.assetReady = append(h.assetReady, c.ConnectionID())
}

func (h *recordingHandler) OnJoin(c *Connection, payload []byte) error {
	if h.joinErr != nil {
		return h.joinErr
	}
	h.joins = append(h.joins, c.PlayerID())
	if h.onJoin != nil {
		h.onJoin(c)
	}
	return nil
}

func (h *recordingHandler) OnApplicationPacket(c *Connection, payload []byte) {
	h.packets = append(h.packets, append([]byte(nil), payload...))
}

func (h *recordingHandler) OnDisconnect(c *Connection, reason DisconnectReason) {
	h.disconnects = append(h.disconnects, disconnectRecord{connID: c.ConnectionID(), reason: reason})
}

func (h *recordingHandler) OnHandshake(addr netip.AddrPort) bool {
	return h.allow == nil || h.allow(addr)
}

func (h *recordingHandler) OnSpeedhack(c *Connection, rate float64) {
	h.speedhacks = append(h.speedhacks, rate)
}

func (h *recordingHandler) reasons() []DisconnectReason {
	out := make([]DisconnectReason, len(h.disconnects))
	for i, d := range h.disconnects {
		out[i] = d.reason
	}
	return out
}

type staticAsset []byte

func (a staticAsset) AssetBytes() []byte { return a }

type positionMap map[int][2]float64

func (m positionMap) EntityPosition(playerID int) (float64, float64, bool) {
	p, ok := m[playerID]
	return p[0], p[1], ok
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testSettings() Settings {
	return Settings{
		Server: config.ServerConfig{
			Name:                "test",
			MapName:             "arena",
			Port:                32887,
			ProtocolVersion:     3,
			MaxConnections:      4,
			MaxPlayers:          4,
			MaxConnectionsPerIP: 2,
			TickRateHz:          60,
			IdleTimeoutSec:      30,
			JoinTimeoutSec:      60,
			PingIntervalMs:      1000,
			MalformedBurst:      3,
			ViolationBurst:      1,
			MalformedWindowMs:   1000,
		},
		Transfer: config.TransferConfig{
			ChunkSize:    16,
			Window:       2,
			AckTimeoutMs: 100,
			MaxRetries:   2,
		},
		Guard: config.GuardConfig{
			Enabled:         true,
			Window:          10,
			NominalRate:     1,
			Threshold:       3,
			MaxSampleAgeSec: 10,
		},
		Broadcast: config.BroadcastConfig{Distance: 128},
	}
}

func testAsset(n int) staticAsset {
	a := make(staticAsset, n)
	for i := range a {
		a[i] = byte(i)
	}
	return a
}

type harness struct {
	t       *testing.T
	p       *Protocol
	ft      *fakeTransport
	h       *recordingHandler
	clock   *fakeClock
	asset   staticAsset
	nextCli int
}

func newHarness(t *testing.T, mutate func(*Settings), opts ...Option) *harness {
	t.Helper()
	settings := testSettings()
	if mutate != nil {
		mutate(&settings)
	}
	asset := testAsset(100)
	ft := newFakeTransport()
	h := &recordingHandler{}
	opts = append([]Option{WithAssets(asset), WithStrictIDs(true)}, opts...)
	p, err := NewProtocol(ft, settings, h, opts...)
	if err != nil {
		t.Fatalf("new protocol: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p.now = clock.Now
	return &harness{t: t, p: p, ft: ft, h: h, clock: clock, asset: asset}
}

// testClient drives the client side of the protocol.
type testClient struct {
	hs     *harness
	addr   netip.AddrPort
	nonce  uint32
	connID int
	seq    uint16
	acked  map[uint32]bool
}

func (hs *harness) client(ip string) *testClient {
	hs.nextCli++
	addr := netip.AddrPortFrom(netip.MustParseAddr(ip), uint16(40000+hs.nextCli))
	return &testClient{hs: hs, addr: addr, connID: -1, acked: make(map[uint32]bool)}
}

func (tc *testClient) deliverRaw(data []byte) {
	tc.hs.p.dispatch(tc.addr, data, tc.hs.clock.Now())
}

func (tc *testClient) deliver(msg []byte) {
	tc.deliverRaw(protocol.Plain(msg).Encode())
}

func (tc *testClient) deliverSeq(msg []byte, seq uint16) {
	tc.deliverRaw(protocol.Sequenced(msg, seq).Encode())
}

func (tc *testClient) conn() *Connection {
	return tc.hs.p.conns[tc.addr]
}

func (tc *testClient) messages() []serverMsg {
	return tc.hs.ft.received(tc.hs.t, tc.addr)
}

// handshake sends a hello and records the nonce from the ack.
func (tc *testClient) handshake() {
	tc.hs.t.Helper()
	tc.deliver(protocol.BuildHandshakeRequest(tc.hs.p.cfg.Server.ProtocolVersion))
	for _, m := range tc.messages() {
		if ack, ok := m.msg.(protocol.HandshakeAck); ok {
			tc.nonce = ack.Nonce
			tc.connID = int(ack.ConnectionID)
		}
	}
	if tc.connID < 0 {
		tc.hs.t.Fatalf("no handshake ack for %s", tc.addr)
	}
}

// ackChunks acknowledges every chunk received so far, repeating until the
// server stops sending new ones.
func (tc *testClient) ackChunks() {
	for {
		progressed := false
		for _, m := range tc.messages() {
			chunk, ok := m.msg.(protocol.AssetChunk)
			if !ok || tc.acked[chunk.Index] {
				continue
			}
			tc.acked[chunk.Index] = true
			tc.deliver(protocol.BuildChunkAck(tc.nonce, chunk.Index))
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func (tc *testClient) join() {
	tc.deliver(protocol.BuildJoin(tc.nonce, []byte("deuce")))
}

// activate runs the full handshake, transfer and join.
func (tc *testClient) activate() *Connection {
	tc.hs.t.Helper()
	tc.handshake()
	tc.ackChunks()
	tc.join()
	c := tc.conn()
	if c == nil || c.Phase() != PhaseActive {
		tc.hs.t.Fatalf("client %s not active", tc.addr)
	}
	return c
}
