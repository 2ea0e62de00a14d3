package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/events"
	"github.com/blockfort/blockfort/internal/protocol"
)

// ErrNotRunning is returned by commands posted after the dispatcher stopped.
var ErrNotRunning = errors.New("dispatcher is not running")

const (
	inboundQueueSize  = 1024
	limiterSweepEvery = 10 * time.Second
)

// Transport is the datagram socket. *net.UDPConn satisfies it.
type Transport interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	Close() error
}

// Settings is the subset of configuration the connection layer uses.
type Settings struct {
	Server    config.ServerConfig
	Transfer  config.TransferConfig
	Guard     config.GuardConfig
	Broadcast config.BroadcastConfig
}

// SettingsFrom copies the connection layer settings out of cfg.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Server:    cfg.GetServer(),
		Transfer:  cfg.Transfer,
		Guard:     cfg.Guard,
		Broadcast: cfg.Broadcast,
	}
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithAssets sets the map source. Its bytes are read once.
func WithAssets(src AssetSource) Option {
	return func(p *Protocol) { p.assets = src }
}

// WithPositions sets the position source used by Near broadcasts.
func WithPositions(src PositionSource) Option {
	return func(p *Protocol) { p.positions = src }
}

// WithEvents publishes lifecycle events on bus.
func WithEvents(bus *events.EventBus) Option {
	return func(p *Protocol) { p.bus = bus }
}

// WithStrictIDs makes id double-release panic instead of logging.
func WithStrictIDs(strict bool) Option {
	return func(p *Protocol) { p.strictIDs = strict }
}

type datagram struct {
	addr netip.AddrPort
	data []byte
}

type counters struct {
	datagrams   atomic.Uint64
	bytes       atomic.Uint64
	unknown     atomic.Uint64
	malformed   atomic.Uint64
	rateLimited atomic.Uint64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	closed      atomic.Uint64
	anomalies   atomic.Uint64
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Datagrams   uint64 `json:"datagrams"`
	Bytes       uint64 `json:"bytes"`
	Unknown     uint64 `json:"unknown_source"`
	Malformed   uint64 `json:"malformed"`
	RateLimited uint64 `json:"rate_limited"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Closed      uint64 `json:"closed"`
	Anomalies   uint64 `json:"anomalies"`
}

// Protocol owns the connection table and runs the single dispatcher
// goroutine that every connection, callback and broadcast executes on.
type Protocol struct {
	cfg       Settings
	transport Transport
	handler   Handler
	assets    AssetSource
	positions PositionSource
	bus       *events.EventBus
	strictIDs bool

	asset     []byte
	conns     map[netip.AddrPort]*Connection
	perIP     map[netip.Addr]int
	connIDs   *IDPool
	playerIDs *IDPool

	inbound  chan datagram
	commands chan func()
	done     chan struct{}
	running  atomic.Bool

	limiter   *ipLimiter
	lastSweep time.Time

	stats       counters
	connCount   atomic.Int32
	playerCount atomic.Int32

	now    func() time.Time
	logger zerolog.Logger
}

// NewProtocol builds a dispatcher around transport. Nothing runs until Run.
func NewProtocol(transport Transport, settings Settings, handler Handler, opts ...Option) (*Protocol, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	p := &Protocol{
		cfg:       settings,
		transport: transport,
		handler:   handler,
		conns:     make(map[netip.AddrPort]*Connection),
		perIP:     make(map[netip.Addr]int),
		inbound:   make(chan datagram, inboundQueueSize),
		commands:  make(chan func()),
		done:      make(chan struct{}),
		limiter:   newIPLimiter(settings.Server.DatagramsPerSec),
		now:       time.Now,
		logger:    log.With().Str("component", "protocol").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.connIDs = NewIDPool("connection", settings.Server.MaxConnections, p.strictIDs)
	p.playerIDs = NewIDPool("player", settings.Server.MaxPlayers, p.strictIDs)

	if p.assets != nil {
		p.asset = p.assets.AssetBytes()
	}
	return p, nil
}

// ListenUDP opens the game socket with SO_REUSEADDR.
func ListenUDP(ctx context.Context, bind string, port int) (*net.UDPConn, error) {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(bind, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}

// Run reads datagrams and dispatches them until ctx is cancelled or the
// socket fails. Every connection is disconnected with ReasonShutdown on
// the way out and the transport is closed. A read failure that was not
// caused by cancellation is returned.
func (p *Protocol) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer close(p.done)

	readErr := make(chan error, 1)
	go p.readLoop(ctx, readErr)

	ticker := time.NewTicker(p.cfg.Server.TickInterval())
	defer ticker.Stop()

	p.logger.Info().
		Int("max_connections", p.cfg.Server.MaxConnections).
		Int("max_players", p.cfg.Server.MaxPlayers).
		Int("asset_bytes", len(p.asset)).
		Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			p.transport.Close()
			p.logger.Info().Msg("dispatcher stopped")
			return nil

		case err := <-readErr:
			p.logger.Error().Err(err).Msg("socket read failed")
			p.shutdown()
			p.transport.Close()
			return fmt.Errorf("udp read: %w", err)

		case dg := <-p.inbound:
			p.dispatch(dg.addr, dg.data, p.now())

		case <-ticker.C:
			p.tick(p.now())

		case cmd := <-p.commands:
			cmd()
		}
	}
}

func (p *Protocol) readLoop(ctx context.Context, readErr chan<- error) {
	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		n, addr, err := p.transport.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() == nil {
				readErr <- err
			}
			return
		}
		if n == 0 {
			continue
		}
		if !p.limiter.allow(addr.Addr().Unmap(), time.Now()) {
			p.stats.rateLimited.Add(1)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case p.inbound <- datagram{addr: addr, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes one datagram. It is the only entry point for inbound data.
func (p *Protocol) dispatch(addr netip.AddrPort, data []byte, now time.Time) {
	p.stats.datagrams.Add(1)
	p.stats.bytes.Add(uint64(len(data)))

	c := p.conns[addr]
	if c != nil {
		c.packetsIn++
		c.bytesIn += uint64(len(data))
	}

	env, err := protocol.DecodeEnvelope(data)
	var msg protocol.Message
	if err == nil {
		msg, err = protocol.DecodeClientMessage(env.Payload)
	}
	if err != nil {
		p.stats.malformed.Add(1)
		if c == nil {
			p.stats.unknown.Add(1)
			p.logger.Trace().Str("addr", addr.String()).Err(err).Msg("malformed datagram from unknown address")
			return
		}
		c.penalize(fmt.Errorf("%w: %w", errMalformed, err), now)
		return
	}

	if req, ok := msg.(protocol.HandshakeRequest); ok {
		p.handleHandshake(addr, c, req, now)
		return
	}

	if c == nil {
		p.stats.unknown.Add(1)
		p.logger.Trace().Str("addr", addr.String()).Uint8("kind", msg.Kind()).Msg("datagram from unknown address dropped")
		return
	}

	if err := c.handle(env, msg, now); err != nil {
		if errors.Is(err, errMalformed) {
			p.stats.malformed.Add(1)
		}
		c.penalize(err, now)
		return
	}
	c.lastRecv = now
}

func (p *Protocol) handleHandshake(addr netip.AddrPort, existing *Connection, req protocol.HandshakeRequest, now time.Time) {
	if existing != nil {
		switch existing.phase {
		case PhaseAssetTransfer, PhaseJoining:
			existing.logger.Debug().Msg("handshake repeated, resending ack")
			existing.lastRecv = now
			existing.transmit(protocol.BuildHandshakeAck(uint16(existing.connID), existing.nonce), Sequenced)
			return
		case PhaseActive:
			existing.logger.Info().Msg("client restarted")
			existing.Disconnect(ReasonReconnected)
		}
	}

	if reason := p.admit(addr, req); reason != "" {
		p.reject(addr, reason)
		return
	}

	id, ok := p.connIDs.Allocate()
	if !ok {
		p.reject(addr, "connection ids exhausted")
		return
	}

	c := newConnection(p, addr, newNonce(), now)
	c.connID = id
	c.refreshLogger()
	p.conns[addr] = c
	p.perIP[addr.Addr().Unmap()]++
	p.updateCounts()
	p.stats.accepted.Add(1)

	c.logger.Info().Msg("connection accepted")
	if c.transmit(protocol.BuildHandshakeAck(uint16(id), c.nonce), Sequenced) != nil {
		return
	}
	p.emitConnection(c, events.EventConnectionAccepted, "")
	c.startTransfer(p.asset, now)
}

// admit runs every handshake check that must pass before anything is
// allocated. It returns the rejection reason or "".
func (p *Protocol) admit(addr netip.AddrPort, req protocol.HandshakeRequest) string {
	srv := p.cfg.Server
	if req.Version != srv.ProtocolVersion {
		return fmt.Sprintf("protocol version %d, want %d", req.Version, srv.ProtocolVersion)
	}
	if len(p.conns) >= srv.MaxConnections {
		return "server full"
	}
	if p.perIP[addr.Addr().Unmap()] >= srv.MaxConnectionsPerIP {
		return "too many connections from address"
	}
	if filter, ok := p.handler.(HandshakeFilter); ok && !filter.OnHandshake(addr) {
		return "refused by handshake filter"
	}
	return ""
}

func (p *Protocol) reject(addr netip.AddrPort, reason string) {
	p.stats.rejected.Add(1)
	p.logger.Info().Str("addr", addr.String()).Str("reason", reason).Msg("handshake rejected")

	env := protocol.Plain(protocol.BuildHandshakeReject())
	if _, err := p.transport.WriteToUDPAddrPort(env.Encode(), addr); err != nil {
		p.logger.Debug().Err(err).Str("addr", addr.String()).Msg("failed to send reject")
	}
	p.emit(events.EventConnectionRejected, events.RejectPayload{
		Address: addr.String(),
		Reason:  reason,
	})
}

// join allocates a player id, consults the handler and promotes the
// connection to Active. Messages the handler sends while deciding are
// held until JoinAccept is written.
func (p *Protocol) join(c *Connection, payload []byte) {
	id, ok := p.playerIDs.Allocate()
	if !ok {
		c.logger.Info().Msg("no free player slot")
		c.Disconnect(ReasonServerFull)
		return
	}
	c.playerID = id
	c.refreshLogger()

	c.holding = true
	err := p.handler.OnJoin(c, payload)
	c.holding = false
	if c.phase == PhaseDisconnected {
		return
	}
	if err != nil {
		c.logger.Info().Err(err).Msg("join rejected")
		c.Disconnect(ReasonJoinRejected)
		return
	}

	c.phase = PhaseActive
	c.joinedAt = p.now()
	p.updateCounts()
	if c.transmit(protocol.BuildJoinAccept(uint16(id)), Sequenced) != nil {
		return
	}
	if c.flushQueue() != nil {
		return
	}

	c.logger.Info().Msg("player joined")
	p.emitConnection(c, events.EventPlayerJoined, "")
}

// release removes c from the table and returns its ids.
func (p *Protocol) release(c *Connection) {
	if p.conns[c.addr] == c {
		delete(p.conns, c.addr)
		ip := c.addr.Addr().Unmap()
		if p.perIP[ip] <= 1 {
			delete(p.perIP, ip)
		} else {
			p.perIP[ip]--
		}
	}
	if c.connID >= 0 {
		p.connIDs.Release(c.connID)
	}
	if c.playerID >= 0 {
		p.playerIDs.Release(c.playerID)
	}
	p.stats.closed.Add(1)
	p.updateCounts()
}

func (p *Protocol) tick(now time.Time) {
	for _, c := range p.conns {
		c.tick(now)
	}
	if now.Sub(p.lastSweep) >= limiterSweepEvery {
		p.lastSweep = now
		p.limiter.sweep(now, limiterSweepEvery)
	}
}

func (p *Protocol) shutdown() {
	n := len(p.conns)
	for _, c := range p.conns {
		c.Disconnect(ReasonShutdown)
	}
	p.logger.Info().Int("connections", n).Msg("all connections closed")
	p.emit(events.EventShutdown, nil)
}

func (p *Protocol) reportSpeedhack(c *Connection, rate float64) {
	p.stats.anomalies.Add(1)
	if ah, ok := p.handler.(AnomalyHandler); ok {
		ah.OnSpeedhack(c, rate)
	}
	p.emit(events.EventSpeedhackSuspected, events.SpeedhackPayload{
		Address:      c.addr.String(),
		ConnectionID: c.connID,
		PlayerID:     c.playerID,
		Rate:         rate,
		Threshold:    c.guard.Limit(),
	})
}

func (p *Protocol) updateCounts() {
	players := 0
	for _, c := range p.conns {
		if c.phase == PhaseActive {
			players++
		}
	}
	p.connCount.Store(int32(len(p.conns)))
	p.playerCount.Store(int32(players))
}

func (p *Protocol) emit(t events.EventType, payload interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "protocol",
		Payload: payload,
	})
}

func (p *Protocol) emitConnection(c *Connection, t events.EventType, reason string) {
	p.emit(t, events.ConnectionPayload{
		Address:      c.addr.String(),
		ConnectionID: c.connID,
		PlayerID:     c.playerID,
		Reason:       reason,
		Duration:     p.now().Sub(c.createdAt),
	})
}

func (p *Protocol) emitClosed(c *Connection, reason DisconnectReason) {
	p.emitConnection(c, events.EventConnectionClosed, reason.String())
}

// ---- Cross-goroutine access ----

// Do runs fn on the dispatcher goroutine and waits for it to finish. ctx
// only bounds the wait for the dispatcher to take the command; once taken,
// Do always waits for fn to return.
func (p *Protocol) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}

	select {
	case p.commands <- cmd:
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	return nil
}

// Kick disconnects the connection with the given id. It reports whether
// such a connection existed.
func (p *Protocol) Kick(ctx context.Context, connID int) (bool, error) {
	found := false
	err := p.Do(ctx, func() {
		for _, c := range p.conns {
			if c.connID == connID {
				c.logger.Info().Msg("kicked by operator")
				c.Disconnect(ReasonKicked)
				found = true
				return
			}
		}
	})
	return found, err
}

// Snapshot returns a copy of every connection in the table.
func (p *Protocol) Snapshot(ctx context.Context) ([]ConnectionInfo, error) {
	var out []ConnectionInfo
	err := p.Do(ctx, func() {
		out = p.snapshot()
	})
	return out, err
}

func (p *Protocol) snapshot() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.info())
	}
	sortByConnectionID(out)
	return out
}

// Counts returns the connection and player counts. Safe from any goroutine.
func (p *Protocol) Counts() (connections, players int) {
	return int(p.connCount.Load()), int(p.playerCount.Load())
}

// Stats returns the cumulative counters. Safe from any goroutine.
func (p *Protocol) Stats() Stats {
	return Stats{
		Datagrams:   p.stats.datagrams.Load(),
		Bytes:       p.stats.bytes.Load(),
		Unknown:     p.stats.unknown.Load(),
		Malformed:   p.stats.malformed.Load(),
		RateLimited: p.stats.rateLimited.Load(),
		Accepted:    p.stats.accepted.Load(),
		Rejected:    p.stats.rejected.Load(),
		Closed:      p.stats.closed.Load(),
		Anomalies:   p.stats.anomalies.Load(),
	}
}

// Settings returns the active connection layer settings.
func (p *Protocol) Settings() Settings { return p.cfg }

func newNonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}
