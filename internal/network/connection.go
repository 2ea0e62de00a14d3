// Package network implements the blockfort connection layer: the UDP
// dispatcher, the per-client connection state machine, map streaming,
// broadcast and the server-info responder.
package network

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockfort/blockfort/internal/events"
	"github.com/blockfort/blockfort/internal/protocol"
	"github.com/blockfort/blockfort/internal/util"
)

// Phase is a connection lifecycle stage.
type Phase int

const (
	PhaseHandshaking Phase = iota
	PhaseAssetTransfer
	PhaseJoining
	PhaseActive
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "handshaking"
	case PhaseAssetTransfer:
		return "asset_transfer"
	case PhaseJoining:
		return "joining"
	case PhaseActive:
		return "active"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Delivery selects the envelope kind used for an outbound message.
type Delivery int

const (
	Unsequenced Delivery = iota
	Sequenced
)

// DisconnectReason says why a connection ended.
type DisconnectReason int

const (
	ReasonClientQuit DisconnectReason = iota
	ReasonTimeout
	ReasonJoinTimeout
	ReasonMalformed
	ReasonProtocolViolation
	ReasonTransferFailed
	ReasonJoinRejected
	ReasonServerFull
	ReasonKicked
	ReasonReconnected
	ReasonTransportError
	ReasonShutdown
)

var reasonNames = [...]string{
	ReasonClientQuit:        "client_quit",
	ReasonTimeout:           "timeout",
	ReasonJoinTimeout:       "join_timeout",
	ReasonMalformed:         "malformed",
	ReasonProtocolViolation: "protocol_violation",
	ReasonTransferFailed:    "transfer_failed",
	ReasonJoinRejected:      "join_rejected",
	ReasonServerFull:        "server_full",
	ReasonKicked:            "kicked",
	ReasonReconnected:       "reconnected",
	ReasonTransportError:    "transport_error",
	ReasonShutdown:          "shutdown",
}

func (r DisconnectReason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// notifiesClient reports whether a best-effort Disconnect is sent.
func (r DisconnectReason) notifiesClient() bool {
	return r != ReasonTransportError && r != ReasonClientQuit
}

var (
	errMalformed = errors.New("malformed datagram")
	errViolation = errors.New("protocol violation")

	// ErrConnectionClosed is returned by Send on a disconnected connection.
	ErrConnectionClosed = errors.New("connection is closed")
)

type outbound struct {
	payload  []byte
	delivery Delivery
}

// burstCounter counts events inside a sliding time window.
type burstCounter struct {
	hits []time.Time
}

func (b *burstCounter) hit(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	b.hits = append(b.hits[i:], now)
	return len(b.hits)
}

// Connection is one client endpoint. All fields are owned by the
// dispatcher goroutine; collaborator callbacks run there too and may use
// the exported methods directly.
type Connection struct {
	proto  *Protocol
	addr   netip.AddrPort
	phase  Phase
	reason DisconnectReason

	connID   int
	playerID int
	nonce    uint32

	seq         uint16
	assetsReady bool
	holding     bool
	queue       []outbound

	transfer *ChunkTransfer
	guard    *TimingGuard

	haveInSeq bool
	lastInSeq uint16

	malformed  burstCounter
	violations burstCounter

	createdAt time.Time
	lastRecv  time.Time
	lastPing  time.Time
	joinedAt  time.Time
	latency   time.Duration

	packetsIn  uint64
	packetsOut uint64
	bytesIn    uint64
	bytesOut   uint64

	logger zerolog.Logger

	// Data is free for the game collaborator.
	Data any
}

func newConnection(p *Protocol, addr netip.AddrPort, nonce uint32, now time.Time) *Connection {
	c := &Connection{
		proto:     p,
		addr:      addr,
		phase:     PhaseHandshaking,
		connID:    -1,
		playerID:  -1,
		nonce:     nonce,
		createdAt: now,
		lastRecv:  now,
		lastPing:  now,
	}
	if p.cfg.Guard.Enabled {
		c.guard = NewTimingGuard(p.cfg.Guard)
	}
	c.refreshLogger()
	return c
}

func (c *Connection) refreshLogger() {
	c.logger = util.PeerLogger(c.proto.logger, c.addr, c.connID, c.playerID)
}

// Address returns the client endpoint.
func (c *Connection) Address() netip.AddrPort { return c.addr }

// ConnectionID returns the connection id, -1 before the handshake completes.
func (c *Connection) ConnectionID() int { return c.connID }

// PlayerID returns the player id, -1 until the join is accepted.
func (c *Connection) PlayerID() int { return c.playerID }

// Phase returns the current lifecycle phase.
func (c *Connection) Phase() Phase { return c.phase }

// AssetsReady reports whether the map transfer has completed.
func (c *Connection) AssetsReady() bool { return c.assetsReady }

// Latency returns the last measured round-trip time.
func (c *Connection) Latency() time.Duration { return c.latency }

// Queued returns the number of messages held until the assets are ready.
func (c *Connection) Queued() int { return len(c.queue) }

// Logger returns the connection's logger.
func (c *Connection) Logger() *zerolog.Logger { return &c.logger }

// Send delivers an application payload. Before the assets are ready the
// message is buffered and flushed, in order, right after the transfer ends.
func (c *Connection) Send(payload []byte, delivery Delivery) error {
	if c.phase == PhaseDisconnected {
		return ErrConnectionClosed
	}
	msg := protocol.BuildApplication(payload)
	if !c.assetsReady || c.holding {
		c.queue = append(c.queue, outbound{payload: msg, delivery: delivery})
		return nil
	}
	return c.transmit(msg, delivery)
}

// Disconnect ends the connection. It is idempotent.
func (c *Connection) Disconnect(reason DisconnectReason) {
	if c.phase == PhaseDisconnected {
		return
	}
	prev := c.phase
	c.phase = PhaseDisconnected
	c.reason = reason

	if reason.notifiesClient() {
		// best effort, the connection is already gone for the server
		c.write(protocol.Sequenced(protocol.BuildServerDisconnect(), c.seq))
		c.seq++
	}

	c.queue = nil
	c.transfer = nil
	c.proto.release(c)

	c.logger.Info().
		Str("reason", reason.String()).
		Str("phase", prev.String()).
		Dur("duration", c.proto.now().Sub(c.createdAt)).
		Msg("connection closed")

	if prev != PhaseHandshaking {
		c.proto.handler.OnDisconnect(c, reason)
	}
	c.proto.emitClosed(c, reason)
}

// transmit writes one message, assigning the next sequence number when
// the delivery is sequenced. A write failure disconnects.
func (c *Connection) transmit(msg []byte, delivery Delivery) error {
	if c.phase == PhaseDisconnected {
		return ErrConnectionClosed
	}
	var env protocol.Envelope
	if delivery == Sequenced {
		env = protocol.Sequenced(msg, c.seq)
		c.seq++
	} else {
		env = protocol.Plain(msg)
	}
	if err := c.write(env); err != nil {
		c.logger.Warn().Err(err).Msg("write failed")
		c.Disconnect(ReasonTransportError)
		return fmt.Errorf("write to %s: %w", c.addr, err)
	}
	return nil
}

func (c *Connection) write(env protocol.Envelope) error {
	data := env.Encode()
	if _, err := c.proto.transport.WriteToUDPAddrPort(data, c.addr); err != nil {
		return err
	}
	c.packetsOut++
	c.bytesOut += uint64(len(data))
	return nil
}

func (c *Connection) sendChunk(index int, chunk []byte) {
	c.transmit(protocol.BuildAssetChunk(uint32(index), chunk), Sequenced)
}

// startTransfer moves the connection into AssetTransfer and sends the
// asset header plus the first batch.
func (c *Connection) startTransfer(asset []byte, now time.Time) {
	c.phase = PhaseAssetTransfer
	c.transfer = NewChunkTransfer(asset, c.proto.cfg.Transfer)
	if c.transmit(protocol.BuildAssetStart(uint32(len(asset)), uint32(c.transfer.TotalChunks())), Sequenced) != nil {
		return
	}
	if c.transfer.Start(now, c.sendChunk) {
		c.completeTransfer()
	}
}

// completeTransfer signals completion, flushes buffered messages in FIFO
// order and then marks the assets ready.
func (c *Connection) completeTransfer() {
	if c.phase != PhaseAssetTransfer {
		return
	}
	if c.transmit(protocol.BuildAssetComplete(), Sequenced) != nil {
		return
	}
	flushed := len(c.queue)
	if c.flushQueue() != nil {
		return
	}
	c.assetsReady = true
	c.phase = PhaseJoining
	c.logger.Debug().Int("flushed", flushed).Msg("assets ready")

	c.proto.handler.OnAssetReady(c)
	c.proto.emitConnection(c, events.EventAssetReady, "")
}

// flushQueue writes every buffered message in the order it was queued.
func (c *Connection) flushQueue() error {
	queue := c.queue
	c.queue = nil
	for _, m := range queue {
		if err := c.transmit(m.payload, m.delivery); err != nil {
			return err
		}
	}
	return nil
}

// handle processes one decoded message from this connection's client.
// Returned errors wrap errMalformed or errViolation. A rejected message
// leaves the connection's sequence state untouched.
func (c *Connection) handle(env protocol.Envelope, msg protocol.Message, now time.Time) error {
	if nonce, ok := protocol.MessageNonce(msg); ok && nonce != c.nonce {
		return fmt.Errorf("%w: wrong nonce", errViolation)
	}

	if env.IsSequenced() {
		if c.haveInSeq {
			if env.Seq == c.lastInSeq {
				return fmt.Errorf("%w: sequence %d reused", errViolation, env.Seq)
			}
			if !protocol.SeqNewer(env.Seq, c.lastInSeq) {
				c.logger.Trace().Uint16("seq", env.Seq).Msg("stale datagram dropped")
				return nil
			}
		}
		c.haveInSeq = true
		c.lastInSeq = env.Seq
	}

	switch m := msg.(type) {
	case protocol.ChunkAck:
		if c.phase != PhaseAssetTransfer || c.transfer == nil {
			return nil
		}
		if c.transfer.Ack(int(m.Index), now, c.sendChunk) {
			c.completeTransfer()
		}

	case protocol.Join:
		switch c.phase {
		case PhaseAssetTransfer:
			return fmt.Errorf("%w: join before assets ready", errViolation)
		case PhaseJoining:
			c.proto.join(c, m.Payload)
		default:
			c.logger.Debug().Msg("duplicate join ignored")
		}

	case protocol.ClientDisconnect:
		c.Disconnect(ReasonClientQuit)

	case protocol.Pong:
		sent := c.createdAt.Add(time.Duration(m.Stamp) * time.Millisecond)
		if rtt := now.Sub(sent); rtt >= 0 {
			c.latency = rtt
		}

	case protocol.ClockReport:
		c.observeTimer(m.Timer, now)

	case protocol.ClientApplication:
		if c.phase != PhaseActive {
			c.logger.Trace().Str("phase", c.phase.String()).Msg("application payload before join dropped")
			return nil
		}
		c.proto.handler.OnApplicationPacket(c, m.Payload)

	case protocol.Unknown:
		return fmt.Errorf("%w: unknown message kind 0x%02X", errMalformed, m.Type)

	default:
		return fmt.Errorf("%w: unexpected message kind 0x%02X", errViolation, msg.Kind())
	}
	return nil
}

func (c *Connection) observeTimer(timer float64, now time.Time) {
	if c.guard == nil {
		return
	}
	rate, anomalous := c.guard.Observe(timer, now)
	if !anomalous {
		return
	}
	c.logger.Warn().
		Float64("rate", rate).
		Float64("limit", c.guard.Limit()).
		Msg("client timer running fast")
	c.proto.reportSpeedhack(c, rate)
}

// penalize counts a malformed datagram or violation and disconnects once
// the burst limit inside the window is exceeded.
func (c *Connection) penalize(err error, now time.Time) {
	srv := c.proto.cfg.Server
	window := srv.MalformedWindow()
	if errors.Is(err, errViolation) {
		n := c.violations.hit(now, window)
		c.logger.Debug().Err(err).Int("count", n).Msg("protocol violation")
		if n > srv.ViolationBurst {
			c.Disconnect(ReasonProtocolViolation)
		}
		return
	}
	n := c.malformed.hit(now, window)
	c.logger.Debug().Err(err).Int("count", n).Msg("malformed datagram")
	if n > srv.MalformedBurst {
		c.Disconnect(ReasonMalformed)
	}
}

// tick runs timeouts, transfer retransmission and keepalive.
func (c *Connection) tick(now time.Time) {
	if c.phase == PhaseDisconnected {
		return
	}
	srv := c.proto.cfg.Server

	if now.Sub(c.lastRecv) > srv.IdleTimeout() {
		c.Disconnect(ReasonTimeout)
		return
	}
	if c.phase != PhaseActive && now.Sub(c.createdAt) > srv.JoinTimeout() {
		c.Disconnect(ReasonJoinTimeout)
		return
	}

	if c.phase == PhaseAssetTransfer && c.transfer != nil {
		if err := c.transfer.Tick(now, c.sendChunk); err != nil {
			c.logger.Warn().Err(err).Int("remaining", c.transfer.Remaining()).Msg("asset transfer failed")
			c.Disconnect(ReasonTransferFailed)
			return
		}
	}

	if c.phase != PhaseDisconnected && now.Sub(c.lastPing) >= srv.PingInterval() {
		c.lastPing = now
		stamp := uint32(now.Sub(c.createdAt) / time.Millisecond)
		c.transmit(protocol.BuildPing(stamp), Unsequenced)
	}

	if c.guard != nil {
		c.guard.Prune(now)
	}
}

// ConnectionInfo is a point-in-time copy of a connection, safe to hand to
// other goroutines.
type ConnectionInfo struct {
	Address      string        `json:"address"`
	ConnectionID int           `json:"connection_id"`
	PlayerID     int           `json:"player_id"`
	Phase        string        `json:"phase"`
	AssetsReady  bool          `json:"assets_ready"`
	Queued       int           `json:"queued"`
	TransferLeft int           `json:"transfer_remaining"`
	Latency      time.Duration `json:"latency_ns"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastSeen     time.Time     `json:"last_seen"`
	PacketsIn    uint64        `json:"packets_in"`
	PacketsOut   uint64        `json:"packets_out"`
	BytesIn      uint64        `json:"bytes_in"`
	BytesOut     uint64        `json:"bytes_out"`
	TimerRate    float64       `json:"timer_rate"`
}

func (c *Connection) info() ConnectionInfo {
	ci := ConnectionInfo{
		Address:      c.addr.String(),
		ConnectionID: c.connID,
		PlayerID:     c.playerID,
		Phase:        c.phase.String(),
		AssetsReady:  c.assetsReady,
		Queued:       len(c.queue),
		Latency:      c.latency,
		ConnectedAt:  c.createdAt,
		LastSeen:     c.lastRecv,
		PacketsIn:    c.packetsIn,
		PacketsOut:   c.packetsOut,
		BytesIn:      c.bytesIn,
		BytesOut:     c.bytesOut,
	}
	if c.transfer != nil {
		ci.TransferLeft = c.transfer.Remaining()
	}
	if c.guard != nil {
		ci.TimerRate = c.guard.LastRate()
	}
	return ci
}
