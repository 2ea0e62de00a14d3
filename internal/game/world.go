package game

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/network"
)

// Player is a joined client.
type Player struct {
	ID       int
	Name     string
	Team     uint8
	Position Position
	Spawned  bool
	JoinedAt time.Time

	conn *network.Connection
}

// PlayerInfo is a copy of a player for other goroutines.
type PlayerInfo struct {
	ID           int     `json:"id"`
	ConnectionID int     `json:"connection_id"`
	Name         string  `json:"name"`
	Team         uint8   `json:"team"`
	X            float32 `json:"x"`
	Y            float32 `json:"y"`
	Z            float32 `json:"z"`
	Spawned      bool    `json:"spawned"`
}

// World tracks joined players and relays their traffic. Every method runs
// on the dispatcher goroutine; other goroutines reach it through
// Protocol.Do.
type World struct {
	proto   *network.Protocol
	players map[int]*Player
	bans    map[netip.Addr]string

	anomalies int
	logger    zerolog.Logger
}

// NewWorld creates an empty world. Attach must be called before Run.
func NewWorld() *World {
	return &World{
		players: make(map[int]*Player),
		bans:    make(map[netip.Addr]string),
		logger:  log.With().Str("component", "world").Logger(),
	}
}

// Attach sets the protocol used for broadcasts.
func (w *World) Attach(p *network.Protocol) {
	w.proto = p
}

// OnHandshake refuses banned addresses.
func (w *World) OnHandshake(addr netip.AddrPort) bool {
	if reason, banned := w.bans[addr.Addr().Unmap()]; banned {
		w.logger.Info().Str("addr", addr.String()).Str("reason", reason).Msg("banned address refused")
		return false
	}
	return true
}

// OnAssetReady is called once the map reached the client.
func (w *World) OnAssetReady(c *network.Connection) {
	c.Logger().Debug().Msg("map delivered, waiting for join")
}

// OnJoin validates the join request, registers the player, sends it the
// current roster and announces it to everyone else.
func (w *World) OnJoin(c *network.Connection, payload []byte) error {
	req, err := DecodeJoin(payload)
	if err != nil {
		return err
	}

	p := &Player{
		ID:       c.PlayerID(),
		Name:     w.uniqueName(req.Name),
		Team:     req.Team,
		JoinedAt: time.Now(),
		conn:     c,
	}
	w.players[p.ID] = p
	c.Data = p

	for _, other := range w.sortedPlayers() {
		if other.ID == p.ID {
			continue
		}
		c.Send(playerJoined(other.ID, other.Team, other.Name), network.Sequenced)
		if other.Spawned {
			c.Send(positionUpdate(other.ID, other.Position), network.Sequenced)
		}
	}
	w.proto.Broadcast(playerJoined(p.ID, p.Team, p.Name), network.Sequenced, network.Except(c))

	c.Logger().Info().Str("name", p.Name).Uint8("team", p.Team).Msg("player joined world")
	return nil
}

// OnApplicationPacket relays positions to nearby players, chat to
// everyone and block edits to everyone including loading clients.
func (w *World) OnApplicationPacket(c *network.Connection, payload []byte) {
	p, ok := c.Data.(*Player)
	if !ok {
		return
	}

	msg, err := DecodeClient(payload)
	if err != nil {
		c.Logger().Debug().Err(err).Msg("ignored game payload")
		return
	}

	switch msg.Kind {
	case AppPosition:
		p.Position = msg.Position
		p.Spawned = true
		w.proto.Broadcast(positionUpdate(p.ID, p.Position), network.Unsequenced,
			network.Near(float64(p.Position.X), float64(p.Position.Y)),
			network.Except(c))

	case AppChat:
		if msg.Chat == "" {
			return
		}
		c.Logger().Info().Str("name", p.Name).Str("text", msg.Chat).Msg("chat")
		w.proto.Broadcast(chatRelay(p.ID, msg.Chat), network.Sequenced)

	case AppBlock:
		if p.Team == TeamSpectator {
			return
		}
		w.proto.Broadcast(blockRelay(p.ID, msg.Block), network.Sequenced,
			network.IncludeLoading(), network.Except(c))
	}
}

// OnDisconnect forgets the player and tells the others.
func (w *World) OnDisconnect(c *network.Connection, reason network.DisconnectReason) {
	p, ok := c.Data.(*Player)
	if !ok {
		return
	}
	delete(w.players, p.ID)
	c.Data = nil
	w.proto.Broadcast(playerLeft(p.ID), network.Sequenced, network.Except(c))
	c.Logger().Info().Str("name", p.Name).Str("reason", reason.String()).Msg("player left world")
}

// OnSpeedhack records a timing anomaly.
func (w *World) OnSpeedhack(c *network.Connection, rate float64) {
	w.anomalies++
	name := ""
	if p, ok := c.Data.(*Player); ok {
		name = p.Name
	}
	c.Logger().Warn().Str("name", name).Float64("rate", rate).Msg("possible speedhack")
}

// EntityPosition implements network.PositionSource. Players that have not
// reported a position yet are unknown.
func (w *World) EntityPosition(playerID int) (float64, float64, bool) {
	p, ok := w.players[playerID]
	if !ok || !p.Spawned {
		return 0, 0, false
	}
	return float64(p.Position.X), float64(p.Position.Y), true
}

// Ban refuses future handshakes from ip and disconnects its current
// connections. It returns the number of connections kicked.
func (w *World) Ban(ip netip.Addr, reason string) int {
	ip = ip.Unmap()
	w.bans[ip] = reason
	kicked := 0
	for _, c := range w.proto.Connections() {
		if c.Address().Addr().Unmap() == ip {
			c.Disconnect(network.ReasonKicked)
			kicked++
		}
	}
	w.logger.Info().Str("ip", ip.String()).Str("reason", reason).Int("kicked", kicked).Msg("address banned")
	return kicked
}

// Unban lifts a ban.
func (w *World) Unban(ip netip.Addr) error {
	ip = ip.Unmap()
	if _, ok := w.bans[ip]; !ok {
		return fmt.Errorf("%s is not banned", ip)
	}
	delete(w.bans, ip)
	return nil
}

// Announce sends a server chat line to every player.
func (w *World) Announce(text string) int {
	return w.proto.Broadcast(chatRelay(0xFFFF, text), network.Sequenced)
}

// Players returns a copy of every joined player ordered by id.
func (w *World) Players() []PlayerInfo {
	out := make([]PlayerInfo, 0, len(w.players))
	for _, p := range w.sortedPlayers() {
		out = append(out, PlayerInfo{
			ID:           p.ID,
			ConnectionID: p.conn.ConnectionID(),
			Name:         p.Name,
			Team:         p.Team,
			X:            p.Position.X,
			Y:            p.Position.Y,
			Z:            p.Position.Z,
			Spawned:      p.Spawned,
		})
	}
	return out
}

// Anomalies returns the number of timing anomalies seen.
func (w *World) Anomalies() int { return w.anomalies }

func (w *World) sortedPlayers() []*Player {
	out := make([]*Player, 0, len(w.players))
	for _, p := range w.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *World) uniqueName(name string) string {
	taken := func(n string) bool {
		for _, p := range w.players {
			if p.Name == n {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s%d", name, i)
		if len(candidate) > MaxNameLength {
			candidate = fmt.Sprintf("%s%d", name[:MaxNameLength-len(fmt.Sprint(i))], i)
		}
		if !taken(candidate) {
			return candidate
		}
	}
}

var errNotAttached = errors.New("world is not attached to a protocol")

// Check reports whether the world is ready to serve.
func (w *World) Check() error {
	if w.proto == nil {
		return errNotAttached
	}
	return nil
}
