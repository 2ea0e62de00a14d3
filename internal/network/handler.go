package network

import "net/netip"

// Handler is the game collaborator. Every method runs on the dispatcher
// goroutine and may call Send, Broadcast and Disconnect directly.
type Handler interface {
	// OnAssetReady fires once the map transfer finished and buffered
	// messages were flushed.
	OnAssetReady(c *Connection)

	// OnJoin validates a join request. PlayerID is already assigned; a
	// non-nil error rejects the join and disconnects the client. Messages
	// sent from inside OnJoin are delivered after the join is accepted.
	OnJoin(c *Connection, payload []byte) error

	// OnApplicationPacket receives game payloads from Active connections.
	OnApplicationPacket(c *Connection, payload []byte)

	// OnDisconnect fires exactly once for every connection that got past
	// the handshake.
	OnDisconnect(c *Connection, reason DisconnectReason)
}

// HandshakeFilter optionally vetoes new connections before anything is
// allocated for them (bans, maintenance mode).
type HandshakeFilter interface {
	OnHandshake(addr netip.AddrPort) bool
}

// AnomalyHandler optionally receives timing anomalies. The core never
// disconnects for them.
type AnomalyHandler interface {
	OnSpeedhack(c *Connection, rate float64)
}

// AssetSource provides the map bytes streamed to every client.
type AssetSource interface {
	AssetBytes() []byte
}

// PositionSource looks up a player's position for distance-gated broadcast.
type PositionSource interface {
	EntityPosition(playerID int) (x, y float64, ok bool)
}
