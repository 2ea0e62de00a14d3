package game

import (
	"context"
	"net/netip"

	"github.com/blockfort/blockfort/internal/network"
)

// Controller gives other goroutines safe access to the world and the
// connection table. Every call is marshalled onto the dispatcher.
type Controller struct {
	proto *network.Protocol
	world *World
}

// NewController wraps a running protocol and its world.
func NewController(proto *network.Protocol, world *World) *Controller {
	return &Controller{proto: proto, world: world}
}

// Counts returns live connection and player counts.
func (c *Controller) Counts() (connections, players int) {
	return c.proto.Counts()
}

// Stats returns the dispatcher counters.
func (c *Controller) Stats() network.Stats {
	return c.proto.Stats()
}

// Settings returns the connection layer settings.
func (c *Controller) Settings() network.Settings {
	return c.proto.Settings()
}

// Snapshot lists every connection.
func (c *Controller) Snapshot(ctx context.Context) ([]network.ConnectionInfo, error) {
	return c.proto.Snapshot(ctx)
}

// Kick disconnects one connection by id.
func (c *Controller) Kick(ctx context.Context, connID int) (bool, error) {
	return c.proto.Kick(ctx, connID)
}

// Players lists joined players.
func (c *Controller) Players(ctx context.Context) ([]PlayerInfo, error) {
	var out []PlayerInfo
	err := c.proto.Do(ctx, func() { out = c.world.Players() })
	return out, err
}

// Ban blocks ip and kicks its connections.
func (c *Controller) Ban(ctx context.Context, ip netip.Addr, reason string) (int, error) {
	var kicked int
	err := c.proto.Do(ctx, func() { kicked = c.world.Ban(ip, reason) })
	return kicked, err
}

// Unban lifts a ban.
func (c *Controller) Unban(ctx context.Context, ip netip.Addr) error {
	var unbanErr error
	if err := c.proto.Do(ctx, func() { unbanErr = c.world.Unban(ip) }); err != nil {
		return err
	}
	return unbanErr
}

// Announce sends a server chat line to every player.
func (c *Controller) Announce(ctx context.Context, text string) (int, error) {
	var sent int
	err := c.proto.Do(ctx, func() { sent = c.world.Announce(text) })
	return sent, err
}
