package network

import "sort"

type broadcastFilter struct {
	except  *Connection
	where   func(*Connection) bool
	near    bool
	x, y    float64
	loading bool
}

// BroadcastOption narrows the recipients of a Broadcast.
type BroadcastOption func(*broadcastFilter)

// Except skips one connection, usually the originator.
func Except(c *Connection) BroadcastOption {
	return func(f *broadcastFilter) { f.except = c }
}

// Where keeps only connections for which keep returns true.
func Where(keep func(*Connection) bool) BroadcastOption {
	return func(f *broadcastFilter) { f.where = keep }
}

// Near keeps recipients within the broadcast distance of (x, y).
// Recipients without a known position always receive.
func Near(x, y float64) BroadcastOption {
	return func(f *broadcastFilter) {
		f.near = true
		f.x, f.y = x, y
	}
}

// IncludeLoading also targets connections still loading the map. Their
// copy is buffered until the transfer completes.
func IncludeLoading() BroadcastOption {
	return func(f *broadcastFilter) { f.loading = true }
}

// WithinDistance reports whether (x2, y2) lies within dist of (x1, y1).
func WithinDistance(x1, y1, x2, y2, dist float64) bool {
	dx, dy := x1-x2, y1-y2
	return dx*dx+dy*dy <= dist*dist
}

// Broadcast sends payload to every Active connection passing the options
// and returns the recipient count. Each recipient uses its own sequence
// counter. It must run on the dispatcher goroutine.
func (p *Protocol) Broadcast(payload []byte, delivery Delivery, opts ...BroadcastOption) int {
	var f broadcastFilter
	for _, opt := range opts {
		opt(&f)
	}

	recipients := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		if p.accepts(&f, c) {
			recipients = append(recipients, c)
		}
	}

	sent := 0
	for _, c := range recipients {
		if c.Send(payload, delivery) == nil {
			sent++
		}
	}
	return sent
}

func (p *Protocol) accepts(f *broadcastFilter, c *Connection) bool {
	switch c.phase {
	case PhaseActive:
	case PhaseAssetTransfer, PhaseJoining:
		if !f.loading {
			return false
		}
	default:
		return false
	}
	if c == f.except {
		return false
	}
	if f.where != nil && !f.where(c) {
		return false
	}
	if f.near && p.positions != nil && c.playerID >= 0 {
		if x, y, ok := p.positions.EntityPosition(c.playerID); ok {
			return WithinDistance(f.x, f.y, x, y, p.cfg.Broadcast.Distance)
		}
	}
	return true
}

// Connections returns every connection in the table ordered by id. It
// must run on the dispatcher goroutine.
func (p *Protocol) Connections() []*Connection {
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].connID < out[j].connID })
	return out
}

func sortByConnectionID(infos []ConnectionInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectionID < infos[j].ConnectionID })
}
