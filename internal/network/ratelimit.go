package network

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter caps the datagram rate of each source address. It runs on
// the reader goroutine, so a flood never reaches the dispatcher.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[netip.Addr]*limiterEntry
	limit   rate.Limit
	burst   int
}

// newIPLimiter allows perSecond datagrams per address with a one second
// burst. perSecond <= 0 disables limiting.
func newIPLimiter(perSecond int) *ipLimiter {
	return &ipLimiter{
		entries: make(map[netip.Addr]*limiterEntry),
		limit:   rate.Limit(perSecond),
		burst:   perSecond,
	}
}

func (l *ipLimiter) allow(ip netip.Addr, now time.Time) bool {
	if l.burst <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// sweep forgets addresses idle for longer than maxIdle.
func (l *ipLimiter) sweep(now time.Time, maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(l.entries, ip)
			removed++
		}
	}
	return removed
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
