// Package health runs periodic checks against the running subsystems and
// keeps the latest result of each for the API and console.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockfort/blockfort/internal/util"
)

// DefaultCheckTimeout bounds a single check run.
const DefaultCheckTimeout = 10 * time.Second

// CheckFunc returns nil when the subsystem is healthy.
type CheckFunc func(ctx context.Context) error

// Result is the outcome of the latest run of one check.
type Result struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Duration  string    `json:"duration"`
}

type check struct {
	name string
	fn   CheckFunc
}

// Manager runs registered checks on a fixed interval.
type Manager struct {
	interval time.Duration
	timeout  time.Duration

	mu      sync.RWMutex
	checks  []check
	results map[string]Result

	logger zerolog.Logger
}

// NewManager creates a manager. An interval of zero or less disables the
// periodic loop; RunOnce still works.
func NewManager(interval time.Duration) *Manager {
	return &Manager{
		interval: interval,
		timeout:  DefaultCheckTimeout,
		results:  make(map[string]Result),
		logger:   util.ComponentLogger("health"),
	}
}

// Register adds a check. Checks run in registration order.
func (m *Manager) Register(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, fn: fn})
}

// Start runs every check immediately and then on each tick until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		m.logger.Info().Msg("periodic health checks disabled")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Int("checks", len(m.snapshotChecks())).Msg("health check manager started")
	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check once and returns the results.
func (m *Manager) RunOnce(ctx context.Context) []Result {
	checks := m.snapshotChecks()
	out := make([]Result, 0, len(checks))
	for _, c := range checks {
		if ctx.Err() != nil {
			break
		}
		out = append(out, m.run(ctx, c))
	}
	return out
}

func (m *Manager) run(ctx context.Context, c check) Result {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.fn(cctx)
	res := Result{
		Name:      c.name,
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		res.Error = err.Error()
	}

	m.mu.Lock()
	prev, seen := m.results[c.name]
	m.results[c.name] = res
	m.mu.Unlock()

	switch {
	case !res.Healthy && (!seen || prev.Healthy):
		m.logger.Warn().Str("check", c.name).Err(err).Msg("health check failing")
	case res.Healthy && seen && !prev.Healthy:
		m.logger.Info().Str("check", c.name).Msg("health check recovered")
	default:
		m.logger.Trace().Str("check", c.name).Bool("healthy", res.Healthy).Msg("health check completed")
	}
	return res
}

// Report returns the latest result of every check that has run, in
// registration order.
func (m *Manager) Report() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Result, 0, len(m.results))
	for _, c := range m.checks {
		if r, ok := m.results[c.name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Healthy reports whether every check passed on its latest run.
func (m *Manager) Healthy() bool {
	for _, r := range m.Report() {
		if !r.Healthy {
			return false
		}
	}
	return true
}

func (m *Manager) snapshotChecks() []check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]check(nil), m.checks...)
}
