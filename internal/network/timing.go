package network

import (
	"time"

	"github.com/blockfort/blockfort/internal/config"
)

type timingSample struct {
	timer float64
	at    time.Time
}

// TimingGuard compares the rate of a client-reported timer against local
// wall time over a sliding window of samples.
type TimingGuard struct {
	samples   []timingSample
	size      int
	limit     float64
	maxAge    time.Duration
	lastRate  float64
	anomalies int
}

// NewTimingGuard creates a guard from config. The anomaly limit is
// nominal rate times threshold.
func NewTimingGuard(cfg config.GuardConfig) *TimingGuard {
	size := cfg.Window
	if size < 2 {
		size = 2
	}
	return &TimingGuard{
		samples: make([]timingSample, 0, size),
		size:    size,
		limit:   cfg.NominalRate * cfg.Threshold,
		maxAge:  cfg.MaxSampleAge(),
	}
}

// Observe records one sample. Once the window is full it returns the
// measured rate and whether it exceeds the limit.
func (g *TimingGuard) Observe(timer float64, now time.Time) (float64, bool) {
	if n := len(g.samples); n > 0 && timer < g.samples[n-1].timer {
		// client timer went backwards, start over
		g.samples = g.samples[:0]
	}

	if len(g.samples) == g.size {
		copy(g.samples, g.samples[1:])
		g.samples = g.samples[:g.size-1]
	}
	g.samples = append(g.samples, timingSample{timer: timer, at: now})

	if len(g.samples) < g.size {
		return 0, false
	}

	first, last := g.samples[0], g.samples[len(g.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	rate := (last.timer - first.timer) / elapsed
	g.lastRate = rate
	if rate > g.limit {
		g.anomalies++
		return rate, true
	}
	return rate, false
}

// Prune drops samples older than the configured max age.
func (g *TimingGuard) Prune(now time.Time) {
	if g.maxAge <= 0 || len(g.samples) == 0 {
		return
	}
	cutoff := now.Add(-g.maxAge)
	i := 0
	for i < len(g.samples) && g.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.samples = append(g.samples[:0], g.samples[i:]...)
	}
}

// Samples returns the number of samples currently held.
func (g *TimingGuard) Samples() int { return len(g.samples) }

// LastRate returns the most recent measured rate.
func (g *TimingGuard) LastRate() float64 { return g.lastRate }

// Anomalies returns how many observations exceeded the limit.
func (g *TimingGuard) Anomalies() int { return g.anomalies }

// Limit returns the rate above which a sample is anomalous.
func (g *TimingGuard) Limit() float64 { return g.limit }
