package network

import (
	"testing"
	"time"

	"github.com/blockfort/blockfort/internal/config"
)

func guardConfig() config.GuardConfig {
	return config.GuardConfig{
		Enabled:         true,
		Window:          10,
		NominalRate:     1,
		Threshold:       3,
		MaxSampleAgeSec: 10,
	}
}

// feed reports a timer advancing at speed times real time, one sample
// every 100ms, and returns how many samples were flagged.
func feed(g *TimingGuard, start time.Time, speed float64, samples int) int {
	flagged := 0
	for i := 0; i < samples; i++ {
		local := start.Add(time.Duration(i) * 100 * time.Millisecond)
		timer := float64(i) * 0.1 * speed
		if _, bad := g.Observe(timer, local); bad {
			flagged++
		}
	}
	return flagged
}

func TestTimingGuardFlagsFastClock(t *testing.T) {
	g := NewTimingGuard(guardConfig())
	if flagged := feed(g, time.Unix(0, 0), 5, 20); flagged == 0 {
		t.Fatalf("5x clock never flagged")
	}
	if rate := g.LastRate(); rate < 4.9 || rate > 5.1 {
		t.Fatalf("rate = %v, want about 5", rate)
	}
}

func TestTimingGuardAcceptsNominalClock(t *testing.T) {
	g := NewTimingGuard(guardConfig())
	if flagged := feed(g, time.Unix(0, 0), 1, 200); flagged != 0 {
		t.Fatalf("1x clock flagged %d times", flagged)
	}
}

func TestTimingGuardWaitsForFullWindow(t *testing.T) {
	g := NewTimingGuard(guardConfig())
	if flagged := feed(g, time.Unix(0, 0), 50, 9); flagged != 0 {
		t.Fatalf("flagged before the window filled")
	}
}

func TestTimingGuardResetsOnTimerRewind(t *testing.T) {
	g := NewTimingGuard(guardConfig())
	now := time.Unix(0, 0)
	feed(g, now, 1, 10)

	g.Observe(0, now.Add(2*time.Second))
	if g.Samples() != 1 {
		t.Fatalf("samples = %d after rewind, want 1", g.Samples())
	}
}

func TestTimingGuardPrunesOldSamples(t *testing.T) {
	g := NewTimingGuard(guardConfig())
	start := time.Unix(0, 0)
	feed(g, start, 1, 5)

	g.Prune(start.Add(time.Minute))
	if g.Samples() != 0 {
		t.Fatalf("samples = %d after prune, want 0", g.Samples())
	}
}
