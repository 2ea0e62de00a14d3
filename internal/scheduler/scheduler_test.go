package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/events"
)

type fakePruner struct {
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) Prune(cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, f.err
}

type fakeCounter struct{ conns, players int }

func (f fakeCounter) Counts() (int, int) { return f.conns, f.players }

func newTestScheduler(pruner Pruner, counter Counter) (*Scheduler, *events.EventBus) {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test"
	cfg.Server.MaxPlayers = 16
	cfg.Database.RetentionDays = 7
	cfg.Database.PruneTime = "04:30"

	bus := events.NewEventBus()
	s := NewScheduler(cfg, bus, pruner, counter)
	s.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	s.metrics = func() (float64, float64) { return 12.5, 40 }
	return s, bus
}

func TestPruneUsesRetention(t *testing.T) {
	p := &fakePruner{}
	s, _ := newTestScheduler(p, nil)
	s.prune()

	if len(p.cutoffs) != 1 {
		t.Fatalf("prune called %d times, want 1", len(p.cutoffs))
	}
	want := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	if !p.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
}

func TestPruneErrorIsLogged(t *testing.T) {
	p := &fakePruner{err: errors.New("disk full")}
	s, _ := newTestScheduler(p, nil)
	s.prune()
	if len(p.cutoffs) != 1 {
		t.Error("prune was not attempted")
	}
}

func TestNextPruneTime(t *testing.T) {
	s, _ := newTestScheduler(&fakePruner{}, nil)

	// noon has passed 04:30, so tomorrow
	want := time.Date(2026, 3, 11, 4, 30, 0, 0, time.UTC)
	if got := s.nextPruneTime(); !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}

	s.cfg.Database.PruneTime = "18:15"
	want = time.Date(2026, 3, 10, 18, 15, 0, 0, time.UTC)
	if got := s.nextPruneTime(); !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}

	s.cfg.Database.PruneTime = "garbage"
	want = time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC)
	if got := s.nextPruneTime(); !got.Equal(want) {
		t.Errorf("fallback next = %v, want %v", got, want)
	}
}

func TestPublishStatus(t *testing.T) {
	s, bus := newTestScheduler(nil, fakeCounter{conns: 5, players: 3})

	var mu sync.Mutex
	var got []events.StatusPayload
	bus.Subscribe(events.EventServerStatus, "test", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Payload.(events.StatusPayload))
		return nil
	})

	s.publishStatus(context.Background())
	bus.Wait()

	if len(got) != 1 {
		t.Fatalf("got %d status events, want 1", len(got))
	}
	want := events.StatusPayload{
		Name:        "test",
		Connections: 5,
		Players:     3,
		MaxPlayers:  16,
		Loading:     2,
		CPUPercent:  12.5,
		MemPercent:  40,
	}
	if got[0] != want {
		t.Errorf("status = %+v, want %+v", got[0], want)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s, _ := newTestScheduler(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
