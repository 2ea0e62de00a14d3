// Package scheduler runs the periodic background jobs: audit retention
// and server status publishing.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/events"
	"github.com/blockfort/blockfort/internal/util"
)

// Pruner deletes audit records older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time) (int64, error)
}

// Counter reports live connection and player counts.
type Counter interface {
	Counts() (connections, players int)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	audit    Pruner
	counter  Counter

	now     func() time.Time
	metrics func() (cpu, mem float64)
}

// NewScheduler creates a scheduler. audit may be nil when the database is
// disabled.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, audit Pruner, counter Counter) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		audit:    audit,
		counter:  counter,
		now:      time.Now,
		metrics:  hostMetrics,
	}
}

// Start runs every enabled job until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.audit != nil {
		go s.runPruneLoop(ctx)
	}
	if s.cfg.Server.StatusInterval() > 0 && s.counter != nil {
		go s.runStatusLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runPruneLoop(ctx context.Context) {
	// catch up on anything that expired while the server was down
	s.prune()

	for {
		nextRun := s.nextPruneTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("audit pruning scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.prune()
		}
	}
}

// prune removes audit rows older than the retention period.
func (s *Scheduler) prune() {
	days := s.cfg.Database.RetentionDays
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	removed, err := s.audit.Prune(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("audit pruning failed")
		return
	}
	log.Info().
		Int("retention_days", days).
		Int64("removed", removed).
		Msg("audit pruning completed")
}

// nextPruneTime returns the next occurrence of the configured time of day.
func (s *Scheduler) nextPruneTime() time.Time {
	hour, minute, _ := config.ParseClock(s.cfg.Database.PruneTime)

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (s *Scheduler) runStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Server.StatusInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStatus(ctx)
		}
	}
}

// publishStatus emits a server_status event.
func (s *Scheduler) publishStatus(ctx context.Context) {
	status := s.status()
	s.eventBus.Emit(ctx, events.Event{
		Type:    events.EventServerStatus,
		Source:  "scheduler",
		Payload: status,
	})
	log.Debug().
		Int("connections", status.Connections).
		Int("players", status.Players).
		Msg("status published")
}

func (s *Scheduler) status() events.StatusPayload {
	conns, players := s.counter.Counts()
	cpu, mem := s.metrics()
	return events.StatusPayload{
		Name:        s.cfg.Server.Name,
		Connections: conns,
		Players:     players,
		MaxPlayers:  s.cfg.Server.MaxPlayers,
		Loading:     conns - players,
		CPUPercent:  cpu,
		MemPercent:  mem,
	}
}

func hostMetrics() (float64, float64) {
	cpu, err := util.GetCPUUsage()
	if err != nil {
		log.Debug().Err(err).Msg("cpu usage unavailable")
	}
	var mem float64
	if m, err := util.GetMemoryUsage(); err == nil {
		mem = m.UsedPercent
	}
	return cpu, mem
}
