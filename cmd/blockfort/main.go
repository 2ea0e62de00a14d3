// Blockfort - UDP game server core for voxel shooters.
//
// Blockfort accepts clients over a datagram transport, streams the map to
// them in acknowledged chunks, admits them as players and relays their
// traffic. Around the dispatcher it runs an operator REST API, an
// interactive console, a sqlite audit trail and optional MQTT telemetry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/api"
	"github.com/blockfort/blockfort/internal/cli"
	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/db"
	"github.com/blockfort/blockfort/internal/events"
	"github.com/blockfort/blockfort/internal/game"
	"github.com/blockfort/blockfort/internal/health"
	"github.com/blockfort/blockfort/internal/network"
	"github.com/blockfort/blockfort/internal/scheduler"
	"github.com/blockfort/blockfort/internal/telemetry"
	"github.com/blockfort/blockfort/internal/util"
)

const Banner = `
  _     _            _     __           _
 | |__ | | ___   ___| | __/ _| ___  _ __| |_
 | '_ \| |/ _ \ / __| |/ / |_ / _ \| '__| __|
 | |_) | | (_) | (__|   <|  _| (_) | |  | |_
 |_.__/|_|\___/ \___|_|\_\_|  \___/|_|   \__|
                                        v%s
`

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "Configuration directory")
	noCLI := flag.Bool("no-cli", false, "Disable the interactive console")
	debug := flag.Bool("debug", false, "Force debug logging")
	flag.Parse()

	fmt.Printf(Banner, util.AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting blockfort")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
		AppName:    util.AppName,
	}
	if *debug {
		logCfg.Level = "debug"
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(_ context.Context, e events.Event) error {
		if e.Source != "main" {
			log.Info().Str("source", e.Source).Msg("shutdown requested")
			cancel()
		}
		return nil
	})

	srv := cfg.GetServer()
	asset, err := game.LoadMap(srv.MapFile, srv.MapName, cfg.Transfer.Compress)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load map")
	}

	var audit *db.AuditStore
	if cfg.Database.Enabled {
		audit, err = db.NewAuditStore(cfg.Database.Path)
		if err != nil {
			log.Error().Err(err).Msg("failed to open audit database, audit trail disabled")
		} else {
			audit.Subscribe(eventBus)
			defer audit.Close()
		}
	}

	sock, err := network.ListenUDP(ctx, srv.BindAddress, srv.Port)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open game socket")
	}

	world := game.NewWorld()
	proto, err := network.NewProtocol(sock, network.SettingsFrom(cfg), world,
		network.WithAssets(asset),
		network.WithPositions(world),
		network.WithEvents(eventBus),
		network.WithStrictIDs(util.LevelIsDebug()),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create dispatcher")
	}
	world.Attach(proto)
	ctrl := game.NewController(proto, world)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, srv.Name, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var pruner scheduler.Pruner
	var auditReader api.AuditReader
	if audit != nil {
		pruner = audit
		auditReader = audit
	}
	sched := scheduler.NewScheduler(cfg, eventBus, pruner, proto)

	healthMgr := health.NewManager(srv.HealthInterval())
	healthMgr.Register("dispatcher", health.DispatcherCheck(proto))
	healthMgr.Register("world", health.CollaboratorCheck(proto, world))
	diskPath := cfg.Logging.Directory
	if audit != nil {
		diskPath = filepath.Dir(cfg.Database.Path)
	}
	healthMgr.Register("disk", health.DiskCheck(diskPath, 95))

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Task 1: dispatcher
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", srv.Port).Msg("starting game dispatcher")
		if err := proto.Run(ctx); err != nil {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	// Task 2: server browser responder
	if srv.EnableInfoResponder {
		responder := network.NewInfoResponder(srv, proto)
		healthMgr.Register("info_responder", health.ResponderCheck(responder))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "info responder", responder.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("info responder failed (non-fatal)")
			}
		}()
	}

	// Task 3: REST API
	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, ctrl, auditReader)
		apiServer.SetHealth(healthMgr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	// Task 4: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 5: scheduler
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// Task 6: health checks
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	// Task 7: console. Not waited on: it may be blocked reading stdin.
	if !*noCLI {
		console := cli.NewCLI(cfg, eventBus, ctrl, os.Stdin, os.Stdout)
		console.SetHealth(healthMgr)
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		eventBus.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}
}

// startWithRetry retries startFn while the port is still held by a
// previous process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
