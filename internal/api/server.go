package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/db"
	"github.com/blockfort/blockfort/internal/game"
	"github.com/blockfort/blockfort/internal/health"
	intnet "github.com/blockfort/blockfort/internal/network"
)

// GameServer is the view of the running server the API needs.
type GameServer interface {
	Counts() (connections, players int)
	Stats() intnet.Stats
	Snapshot(ctx context.Context) ([]intnet.ConnectionInfo, error)
	Kick(ctx context.Context, connID int) (bool, error)
	Players(ctx context.Context) ([]game.PlayerInfo, error)
	Ban(ctx context.Context, ip netip.Addr, reason string) (int, error)
	Unban(ctx context.Context, ip netip.Addr) error
	Announce(ctx context.Context, text string) (int, error)
}

// AuditReader reads the audit trail.
type AuditReader interface {
	RecentSessions(limit int) ([]db.Session, error)
	RecentAnomalies(limit int) ([]db.Anomaly, error)
}

// HealthReporter exposes the latest health check results.
type HealthReporter interface {
	Report() []health.Result
	Healthy() bool
}

// Server is the operator REST API.
type Server struct {
	cfg     *config.Config
	game    GameServer
	audit   AuditReader
	health  HealthReporter
	limiter *RateLimiter
	started time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server. audit may be nil when the database is
// disabled.
func NewServer(cfg *config.Config, gs GameServer, audit AuditReader) *Server {
	if cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		game:    gs,
		audit:   audit,
		limiter: NewRateLimiter(cfg.API.RateLimitRPS),
		started: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// SetHealth attaches the health check results served at /api/public/health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.BindAddress, fmt.Sprint(s.cfg.API.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	go s.sweepLimiter(ctx)

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.limiter.Sweep(now, 5*time.Minute)
		}
	}
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(s.limiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
		public.GET("/health", s.handleHealth)
	}

	monitor := router.Group("/api")
	{
		monitor.GET("/connections", s.handleConnections)
		monitor.GET("/players", s.handlePlayers)
		monitor.GET("/stats", s.handleStats)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/anomalies", s.handleAnomalies)
		monitor.GET("/system", s.handleSystem)
		monitor.GET("/config", s.handleGetConfig)
	}

	control := router.Group("/api")
	{
		control.POST("/connections/:id/kick", s.handleKick)
		control.POST("/bans", s.handleBan)
		control.DELETE("/bans/:ip", s.handleUnban)
		control.POST("/announce", s.handleAnnounce)
		control.POST("/config/server", s.handleSetServerField)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
