package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blockfort/blockfort/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": util.AppVersion,
	})
}

// handleStatus returns the public server summary.
func (s *Server) handleStatus(c *gin.Context) {
	conns, players := s.game.Counts()
	srv := s.cfg.Server
	c.JSON(http.StatusOK, gin.H{
		"name":             srv.Name,
		"map":              srv.MapName,
		"port":             srv.Port,
		"protocol_version": srv.ProtocolVersion,
		"players":          players,
		"max_players":      srv.MaxPlayers,
		"connections":      conns,
		"loading":          conns - players,
		"uptime_sec":       int64(time.Since(s.started).Seconds()),
	})
}

// handleHealth returns the latest health check results, with 503 while any
// check is failing.
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks not running"})
		return
	}
	status := http.StatusOK
	healthy := s.health.Healthy()
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy": healthy,
		"checks":  s.health.Report(),
	})
}
