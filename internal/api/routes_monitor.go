package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/blockfort/blockfort/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleConnections lists every connection in the table.
func (s *Server) handleConnections(c *gin.Context) {
	conns, err := s.game.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
	})
}

// handlePlayers lists joined players.
func (s *Server) handlePlayers(c *gin.Context) {
	players, err := s.game.Players(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"players": players,
		"total":   len(players),
	})
}

// handleStats returns the dispatcher counters.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.game.Stats())
}

// handleSessions returns recent finished sessions.
func (s *Server) handleSessions(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit database disabled"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	sessions, err := s.audit.RecentSessions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// handleAnomalies returns recent timing anomalies.
func (s *Server) handleAnomalies(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit database disabled"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	anomalies, err := s.audit.RecentAnomalies(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies, "total": len(anomalies)})
}

// handleSystem returns host CPU and memory usage.
func (s *Server) handleSystem(c *gin.Context) {
	cpu, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"host":        util.GetSystemInfo(),
		"cpu_percent": cpu,
		"memory":      mem,
	})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
