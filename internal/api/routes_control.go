package api

import (
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/game"
	"github.com/blockfort/blockfort/internal/network"
)

// handleKick disconnects a connection by id.
func (s *Server) handleKick(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		return
	}

	found, err := s.game.Kick(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found", "id": id})
		return
	}

	log.Info().Int("conn_id", id).Str("client_ip", c.ClientIP()).Msg("API: connection kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "id": id})
}

type banRequest struct {
	IP     string `json:"ip" binding:"required"`
	Reason string `json:"reason"`
}

// handleBan blocks an address and kicks its connections.
func (s *Server) handleBan(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(req.IP))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip"})
		return
	}
	if req.Reason == "" {
		req.Reason = "banned by operator"
	}

	kicked, err := s.game.Ban(c.Request.Context(), ip, req.Reason)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("ip", ip.String()).Int("kicked", kicked).Msg("API: address banned")
	c.JSON(http.StatusOK, gin.H{"status": "banned", "ip": ip.String(), "kicked": kicked})
}

// handleUnban lifts a ban.
func (s *Server) handleUnban(c *gin.Context) {
	ip, err := netip.ParseAddr(c.Param("ip"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip"})
		return
	}
	if err := s.game.Unban(c.Request.Context(), ip); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, network.ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "ip": ip.String()})
}

type announceRequest struct {
	Text string `json:"text" binding:"required"`
}

// handleAnnounce sends a chat line from the server to every player.
func (s *Server) handleAnnounce(c *gin.Context) {
	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || len(text) > game.MaxChatLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text must be 1-" + strconv.Itoa(game.MaxChatLength) + " characters"})
		return
	}

	sent, err := s.game.Announce(c.Request.Context(), text)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "recipients": sent})
}
