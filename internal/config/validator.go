package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxTransferBurst is the largest window*chunk_size that keeps one batch
// inside a typical socket send buffer.
const maxTransferBurst = 64 * 1024

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateTransfer(&cfg.Transfer, result)
	validateGuard(&cfg.Guard, result)

	if cfg.Broadcast.Distance <= 0 {
		result.AddError("broadcast.distance", "broadcast distance must be positive")
	}

	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.Port == cfg.Server.Port || cfg.API.Port == cfg.Server.Port+1 {
			result.AddError("api.port", "API port collides with the game or info port")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.Database.Enabled {
		if strings.TrimSpace(cfg.Database.Path) == "" {
			result.AddError("database.path", "database path is required when enabled")
		}
		if cfg.Database.RetentionDays < 1 {
			result.AddError("database.retention_days", "retention days must be at least 1")
		}
		if _, _, ok := ParseClock(cfg.Database.PruneTime); !ok {
			result.AddWarning("database.prune_time", fmt.Sprintf("invalid prune time %q, using 04:00", cfg.Database.PruneTime))
		}
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		result.AddWarning("logging.level", fmt.Sprintf("unknown log level %q, falling back to info", cfg.Logging.Level))
	}

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	validatePort(s.Port, "server.port", result)
	if s.Port == 65535 && s.EnableInfoResponder {
		result.AddError("server.enable_info_responder", "info responder needs port+1, which does not exist")
	}

	if s.BindAddress != "" && net.ParseIP(s.BindAddress) == nil {
		result.AddError("server.bind_address", fmt.Sprintf("invalid bind address: %s", s.BindAddress))
	}

	if strings.TrimSpace(s.Name) == "" {
		result.AddWarning("server.name", "server name is empty")
	}

	if s.MaxConnections < 1 {
		result.AddError("server.max_connections", "must allow at least 1 connection")
	}
	if s.MaxPlayers < 1 {
		result.AddError("server.max_players", "must allow at least 1 player")
	}
	if s.MaxPlayers > s.MaxConnections {
		result.AddWarning("server.max_players", "max_players exceeds max_connections and can never be reached")
	}
	if s.MaxConnectionsPerIP < 1 {
		result.AddError("server.max_connections_per_ip", "must allow at least 1 connection per IP")
	}

	if s.TickRateHz < 1 || s.TickRateHz > 1000 {
		result.AddError("server.tick_rate_hz", "tick rate must be between 1 and 1000")
	}
	if s.IdleTimeoutSec < 5 {
		result.AddWarning("server.idle_timeout_sec", "idle timeout less than 5 seconds may drop slow clients")
	}
	if s.JoinTimeoutSec < 1 {
		result.AddError("server.join_timeout_sec", "join timeout must be at least 1 second")
	}
	if s.PingIntervalMs < 1 {
		result.AddError("server.ping_interval_ms", "ping interval must be positive")
	}

	if s.MalformedBurst < 1 {
		result.AddError("server.malformed_burst", "malformed burst must be at least 1")
	}
	if s.ViolationBurst < 1 {
		result.AddError("server.violation_burst", "violation burst must be at least 1")
	}
	if s.ViolationBurst > s.MalformedBurst {
		result.AddWarning("server.violation_burst", "violations are tolerated more than malformed packets")
	}
	if s.MalformedWindowMs < 1 {
		result.AddError("server.malformed_window_ms", "malformed window must be positive")
	}

	if s.StatusIntervalSec < 0 {
		result.AddError("server.status_interval_sec", "must not be negative")
	}
	if s.HealthIntervalSec < 0 {
		result.AddError("server.health_interval_sec", "must not be negative")
	}
}

func validateTransfer(t *TransferConfig, result *ValidationResult) {
	if t.ChunkSize < 64 || t.ChunkSize > 8192 {
		result.AddError("transfer.chunk_size", "chunk size must be between 64 and 8192 bytes")
	}
	if t.Window < 1 {
		result.AddError("transfer.window", "window must be at least 1")
	}
	if t.ChunkSize*t.Window > maxTransferBurst {
		result.AddWarning("transfer.window",
			fmt.Sprintf("window*chunk_size = %d bytes may overflow socket buffers", t.ChunkSize*t.Window))
	}
	if t.AckTimeoutMs < 10 {
		result.AddError("transfer.ack_timeout_ms", "ack timeout must be at least 10ms")
	}
	if t.MaxRetries < 0 {
		result.AddError("transfer.max_retries", "max retries cannot be negative")
	}
}

func validateGuard(g *GuardConfig, result *ValidationResult) {
	if !g.Enabled {
		return
	}
	if g.Window < 2 {
		result.AddError("guard.window", "window must hold at least 2 samples")
	}
	if g.NominalRate <= 0 {
		result.AddError("guard.nominal_rate", "nominal rate must be positive")
	}
	if g.Threshold <= 1 {
		result.AddWarning("guard.threshold", "threshold at or below 1x will flag honest clients")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 4, 0, false
	}
	return t.Hour(), t.Minute(), true
}
