// Package events defines the event types published on the blockfort event bus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventConnectionAccepted EventType = "connection_accepted"
	EventConnectionRejected EventType = "connection_rejected"
	EventAssetReady         EventType = "asset_ready"
	EventPlayerJoined       EventType = "player_joined"
	EventConnectionClosed   EventType = "connection_closed"

	// Anomalies
	EventSpeedhackSuspected EventType = "speedhack_suspected"

	// System
	EventServerStatus EventType = "server_status"
	EventShutdown     EventType = "shutdown"
)

// Event is a single notification on the bus.
type Event struct {
	Type      EventType
	Source    string
	Timestamp time.Time
	Payload   interface{}
}

// ConnectionPayload describes a connection at the time of the event.
type ConnectionPayload struct {
	Address      string        `json:"address"`
	ConnectionID int           `json:"connection_id"`
	PlayerID     int           `json:"player_id"`
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"duration_ns,omitempty"`
}

// RejectPayload describes a refused handshake.
type RejectPayload struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// SpeedhackPayload carries the measured client timer rate.
type SpeedhackPayload struct {
	Address      string  `json:"address"`
	ConnectionID int     `json:"connection_id"`
	PlayerID     int     `json:"player_id"`
	Rate         float64 `json:"rate"`
	Threshold    float64 `json:"threshold"`
}

// StatusPayload is a periodic server summary.
type StatusPayload struct {
	Name        string  `json:"name"`
	Connections int     `json:"connections"`
	Players     int     `json:"players"`
	MaxPlayers  int     `json:"max_players"`
	Loading     int     `json:"loading"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
}
