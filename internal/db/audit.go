package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/events"
)

// AuditStore records finished sessions and timing anomalies.
type AuditStore struct {
	db *Database
}

// Session is one connection from handshake to disconnect.
type Session struct {
	ID           int64     `json:"id"`
	Address      string    `json:"address"`
	ConnectionID int       `json:"connection_id"`
	PlayerID     int       `json:"player_id"`
	Reason       string    `json:"reason"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Anomaly is one suspected speedhack report.
type Anomaly struct {
	ID           int64     `json:"id"`
	Address      string    `json:"address"`
	ConnectionID int       `json:"connection_id"`
	PlayerID     int       `json:"player_id"`
	Rate         float64   `json:"rate"`
	Threshold    float64   `json:"threshold"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewAuditStore opens the database at dbPath and migrates the schema.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &AuditStore{db: database}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

func (s *AuditStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			connection_id INTEGER NOT NULL,
			player_id INTEGER NOT NULL DEFAULT -1,
			reason TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			connection_id INTEGER NOT NULL,
			player_id INTEGER NOT NULL DEFAULT -1,
			rate REAL NOT NULL,
			threshold REAL NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_address ON sessions(address);
		CREATE INDEX IF NOT EXISTS idx_anomalies_created_at ON anomalies(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("audit schema migrated")
	return nil
}

// RecordSession stores a finished session.
func (s *AuditStore) RecordSession(sess Session) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO sessions (address, connection_id, player_id, reason, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.Address, sess.ConnectionID, sess.PlayerID, sess.Reason,
		sess.StartedAt.UnixMilli(), sess.EndedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to record session: %w", err)
	}
	return res.LastInsertId()
}

// RecordAnomaly stores a speedhack report.
func (s *AuditStore) RecordAnomaly(a Anomaly) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO anomalies (address, connection_id, player_id, rate, threshold, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.Address, a.ConnectionID, a.PlayerID, a.Rate, a.Threshold, a.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to record anomaly: %w", err)
	}
	return res.LastInsertId()
}

// RecentSessions returns up to limit sessions, newest first.
func (s *AuditStore) RecentSessions(limit int) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, address, connection_id, player_id, reason, started_at, ended_at
		FROM sessions
		ORDER BY ended_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		var started, ended int64
		if err := rows.Scan(&sess.ID, &sess.Address, &sess.ConnectionID, &sess.PlayerID,
			&sess.Reason, &started, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.StartedAt = time.UnixMilli(started)
		sess.EndedAt = time.UnixMilli(ended)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RecentAnomalies returns up to limit anomalies, newest first.
func (s *AuditStore) RecentAnomalies(limit int) ([]Anomaly, error) {
	rows, err := s.db.Query(`
		SELECT id, address, connection_id, player_id, rate, threshold, created_at
		FROM anomalies
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	anomalies := []Anomaly{}
	for rows.Next() {
		var a Anomaly
		var created int64
		if err := rows.Scan(&a.ID, &a.Address, &a.ConnectionID, &a.PlayerID,
			&a.Rate, &a.Threshold, &created); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.CreatedAt = time.UnixMilli(created)
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// AnomalyCount returns the number of anomalies recorded for address.
func (s *AuditStore) AnomalyCount(address string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM anomalies WHERE address = ?", address).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count anomalies: %w", err)
	}
	return n, nil
}

// Prune deletes rows older than cutoff and returns how many were removed.
func (s *AuditStore) Prune(cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	res, err := s.db.Exec("DELETE FROM sessions WHERE ended_at < ?", ms)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	sessions, _ := res.RowsAffected()

	res, err = s.db.Exec("DELETE FROM anomalies WHERE created_at < ?", ms)
	if err != nil {
		return sessions, fmt.Errorf("failed to prune anomalies: %w", err)
	}
	anomalies, _ := res.RowsAffected()

	if total := sessions + anomalies; total > 0 {
		log.Info().
			Int64("sessions", sessions).
			Int64("anomalies", anomalies).
			Time("cutoff", cutoff).
			Msg("pruned audit records")
	}
	return sessions + anomalies, nil
}

// Subscribe records connection_closed and speedhack_suspected events.
func (s *AuditStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventConnectionClosed, "audit-session", s.onConnectionClosed)
	bus.Subscribe(events.EventSpeedhackSuspected, "audit-anomaly", s.onSpeedhack)
}

func (s *AuditStore) onConnectionClosed(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ConnectionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	_, err := s.RecordSession(Session{
		Address:      p.Address,
		ConnectionID: p.ConnectionID,
		PlayerID:     p.PlayerID,
		Reason:       p.Reason,
		StartedAt:    event.Timestamp.Add(-p.Duration),
		EndedAt:      event.Timestamp,
	})
	return err
}

func (s *AuditStore) onSpeedhack(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SpeedhackPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	_, err := s.RecordAnomaly(Anomaly{
		Address:      p.Address,
		ConnectionID: p.ConnectionID,
		PlayerID:     p.PlayerID,
		Rate:         p.Rate,
		Threshold:    p.Threshold,
		CreatedAt:    event.Timestamp,
	})
	return err
}
