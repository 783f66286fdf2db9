package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors events into a SQLite table so runs can be queried
// across sessions.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at dsn and ensures the
// schema exists.
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite: %w", err)
	}
	// Every connection to an in-memory database is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (session_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(session_id, event_type)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Write inserts one event.
func (s *SQLiteSink) Write(ctx context.Context, sessionID string, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("eventlog: marshal data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, event_id, timestamp, agent_name, event_type, iteration, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ev.EventID, ev.Timestamp.Format(time.RFC3339Nano), ev.AgentName, string(ev.EventType), ev.Iteration, string(data),
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert event %d: %w", ev.EventID, err)
	}
	return nil
}

// Events returns the mirrored events of a session ordered by id.
func (s *SQLiteSink) Events(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, timestamp, agent_name, event_type, iteration, data
		 FROM events WHERE session_id = ? ORDER BY event_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			ts, typ string
			data    string
		)
		if err := rows.Scan(&ev.EventID, &ts, &ev.AgentName, &typ, &ev.Iteration, &data); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		ev.EventType = EventType(typ)
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("eventlog: parse timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("eventlog: parse data: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
