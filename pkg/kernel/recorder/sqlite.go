package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	event_id    TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	workflow_id TEXT,
	prompt_id   TEXT,
	timestamp   TEXT NOT NULL,
	envelope    TEXT NOT NULL,
	UNIQUE (session_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type)
`

// SQLiteSink persists envelopes to a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the event store at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

func migrate(db *sql.DB) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Write(ctx context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, session_id, sequence, event_type, workflow_id, prompt_id, timestamp, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, env.ID, env.SessionID, env.Sequence, env.Type,
		nullString(string(env.WorkflowID)), nullString(string(env.PromptID)),
		env.Timestamp.Format("2006-01-02T15:04:05.000000000Z07:00"), string(data))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Replay returns the stored envelopes of a session in sequence order.
func (s *SQLiteSink) Replay(ctx context.Context, sid events.SessionID) ([]events.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT envelope FROM events WHERE session_id = ? ORDER BY sequence ASC`, sid)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	defer rows.Close()

	var out []events.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var env events.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// CountByType returns how many events of each type a session recorded.
func (s *SQLiteSink) CountByType(ctx context.Context, sid events.SessionID) (map[events.EventType]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM events WHERE session_id = ? GROUP BY event_type`, sid)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	out := map[events.EventType]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[events.EventType(t)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
