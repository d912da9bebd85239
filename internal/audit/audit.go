// Package audit records coordination events in a local SQLite database.
// Recording is best effort: a failed insert is logged and swallowed so a
// broken audit trail never blocks a claim or release.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"pkt.systems/pslog"

	"github.com/thesammykins/beep-boop-mcp/internal/coordination"
	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
	"github.com/thesammykins/beep-boop-mcp/internal/uuidv7"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	at TIMESTAMP NOT NULL,
	kind TEXT NOT NULL,
	directory TEXT NOT NULL,
	agent_id TEXT,
	detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_directory ON events(directory, at);
`

// Event is a stored audit row.
type Event struct {
	ID        string
	At        time.Time
	Kind      string
	Directory string
	AgentID   string
	Detail    string
}

// Log is a SQLite-backed audit trail implementing coordination.Recorder.
type Log struct {
	db     *sql.DB
	logger pslog.Logger
}

// Open creates or opens the audit database at path, creating parent
// directories and the schema as needed.
func Open(path string, logger pslog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	return &Log{db: db, logger: loggingutil.EnsureLogger(logger).With("sys", "audit")}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record stores event. Failures are logged, never returned: auditing must
// not veto the operation it witnesses.
func (l *Log) Record(ctx context.Context, event coordination.Event) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (id, at, kind, directory, agent_id, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		uuidv7.NewString(),
		event.At.UTC(),
		event.Kind,
		event.Directory,
		event.AgentID,
		event.Detail,
	)
	if err != nil {
		l.logger.Warn("audit.record.failed", "kind", event.Kind, "directory", event.Directory, "error", err)
		return
	}
	l.logger.Trace("audit.record", "kind", event.Kind, "directory", event.Directory, "agent_id", event.AgentID)
}

// Recent returns up to limit events for directory, newest first. An empty
// directory returns events across all directories.
func (l *Log) Recent(ctx context.Context, directory string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, at, kind, directory, agent_id, detail FROM events`
	args := []any{}
	if directory != "" {
		query += ` WHERE directory = ?`
		args = append(args, directory)
	}
	query += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var agentID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.At, &e.Kind, &e.Directory, &agentID, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.AgentID = agentID.String
		e.Detail = detail.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
