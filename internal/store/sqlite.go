// Package store is the durable SQLite persistence layer. One database file
// backs every domain store; each domain package's Store interface is
// satisfied by a thin struct over the shared connection.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_identity
	ON sessions(source, external_id) WHERE external_id != '';

CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT,
	continuation TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS permission_requests (
	id          TEXT PRIMARY KEY,
	endpoint    TEXT NOT NULL,
	plugin      TEXT NOT NULL DEFAULT '',
	operation   TEXT NOT NULL DEFAULT '',
	args        TEXT NOT NULL DEFAULT 'null',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	resolved_at TEXT,
	consumed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_permissions_endpoint
	ON permission_requests(endpoint, created_at);

CREATE TABLE IF NOT EXISTS workflows (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	code         TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	cron_expr    TEXT NOT NULL DEFAULT '',
	event_plugin TEXT NOT NULL DEFAULT '',
	event_action TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	next_run_at  TEXT,
	last_run_at  TEXT,
	notify       TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_event
	ON workflows(event_plugin, event_action);

CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	workflow_id     TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	status          TEXT NOT NULL,
	triggered_by    TEXT NOT NULL,
	trigger_payload TEXT,
	result          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	started_at      TEXT NOT NULL,
	finished_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_workflow
	ON executions(workflow_id, started_at);

CREATE TABLE IF NOT EXISTS inbox (
	id        TEXT PRIMARY KEY,
	channel   TEXT NOT NULL,
	chat_id   TEXT NOT NULL,
	sender_id TEXT NOT NULL DEFAULT '',
	text      TEXT NOT NULL,
	is_group  INTEGER NOT NULL DEFAULT 0,
	from_self INTEGER NOT NULL DEFAULT 0,
	sent_at   TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_inbox_pending ON inbox(channel, processed, sent_at);
`

// DB is the shared SQLite handle.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock churn.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{
		sql:    conn,
		logger: slog.Default().With("component", "store"),
	}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Sessions returns the session store over this database.
func (db *DB) Sessions() *SessionStore { return &SessionStore{db: db.sql} }

// Permissions returns the permission request store.
func (db *DB) Permissions() *PermissionStore { return &PermissionStore{db: db.sql} }

// Workflows returns the workflow store.
func (db *DB) Workflows() *WorkflowStore { return &WorkflowStore{db: db.sql} }

// Executions returns the execution record store.
func (db *DB) Executions() *ExecutionStore { return &ExecutionStore{db: db.sql} }

// Inbox returns the channel inbox store.
func (db *DB) Inbox() *InboxStore { return &InboxStore{db: db.sql} }

// encodeTime stores times as RFC 3339 text; the zero time becomes NULL.
func encodeTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
