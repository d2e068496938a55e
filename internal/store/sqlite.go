// ABOUTME: SQLite implementation of the Journal interface using modernc.org/sqlite
// ABOUTME: Provides event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/sheepfarm/internal/events"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Journal interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. An empty path or MemoryPath
// keeps the journal in memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == "" || path == MemoryPath
	if memory {
		path = MemoryPath
	} else {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			node TEXT NOT NULL DEFAULT '',
			block TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_node_kind
			ON events(node, kind, seq);

		CREATE INDEX IF NOT EXISTS idx_events_block
			ON events(block, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Name implements events.Sink.
func (s *SQLiteStore) Name() string { return "journal" }

// Handle implements events.Sink.
func (s *SQLiteStore) Handle(ctx context.Context, ev events.Event) error {
	return s.SaveEvent(ctx, ev)
}

// SaveEvent appends an event. Saving the same event ID twice is a no-op.
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev events.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	query := `
		INSERT INTO events (id, kind, node, block, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		string(ev.Kind),
		ev.Node,
		ev.Block,
		ev.Detail,
		ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Events returns the most recent events matching q, in chronological order.
func (s *SQLiteStore) Events(ctx context.Context, q Query) ([]events.Event, error) {
	var where []string
	var args []any

	if q.Node != "" {
		where = append(where, "node = ?")
		args = append(args, q.Node)
	}
	if q.Block != "" {
		where = append(where, "block = ?")
		args = append(args, q.Block)
	}
	if len(q.Kinds) > 0 {
		placeholders := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}

	inner := "SELECT seq, id, kind, node, block, detail, created_at FROM events"
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}
	inner += " ORDER BY seq DESC LIMIT ?"
	args = append(args, clampLimit(q.Limit))

	// Get the N most recent events, but return them in chronological order
	query := "SELECT id, kind, node, block, detail, created_at FROM (" + inner + ") ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var ev events.Event
		var kind, createdAtStr string

		if err := rows.Scan(&ev.ID, &kind, &ev.Node, &ev.Block, &ev.Detail, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.Kind = events.Kind(kind)

		ev.At, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing event created_at: %w", err)
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return out, nil
}

// ConsoleTail returns a node's last console lines, oldest first.
func (s *SQLiteStore) ConsoleTail(ctx context.Context, node string, limit int) ([]events.Event, error) {
	return s.Events(ctx, Query{
		Node:  node,
		Kinds: []events.Kind{events.ConsoleLine},
		Limit: limit,
	})
}

var _ Journal = (*SQLiteStore)(nil)
var _ events.Sink = (*SQLiteStore)(nil)
