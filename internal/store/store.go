package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/andresmejia3/smartlock/internal/eventlog"
	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/jackc/pgx/v5"
)

// Store keeps the access log in PostgreSQL over a single native pgx connection.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

var _ eventlog.Storer = (*Store)(nil)

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the event type and log table if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		DO $$ BEGIN
			CREATE TYPE smart_lock_event AS ENUM ('OPEN', 'LOCKSYSTEM', 'ALERT');
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$;
		CREATE TABLE IF NOT EXISTS smart_lock_logs (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			event_type smart_lock_event NOT NULL,
			name TEXT
		);
		CREATE INDEX IF NOT EXISTS smart_lock_logs_timestamp_idx ON smart_lock_logs (timestamp DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(context.Background())
}

// Insert appends an entry and fills in the generated id. A zero timestamp
// falls back to the column default.
func (s *Store) Insert(ctx context.Context, e *types.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp.IsZero() {
		return s.conn.QueryRow(ctx, `
			INSERT INTO smart_lock_logs (event_type, name)
			VALUES ($1, $2)
			RETURNING id, timestamp
		`, string(e.EventType), e.Name).Scan(&e.ID, &e.Timestamp)
	}
	return s.conn.QueryRow(ctx, `
		INSERT INTO smart_lock_logs (timestamp, event_type, name)
		VALUES ($1, $2, $3)
		RETURNING id
	`, e.Timestamp, string(e.EventType), e.Name).Scan(&e.ID)
}

// List returns entries matching f, newest first.
func (s *Store) List(ctx context.Context, f eventlog.Filter) ([]types.LogEntry, error) {
	query, args := buildListQuery(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.LogEntry
	for rows.Next() {
		var e types.LogEntry
		var et string
		if err := rows.Scan(&e.ID, &e.Timestamp, &et, &e.Name); err != nil {
			return nil, err
		}
		e.EventType = types.EventType(et)
		out = append(out, e)
	}
	return out, rows.Err()
}

func buildListQuery(f eventlog.Filter) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp < $%d", *f.To)
	}
	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}

	var b strings.Builder
	b.WriteString("SELECT id, timestamp, event_type::text, name FROM smart_lock_logs")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC")
	return b.String(), args
}

// Reset drops the log table and its enum type.
// Useful in development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS smart_lock_logs CASCADE;
		DROP TYPE IF EXISTS smart_lock_event;
	`)
	return err
}
