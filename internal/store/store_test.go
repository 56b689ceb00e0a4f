package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/smartlock/internal/eventlog"
	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestBuildListQuery(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	tests := []struct {
		name     string
		filter   eventlog.Filter
		wantSQL  string
		wantArgs int
	}{
		{
			name:    "No filter",
			wantSQL: "SELECT id, timestamp, event_type::text, name FROM smart_lock_logs ORDER BY timestamp DESC, id DESC",
		},
		{
			name:     "Date range",
			filter:   eventlog.Filter{From: &from, To: &to},
			wantSQL:  "SELECT id, timestamp, event_type::text, name FROM smart_lock_logs WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp DESC, id DESC",
			wantArgs: 2,
		},
		{
			name:     "Type only",
			filter:   eventlog.Filter{Type: types.EventAlert},
			wantSQL:  "SELECT id, timestamp, event_type::text, name FROM smart_lock_logs WHERE event_type = $1 ORDER BY timestamp DESC, id DESC",
			wantArgs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := buildListQuery(tt.filter)
			if sql != tt.wantSQL {
				t.Errorf("sql = %q\nwant  %q", sql, tt.wantSQL)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("Expected %d args, got %d", tt.wantArgs, len(args))
			}
		})
	}
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("smartlock_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// Schema creation must be idempotent
	if err := initSchema(ctx, s.conn); err != nil {
		t.Fatalf("Second initSchema failed: %v", err)
	}

	alice := "alice"
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	entries := []types.LogEntry{
		{Timestamp: day.Add(8 * time.Hour), EventType: types.EventOpen, Name: &alice},
		{Timestamp: day.Add(9 * time.Hour), EventType: types.EventAlert},
		{Timestamp: day.Add(30 * time.Hour), EventType: types.EventLockSystem},
	}
	for i := range entries {
		if err := s.Insert(ctx, &entries[i]); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if entries[i].ID <= 0 {
			t.Errorf("Expected positive ID, got %d", entries[i].ID)
		}
	}

	defaulted := types.LogEntry{EventType: types.EventOpen}
	if err := s.Insert(ctx, &defaulted); err != nil {
		t.Fatalf("Insert with default timestamp failed: %v", err)
	}
	if defaulted.Timestamp.IsZero() {
		t.Error("Expected database default timestamp to be returned")
	}

	to := day.AddDate(0, 0, 1)
	got, err := s.List(ctx, eventlog.Filter{From: &day, To: &to})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries on the day, got %d", len(got))
	}
	if got[0].EventType != types.EventAlert || got[1].Name == nil || *got[1].Name != "alice" {
		t.Errorf("Unexpected ordering or content: %+v", got)
	}
	if got[0].Name != nil {
		t.Errorf("Expected NULL name for the alert, got %q", *got[0].Name)
	}

	got, err = s.List(ctx, eventlog.Filter{Type: types.EventLockSystem})
	if err != nil {
		t.Fatalf("List by type failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected 1 LOCKSYSTEM entry, got %d", len(got))
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
