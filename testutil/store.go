// Package testutil holds helpers shared by package tests: a migrated DuckDB
// store in a temp dir and a mock Twitch Helix server.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/FlowingSPDG/stream-monitor/db"
)

// NewStore opens a migrated store backed by a file in t.TempDir().
// The store is closed on test cleanup.
func NewStore(t *testing.T) *db.Store {
	t.Helper()
	ctx := context.Background()
	s, err := db.Open(ctx, filepath.Join(t.TempDir(), "stream_stats.db"), db.WithThreads(1), db.WithMemoryLimit("256MB"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(context.Background()); err != nil {
			t.Logf("close store: %v", err)
		}
	})
	if err := db.Migrate(ctx, s); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return s
}
