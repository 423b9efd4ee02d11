package db

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream_stats.db")
	s, err := Open(context.Background(), path, opts...)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, path
}

func TestOpenInMemory(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close(ctx)

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if s.lock != nil {
		t.Errorf("in-memory store should not hold a file lock")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	if err := s.WithConn(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`)
		return err
	}); err != nil {
		t.Fatalf("create table: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(q Querier) error {
		if _, err := q.ExecContext(ctx, `INSERT INTO t VALUES (1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	var n int
	if err := s.WithConn(ctx, func(q Querier) error {
		return q.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n)
	}); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestWithConnHonorsCanceledContext(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	// Hold the connection so the second caller has to wait.
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithConn(ctx, func(q Querier) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.WithConn(waitCtx, func(q Querier) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithConn() error = %v, want deadline exceeded", err)
	}
}

func TestOpenRelocatesLeftoverWAL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream_stats.db")
	garbage := []byte("not a real wal")
	if err := os.WriteFile(WALPath(path), garbage, 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}
	if err := os.WriteFile(TempPath(path), []byte("tmp"), 0o644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}

	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close(context.Background())

	if b, err := os.ReadFile(WALPath(path)); err == nil && bytes.Equal(b, garbage) {
		t.Errorf("leftover WAL still at original path")
	}
	backups, _ := filepath.Glob(WALPath(path) + ".backup.*")
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want exactly one", backups)
	}
	b, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.Equal(b, garbage) {
		t.Errorf("backup content = %q, want %q", b, garbage)
	}
	if _, err := os.Stat(TempPath(path)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file not removed: %v", err)
	}
}

func TestRelocateWALNaming(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.db")
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	got, err := relocateWAL(path, now)
	if err != nil || got != "" {
		t.Fatalf("relocateWAL() without wal = %q, %v; want \"\", nil", got, err)
	}

	for i, want := range []string{
		path + ".wal.backup.20240102_030405",
		path + ".wal.backup.20240102_030405_1",
	} {
		if err := os.WriteFile(WALPath(path), []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := relocateWAL(path, now)
		if err != nil {
			t.Fatalf("relocateWAL() error: %v", err)
		}
		if got != want {
			t.Errorf("relocateWAL() = %q, want %q", got, want)
		}
	}
}

func TestRemoveTempDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.db")
	if err := os.MkdirAll(filepath.Join(TempPath(path), "spill"), 0o755); err != nil {
		t.Fatal(err)
	}
	removed, err := removeTemp(path)
	if err != nil || !removed {
		t.Fatalf("removeTemp() = %v, %v; want true, nil", removed, err)
	}
	if _, err := os.Stat(TempPath(path)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp dir still present")
	}
}

func TestOpenRefusesSecondProcessWriter(t *testing.T) {
	_, path := openTemp(t)
	_, err := Open(context.Background(), path)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open() error = %v, want ErrLocked", err)
	}
}

func TestOpenAfterFailedOpenRequiresRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.db")
	markOpenFailed(path)
	_, err := Open(context.Background(), path)
	if !errors.Is(err, ErrRestartRequired) {
		t.Fatalf("Open() error = %v, want ErrRestartRequired", err)
	}
}

func TestClassifyOpenError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		restart bool
	}{
		{"wal replay", errors.New("IO Error: Failure while replaying WAL file"), true},
		{"wal mention", errors.New("Catalog Error: WAL file is corrupt"), true},
		{"permission", errors.New("IO Error: Permission denied"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyOpenError("x.db", tt.err)
			if errors.Is(got, ErrRestartRequired) != tt.restart {
				t.Errorf("classifyOpenError(%v) restart = %v, want %v", tt.err, !tt.restart, tt.restart)
			}
		})
	}
}

func TestCheckpointAfterWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t, WithCheckpointEvery(2))
	if err := Migrate(ctx, s); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	// Drain signals raised by the migrations themselves.
	select {
	case <-s.checkpointCh:
	default:
	}
	s.writes.Store(0)

	for i := 0; i < 2; i++ {
		if err := s.WithTx(ctx, func(q Querier) error {
			_, err := q.ExecContext(ctx, `INSERT INTO schema_migrations VALUES (?, 'test', ?)`, 100+i, time.Now().UTC())
			return err
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	select {
	case <-s.checkpointCh:
	default:
		t.Fatal("expected a checkpoint signal after 2 writes")
	}

	if err := s.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint() error: %v", err)
	}
	if got := s.writes.Load(); got != 0 {
		t.Errorf("writes after checkpoint = %d, want 0", got)
	}
}

func TestRunCheckpointerStopsOnCancel(t *testing.T) {
	s, _ := openTemp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunCheckpointer(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCheckpointer did not return after cancel")
	}
}
