package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/FlowingSPDG/stream-monitor/telemetry"
)

// Checkpoint flushes the WAL into the base database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	err := s.WithConn(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, "CHECKPOINT")
		return err
	})
	telemetry.ObserveCheckpoint(err)
	if err == nil {
		s.writes.Store(0)
	}
	return err
}

func (s *Store) noteWrite() {
	n := s.writes.Add(1)
	if s.cfg.CheckpointEvery > 0 && n >= int64(s.cfg.CheckpointEvery) {
		select {
		case s.checkpointCh <- struct{}{}:
		default:
		}
	}
}

// RunCheckpointer checkpoints every interval and whenever the configured
// number of write transactions has accumulated. It blocks until ctx is done.
// Failures are logged; the store keeps operating.
func (s *Store) RunCheckpointer(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	s.log.Info("checkpointer started", slog.Duration("interval", interval), slog.Int("every_writes", s.cfg.CheckpointEvery))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-s.checkpointCh:
		}
		start := time.Now()
		if err := s.Checkpoint(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("checkpoint failed", slog.Any("err", err))
			continue
		}
		s.log.Debug("checkpoint complete", slog.Duration("took", time.Since(start)))
	}
}
