package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Migration is one versioned schema step. Steps must be idempotent.
type Migration struct {
	Version int
	Name    string
	Stmts   []string
}

// Identity columns use sequences; DuckDB has no AUTOINCREMENT. Foreign key
// cascades are enforced by the repository (DuckDB does not support ON DELETE CASCADE).
var migrations = []Migration{
	{
		Version: 1,
		Name:    "core_tables",
		Stmts: []string{
			`CREATE SEQUENCE IF NOT EXISTS channels_id_seq START 1`,
			`CREATE SEQUENCE IF NOT EXISTS streams_id_seq START 1`,
			`CREATE SEQUENCE IF NOT EXISTS stream_stats_id_seq START 1`,
			`CREATE SEQUENCE IF NOT EXISTS chat_messages_id_seq START 1`,
			`CREATE TABLE IF NOT EXISTS channels (
				id BIGINT PRIMARY KEY DEFAULT nextval('channels_id_seq'),
				platform VARCHAR NOT NULL CHECK (platform IN ('twitch', 'youtube')),
				channel_id VARCHAR NOT NULL,
				channel_name VARCHAR NOT NULL,
				display_name VARCHAR,
				enabled BOOLEAN NOT NULL DEFAULT true,
				poll_interval INTEGER NOT NULL DEFAULT 60,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (platform, channel_id)
			)`,
			`CREATE TABLE IF NOT EXISTS streams (
				id BIGINT PRIMARY KEY DEFAULT nextval('streams_id_seq'),
				channel_id BIGINT NOT NULL,
				stream_id VARCHAR NOT NULL,
				title VARCHAR,
				category VARCHAR,
				thumbnail_url VARCHAR,
				started_at TIMESTAMP NOT NULL,
				ended_at TIMESTAMP,
				UNIQUE (channel_id, stream_id)
			)`,
			`CREATE TABLE IF NOT EXISTS stream_stats (
				id BIGINT PRIMARY KEY DEFAULT nextval('stream_stats_id_seq'),
				stream_id BIGINT NOT NULL,
				collected_at TIMESTAMP NOT NULL,
				viewer_count INTEGER,
				chat_rate_1min INTEGER NOT NULL DEFAULT 0,
				follower_count INTEGER,
				category VARCHAR,
				title VARCHAR
			)`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id BIGINT PRIMARY KEY DEFAULT nextval('chat_messages_id_seq'),
				stream_id BIGINT NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				platform VARCHAR NOT NULL,
				user_id VARCHAR,
				user_name VARCHAR NOT NULL,
				message VARCHAR NOT NULL,
				message_type VARCHAR NOT NULL DEFAULT 'normal'
			)`,
		},
	},
	{
		Version: 2,
		Name:    "stream_indexes",
		Stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_streams_channel_id ON streams(channel_id)`,
			`CREATE INDEX IF NOT EXISTS idx_streams_started_at ON streams(started_at)`,
			`CREATE INDEX IF NOT EXISTS idx_stream_stats_stream_collected ON stream_stats(stream_id, collected_at)`,
		},
	},
	{
		Version: 3,
		Name:    "chat_indexes",
		Stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_stream_ts ON chat_messages(stream_id, timestamp)`,
		},
	},
	{
		Version: 4,
		Name:    "app_settings",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS app_settings (
				name VARCHAR PRIMARY KEY,
				data VARCHAR NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
		},
	},
}

// Migrations returns the ordered migration list.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

// Migrate applies every migration not yet recorded in schema_migrations, in order.
func Migrate(ctx context.Context, s *Store) error {
	return s.migrate(ctx, migrations)
}

func (s *Store) migrate(ctx context.Context, list []Migration) error {
	err := s.WithConn(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`)
		return err
	})
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.AppliedVersions(ctx)
	if err != nil {
		return err
	}
	for _, m := range list {
		if applied[m.Version] {
			continue
		}
		err := s.WithTx(ctx, func(q Querier) error {
			for i, stmt := range m.Stmts {
				if _, err := q.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s) step %d failed: %w", m.Version, m.Name, i, err)
				}
			}
			_, err := q.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Name, time.Now().UTC())
			return err
		})
		if err != nil {
			return err
		}
		s.log.Info("migration applied", slog.Int("version", m.Version), slog.String("name", m.Name))
	}
	return nil
}

// AppliedVersions returns the set of recorded migration versions.
func (s *Store) AppliedVersions(ctx context.Context) (map[int]bool, error) {
	applied := map[int]bool{}
	err := s.WithConn(ctx, func(q Querier) error {
		rows, err := q.QueryContext(ctx, `SELECT version FROM schema_migrations`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				return err
			}
			applied[v] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	return applied, nil
}
