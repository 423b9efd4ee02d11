package streams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FlowingSPDG/stream-monitor/db"
)

// Repository runs all schema-aware reads and writes through the store.
type Repository struct {
	store *db.Store
	now   func() time.Time
}

// New returns a repository over store.
func New(store *db.Store) *Repository {
	return &Repository{store: store, now: func() time.Time { return time.Now().UTC() }}
}

const channelColumns = `id, platform, channel_id, channel_name, display_name, enabled, poll_interval, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (Channel, error) {
	var c Channel
	var display sql.NullString
	err := row.Scan(&c.ID, &c.Platform, &c.ChannelID, &c.ChannelName, &display, &c.Enabled, &c.PollInterval, &c.CreatedAt, &c.UpdatedAt)
	c.DisplayName = display.String
	return c, err
}

func validPlatform(p string) bool { return p == PlatformTwitch || p == PlatformYouTube }

// CreateChannel registers a channel. Enabled defaults to true and the poll
// interval to DefaultPollInterval.
func (r *Repository) CreateChannel(ctx context.Context, in NewChannel) (Channel, error) {
	in.Platform = strings.ToLower(strings.TrimSpace(in.Platform))
	in.ChannelID = strings.TrimSpace(in.ChannelID)
	if !validPlatform(in.Platform) {
		return Channel{}, fmt.Errorf("%w: unknown platform %q", ErrInvalidChannel, in.Platform)
	}
	if in.ChannelID == "" {
		return Channel{}, fmt.Errorf("%w: channel_id is required", ErrInvalidChannel)
	}
	if in.PollInterval < 0 {
		return Channel{}, fmt.Errorf("%w: poll_interval must be positive", ErrInvalidChannel)
	}
	if in.PollInterval == 0 {
		in.PollInterval = DefaultPollInterval
	}
	if in.ChannelName == "" {
		in.ChannelName = in.ChannelID
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	var out Channel
	err := r.store.WithTx(ctx, func(q db.Querier) error {
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE platform = ? AND channel_id = ?`,
			in.Platform, in.ChannelID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%s/%s: %w", in.Platform, in.ChannelID, ErrDuplicateChannel)
		}
		now := dbTime(r.now())
		row := q.QueryRowContext(ctx, `INSERT INTO channels (platform, channel_id, channel_name, display_name, enabled, poll_interval, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING `+channelColumns,
			in.Platform, in.ChannelID, in.ChannelName, nullString(in.DisplayName), enabled, in.PollInterval, now, now)
		var err error
		out, err = scanChannel(row)
		return err
	})
	if err != nil {
		return Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return out, nil
}

// GetChannel returns the current row, or nil when the channel does not exist.
func (r *Repository) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	var out *Channel
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		c, err := scanChannel(q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get channel %d: %w", id, err)
	}
	return out, nil
}

// FindChannel looks a channel up by platform and platform channel id. It
// returns nil when none is registered.
func (r *Repository) FindChannel(ctx context.Context, platform, channelID string) (*Channel, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	channelID = strings.TrimSpace(channelID)
	var out *Channel
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		c, err := scanChannel(q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE platform = ? AND channel_id = ?`, platform, channelID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find channel %s/%s: %w", platform, channelID, err)
	}
	return out, nil
}

// ListChannels returns every channel ordered by id.
func (r *Repository) ListChannels(ctx context.Context) ([]Channel, error) {
	return r.listChannels(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id`)
}

// EnabledChannels returns channels that should be polled.
func (r *Repository) EnabledChannels(ctx context.Context) ([]Channel, error) {
	return r.listChannels(ctx, `SELECT `+channelColumns+` FROM channels WHERE enabled ORDER BY id`)
}

func (r *Repository) listChannels(ctx context.Context, query string) ([]Channel, error) {
	out := []Channel{}
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		rows, err := q.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanChannel(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return out, nil
}

// UpdateChannel applies a partial edit and returns the updated row.
func (r *Repository) UpdateChannel(ctx context.Context, id int64, upd ChannelUpdate) (Channel, error) {
	if upd.PollInterval != nil && *upd.PollInterval <= 0 {
		return Channel{}, fmt.Errorf("%w: poll_interval must be positive", ErrInvalidChannel)
	}
	var out Channel
	err := r.store.WithTx(ctx, func(q db.Querier) error {
		c, err := scanChannel(q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChannelNotFound
		}
		if err != nil {
			return err
		}
		if upd.DisplayName != nil {
			c.DisplayName = *upd.DisplayName
		}
		if upd.Enabled != nil {
			c.Enabled = *upd.Enabled
		}
		if upd.PollInterval != nil {
			c.PollInterval = *upd.PollInterval
		}
		c.UpdatedAt = dbTime(r.now())
		if _, err := q.ExecContext(ctx, `UPDATE channels SET display_name = ?, enabled = ?, poll_interval = ?, updated_at = ? WHERE id = ?`,
			nullString(c.DisplayName), c.Enabled, c.PollInterval, c.UpdatedAt, id); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Channel{}, fmt.Errorf("update channel %d: %w", id, err)
	}
	return out, nil
}

// DeleteChannel removes a channel and everything recorded for it, children first, in one transaction.
func (r *Repository) DeleteChannel(ctx context.Context, id int64) error {
	err := r.store.WithTx(ctx, func(q db.Querier) error {
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return ErrChannelNotFound
		}
		stmts := []string{
			`DELETE FROM chat_messages WHERE stream_id IN (SELECT id FROM streams WHERE channel_id = ?)`,
			`DELETE FROM stream_stats WHERE stream_id IN (SELECT id FROM streams WHERE channel_id = ?)`,
			`DELETE FROM streams WHERE channel_id = ?`,
			`DELETE FROM channels WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete channel %d: %w", id, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// dbTime normalizes to UTC at the engine's microsecond precision.
func dbTime(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }
