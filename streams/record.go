package streams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FlowingSPDG/stream-monitor/db"
	"github.com/FlowingSPDG/stream-monitor/telemetry"
)

// RecordSample persists one live observation for ch and returns the row id of
// the stream it was attached to.
//
// A channel has at most one open stream. A sample for the open session reuses
// it; a sample carrying a different session id closes the open stream at the
// sample time and opens (or reopens) the new one. Samples of a stream are kept
// strictly increasing by collected_at.
func (r *Repository) RecordSample(ctx context.Context, ch Channel, s LiveSample) (int64, error) {
	if s.StreamID == "" {
		return 0, fmt.Errorf("record sample for channel %d: empty stream id", ch.ID)
	}
	collected := s.CollectedAt
	if collected.IsZero() {
		collected = r.now()
	}
	collected = dbTime(collected)
	started := collected
	if !s.StartedAt.IsZero() {
		started = dbTime(s.StartedAt)
	}

	var streamRowID int64
	var opened, closed bool
	err := r.store.WithTx(ctx, func(q db.Querier) error {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE id = ?`, ch.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrChannelNotFound
		}

		var openID int64
		var openSession string
		err := q.QueryRowContext(ctx, `SELECT id, stream_id FROM streams WHERE channel_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`,
			ch.ID).Scan(&openID, &openSession)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find open stream: %w", err)
		}

		if openID != 0 && openSession == s.StreamID {
			streamRowID = openID
			if _, err := q.ExecContext(ctx, `UPDATE streams SET title = COALESCE(?, title), category = COALESCE(?, category), thumbnail_url = COALESCE(?, thumbnail_url) WHERE id = ?`,
				nullString(s.Title), nullString(s.Category), nullString(s.ThumbnailURL), openID); err != nil {
				return fmt.Errorf("refresh stream: %w", err)
			}
		} else {
			if openID != 0 {
				if _, err := q.ExecContext(ctx, `UPDATE streams SET ended_at = ? WHERE id = ?`, collected, openID); err != nil {
					return fmt.Errorf("close superseded stream: %w", err)
				}
				closed = true
			}
			id, err := openStream(ctx, q, ch.ID, s, started)
			if err != nil {
				return err
			}
			streamRowID = id
			opened = true
		}

		var last sql.NullTime
		if err := q.QueryRowContext(ctx, `SELECT MAX(collected_at) FROM stream_stats WHERE stream_id = ?`, streamRowID).Scan(&last); err != nil {
			return fmt.Errorf("last sample: %w", err)
		}
		if last.Valid && !collected.After(last.Time) {
			collected = last.Time.Add(time.Microsecond)
		}

		var chatRate int64
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE stream_id = ? AND timestamp >= ? AND timestamp < ?`,
			streamRowID, collected.Add(-time.Minute), collected).Scan(&chatRate); err != nil {
			return fmt.Errorf("chat rate: %w", err)
		}

		if _, err := q.ExecContext(ctx, `INSERT INTO stream_stats (stream_id, collected_at, viewer_count, chat_rate_1min, follower_count, category, title)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			streamRowID, collected, nullInt(s.ViewerCount), chatRate, nullInt(s.FollowerCount), nullString(s.Category), nullString(s.Title)); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record sample for channel %d: %w", ch.ID, err)
	}
	if closed {
		telemetry.IncCounter(telemetry.StreamsClosed)
	}
	if opened {
		telemetry.IncCounter(telemetry.StreamsOpened)
	}
	telemetry.IncCounter(telemetry.SamplesWritten)
	return streamRowID, nil
}

// openStream reopens an earlier row of the same session or inserts a new one.
func openStream(ctx context.Context, q db.Querier, channelID int64, s LiveSample, started time.Time) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM streams WHERE channel_id = ? AND stream_id = ?`, channelID, s.StreamID).Scan(&id)
	switch {
	case err == nil:
		if _, err := q.ExecContext(ctx, `UPDATE streams SET ended_at = NULL, title = COALESCE(?, title), category = COALESCE(?, category), thumbnail_url = COALESCE(?, thumbnail_url) WHERE id = ?`,
			nullString(s.Title), nullString(s.Category), nullString(s.ThumbnailURL), id); err != nil {
			return 0, fmt.Errorf("reopen stream: %w", err)
		}
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return 0, fmt.Errorf("find stream: %w", err)
	}

	err = q.QueryRowContext(ctx, `INSERT INTO streams (channel_id, stream_id, title, category, thumbnail_url, started_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		channelID, s.StreamID, nullString(s.Title), nullString(s.Category), nullString(s.ThumbnailURL), started).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert stream: %w", err)
	}
	return id, nil
}

// EndLiveStream closes the channel's open stream, if any, at the given time.
func (r *Repository) EndLiveStream(ctx context.Context, channelID int64, at time.Time) (bool, error) {
	var n int64
	err := r.store.WithTx(ctx, func(q db.Querier) error {
		res, err := q.ExecContext(ctx, `UPDATE streams SET ended_at = ? WHERE channel_id = ? AND ended_at IS NULL`, dbTime(at), channelID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("end live stream for channel %d: %w", channelID, err)
	}
	if n > 0 {
		telemetry.IncCounter(telemetry.StreamsClosed)
	}
	return n > 0, nil
}

// InsertChatMessage appends one chat line.
func (r *Repository) InsertChatMessage(ctx context.Context, msg ChatMessage) error {
	return r.InsertChatMessages(ctx, []ChatMessage{msg})
}

// InsertChatMessages appends a batch of chat lines in one transaction. Lines
// whose stream no longer exists are dropped.
func (r *Repository) InsertChatMessages(ctx context.Context, msgs []ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	var written int64
	err := r.store.WithTx(ctx, func(q db.Querier) error {
		for _, m := range msgs {
			kind := m.MessageType
			if kind == "" {
				kind = "normal"
			}
			ts := m.Timestamp
			if ts.IsZero() {
				ts = r.now()
			}
			res, err := q.ExecContext(ctx, `INSERT INTO chat_messages (stream_id, timestamp, platform, user_id, user_name, message, message_type)
				SELECT CAST(? AS BIGINT), CAST(? AS TIMESTAMP), CAST(? AS VARCHAR), CAST(? AS VARCHAR), CAST(? AS VARCHAR), CAST(? AS VARCHAR), CAST(? AS VARCHAR)
				WHERE EXISTS (SELECT 1 FROM streams WHERE id = ?)`,
				m.StreamID, dbTime(ts), m.Platform, nullString(m.UserID), m.UserName, m.Message, kind, m.StreamID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				written += n
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert %d chat messages: %w", len(msgs), err)
	}
	if telemetry.ChatMessagesWritten != nil {
		telemetry.ChatMessagesWritten.Add(float64(written))
	}
	return nil
}
