package streams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FlowingSPDG/stream-monitor/analytics"
	"github.com/FlowingSPDG/stream-monitor/db"
)

// Default page sizes.
const (
	DefaultChannelStreamsLimit = 50
	DefaultDateRangeLimit      = 100
	DefaultComparisonLimit     = 50
)

const streamSelect = `SELECT s.id, s.stream_id, s.channel_id, c.channel_name, s.title, s.category, s.thumbnail_url, s.started_at, s.ended_at
	FROM streams s JOIN channels c ON c.id = s.channel_id`

func scanStreamInfo(row interface{ Scan(...any) error }) (analytics.StreamInfo, error) {
	var (
		info                   analytics.StreamInfo
		title, category, thumb sql.NullString
		ended                  sql.NullTime
	)
	if err := row.Scan(&info.ID, &info.StreamID, &info.ChannelID, &info.ChannelName, &title, &category, &thumb, &info.StartedAt, &ended); err != nil {
		return info, err
	}
	info.Title, info.Category, info.ThumbnailURL = title.String, category.String, thumb.String
	if ended.Valid {
		t := ended.Time
		info.EndedAt = &t
	}
	return info, nil
}

func pageBounds(limit, offset, def int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ChannelStreams lists a channel's streams newest first with their summaries.
func (r *Repository) ChannelStreams(ctx context.Context, channelID int64, limit, offset int) ([]analytics.StreamInfo, error) {
	limit, offset = pageBounds(limit, offset, DefaultChannelStreamsLimit)
	out, err := r.querySummaries(ctx, streamSelect+` WHERE s.channel_id = ? ORDER BY s.started_at DESC, s.id DESC LIMIT ? OFFSET ?`,
		channelID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("channel %d streams: %w", channelID, err)
	}
	return out, nil
}

// StreamsByDateRange lists streams whose start date falls within [from, to]
// (calendar days, inclusive) newest first.
func (r *Repository) StreamsByDateRange(ctx context.Context, from, to time.Time, limit, offset int) ([]analytics.StreamInfo, error) {
	limit, offset = pageBounds(limit, offset, DefaultDateRangeLimit)
	out, err := r.querySummaries(ctx, streamSelect+` WHERE CAST(s.started_at AS DATE) BETWEEN CAST(? AS DATE) AND CAST(? AS DATE)
		ORDER BY s.started_at DESC, s.id DESC LIMIT ? OFFSET ?`,
		from.UTC().Format(time.DateOnly), to.UTC().Format(time.DateOnly), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("streams between %s and %s: %w", from.Format(time.DateOnly), to.Format(time.DateOnly), err)
	}
	return out, nil
}

// StreamTimeline reconstructs one stream: summary, samples and change events.
func (r *Repository) StreamTimeline(ctx context.Context, streamID int64) (*analytics.Timeline, error) {
	var tl analytics.Timeline
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		info, err := scanStreamInfo(q.QueryRowContext(ctx, streamSelect+` WHERE s.id = ?`, streamID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		points, err := loadPoints(ctx, q, []int64{streamID})
		if err != nil {
			return err
		}
		chats, err := chatCounts(ctx, q, []int64{streamID})
		if err != nil {
			return err
		}
		tl = analytics.BuildTimeline(info, points[streamID], chats[streamID], r.now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stream %d timeline: %w", streamID, err)
	}
	return &tl, nil
}

// ComparisonSuggestions returns streams of any channel whose interval overlaps
// the base stream, same category first, then by start time.
func (r *Repository) ComparisonSuggestions(ctx context.Context, streamID int64, limit int) ([]analytics.StreamInfo, error) {
	limit, _ = pageBounds(limit, 0, DefaultComparisonLimit)
	now := r.now()
	var out []analytics.StreamInfo
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		base, err := scanStreamInfo(q.QueryRowContext(ctx, streamSelect+` WHERE s.id = ?`, streamID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		baseEnd := now
		if base.EndedAt != nil {
			baseEnd = *base.EndedAt
		}
		candidates, err := queryInfos(ctx, q, streamSelect+` WHERE s.id <> ? AND s.started_at < ? AND COALESCE(s.ended_at, ?) > ?
			ORDER BY s.started_at ASC`, streamID, baseEnd, now, base.StartedAt)
		if err != nil {
			return err
		}
		ranked := analytics.RankComparisons(base, candidates, limit, now)
		out, err = summarize(ctx, q, ranked, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stream %d comparisons: %w", streamID, err)
	}
	return out, nil
}

// ExportStats returns samples matching f ordered by collected_at ascending.
func (r *Repository) ExportStats(ctx context.Context, f StatsFilter) ([]StatRow, error) {
	var (
		where []string
		args  []any
	)
	if f.StreamID != 0 {
		where = append(where, "ss.stream_id = ?")
		args = append(args, f.StreamID)
	}
	if f.ChannelID != 0 {
		where = append(where, "s.channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if !f.Start.IsZero() {
		where = append(where, "ss.collected_at >= ?")
		args = append(args, dbTime(f.Start))
	}
	if !f.End.IsZero() {
		where = append(where, "ss.collected_at <= ?")
		args = append(args, dbTime(f.End))
	}
	query := `SELECT ss.id, ss.stream_id, ss.collected_at, ss.viewer_count, ss.chat_rate_1min
		FROM stream_stats ss JOIN streams s ON s.id = ss.stream_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ss.collected_at ASC, ss.id ASC"

	out := []StatRow{}
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row StatRow
			var viewers sql.NullInt64
			if err := rows.Scan(&row.ID, &row.StreamID, &row.CollectedAt, &viewers, &row.ChatRate1Min); err != nil {
				return err
			}
			if viewers.Valid {
				v := viewers.Int64
				row.ViewerCount = &v
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("export stats: %w", err)
	}
	return out, nil
}

// RealtimeChatRate counts chat messages of every stream received in the
// minute before now.
func (r *Repository) RealtimeChatRate(ctx context.Context) (int64, error) {
	now := dbTime(r.now())
	var n int64
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		return q.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE timestamp >= ? AND timestamp <= ?`,
			now.Add(-time.Minute), now).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("realtime chat rate: %w", err)
	}
	return n, nil
}

func (r *Repository) querySummaries(ctx context.Context, query string, args ...any) ([]analytics.StreamInfo, error) {
	now := r.now()
	var out []analytics.StreamInfo
	err := r.store.WithConn(ctx, func(q db.Querier) error {
		infos, err := queryInfos(ctx, q, query, args...)
		if err != nil {
			return err
		}
		out, err = summarize(ctx, q, infos, now)
		return err
	})
	return out, err
}

func queryInfos(ctx context.Context, q db.Querier, query string, args ...any) ([]analytics.StreamInfo, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []analytics.StreamInfo{}
	for rows.Next() {
		info, err := scanStreamInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func summarize(ctx context.Context, q db.Querier, infos []analytics.StreamInfo, now time.Time) ([]analytics.StreamInfo, error) {
	if len(infos) == 0 {
		return []analytics.StreamInfo{}, nil
	}
	ids := make([]int64, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	points, err := loadPoints(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	chats, err := chatCounts(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	out := make([]analytics.StreamInfo, len(infos))
	for i, info := range infos {
		out[i] = analytics.Summarize(info, points[info.ID], chats[info.ID], now)
	}
	return out, nil
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

// loadPoints returns samples per stream ordered by collected_at.
func loadPoints(ctx context.Context, q db.Querier, ids []int64) (map[int64][]analytics.Point, error) {
	in, args := inClause(ids)
	rows, err := q.QueryContext(ctx, `SELECT stream_id, collected_at, viewer_count, chat_rate_1min, follower_count, category, title
		FROM stream_stats WHERE stream_id IN (`+in+`) ORDER BY stream_id, collected_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]analytics.Point, len(ids))
	for rows.Next() {
		var (
			sid                int64
			p                  analytics.Point
			viewers, followers sql.NullInt64
			category, title    sql.NullString
		)
		if err := rows.Scan(&sid, &p.CollectedAt, &viewers, &p.ChatRate1Min, &followers, &category, &title); err != nil {
			return nil, err
		}
		if viewers.Valid {
			v := viewers.Int64
			p.ViewerCount = &v
		}
		if followers.Valid {
			f := followers.Int64
			p.FollowerCount = &f
		}
		p.Category, p.Title = category.String, title.String
		out[sid] = append(out[sid], p)
	}
	return out, rows.Err()
}

func chatCounts(ctx context.Context, q db.Querier, ids []int64) (map[int64]int64, error) {
	in, args := inClause(ids)
	rows, err := q.QueryContext(ctx, `SELECT stream_id, COUNT(*) FROM chat_messages WHERE stream_id IN (`+in+`) GROUP BY stream_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("count chat: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]int64, len(ids))
	for rows.Next() {
		var sid, n int64
		if err := rows.Scan(&sid, &n); err != nil {
			return nil, err
		}
		out[sid] = n
	}
	return out, rows.Err()
}
