// Package analytics derives per-stream summaries and change events from raw
// periodic samples. Functions are pure; callers supply points ordered by
// CollectedAt ascending.
package analytics

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Point is one stored sample projected for analysis and display.
type Point struct {
	CollectedAt   time.Time `json:"collected_at"`
	ViewerCount   *int64    `json:"viewer_count"`
	ChatRate1Min  int64     `json:"chat_rate_1min"`
	FollowerCount *int64    `json:"follower_count,omitempty"`
	Category      string    `json:"category,omitempty"`
	Title         string    `json:"title,omitempty"`
}

// CategoryChange marks a sample whose category differs from the last known one.
type CategoryChange struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from_category"`
	To        string    `json:"to_category"`
}

// TitleChange marks a sample whose title differs from the last known one.
type TitleChange struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from_title"`
	To        string    `json:"to_title"`
}

// StreamInfo is the aggregate summary row of one stream.
type StreamInfo struct {
	ID                int64      `json:"id"`
	StreamID          string     `json:"stream_id"`
	ChannelID         int64      `json:"channel_id"`
	ChannelName       string     `json:"channel_name"`
	Title             string     `json:"title"`
	Category          string     `json:"category"`
	ThumbnailURL      string     `json:"thumbnail_url,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at"`
	PeakViewers       int64      `json:"peak_viewers"`
	AvgViewers        int64      `json:"avg_viewers"`
	DurationMinutes   int64      `json:"duration_minutes"`
	MinutesWatched    int64      `json:"minutes_watched"`
	FollowerGain      int64      `json:"follower_gain"`
	TotalChatMessages int64      `json:"total_chat_messages"`
	EngagementRate    float64    `json:"engagement_rate"`
	LastCollectedAt   *time.Time `json:"last_collected_at"`
}

// Timeline is the full reconstruction of one stream.
type Timeline struct {
	Info            StreamInfo       `json:"stream_info"`
	Points          []Point          `json:"stats"`
	CategoryChanges []CategoryChange `json:"category_changes"`
	TitleChanges    []TitleChange    `json:"title_changes"`
}

// PeakViewers returns the highest known viewer count, 0 when none is known.
func PeakViewers(points []Point) int64 {
	var peak int64
	for _, p := range points {
		if p.ViewerCount != nil && *p.ViewerCount > peak {
			peak = *p.ViewerCount
		}
	}
	return peak
}

// AverageViewers returns the mean of known viewer counts rounded to the
// nearest integer, 0 when none is known.
func AverageViewers(points []Point) int64 {
	var sum, n int64
	for _, p := range points {
		if p.ViewerCount != nil {
			sum += *p.ViewerCount
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return int64(math.Round(float64(sum) / float64(n)))
}

// DurationMinutes returns whole minutes between start and end, using now for
// a stream that is still open.
func DurationMinutes(start time.Time, end *time.Time, now time.Time) int64 {
	stop := now
	if end != nil {
		stop = *end
	}
	d := stop.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Minute)
}

// WatchMinutes is the left Riemann sum of viewers over time: each sample's
// viewer count times the minutes until the next sample. The last sample and
// samples with unknown viewers contribute nothing.
func WatchMinutes(points []Point) float64 {
	var total float64
	for i := 0; i+1 < len(points); i++ {
		v := points[i].ViewerCount
		if v == nil {
			continue
		}
		gap := points[i+1].CollectedAt.Sub(points[i].CollectedAt).Minutes()
		if gap <= 0 {
			continue
		}
		total += float64(*v) * gap
	}
	return total
}

// FollowerGain is max minus min of recorded follower counts, 0 if never recorded.
func FollowerGain(points []Point) int64 {
	var lo, hi int64
	seen := false
	for _, p := range points {
		if p.FollowerCount == nil {
			continue
		}
		f := *p.FollowerCount
		if !seen {
			lo, hi, seen = f, f, true
			continue
		}
		lo = min(lo, f)
		hi = max(hi, f)
	}
	return hi - lo
}

// EngagementRate is chat messages per 1000 minutes watched, 0 without watch time.
func EngagementRate(chatMessages, minutesWatched int64) float64 {
	if minutesWatched <= 0 {
		return 0
	}
	return float64(chatMessages) / float64(minutesWatched) * 1000
}

// CategoryChanges walks points in order and emits an event whenever a
// non-blank category differs from the last non-blank one.
func CategoryChanges(points []Point) []CategoryChange {
	out := []CategoryChange{}
	detect(points, func(p Point) string { return p.Category }, func(at time.Time, from, to string) {
		out = append(out, CategoryChange{Timestamp: at, From: from, To: to})
	})
	return out
}

// TitleChanges is CategoryChanges for titles.
func TitleChanges(points []Point) []TitleChange {
	out := []TitleChange{}
	detect(points, func(p Point) string { return p.Title }, func(at time.Time, from, to string) {
		out = append(out, TitleChange{Timestamp: at, From: from, To: to})
	})
	return out
}

func detect(points []Point, value func(Point) string, emit func(at time.Time, from, to string)) {
	last := ""
	for _, p := range points {
		v := strings.TrimSpace(value(p))
		if v == "" {
			continue
		}
		if last != "" && v != last {
			emit(p.CollectedAt, last, v)
		}
		last = v
	}
}

// Summarize fills the derived fields of info from the stream's points and
// chat message count.
func Summarize(info StreamInfo, points []Point, chatMessages int64, now time.Time) StreamInfo {
	points = sorted(points)
	info.PeakViewers = PeakViewers(points)
	info.AvgViewers = AverageViewers(points)
	info.DurationMinutes = DurationMinutes(info.StartedAt, info.EndedAt, now)
	info.MinutesWatched = int64(math.Round(WatchMinutes(points)))
	info.FollowerGain = FollowerGain(points)
	info.TotalChatMessages = chatMessages
	info.EngagementRate = EngagementRate(chatMessages, info.MinutesWatched)
	info.LastCollectedAt = nil
	if n := len(points); n > 0 {
		last := points[n-1].CollectedAt
		info.LastCollectedAt = &last
	}
	return info
}

// BuildTimeline summarizes a stream and attaches its points and change events.
func BuildTimeline(info StreamInfo, points []Point, chatMessages int64, now time.Time) Timeline {
	points = sorted(points)
	if points == nil {
		points = []Point{}
	}
	return Timeline{
		Info:            Summarize(info, points, chatMessages, now),
		Points:          points,
		CategoryChanges: CategoryChanges(points),
		TitleChanges:    TitleChanges(points),
	}
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect. A nil
// end means the stream is still open and ends at now.
func Overlaps(aStart time.Time, aEnd *time.Time, bStart time.Time, bEnd *time.Time, now time.Time) bool {
	ae, be := now, now
	if aEnd != nil {
		ae = *aEnd
	}
	if bEnd != nil {
		be = *bEnd
	}
	return bStart.Before(ae) && be.After(aStart)
}

// RankComparisons keeps candidates overlapping base, orders same-category
// streams first and then by start time, and caps the result at limit.
func RankComparisons(base StreamInfo, candidates []StreamInfo, limit int, now time.Time) []StreamInfo {
	out := make([]StreamInfo, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == base.ID {
			continue
		}
		if !Overlaps(base.StartedAt, base.EndedAt, c.StartedAt, c.EndedAt, now) {
			continue
		}
		out = append(out, c)
	}
	sameCategory := func(s StreamInfo) bool { return base.Category != "" && s.Category == base.Category }
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := sameCategory(out[i]), sameCategory(out[j])
		if si != sj {
			return si
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sorted(points []Point) []Point {
	if sort.SliceIsSorted(points, func(i, j int) bool { return points[i].CollectedAt.Before(points[j].CollectedAt) }) {
		return points
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].CollectedAt.Before(cp[j].CollectedAt) })
	return cp
}
