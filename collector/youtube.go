package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/youtubeapi"
)

// YouTube polls the Data API for a channel's live broadcast.
type YouTube struct {
	client      *youtubeapi.Client
	timeout     time.Duration
	subscribers bool
	now         func() time.Time
}

// YouTubeOption configures a YouTube collector.
type YouTubeOption func(*YouTube)

// WithYouTubeTimeout bounds each poll.
func WithYouTubeTimeout(d time.Duration) YouTubeOption { return func(y *YouTube) { y.timeout = d } }

// WithSubscriberCounts records subscriber counts as follower counts.
func WithSubscriberCounts(on bool) YouTubeOption { return func(y *YouTube) { y.subscribers = on } }

func NewYouTube(client *youtubeapi.Client, opts ...YouTubeOption) *YouTube {
	y := &YouTube{client: client, timeout: DefaultTimeout, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(y)
	}
	return y
}

// StartCollection verifies the channel exists.
func (y *YouTube) StartCollection(ctx context.Context, ch streams.Channel) error {
	ctx, cancel := withTimeout(ctx, y.timeout)
	defer cancel()
	if _, err := y.client.ChannelTitle(ctx, ch.ChannelID); err != nil {
		return fmt.Errorf("youtube channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

// PollChannel returns the live broadcast sample. A broadcast that hides its
// viewer count yields a sample with a nil ViewerCount.
func (y *YouTube) PollChannel(ctx context.Context, ch streams.Channel) (*streams.LiveSample, error) {
	ctx, cancel := withTimeout(ctx, y.timeout)
	defer cancel()
	v, err := y.client.LiveVideo(ctx, ch.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("youtube live %s: %w", ch.ChannelID, err)
	}
	if v == nil {
		return nil, nil
	}
	sample := &streams.LiveSample{
		StreamID:     v.VideoID,
		StartedAt:    v.StartedAt,
		CollectedAt:  y.now(),
		ViewerCount:  v.ConcurrentViewers,
		Title:        v.Title,
		Category:     v.Category,
		ThumbnailURL: v.ThumbnailURL,
	}
	if y.subscribers {
		subs, err := y.client.SubscriberCount(ctx, ch.ChannelID)
		if err != nil {
			slog.Debug("subscriber count unavailable", slog.String("channel", ch.ChannelID), slog.Any("err", err))
		}
		sample.FollowerCount = subs
	}
	return sample, nil
}
