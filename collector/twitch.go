package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/twitchapi"
)

// Twitch polls Helix for live status.
type Twitch struct {
	helix   *twitchapi.HelixClient
	timeout time.Duration
	// followers enables the follower total lookup, which needs a token
	// with access to GET /channels/followers.
	followers bool
	now       func() time.Time
}

// TwitchOption configures a Twitch collector.
type TwitchOption func(*Twitch)

// WithTwitchTimeout bounds each poll.
func WithTwitchTimeout(d time.Duration) TwitchOption { return func(t *Twitch) { t.timeout = d } }

// WithFollowerCounts enables recording follower totals.
func WithFollowerCounts(on bool) TwitchOption { return func(t *Twitch) { t.followers = on } }

func NewTwitch(helix *twitchapi.HelixClient, opts ...TwitchOption) *Twitch {
	t := &Twitch{helix: helix, timeout: DefaultTimeout, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(t)
	}
	return t
}

// StartCollection checks that app credentials are usable.
func (t *Twitch) StartCollection(ctx context.Context, ch streams.Channel) error {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()
	if _, err := t.helix.AppTokenSource.Get(ctx); err != nil {
		return fmt.Errorf("twitch credentials for %s: %w", ch.ChannelID, err)
	}
	return nil
}

// PollChannel looks up the live stream of the channel login.
func (t *Twitch) PollChannel(ctx context.Context, ch streams.Channel) (*streams.LiveSample, error) {
	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()
	s, err := t.helix.GetStream(ctx, ch.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("twitch streams %s: %w", ch.ChannelID, err)
	}
	if s == nil {
		return nil, nil
	}
	viewers := s.ViewerCount
	sample := &streams.LiveSample{
		StreamID:     s.ID,
		StartedAt:    s.StartedAt,
		CollectedAt:  t.now(),
		ViewerCount:  &viewers,
		Title:        s.Title,
		Category:     s.GameName,
		ThumbnailURL: s.Thumbnail(),
	}
	if t.followers && s.UserID != "" {
		n, err := t.helix.GetFollowerTotal(ctx, s.UserID)
		if err != nil {
			slog.Debug("follower total unavailable", slog.String("channel", ch.ChannelID), slog.Any("err", err))
		} else {
			sample.FollowerCount = &n
		}
	}
	return sample, nil
}
