// Package discovery finds live Twitch streams matching saved filters. The
// latest pass is kept in memory so an operator can browse it and promote a
// stream to a regular monitored channel.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FlowingSPDG/stream-monitor/collector"
	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/telemetry"
	"github.com/FlowingSPDG/stream-monitor/twitchapi"
)

// SettingsKey names the stored settings document.
const SettingsKey = "auto_discovery"

// Limits applied by Settings.Normalize.
const (
	DefaultMaxStreams   = 100
	MaxStreamsLimit     = 500
	DefaultPollInterval = 300 // seconds
	MinPollInterval     = 60
	maxPages            = 2 * MaxStreamsLimit / twitchapi.MaxPageSize
)

var (
	// ErrUnavailable is returned when no Twitch credentials are configured.
	ErrUnavailable = errors.New("discovery unavailable: twitch credentials not configured")
	// ErrNotDiscovered is returned when promoting a stream that is not in the cache.
	ErrNotDiscovered = errors.New("stream not in discovery results")
)

// Settings controls what a discovery pass looks for.
type Settings struct {
	Enabled      bool     `json:"enabled"`
	PollInterval int      `json:"poll_interval"` // seconds
	GameIDs      []string `json:"game_ids"`
	Languages    []string `json:"languages"`
	MinViewers   int64    `json:"min_viewers"`
	MaxStreams   int      `json:"max_streams"`
}

// DefaultSettings is used until settings are saved.
func DefaultSettings() Settings {
	return Settings{PollInterval: DefaultPollInterval, MaxStreams: DefaultMaxStreams, GameIDs: []string{}, Languages: []string{}}
}

// Normalize clamps MaxStreams to [1, MaxStreamsLimit] and PollInterval to at
// least MinPollInterval. Zero values take the defaults. Filter lists are
// trimmed and deduplicated; languages are lower-cased.
func (s Settings) Normalize() Settings {
	switch {
	case s.MaxStreams == 0:
		s.MaxStreams = DefaultMaxStreams
	case s.MaxStreams < 1:
		s.MaxStreams = 1
	case s.MaxStreams > MaxStreamsLimit:
		s.MaxStreams = MaxStreamsLimit
	}
	if s.PollInterval == 0 {
		s.PollInterval = DefaultPollInterval
	}
	s.PollInterval = max(s.PollInterval, MinPollInterval)
	s.MinViewers = max(s.MinViewers, 0)
	s.GameIDs = cleanList(s.GameIDs, false)
	s.Languages = cleanList(s.Languages, true)
	return s
}

// Interval returns the pass interval.
func (s Settings) Interval() time.Duration { return time.Duration(s.PollInterval) * time.Second }

func cleanList(in []string, lower bool) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Stream is one discovered live stream.
type Stream struct {
	TwitchUserID string    `json:"twitch_user_id"`
	Login        string    `json:"channel_id"`
	DisplayName  string    `json:"display_name"`
	Title        string    `json:"title"`
	Category     string    `json:"category"`
	Language     string    `json:"language"`
	ViewerCount  int64     `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Source lists live streams page by page.
type Source interface {
	ListStreams(ctx context.Context, f twitchapi.StreamFilter, after string, first int) ([]twitchapi.Stream, string, error)
}

// SettingsStore persists the settings document.
type SettingsStore interface {
	LoadSetting(ctx context.Context, name string, v any) (bool, error)
	SaveSetting(ctx context.Context, name string, v any) error
}

// Registrar registers promoted channels.
type Registrar interface {
	FindChannel(ctx context.Context, platform, channelID string) (*streams.Channel, error)
	CreateChannel(ctx context.Context, in streams.NewChannel) (streams.Channel, error)
}

// Discoverer owns the settings, the background pass loop and the result cache.
type Discoverer struct {
	source Source
	store  SettingsStore
	log    *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	settings    Settings
	cache       []Stream
	refreshedAt time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

type Option func(*Discoverer)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(d *Discoverer) { d.log = l } }

// WithDefaults replaces DefaultSettings as the settings used before any are saved.
func WithDefaults(s Settings) Option { return func(d *Discoverer) { d.settings = s.Normalize() } }

// New returns a stopped Discoverer. A nil source leaves discovery unavailable
// while settings can still be read and saved.
func New(source Source, store SettingsStore, opts ...Option) *Discoverer {
	d := &Discoverer{
		source:   source,
		store:    store,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		settings: DefaultSettings(),
		cache:    []Stream{},
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(slog.String("component", "discovery"))
	return d
}

// Available reports whether passes can run.
func (d *Discoverer) Available() bool { return d.source != nil }

// Load replaces the in-memory settings with the stored ones, if any.
func (d *Discoverer) Load(ctx context.Context) error {
	var s Settings
	found, err := d.store.LoadSetting(ctx, SettingsKey, &s)
	if err != nil || !found {
		return err
	}
	d.mu.Lock()
	d.settings = s.Normalize()
	d.mu.Unlock()
	return nil
}

// Settings returns the current settings.
func (d *Discoverer) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// SaveSettings normalizes and persists s, then starts, stops or restarts the
// pass loop to match the new Enabled flag.
func (d *Discoverer) SaveSettings(ctx context.Context, s Settings) (Settings, error) {
	s = s.Normalize()
	if err := d.store.SaveSetting(ctx, SettingsKey, s); err != nil {
		return Settings{}, err
	}
	d.mu.Lock()
	wasEnabled := d.settings.Enabled
	d.settings = s
	d.mu.Unlock()

	if !d.Available() {
		return s, nil
	}
	switch {
	case s.Enabled && wasEnabled:
		d.Stop()
		d.Start(ctx)
	case s.Enabled:
		d.Start(ctx)
	case wasEnabled:
		d.Stop()
	}
	return s, nil
}

// Toggle flips Enabled and returns the new value.
func (d *Discoverer) Toggle(ctx context.Context) (bool, error) {
	s := d.Settings()
	s.Enabled = !s.Enabled
	saved, err := d.SaveSettings(ctx, s)
	if err != nil {
		return false, err
	}
	return saved.Enabled, nil
}

// Running reports whether the pass loop is active.
func (d *Discoverer) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Start launches the pass loop. It is a no-op when the loop already runs or
// discovery is unavailable. The loop outlives ctx's cancellation; end it with Stop.
func (d *Discoverer) Start(ctx context.Context) {
	if !d.Available() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	go d.run(rctx, d.settings.Interval(), done)
}

// Stop ends the pass loop and waits for it to return.
func (d *Discoverer) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Discoverer) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	d.log.Info("discovery started", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ticker.C:
		default:
		}
		select {
		case <-ctx.Done():
			d.log.Info("discovery stopped")
			return
		case <-ticker.C:
		}
	}
}

func (d *Discoverer) tick(ctx context.Context) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "discovery", "pass")
	defer span.End()
	log := d.log.With(slog.String("corr", telemetry.GetCorrelation(ctx)))

	found, err := d.Refresh(ctx)
	switch {
	case err == nil:
		log.Debug("discovery pass complete", slog.Int("streams", len(found)))
	case ctx.Err() != nil:
	case collector.Classify(err) == collector.ErrorClassFatal:
		telemetry.RecordError(span, err)
		log.Error("discovery pass failed; will keep retrying but this needs attention", slog.Any("err", err))
	default:
		telemetry.RecordError(span, err)
		log.Warn("discovery pass failed", slog.Any("err", err))
	}
}

// Refresh runs one pass with the current settings and replaces the cache.
// Streams below MinViewers are skipped and at most MaxStreams are kept, most
// viewers first. A stream seen by the previous pass keeps its DiscoveredAt.
func (d *Discoverer) Refresh(ctx context.Context) ([]Stream, error) {
	if !d.Available() {
		return nil, ErrUnavailable
	}
	s := d.Settings()
	now := d.now()

	d.mu.Lock()
	firstSeen := make(map[string]time.Time, len(d.cache))
	for _, c := range d.cache {
		firstSeen[c.TwitchUserID] = c.DiscoveredAt
	}
	d.mu.Unlock()

	filter := twitchapi.StreamFilter{GameIDs: s.GameIDs, Languages: s.Languages}
	out := []Stream{}
	seen := map[string]bool{}
	after := ""
	for page := 1; page <= maxPages && len(out) < s.MaxStreams; page++ {
		list, cursor, err := d.source.ListStreams(ctx, filter, after, min(s.MaxStreams, twitchapi.MaxPageSize))
		if err != nil {
			telemetry.ObserveDiscovery(0, err)
			return nil, fmt.Errorf("discovery page %d: %w", page, err)
		}
		belowMin := false
		for _, hs := range list {
			if hs.ViewerCount < s.MinViewers {
				belowMin = true
				continue
			}
			if hs.UserID == "" || seen[hs.UserID] {
				continue
			}
			seen[hs.UserID] = true
			at, ok := firstSeen[hs.UserID]
			if !ok {
				at = now
			}
			out = append(out, Stream{
				TwitchUserID: hs.UserID,
				Login:        strings.ToLower(hs.UserLogin),
				DisplayName:  hs.UserName,
				Title:        hs.Title,
				Category:     hs.GameName,
				Language:     hs.Language,
				ViewerCount:  hs.ViewerCount,
				StartedAt:    hs.StartedAt,
				ThumbnailURL: hs.Thumbnail(),
				DiscoveredAt: at,
			})
			if len(out) == s.MaxStreams {
				break
			}
		}
		// Pages are ordered by viewers, so nothing further can qualify.
		if belowMin || cursor == "" || len(list) == 0 {
			break
		}
		after = cursor
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ViewerCount > out[j].ViewerCount })

	d.mu.Lock()
	d.cache = out
	d.refreshedAt = now
	d.mu.Unlock()
	telemetry.ObserveDiscovery(len(out), nil)
	return append([]Stream(nil), out...), nil
}

// Streams returns the cached results and when they were fetched (zero before
// the first pass).
func (d *Discoverer) Streams() ([]Stream, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Stream{}, d.cache...), d.refreshedAt
}

// Lookup finds a cached stream by login (case-insensitive) or Twitch user id.
func (d *Discoverer) Lookup(key string) (Stream, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.cache {
		if s.Login == key || s.TwitchUserID == key {
			return s, true
		}
	}
	return Stream{}, false
}

// Promote registers a cached stream's channel for regular monitoring. When the
// channel is already registered the existing row is returned with created false.
func (d *Discoverer) Promote(ctx context.Context, reg Registrar, key string, pollInterval int) (ch streams.Channel, created bool, err error) {
	s, ok := d.Lookup(key)
	if !ok {
		return streams.Channel{}, false, fmt.Errorf("%s: %w", key, ErrNotDiscovered)
	}
	existing, err := reg.FindChannel(ctx, streams.PlatformTwitch, s.Login)
	if err != nil {
		return streams.Channel{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}
	ch, err = reg.CreateChannel(ctx, streams.NewChannel{
		Platform:     streams.PlatformTwitch,
		ChannelID:    s.Login,
		ChannelName:  s.Login,
		DisplayName:  s.DisplayName,
		PollInterval: pollInterval,
	})
	if errors.Is(err, streams.ErrDuplicateChannel) {
		existing, ferr := reg.FindChannel(ctx, streams.PlatformTwitch, s.Login)
		if ferr == nil && existing != nil {
			return *existing, false, nil
		}
	}
	if err != nil {
		return streams.Channel{}, false, err
	}
	d.log.Info("discovered channel promoted", slog.String("channel", s.Login), slog.Int64("channel_id", ch.ID))
	return ch, true, nil
}
