// Command stream-monitor is the daemon entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the DuckDB store (single process, file lock) and runs migrations.
//   - Registers platform collectors for which credentials are configured.
//   - Seeds channels from CHANNELS_FILE and starts a poll task per enabled channel.
//   - Optionally records Twitch chat for live streams.
//   - Runs Twitch stream discovery when enabled.
//   - Runs the periodic checkpointer and the HTTP API (/healthz, /metrics, /channels, /streams).
//
// Shutdown is graceful on SIGINT/SIGTERM: poll tasks stop first, then the store is closed.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/FlowingSPDG/stream-monitor/chat"
	"github.com/FlowingSPDG/stream-monitor/collector"
	"github.com/FlowingSPDG/stream-monitor/config"
	"github.com/FlowingSPDG/stream-monitor/db"
	"github.com/FlowingSPDG/stream-monitor/discovery"
	"github.com/FlowingSPDG/stream-monitor/poller"
	"github.com/FlowingSPDG/stream-monitor/server"
	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/telemetry"
	"github.com/FlowingSPDG/stream-monitor/twitchapi"
	"github.com/FlowingSPDG/stream-monitor/youtubeapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("stream-monitor exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT. Without an
// explicit format, terminals get text and everything else gets JSON.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stderr, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
		if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			format = "text"
		}
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(cfg *config.Config) error {
	telemetry.Init()

	// Tracing is a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set
	shutdownTracing, err := telemetry.InitTracing("stream-monitor", version, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := db.Open(ctx, cfg.DBPath,
		db.WithThreads(cfg.DBThreads),
		db.WithMemoryLimit(cfg.DBMemoryLimit),
		db.WithCheckpointThreshold(cfg.DBCheckpointThreshold),
		db.WithCheckpointEvery(cfg.CheckpointEveryWrites),
	)
	if err != nil {
		if errors.Is(err, db.ErrRestartRequired) {
			slog.Error("database needs a process restart before it can be opened again", slog.String("path", cfg.DBPath))
		}
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, store); err != nil {
		return err
	}

	repo := streams.New(store)
	var helix *twitchapi.HelixClient
	if cfg.TwitchEnabled() {
		helix = twitchapi.NewClient(twitchapi.Config{
			ClientID:          cfg.TwitchClientID,
			ClientSecret:      cfg.TwitchClientSecret,
			BaseURL:           cfg.TwitchAPIBaseURL,
			TokenURL:          cfg.TwitchTokenURL,
			RequestsPerSecond: cfg.TwitchRateLimit,
		})
	}
	registry := buildCollectors(ctx, cfg, helix)
	if len(registry.Platforms()) == 0 {
		slog.Warn("no platform credentials configured; channels will be stored but not polled")
	}

	if cfg.ChannelsFile != "" {
		seedChannels(ctx, repo, cfg)
	}

	var opts []poller.Option
	var recorder *chat.Recorder
	if cfg.ChatRecording {
		var chatOpts []chat.Option
		if cfg.TwitchBotUsername != "" && cfg.TwitchOAuthToken != "" {
			chatOpts = append(chatOpts, chat.WithCredentials(cfg.TwitchBotUsername, cfg.TwitchOAuthToken))
		}
		recorder = chat.New(repo, chatOpts...)
		opts = append(opts, poller.WithObserver(recorder))
	}
	p := poller.New(registry, repo, repo, opts...)

	// Re-register every enabled channel
	enabled, err := repo.EnabledChannels(ctx)
	if err != nil {
		return err
	}
	for _, ch := range enabled {
		if err := p.StartPolling(ctx, ch); err != nil {
			slog.Warn("channel not polled", slog.Int64("channel_id", ch.ID), slog.String("platform", ch.Platform), slog.Any("err", err))
		}
	}
	slog.Info("polling started", slog.Int("channels", len(p.Active())))

	disc, err := setupDiscovery(ctx, cfg, helix, repo)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.RunCheckpointer(gctx, cfg.CheckpointInterval)
		return nil
	})
	if recorder != nil {
		g.Go(func() error { return recorder.Run(gctx) })
	}
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.Options{
			Repo:           repo,
			Store:          store,
			Poller:         p,
			Platforms:      registry.Platforms(),
			Auth:           server.AuthConfig{Username: cfg.AdminUsername, Password: cfg.AdminPassword, Token: cfg.AdminToken},
			AllowedOrigins: cfg.CORSAllowedOrigins,
			RateLimitRPS:   cfg.RateLimitRPS,
			Discovery:      disc,

			DefaultPollInterval: cfg.DefaultPollInterval,
		})
	})

	<-gctx.Done()
	slog.Info("shutting down")
	disc.Stop()
	p.StopAll()
	stop()
	return g.Wait()
}

// buildCollectors registers a collector for every platform with credentials.
func buildCollectors(ctx context.Context, cfg *config.Config, helix *twitchapi.HelixClient) *collector.Registry {
	reg := collector.NewRegistry()
	if helix != nil {
		reg.Register(streams.PlatformTwitch, collector.NewTwitch(helix,
			collector.WithTwitchTimeout(cfg.CollectorTimeout),
			collector.WithFollowerCounts(cfg.TwitchFollowerCounts),
		))
	}
	if cfg.YouTubeEnabled() {
		client, err := youtubeapi.New(ctx, youtubeapi.Config{
			APIKey:       cfg.YTAPIKey,
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			RefreshToken: cfg.YTRefreshToken,
		})
		if err != nil {
			slog.Error("youtube client init failed", slog.Any("err", err))
		} else {
			reg.Register(streams.PlatformYouTube, collector.NewYouTube(client,
				collector.WithYouTubeTimeout(cfg.CollectorTimeout),
				collector.WithSubscriberCounts(cfg.YTSubscriberCounts),
			))
		}
	}
	slog.Info("collectors registered", slog.Any("platforms", reg.Platforms()))
	return reg
}

// setupDiscovery loads saved discovery settings, falling back to the
// environment defaults, and starts the pass loop when enabled. Discovery
// shares the Helix client, and with it the limiter, used by polling.
func setupDiscovery(ctx context.Context, cfg *config.Config, helix *twitchapi.HelixClient, repo *streams.Repository) (*discovery.Discoverer, error) {
	var src discovery.Source
	if helix != nil {
		src = helix
	}
	disc := discovery.New(src, repo, discovery.WithDefaults(discovery.Settings{
		Enabled:      cfg.DiscoveryEnabled,
		PollInterval: int(cfg.DiscoveryInterval / time.Second),
		GameIDs:      cfg.DiscoveryGameIDs,
		Languages:    cfg.DiscoveryLanguages,
		MinViewers:   int64(cfg.DiscoveryMinViewers),
		MaxStreams:   cfg.DiscoveryMaxStreams,
	}))
	if err := disc.Load(ctx); err != nil {
		return nil, err
	}
	switch s := disc.Settings(); {
	case !s.Enabled:
	case !disc.Available():
		slog.Warn("discovery enabled but twitch credentials are missing; not started")
	default:
		disc.Start(ctx)
	}
	return disc, nil
}

// seedChannels registers channels from the seed file; already registered ones are skipped.
func seedChannels(ctx context.Context, repo *streams.Repository, cfg *config.Config) {
	seeds, err := config.LoadChannelSeeds(cfg.ChannelsFile)
	if err != nil {
		slog.Error("channel seed file ignored", slog.String("path", cfg.ChannelsFile), slog.Any("err", err))
		return
	}
	added := 0
	for _, seed := range seeds {
		if seed.PollInterval == 0 {
			seed.PollInterval = cfg.DefaultPollInterval
		}
		_, err := repo.CreateChannel(ctx, seed)
		switch {
		case err == nil:
			added++
		case errors.Is(err, streams.ErrDuplicateChannel):
		default:
			slog.Warn("seed channel rejected", slog.String("platform", seed.Platform), slog.String("channel_id", seed.ChannelID), slog.Any("err", err))
		}
	}
	slog.Info("channel seeds applied", slog.Int("added", added), slog.Int("total", len(seeds)))
}
