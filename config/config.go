// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Platform credentials are optional; a platform without them is simply not polled.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Storage
	DataDir               string
	DBPath                string
	DBThreads             int
	DBMemoryLimit         string
	DBCheckpointThreshold string
	CheckpointInterval    time.Duration
	CheckpointEveryWrites int

	// HTTP
	HTTPAddr           string
	AdminToken         string
	AdminUsername      string
	AdminPassword      string
	CORSAllowedOrigins []string
	RateLimitRPS       float64

	// Polling
	DefaultPollInterval int // seconds
	CollectorTimeout    time.Duration
	ChannelsFile        string

	// Twitch
	TwitchClientID       string
	TwitchClientSecret   string
	TwitchFollowerCounts bool
	TwitchRateLimit      float64 // Helix requests per second
	TwitchBotUsername    string
	TwitchOAuthToken     string
	ChatRecording        bool
	TwitchAPIBaseURL     string
	TwitchTokenURL       string

	// Discovery defaults, used until settings are saved through the API
	DiscoveryEnabled    bool
	DiscoveryInterval   time.Duration
	DiscoveryMaxStreams int
	DiscoveryMinViewers int
	DiscoveryGameIDs    []string
	DiscoveryLanguages  []string

	// YouTube
	YTAPIKey           string
	YTClientID         string
	YTClientSecret     string
	YTRefreshToken     string
	YTSubscriberCounts bool

	// Tracing
	OTLPEndpoint string
}

// Load reads environment variables and applies defaults. Malformed numbers and
// durations are errors; missing optional variables disable features.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.DataDir = getenv("DATA_DIR", "data")
	cfg.DBPath = getenv("DB_PATH", filepath.Join(cfg.DataDir, "stream_stats.db"))
	cfg.DBThreads = intEnv("DB_THREADS", 4, &errs)
	cfg.DBMemoryLimit = getenv("DB_MEMORY_LIMIT", "1GB")
	cfg.DBCheckpointThreshold = getenv("DB_CHECKPOINT_THRESHOLD", "16MB")
	cfg.CheckpointInterval = durationEnv("CHECKPOINT_INTERVAL", 5*time.Minute, &errs)
	cfg.CheckpointEveryWrites = intEnv("CHECKPOINT_EVERY_WRITES", 500, &errs)

	cfg.HTTPAddr = getenv("HTTP_ADDR", ":8080")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.CORSAllowedOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	cfg.RateLimitRPS = floatEnv("RATE_LIMIT_RPS", 5, &errs)

	cfg.DefaultPollInterval = intEnv("DEFAULT_POLL_INTERVAL", 60, &errs)
	cfg.CollectorTimeout = durationEnv("COLLECTOR_TIMEOUT", 15*time.Second, &errs)
	cfg.ChannelsFile = os.Getenv("CHANNELS_FILE")

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchFollowerCounts = boolEnv("TWITCH_FOLLOWER_COUNTS")
	cfg.TwitchRateLimit = floatEnv("TWITCH_RATE_LIMIT", 10, &errs)
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.ChatRecording = boolEnv("CHAT_RECORDING")
	cfg.TwitchAPIBaseURL = os.Getenv("TWITCH_API_BASE_URL")
	cfg.TwitchTokenURL = os.Getenv("TWITCH_TOKEN_URL")

	cfg.DiscoveryEnabled = boolEnv("DISCOVERY_ENABLED")
	cfg.DiscoveryInterval = durationEnv("DISCOVERY_INTERVAL", 5*time.Minute, &errs)
	cfg.DiscoveryMaxStreams = intEnv("DISCOVERY_MAX_STREAMS", 100, &errs)
	cfg.DiscoveryMinViewers = intEnv("DISCOVERY_MIN_VIEWERS", 0, &errs)
	cfg.DiscoveryGameIDs = splitList(os.Getenv("DISCOVERY_GAME_IDS"))
	cfg.DiscoveryLanguages = splitList(os.Getenv("DISCOVERY_LANGUAGES"))

	cfg.YTAPIKey = os.Getenv("YT_API_KEY")
	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRefreshToken = os.Getenv("YT_REFRESH_TOKEN")
	cfg.YTSubscriberCounts = boolEnv("YT_SUBSCRIBER_COUNTS")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH must not be empty"))
	}
	if c.DBThreads <= 0 {
		errs = append(errs, fmt.Errorf("DB_THREADS must be positive, got %d", c.DBThreads))
	}
	if c.DefaultPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_POLL_INTERVAL must be positive, got %d", c.DefaultPollInterval))
	}
	if c.CollectorTimeout <= 0 {
		errs = append(errs, fmt.Errorf("COLLECTOR_TIMEOUT must be positive, got %s", c.CollectorTimeout))
	}
	if c.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("CHECKPOINT_INTERVAL must be positive, got %s", c.CheckpointInterval))
	}
	if c.CheckpointEveryWrites < 0 {
		errs = append(errs, fmt.Errorf("CHECKPOINT_EVERY_WRITES must not be negative, got %d", c.CheckpointEveryWrites))
	}
	if c.RateLimitRPS <= 0 || c.TwitchRateLimit <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and TWITCH_RATE_LIMIT must be positive"))
	}
	if c.DiscoveryMaxStreams < 1 || c.DiscoveryMaxStreams > 500 {
		errs = append(errs, fmt.Errorf("DISCOVERY_MAX_STREAMS must be between 1 and 500, got %d", c.DiscoveryMaxStreams))
	}
	if c.DiscoveryInterval < time.Minute {
		errs = append(errs, fmt.Errorf("DISCOVERY_INTERVAL must be at least 1m, got %s", c.DiscoveryInterval))
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together"))
	}
	return errors.Join(errs...)
}

// TwitchEnabled reports whether app credentials for Helix are present.
func (c *Config) TwitchEnabled() bool { return c.TwitchClientID != "" && c.TwitchClientSecret != "" }

// YouTubeEnabled reports whether an API key or a refresh token is present.
func (c *Config) YouTubeEnabled() bool {
	return c.YTAPIKey != "" || (c.YTRefreshToken != "" && c.YTClientID != "" && c.YTClientSecret != "")
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return n
}

func floatEnv(key string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return f
}

// durationEnv accepts Go durations ("90s") or bare seconds ("90").
func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return d
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
