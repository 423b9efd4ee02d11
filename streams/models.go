// Package streams is the time-series repository: monitored channels, their
// broadcast sessions, periodic stat samples and chat messages.
package streams

import (
	"errors"
	"time"
)

// Supported platforms.
const (
	PlatformTwitch  = "twitch"
	PlatformYouTube = "youtube"
)

// DefaultPollInterval is used when a channel is registered without one.
const DefaultPollInterval = 60

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrDuplicateChannel = errors.New("channel already registered")
	ErrInvalidChannel   = errors.New("invalid channel")
)

// Channel is a monitored account on a streaming platform.
type Channel struct {
	ID           int64     `json:"id"`
	Platform     string    `json:"platform"`
	ChannelID    string    `json:"channel_id"`
	ChannelName  string    `json:"channel_name"`
	DisplayName  string    `json:"display_name,omitempty"`
	Enabled      bool      `json:"enabled"`
	PollInterval int       `json:"poll_interval"` // seconds
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Interval returns the poll interval as a duration.
func (c Channel) Interval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval * time.Second
	}
	return time.Duration(c.PollInterval) * time.Second
}

// NewChannel holds the fields needed to register a channel.
type NewChannel struct {
	Platform     string `json:"platform" toml:"platform"`
	ChannelID    string `json:"channel_id" toml:"channel_id"`
	ChannelName  string `json:"channel_name" toml:"channel_name"`
	DisplayName  string `json:"display_name" toml:"display_name"`
	Enabled      *bool  `json:"enabled" toml:"enabled"`
	PollInterval int    `json:"poll_interval" toml:"poll_interval"`
}

// ChannelUpdate is a partial edit; nil fields are left unchanged.
type ChannelUpdate struct {
	DisplayName  *string `json:"display_name"`
	Enabled      *bool   `json:"enabled"`
	PollInterval *int    `json:"poll_interval"`
}

// LiveSample is one observation of a live channel produced by a collector.
type LiveSample struct {
	StreamID      string // platform-native session id
	StartedAt     time.Time
	CollectedAt   time.Time
	ViewerCount   *int64 // nil when the platform does not report it
	Title         string
	Category      string
	ThumbnailURL  string
	FollowerCount *int64
}

// ChatMessage is one recorded chat line.
type ChatMessage struct {
	StreamID    int64
	Timestamp   time.Time
	Platform    string
	UserID      string
	UserName    string
	Message     string
	MessageType string
}

// StatRow is a sample as exported.
type StatRow struct {
	ID           int64
	StreamID     int64
	CollectedAt  time.Time
	ViewerCount  *int64
	ChatRate1Min int64
}

// StatsFilter narrows ExportStats. Zero values mean no filter.
type StatsFilter struct {
	StreamID  int64
	ChannelID int64
	Start     time.Time
	End       time.Time
}
