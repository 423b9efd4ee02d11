// Package youtubeapi wraps the YouTube Data API for live monitoring: finding a
// channel's current broadcast, its concurrent viewers and the channel's
// subscriber count. Requests authenticate with an API key or, when no key is
// configured, with a Google OAuth2 refresh token.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

var (
	ErrNoCredentials   = errors.New("youtube: no api key or refresh token configured")
	ErrChannelNotFound = errors.New("youtube: channel not found")
)

// Config selects credentials. APIKey wins over the OAuth2 fields.
type Config struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// Endpoint and HTTPClient override the API root and transport.
	Endpoint   string
	HTTPClient *http.Client
}

// LiveVideo is the current broadcast of a channel.
type LiveVideo struct {
	VideoID string
	Title   string
	// Category is the category title when it resolves, else the numeric id.
	Category     string
	ThumbnailURL string
	StartedAt    time.Time
	// ConcurrentViewers is nil when the broadcast hides its viewer count.
	ConcurrentViewers *int64
}

type Client struct {
	svc *yt.Service

	mu         sync.Mutex
	categories map[string]string
}

// New builds a client from cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var opts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case cfg.RefreshToken != "":
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{yt.YoutubeReadonlyScope},
		}
		opts = append(opts, option.WithTokenSource(oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})))
	default:
		return nil, ErrNoCredentials
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc, categories: map[string]string{}}, nil
}

// ChannelTitle returns the title of a channel id, ErrChannelNotFound when absent.
func (c *Client) ChannelTitle(ctx context.Context, channelID string) (string, error) {
	res, err := c.svc.Channels.List([]string{"snippet"}).Id(channelID).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube channels.list: %w", err)
	}
	if len(res.Items) == 0 || res.Items[0].Snippet == nil {
		return "", fmt.Errorf("%s: %w", channelID, ErrChannelNotFound)
	}
	return res.Items[0].Snippet.Title, nil
}

// SubscriberCount returns the channel's subscriber count, nil when hidden.
func (c *Client) SubscriberCount(ctx context.Context, channelID string) (*int64, error) {
	res, err := c.svc.Channels.List([]string{"statistics"}).Id(channelID).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube channels.list: %w", err)
	}
	if len(res.Items) == 0 {
		return nil, fmt.Errorf("%s: %w", channelID, ErrChannelNotFound)
	}
	st := res.Items[0].Statistics
	if st == nil || st.HiddenSubscriberCount {
		return nil, nil
	}
	n := int64(st.SubscriberCount)
	return &n, nil
}

// LiveVideo returns the channel's current live broadcast, nil when offline.
func (c *Client) LiveVideo(ctx context.Context, channelID string) (*LiveVideo, error) {
	search, err := c.svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube search.list: %w", err)
	}
	if len(search.Items) == 0 || search.Items[0].Id == nil || search.Items[0].Id.VideoId == "" {
		return nil, nil
	}
	videoID := search.Items[0].Id.VideoId

	videos, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("youtube videos.list: %w", err)
	}
	if len(videos.Items) == 0 {
		return nil, nil
	}
	v := videos.Items[0]
	details := v.LiveStreamingDetails
	if details != nil && details.ActualEndTime != "" {
		// Search results lag behind; the broadcast already ended.
		return nil, nil
	}

	out := &LiveVideo{VideoID: v.Id}
	if v.Snippet != nil {
		out.Title = v.Snippet.Title
		out.Category = c.categoryTitle(ctx, v.Snippet.CategoryId)
		out.ThumbnailURL = thumbnail(v.Snippet.Thumbnails)
	}
	if details != nil {
		if t, err := time.Parse(time.RFC3339, details.ActualStartTime); err == nil {
			out.StartedAt = t.UTC()
		}
		// The API omits concurrentViewers when the count is hidden.
		if details.ConcurrentViewers > 0 {
			n := int64(details.ConcurrentViewers)
			out.ConcurrentViewers = &n
		}
	}
	return out, nil
}

// categoryTitle resolves a category id through a process-lifetime cache,
// falling back to the id itself.
func (c *Client) categoryTitle(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	c.mu.Lock()
	title, ok := c.categories[id]
	c.mu.Unlock()
	if ok {
		return title
	}
	res, err := c.svc.VideoCategories.List([]string{"snippet"}).Id(id).Context(ctx).Do()
	if err != nil || len(res.Items) == 0 || res.Items[0].Snippet == nil {
		return id
	}
	title = res.Items[0].Snippet.Title
	c.mu.Lock()
	c.categories[id] = title
	c.mu.Unlock()
	return title
}

func thumbnail(t *yt.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*yt.Thumbnail{t.Maxres, t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}
