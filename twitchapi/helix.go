// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user id resolution, live stream lookup and follower totals, using an app
// access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// ErrUserNotFound is returned when a login does not resolve to a user.
var ErrUserNotFound = errors.New("user not found")

// HelixClient provides the Helix calls needed for live monitoring.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// Limiter, when set, is shared by every request of this client.
	Limiter *rate.Limiter
}

// Config holds app credentials and endpoint overrides for NewClient.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	// RequestsPerSecond bounds all Helix calls of the client; zero means unlimited.
	RequestsPerSecond float64
}

// NewClient returns a Helix client with its own cached app token.
func NewClient(cfg Config) *HelixClient {
	hc := &HelixClient{
		AppTokenSource: &TokenSource{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret, TokenURL: cfg.TokenURL},
		ClientID:       cfg.ClientID,
		BaseURL:        cfg.BaseURL,
	}
	if cfg.RequestsPerSecond > 0 {
		hc.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	return hc
}

// Stream is one entry of GET /streams.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Language     string    `json:"language"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int64     `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// Thumbnail fills the size template of ThumbnailURL.
func (s Stream) Thumbnail() string {
	return strings.NewReplacer("{width}", "440", "{height}", "248").Replace(s.ThumbnailURL)
}

// APIError is a non-2xx Helix response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.Status, e.Body)
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// get performs an authorized GET against path and decodes the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if hc.Limiter != nil {
		if err := hc.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		hc.AppTokenSource.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%s: %w", login, ErrUserNotFound)
	}
	return body.Data[0].ID, nil
}

// GetStream returns the live stream of login, or nil when the channel is offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", url.Values{"user_login": {login}, "first": {"1"}}, &body); err != nil {
		return nil, err
	}
	for i := range body.Data {
		if body.Data[i].Type == "" || body.Data[i].Type == "live" {
			return &body.Data[i], nil
		}
	}
	return nil, nil
}

// MaxPageSize is the largest page GET /streams serves.
const MaxPageSize = 100

// StreamFilter narrows ListStreams. Empty slices mean any.
type StreamFilter struct {
	GameIDs   []string
	Languages []string
}

// ListStreams returns one page of live streams, most viewers first, and the
// cursor of the next page ("" on the last page).
func (hc *HelixClient) ListStreams(ctx context.Context, f StreamFilter, after string, first int) ([]Stream, string, error) {
	if first <= 0 || first > MaxPageSize {
		first = MaxPageSize
	}
	q := url.Values{"type": {"live"}, "first": {fmt.Sprint(first)}}
	for _, id := range f.GameIDs {
		q.Add("game_id", id)
	}
	for _, lang := range f.Languages {
		q.Add("language", lang)
	}
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data       []Stream `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}

// GetFollowerTotal returns the follower count of a broadcaster.
func (hc *HelixClient) GetFollowerTotal(ctx context.Context, broadcasterID string) (int64, error) {
	if broadcasterID == "" {
		return 0, fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Total int64 `json:"total"`
	}
	if err := hc.get(ctx, "/channels/followers", url.Values{"broadcaster_id": {broadcasterID}, "first": {"1"}}, &body); err != nil {
		return 0, err
	}
	return body.Total, nil
}
