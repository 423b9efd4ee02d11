package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/FlowingSPDG/stream-monitor/testutil"
)

func newTestClient(t *testing.T, m *testutil.MockTwitchServer) *HelixClient {
	t.Helper()
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "secret"}
	ts.tok = &oauth2.Token{AccessToken: "test-token", Expiry: time.Now().Add(time.Hour)}
	return &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		BaseURL:        m.URL + "/helix",
	}
}

func TestGetStream(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-Id") != "test-client-id" || r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		if r.URL.Query().Get("user_login") == "offline" {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"40952121085","user_id":"1","user_login":"alpha","user_name":"Alpha",
			"game_name":"Just Chatting","type":"live","title":"hello","viewer_count":78365,
			"started_at":"2021-03-10T15:04:21Z","thumbnail_url":"https://example.com/{width}x{height}.jpg"}]}`))
	})
	c := newTestClient(t, m)

	s, err := c.GetStream(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("GetStream() error: %v", err)
	}
	if s == nil {
		t.Fatal("GetStream() = nil, want live stream")
	}
	if s.ID != "40952121085" || s.ViewerCount != 78365 || s.GameName != "Just Chatting" || s.UserID != "1" {
		t.Errorf("GetStream() = %+v", s)
	}
	if !s.StartedAt.Equal(time.Date(2021, 3, 10, 15, 4, 21, 0, time.UTC)) {
		t.Errorf("StartedAt = %v", s.StartedAt)
	}

	off, err := c.GetStream(context.Background(), "offline")
	if err != nil || off != nil {
		t.Errorf("GetStream(offline) = %+v, %v; want nil, nil", off, err)
	}
	if _, err := c.GetStream(context.Background(), ""); err == nil {
		t.Error("expected error for empty login")
	}
}

func TestGetFollowerTotal(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockFollowersResponse(1234)
	c := newTestClient(t, m)

	n, err := c.GetFollowerTotal(context.Background(), "1")
	if err != nil || n != 1234 {
		t.Errorf("GetFollowerTotal() = %d, %v; want 1234", n, err)
	}
}

func TestGetUserID(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("login") == "alpha" {
			_, _ = w.Write([]byte(`{"data":[{"id":"12345","login":"alpha"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	c := newTestClient(t, m)

	id, err := c.GetUserID(context.Background(), "alpha")
	if err != nil || id != "12345" {
		t.Errorf("GetUserID() = %q, %v", id, err)
	}
	if _, err := c.GetUserID(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUserID(ghost) error = %v, want ErrUserNotFound", err)
	}
}

func TestHelixErrorStatus(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
	})
	c := newTestClient(t, m)

	_, err := c.GetStream(context.Background(), "alpha")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("GetStream() error = %v, want APIError 401", err)
	}
	if c.AppTokenSource.cached() != "" {
		t.Error("401 should invalidate the cached app token")
	}
}

func TestHelixLimiterHonorsContext(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockStreamsResponse(nil)
	c := newTestClient(t, m)
	c.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	if _, err := c.GetStream(context.Background(), "alpha"); err != nil {
		t.Fatalf("first request error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.GetStream(ctx, "alpha"); err == nil {
		t.Error("second request should fail waiting on the limiter")
	}
	if got := m.Hits("/helix/streams"); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestListStreams(t *testing.T) {
	tests := []struct {
		name       string
		filter     StreamFilter
		after      string
		first      int
		wantQuery  map[string][]string
		wantCursor string
	}{
		{
			name:       "first page with filters",
			filter:     StreamFilter{GameIDs: []string{"509658", "21779"}, Languages: []string{"ja"}},
			first:      20,
			wantQuery:  map[string][]string{"game_id": {"509658", "21779"}, "language": {"ja"}, "first": {"20"}, "type": {"live"}},
			wantCursor: "next",
		},
		{
			name:      "page size clamped and cursor forwarded",
			after:     "next",
			first:     500,
			wantQuery: map[string][]string{"first": {"100"}, "after": {"next"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockTwitchServer(t)
			m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				for k, want := range tt.wantQuery {
					got := q[k]
					if len(got) != len(want) {
						t.Errorf("query %s = %v, want %v", k, got, want)
						continue
					}
					for i := range want {
						if got[i] != want[i] {
							t.Errorf("query %s = %v, want %v", k, got, want)
						}
					}
				}
				if q.Get("after") == "" {
					_, _ = w.Write([]byte(`{"data":[{"id":"1","user_id":"11","user_login":"alpha","game_id":"509658","language":"ja","viewer_count":900},
						{"id":"2","user_id":"22","user_login":"beta","viewer_count":40}],"pagination":{"cursor":"next"}}`))
					return
				}
				_, _ = w.Write([]byte(`{"data":[{"id":"3","user_id":"33","user_login":"gamma","viewer_count":5}],"pagination":{}}`))
			})
			c := newTestClient(t, m)

			list, cursor, err := c.ListStreams(context.Background(), tt.filter, tt.after, tt.first)
			if err != nil {
				t.Fatalf("ListStreams() error: %v", err)
			}
			if cursor != tt.wantCursor {
				t.Errorf("cursor = %q, want %q", cursor, tt.wantCursor)
			}
			if tt.after == "" && (len(list) != 2 || list[0].GameID != "509658" || list[0].Language != "ja") {
				t.Errorf("ListStreams() = %+v", list)
			}
			if tt.after != "" && (len(list) != 1 || list[0].UserLogin != "gamma") {
				t.Errorf("ListStreams() = %+v", list)
			}
		})
	}
}

func TestNewClientUsesOverrides(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("app-token", 3600)
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"42","login":"alpha"}]}`))
	})
	c := NewClient(Config{
		ClientID:          "id",
		ClientSecret:      "secret",
		BaseURL:           m.URL + "/helix",
		TokenURL:          m.URL + "/oauth2/token",
		RequestsPerSecond: 5,
	})
	if c.Limiter == nil || c.Limiter.Burst() != 5 {
		t.Errorf("limiter = %+v", c.Limiter)
	}
	id, err := c.GetUserID(context.Background(), "alpha")
	if err != nil || id != "42" {
		t.Fatalf("GetUserID() = %q, %v", id, err)
	}
	if NewClient(Config{}).Limiter != nil {
		t.Error("zero rate should leave the client unlimited")
	}
}
