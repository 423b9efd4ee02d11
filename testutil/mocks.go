package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.handlers[r.URL.Path]
		m.hits[r.URL.Path]++
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for an exact path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// Transport returns a RoundTripper that sends every request to the mock server,
// keeping path and query.
func (m *MockTwitchServer) Transport() http.RoundTripper {
	target, _ := url.Parse(m.URL)
	return &rewriteTransport{target: target}
}

type rewriteTransport struct{ target *url.URL }

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	r.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	})
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": streams})
	})
}

// MockFollowersResponse adds a handler for /helix/channels/followers endpoint
func (m *MockTwitchServer) MockFollowersResponse(total int64) {
	m.Handle("/helix/channels/followers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"total": total, "data": []any{}})
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
