package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/FlowingSPDG/stream-monitor/discovery"
	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/twitchapi"
)

type staticSource []twitchapi.Stream

func (s staticSource) ListStreams(context.Context, twitchapi.StreamFilter, string, int) ([]twitchapi.Stream, string, error) {
	return s, "", nil
}

func TestDiscoveryNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodGet, "/discovery", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /discovery = %d, want 503", rec.Code)
	}
}

func TestDiscoveryEndpoints(t *testing.T) {
	var disc *discovery.Discoverer
	env := newTestEnv(t, func(o *Options) {
		disc = discovery.New(staticSource{
			{ID: "s1", UserID: "11", UserLogin: "alpha", UserName: "Alpha", ViewerCount: 300, Type: "live"},
		}, o.Repo)
		o.Discovery = disc
		o.DefaultPollInterval = 45
	})
	t.Cleanup(disc.Stop)

	rec := env.do(t, http.MethodGet, "/discovery", "")
	body := decode[struct {
		Available bool               `json:"available"`
		Running   bool               `json:"running"`
		Streams   []discovery.Stream `json:"streams"`
	}](t, rec)
	if rec.Code != http.StatusOK || !body.Available || body.Running || len(body.Streams) != 0 {
		t.Fatalf("GET /discovery = %d %+v", rec.Code, body)
	}

	rec = env.do(t, http.MethodPut, "/discovery/settings", `{"max_streams": 900, "game_ids": ["509658"]}`)
	saved := decode[discovery.Settings](t, rec)
	if rec.Code != http.StatusOK || saved.MaxStreams != discovery.MaxStreamsLimit || len(saved.GameIDs) != 1 {
		t.Fatalf("PUT settings = %d %+v", rec.Code, saved)
	}
	if rec := env.do(t, http.MethodPut, "/discovery/settings", `{"bogus": 1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("PUT unknown field = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/discovery/refresh", "")
	if got := decode[[]discovery.Stream](t, rec); rec.Code != http.StatusOK || len(got) != 1 || got[0].Login != "alpha" {
		t.Fatalf("refresh = %d %+v", rec.Code, got)
	}

	if rec := env.do(t, http.MethodPost, "/discovery/nobody/promote", ""); rec.Code != http.StatusNotFound {
		t.Errorf("promote unknown = %d, want 404", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/discovery/alpha/promote", "")
	ch := decode[streams.Channel](t, rec)
	if rec.Code != http.StatusCreated || ch.ChannelID != "alpha" || ch.PollInterval != 45 {
		t.Fatalf("promote = %d %+v", rec.Code, ch)
	}
	if len(env.poller.started) != 1 || env.poller.started[0] != ch.ID {
		t.Errorf("poll tasks started = %v", env.poller.started)
	}
	if rec := env.do(t, http.MethodPost, "/discovery/11/promote", ""); rec.Code != http.StatusOK {
		t.Errorf("second promote = %d, want 200", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/discovery/toggle", "")
	if got := decode[map[string]bool](t, rec); !got["enabled"] || !disc.Running() {
		t.Errorf("toggle on = %+v, running %v", got, disc.Running())
	}
	rec = env.do(t, http.MethodPost, "/discovery/toggle", "")
	if got := decode[map[string]bool](t, rec); got["enabled"] || disc.Running() {
		t.Errorf("toggle off = %+v, running %v", got, disc.Running())
	}
}

func TestDiscoveryRefreshWithoutCredentials(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Discovery = discovery.New(nil, o.Repo) })
	if rec := env.do(t, http.MethodPost, "/discovery/refresh", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("refresh = %d, want 503", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/discovery/settings", ""); rec.Code != http.StatusOK {
		t.Errorf("settings = %d, want 200", rec.Code)
	}
}
