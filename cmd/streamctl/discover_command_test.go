package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/FlowingSPDG/stream-monitor/testutil"
)

func mockHelix(t *testing.T) {
	t.Helper()
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("app-token", 3600)
	m.MockStreamsResponse([]map[string]any{
		{"id": "s1", "user_id": "11", "user_login": "speedy", "user_name": "Speedy", "game_name": "Celeste", "language": "en", "type": "live", "title": "any%", "viewer_count": 900, "started_at": "2024-06-01T12:00:00Z"},
		{"id": "s2", "user_id": "12", "user_login": "slowpoke", "user_name": "Slowpoke", "game_name": "Celeste", "language": "en", "type": "live", "title": "casual", "viewer_count": 40, "started_at": "2024-06-01T11:00:00Z"},
	})
	t.Setenv("TWITCH_CLIENT_ID", "client")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("TWITCH_API_BASE_URL", m.URL+"/helix")
	t.Setenv("TWITCH_TOKEN_URL", m.URL+"/oauth2/token")
}

func TestDiscoverCommands(t *testing.T) {
	mockHelix(t)
	path := filepath.Join(t.TempDir(), "stream_stats.db")

	out, err := runCLI(t, path, "discover")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	for _, want := range []string{"speedy", "slowpoke", "Celeste"} {
		if !strings.Contains(out, want) {
			t.Errorf("discover output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, path, "discover", "--min-viewers", "100")
	if err != nil || !strings.Contains(out, "speedy") || strings.Contains(out, "slowpoke") {
		t.Errorf("discover --min-viewers = %q, %v", out, err)
	}

	out, err = runCLI(t, path, "discover", "promote", "Speedy", "--interval", "45")
	if err != nil || !strings.Contains(out, "Registered channel 1 (twitch/speedy)") {
		t.Fatalf("promote = %q, %v", out, err)
	}
	out, err = runCLI(t, path, "discover", "promote", "11")
	if err != nil || !strings.Contains(out, "already registered") {
		t.Errorf("second promote = %q, %v", out, err)
	}
	if _, err := runCLI(t, path, "discover", "promote", "nobody"); err == nil {
		t.Error("promoting an undiscovered login succeeded")
	}

	out, err = runCLI(t, path, "channels", "list")
	if err != nil || !strings.Contains(out, "speedy") || !strings.Contains(out, "45s") {
		t.Errorf("channels after promote = %q, %v", out, err)
	}
}

func TestDiscoverSettingsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream_stats.db")

	out, err := runCLI(t, path, "discover", "settings")
	if err != nil || !strings.Contains(out, "Max streams: 100") || !strings.Contains(out, "Discovery:   disabled") {
		t.Fatalf("settings = %q, %v", out, err)
	}

	out, err = runCLI(t, path, "discover", "settings", "--enable", "--max", "900", "--language", "JA", "--interval", "10")
	if err != nil {
		t.Fatalf("settings save: %v", err)
	}
	for _, want := range []string{"Discovery:   enabled", "Max streams: 500", "Interval:    60s", "Languages:   ja"} {
		if !strings.Contains(out, want) {
			t.Errorf("saved settings missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, path, "discover", "settings")
	if err != nil || !strings.Contains(out, "Max streams: 500") || !strings.Contains(out, "Discovery:   enabled") {
		t.Errorf("reloaded settings = %q, %v", out, err)
	}

	if _, err := runCLI(t, path, "discover", "settings", "--enable", "--disable"); err == nil {
		t.Error("--enable with --disable accepted")
	}
}

func TestDiscoverNeedsCredentials(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	path := filepath.Join(t.TempDir(), "stream_stats.db")
	_, err := runCLI(t, path, "discover")
	if err == nil || !strings.Contains(err.Error(), "TWITCH_CLIENT_ID") {
		t.Errorf("err = %v, want missing credentials", err)
	}
}
