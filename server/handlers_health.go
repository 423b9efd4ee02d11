package server

import (
	"errors"
	"net/http"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.Ping(r.Context()) }},
		{"collectors", func() error {
			if len(h.platforms) == 0 {
				return errors.New("no platform credentials configured")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "platforms": h.platforms})
}

// HandleStatus reports the channels that currently have a poll task.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	active := []int64{}
	if h.poller != nil {
		active = h.poller.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_poll_tasks": len(active),
		"polling":           active,
		"platforms":         h.platforms,
	})
}
