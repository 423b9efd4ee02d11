package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/FlowingSPDG/stream-monitor/discovery"
)

// discoveryReady writes 503 and reports false when discovery is not wired, or
// when needSource is set and no Twitch credentials are configured.
func (h *Handlers) discoveryReady(w http.ResponseWriter, needSource bool) bool {
	if h.discovery == nil || (needSource && !h.discovery.Available()) {
		writeError(w, http.StatusServiceUnavailable, discovery.ErrUnavailable.Error())
		return false
	}
	return true
}

// HandleDiscoveryList returns the cached results of the last discovery pass.
func (h *Handlers) HandleDiscoveryList(w http.ResponseWriter, r *http.Request) {
	if !h.discoveryReady(w, false) {
		return
	}
	list, at := h.discovery.Streams()
	var refreshed *time.Time
	if !at.IsZero() {
		refreshed = &at
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available":    h.discovery.Available(),
		"running":      h.discovery.Running(),
		"settings":     h.discovery.Settings(),
		"refreshed_at": refreshed,
		"streams":      list,
	})
}

// HandleDiscoverySettings returns the current discovery settings.
func (h *Handlers) HandleDiscoverySettings(w http.ResponseWriter, r *http.Request) {
	if !h.discoveryReady(w, false) {
		return
	}
	writeJSON(w, http.StatusOK, h.discovery.Settings())
}

// HandleDiscoverySettingsSave replaces the settings and applies them to the
// background loop.
func (h *Handlers) HandleDiscoverySettingsSave(w http.ResponseWriter, r *http.Request) {
	if !h.discoveryReady(w, false) {
		return
	}
	var in discovery.Settings
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	saved, err := h.discovery.SaveSettings(r.Context(), in)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// HandleDiscoveryToggle flips the enabled flag.
func (h *Handlers) HandleDiscoveryToggle(w http.ResponseWriter, r *http.Request) {
	if !h.discoveryReady(w, false) {
		return
	}
	on, err := h.discovery.Toggle(r.Context())
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": on})
}

// HandleDiscoveryRefresh runs a pass now.
func (h *Handlers) HandleDiscoveryRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.discoveryReady(w, true) {
		return
	}
	list, err := h.discovery.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleDiscoveryPromote registers a discovered channel and starts polling
// it. An already registered channel is returned with 200.
func (h *Handlers) HandleDiscoveryPromote(w http.ResponseWriter, r *http.Request) {
	if !h.discoveryReady(w, false) {
		return
	}
	ch, created, err := h.discovery.Promote(r.Context(), h.repo, r.PathValue("login"), h.defaultPollInterval)
	if errors.Is(err, discovery.ErrNotDiscovered) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	h.startPolling(r, ch)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ch)
}
