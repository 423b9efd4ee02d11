package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/FlowingSPDG/stream-monitor/discovery"
	"github.com/FlowingSPDG/stream-monitor/export"
	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/telemetry"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 16

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	repo      *streams.Repository
	store     Pinger
	poller    Poller
	platforms []string
	discovery *discovery.Discoverer

	defaultPollInterval int
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(opts Options) *Handlers {
	return &Handlers{
		repo:      opts.Repo,
		store:     opts.Store,
		poller:    opts.Poller,
		platforms: opts.Platforms,
		discovery: opts.Discovery,

		defaultPollInterval: opts.DefaultPollInterval,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// HandleChannelsList returns every registered channel.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListChannels(r.Context())
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleChannelCreate registers a channel and starts polling it when enabled.
func (h *Handlers) HandleChannelCreate(w http.ResponseWriter, r *http.Request) {
	var in streams.NewChannel
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	ch, err := h.repo.CreateChannel(r.Context(), in)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	h.startPolling(r, ch)
	writeJSON(w, http.StatusCreated, ch)
}

// HandleChannelUpdate applies a partial edit. Enabling starts the poll task
// and disabling stops it; a running task picks up interval changes itself.
func (h *Handlers) HandleChannelUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var upd streams.ChannelUpdate
	if err := decodeBody(w, r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	ch, err := h.repo.UpdateChannel(r.Context(), id, upd)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	if ch.Enabled {
		h.startPolling(r, ch)
	} else if h.poller != nil {
		h.poller.StopPolling(ch.ID)
	}
	writeJSON(w, http.StatusOK, ch)
}

// HandleChannelDelete stops polling and removes the channel with its history.
func (h *Handlers) HandleChannelDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.poller != nil {
		h.poller.StopPolling(id)
	}
	if err := h.repo.DeleteChannel(r.Context(), id); err != nil {
		writeRepoError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startPolling logs rather than fails: the channel is stored either way and an
// unsupported platform only means no collector is configured for it yet.
func (h *Handlers) startPolling(r *http.Request, ch streams.Channel) {
	if h.poller == nil {
		return
	}
	if err := h.poller.StartPolling(r.Context(), ch); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("polling not started",
			slog.Int64("channel_id", ch.ID), slog.String("platform", ch.Platform), slog.Any("err", err))
	}
}

// HandleChannelStreams lists a channel's streams newest first.
func (h *Handlers) HandleChannelStreams(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, err := h.repo.GetChannel(r.Context(), id)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	if ch == nil {
		writeRepoError(w, r, streams.ErrChannelNotFound)
		return
	}
	list, err := h.repo.ChannelStreams(r.Context(), id,
		parseIntQuery(r, "limit", streams.DefaultChannelStreamsLimit), parseIntQuery(r, "offset", 0))
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleStreamsByDate lists streams started within [from, to] (calendar days).
// Both bounds default to today.
func (h *Handlers) HandleStreamsByDate(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	today := time.Now().UTC()
	if from.IsZero() {
		from = today
	}
	if to.IsZero() {
		to = today
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}
	list, err := h.repo.StreamsByDateRange(r.Context(), from, to,
		parseIntQuery(r, "limit", streams.DefaultDateRangeLimit), parseIntQuery(r, "offset", 0))
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleStreamTimeline returns the stream summary, samples and change events.
func (h *Handlers) HandleStreamTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tl, err := h.repo.StreamTimeline(r.Context(), id)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

// HandleStreamComparisons suggests overlapping streams to compare against.
func (h *Handlers) HandleStreamComparisons(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.repo.ComparisonSuggestions(r.Context(), id, parseIntQuery(r, "limit", streams.DefaultComparisonLimit))
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleExportStats streams samples as CSV.
func (h *Handlers) HandleExportStats(w http.ResponseWriter, r *http.Request) {
	var f streams.StatsFilter
	var err error
	if f.Start, err = parseTimeQuery(r, "start"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.End, err = parseTimeQuery(r, "end"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.StreamID, err = parseIDQuery(r, "stream_id"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.ChannelID, err = parseIDQuery(r, "channel_id"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.repo.ExportStats(r.Context(), f)
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="stream_stats.csv"`)
	if err := export.WriteStatsCSV(w, rows); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("csv export interrupted", slog.Any("err", err))
	}
}

// HandleChatRate reports chat messages received across all streams in the last minute.
func (h *Handlers) HandleChatRate(w http.ResponseWriter, r *http.Request) {
	n, err := h.repo.RealtimeChatRate(r.Context())
	if err != nil {
		writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"chat_rate_1min": n})
}
