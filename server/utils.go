package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/telemetry"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// parseIDQuery parses an optional positive id query parameter; absent is 0.
func parseIDQuery(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return id, nil
}

// parseTimeQuery accepts RFC3339 timestamps or plain YYYY-MM-DD dates.
// A missing key yields the zero time.
func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC3339 or YYYY-MM-DD", key, v)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRepoError maps repository sentinels to status codes and logs the rest.
func writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, streams.ErrInvalidChannel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, streams.ErrDuplicateChannel):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, streams.ErrChannelNotFound), errors.Is(err, streams.ErrStreamNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
