// Package server exposes the HTTP API: health, readiness, metrics, channel
// management and the read-only stream analytics used by dashboards. Every
// request carries a correlation id and runs inside a tracing span.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FlowingSPDG/stream-monitor/discovery"
	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/telemetry"
)

// Poller is the part of the poll scheduler the API drives.
type Poller interface {
	StartPolling(ctx context.Context, ch streams.Channel) error
	StopPolling(channelID int64)
	Active() []int64
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures NewMux.
type Options struct {
	Repo      *streams.Repository
	Store     Pinger
	Poller    Poller
	Platforms []string // platforms with a registered collector
	Discovery *discovery.Discoverer

	// DefaultPollInterval applies to promoted channels, in seconds.
	DefaultPollInterval int

	Auth           AuthConfig
	AllowedOrigins []string
	RateLimitRPS   float64
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, opts Options) http.Handler {
	h := NewHandlers(opts)
	limiter := newIPRateLimiter(ctx, opts.RateLimitRPS, max(1, int(opts.RateLimitRPS*2)))
	admin := func(fn http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(fn, limiter), opts.Auth)
	}

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	// Channel management
	mux.HandleFunc("GET /channels", h.HandleChannelsList)
	mux.Handle("POST /channels", admin(h.HandleChannelCreate))
	mux.Handle("PATCH /channels/{id}", admin(h.HandleChannelUpdate))
	mux.Handle("DELETE /channels/{id}", admin(h.HandleChannelDelete))
	mux.HandleFunc("GET /channels/{id}/streams", h.HandleChannelStreams)

	// Stream analytics
	mux.HandleFunc("GET /streams", h.HandleStreamsByDate)
	mux.HandleFunc("GET /streams/{id}/timeline", h.HandleStreamTimeline)
	mux.HandleFunc("GET /streams/{id}/comparisons", h.HandleStreamComparisons)
	mux.HandleFunc("GET /stats/chat-rate", h.HandleChatRate)

	// Stream discovery
	mux.HandleFunc("GET /discovery", h.HandleDiscoveryList)
	mux.HandleFunc("GET /discovery/settings", h.HandleDiscoverySettings)
	mux.Handle("PUT /discovery/settings", admin(h.HandleDiscoverySettingsSave))
	mux.Handle("POST /discovery/toggle", admin(h.HandleDiscoveryToggle))
	mux.Handle("POST /discovery/refresh", admin(h.HandleDiscoveryRefresh))
	mux.Handle("POST /discovery/{login}/promote", admin(h.HandleDiscoveryPromote))
	mux.HandleFunc("GET /export/stats.csv", h.HandleExportStats)

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrapped, r.WithContext(ctx))
		telemetry.SetHTTPStatus(span, wrapped.statusCode)
	})
	return withCORS(handler, opts.AllowedOrigins)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, opts Options) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // CSV exports can be large
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
