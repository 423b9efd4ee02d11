// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsTotal          *prometheus.CounterVec // labels: platform, result (live|offline|error)
	SamplesWritten      prometheus.Counter
	StreamsOpened       prometheus.Counter
	StreamsClosed       prometheus.Counter
	CheckpointsTotal    *prometheus.CounterVec // labels: result (ok|error)
	ChatMessagesWritten prometheus.Counter
	DiscoveryRuns       *prometheus.CounterVec // labels: result (ok|error)

	// Histograms (seconds)
	PollDuration *prometheus.HistogramVec // labels: platform

	// Gauges
	ActivePollTasks   prometheus.Gauge
	DiscoveredStreams prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stream_monitor_polls_total", Help: "Channel polls by platform and result"}, []string{"platform", "result"})
		SamplesWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_monitor_samples_written_total", Help: "Stream stat samples persisted"})
		StreamsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_monitor_streams_opened_total", Help: "Stream sessions opened or reopened"})
		StreamsClosed = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_monitor_streams_closed_total", Help: "Stream sessions closed"})
		CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stream_monitor_checkpoints_total", Help: "Database checkpoints by result"}, []string{"result"})
		ChatMessagesWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_monitor_chat_messages_total", Help: "Chat messages persisted"})
		PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "stream_monitor_poll_duration_seconds", Help: "Collector poll duration seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}}, []string{"platform"})
		ActivePollTasks = promauto.NewGauge(prometheus.GaugeOpts{Name: "stream_monitor_active_poll_tasks", Help: "Running per-channel poll tasks"})
		DiscoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stream_monitor_discovery_runs_total", Help: "Stream discovery passes by result"}, []string{"result"})
		DiscoveredStreams = promauto.NewGauge(prometheus.GaugeOpts{Name: "stream_monitor_discovered_streams", Help: "Live streams found by the last discovery pass"})
	})
}

// ObservePoll records one collector poll.
func ObservePoll(platform, result string, d time.Duration) {
	if PollsTotal == nil {
		return
	}
	PollsTotal.WithLabelValues(platform, result).Inc()
	PollDuration.WithLabelValues(platform).Observe(d.Seconds())
}

// ObserveCheckpoint counts a checkpoint attempt.
func ObserveCheckpoint(err error) {
	if CheckpointsTotal == nil {
		return
	}
	if err != nil {
		CheckpointsTotal.WithLabelValues("error").Inc()
		return
	}
	CheckpointsTotal.WithLabelValues("ok").Inc()
}

// ObserveDiscovery counts a discovery pass and, on success, records how many
// streams it found.
func ObserveDiscovery(found int, err error) {
	if DiscoveryRuns == nil {
		return
	}
	if err != nil {
		DiscoveryRuns.WithLabelValues("error").Inc()
		return
	}
	DiscoveryRuns.WithLabelValues("ok").Inc()
	DiscoveredStreams.Set(float64(found))
}

// IncCounter increments c if metrics are initialized.
func IncCounter(c prometheus.Counter) { if c != nil { c.Inc() } }

// SetActivePollTasks records the number of running poll tasks.
func SetActivePollTasks(n int) { if ActivePollTasks != nil { ActivePollTasks.Set(float64(n)) } }

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil { obs.Observe(d.Seconds()) }
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}
var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context { return context.WithValue(ctx, corrKey, id) }

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok { return s }
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" { return slog.Default().With(slog.String("corr", id)) }
	return slog.Default()
}
