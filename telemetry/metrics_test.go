package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := SamplesWritten
	Init()
	if SamplesWritten != first {
		t.Fatal("Init re-registered metrics")
	}
}

func TestObservePoll(t *testing.T) {
	Init()
	before := testutil.ToFloat64(PollsTotal.WithLabelValues("twitch", "live"))
	ObservePoll("twitch", "live", 120*time.Millisecond)
	ObservePoll("twitch", "live", 80*time.Millisecond)
	if got := testutil.ToFloat64(PollsTotal.WithLabelValues("twitch", "live")) - before; got != 2 {
		t.Errorf("polls counted = %v, want 2", got)
	}
}

func TestObserveCheckpoint(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(CheckpointsTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(CheckpointsTotal.WithLabelValues("error"))
	ObserveCheckpoint(nil)
	ObserveCheckpoint(errors.New("disk full"))
	if got := testutil.ToFloat64(CheckpointsTotal.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Errorf("ok checkpoints = %v, want 1", got)
	}
	if got := testutil.ToFloat64(CheckpointsTotal.WithLabelValues("error")) - errBefore; got != 1 {
		t.Errorf("failed checkpoints = %v, want 1", got)
	}
}

func TestObserveDiscovery(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(DiscoveryRuns.WithLabelValues("ok"))
	ObserveDiscovery(12, nil)
	ObserveDiscovery(0, errors.New("helix: status 503"))
	if got := testutil.ToFloat64(DiscoveryRuns.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Errorf("ok runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DiscoveredStreams); got != 12 {
		t.Errorf("discovered gauge = %v, want 12 (failed pass must not reset it)", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds", Help: "Test duration"})
	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", d)
	}
	if n := testutil.CollectAndCount(h); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing("stream-monitor", "test", "")
	if err != nil {
		t.Fatalf("InitTracing() error: %v", err)
	}
	shutdown()
	_, span := StartSpan(WithCorrelation(context.Background(), "c"), "test", "noop", ChannelAttrs(1, "twitch")...)
	RecordError(span, errors.New("x"))
	SetHTTPStatus(span, 500)
	span.End()
}
