// Package poller keeps one polling task per enabled channel. Each task owns
// its own ticker, re-reads the channel row on every tick so configuration
// edits apply without a restart, and exits on its own when the channel is
// disabled or deleted.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FlowingSPDG/stream-monitor/collector"
	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/telemetry"
)

// ErrUnsupportedPlatform is returned when no collector is registered for a
// channel's platform.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// ChannelSource reads the current channel row. A nil channel means deleted.
type ChannelSource interface {
	GetChannel(ctx context.Context, id int64) (*streams.Channel, error)
}

// SampleSink persists poll results.
type SampleSink interface {
	RecordSample(ctx context.Context, ch streams.Channel, s streams.LiveSample) (int64, error)
	EndLiveStream(ctx context.Context, channelID int64, at time.Time) (bool, error)
}

// SessionObserver is told when a channel is seen live and when it is not.
type SessionObserver interface {
	StreamLive(ctx context.Context, ch streams.Channel, streamRowID int64)
	StreamOffline(channelID int64)
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller is the owned registry of per-channel tasks.
type Poller struct {
	collectors *collector.Registry
	channels   ChannelSource
	sink       SampleSink
	observer   SessionObserver
	log        *slog.Logger
	now        func() time.Time
	interval   func(streams.Channel) time.Duration

	mu    sync.Mutex
	tasks map[int64]*task
	wg    sync.WaitGroup
}

type Option func(*Poller)

// WithObserver installs a session observer.
func WithObserver(o SessionObserver) Option { return func(p *Poller) { p.observer = o } }

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.log = l } }

func New(collectors *collector.Registry, channels ChannelSource, sink SampleSink, opts ...Option) *Poller {
	p := &Poller{
		collectors: collectors,
		channels:   channels,
		sink:       sink,
		log:        slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		interval:   streams.Channel.Interval,
		tasks:      make(map[int64]*task),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(slog.String("component", "poller"))
	return p
}

// StartPolling spawns the task for ch and returns immediately. Disabled
// channels and channels that already have a task are no-ops. The task
// outlives ctx's cancellation; stop it with StopPolling or StopAll.
func (p *Poller) StartPolling(ctx context.Context, ch streams.Channel) error {
	if !ch.Enabled {
		return nil
	}
	c, ok := p.collectors.Get(ch.Platform)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedPlatform, ch.Platform)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, running := p.tasks[ch.ID]; running {
		return nil
	}
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{cancel: cancel, done: make(chan struct{})}
	p.tasks[ch.ID] = t
	telemetry.SetActivePollTasks(len(p.tasks))
	p.wg.Add(1)
	go p.run(tctx, t, c, ch)
	return nil
}

// StopPolling cancels the channel's task, if any, without waiting for it.
func (p *Poller) StopPolling(channelID int64) {
	p.mu.Lock()
	t, ok := p.tasks[channelID]
	if ok {
		delete(p.tasks, channelID)
		telemetry.SetActivePollTasks(len(p.tasks))
	}
	p.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// StopAll cancels every task and waits until all of them have returned.
func (p *Poller) StopAll() {
	p.mu.Lock()
	for id, t := range p.tasks {
		t.cancel()
		delete(p.tasks, id)
	}
	telemetry.SetActivePollTasks(0)
	p.mu.Unlock()
	p.wg.Wait()
}

// Running reports whether channelID has a task.
func (p *Poller) Running(channelID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[channelID]
	return ok
}

// Active lists channel ids with a task, ascending.
func (p *Poller) Active() []int64 {
	p.mu.Lock()
	out := make([]int64, 0, len(p.tasks))
	for id := range p.tasks {
		out = append(out, id)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// remove deletes the registry entry only if it still belongs to t.
func (p *Poller) remove(channelID int64, t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.tasks[channelID]; ok && cur == t {
		delete(p.tasks, channelID)
		telemetry.SetActivePollTasks(len(p.tasks))
	}
}

func (p *Poller) run(ctx context.Context, t *task, c collector.Collector, ch streams.Channel) {
	defer p.wg.Done()
	defer close(t.done)
	defer p.remove(ch.ID, t)
	defer t.cancel()
	if p.observer != nil {
		defer p.observer.StreamOffline(ch.ID)
	}

	log := p.log.With(slog.Int64("channel_id", ch.ID), slog.String("platform", ch.Platform))
	if err := c.StartCollection(ctx, ch); err != nil {
		if ctx.Err() == nil {
			log.Error("collector setup failed; polling not started", slog.Any("err", err))
		}
		return
	}
	interval := p.interval(ch)
	log.Info("polling started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		next, keep := p.tick(ctx, c, ch, log)
		if !keep {
			return
		}
		ch = next
		if d := p.interval(ch); d != interval {
			log.Info("poll interval changed", slog.Duration("from", interval), slog.Duration("to", d))
			interval = d
			ticker.Reset(interval)
		}
		// A tick that fired while polling is dropped rather than run late.
		select {
		case <-ticker.C:
		default:
		}
		select {
		case <-ctx.Done():
			log.Info("polling stopped")
			return
		case <-ticker.C:
		}
	}
}

// tick performs one poll cycle. It returns the latest channel row and whether
// the task should keep running.
func (p *Poller) tick(ctx context.Context, c collector.Collector, ch streams.Channel, log *slog.Logger) (next streams.Channel, keep bool) {
	next, keep = ch, true
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "poller", "poll", telemetry.ChannelAttrs(ch.ID, ch.Platform)...)
	defer span.End()
	log = log.With(slog.String("corr", telemetry.GetCorrelation(ctx)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("poll panicked", slog.Any("panic", r))
			telemetry.ObservePoll(ch.Platform, "error", 0)
		}
	}()

	cur, err := p.channels.GetChannel(ctx, ch.ID)
	switch {
	case ctx.Err() != nil:
		return ch, false
	case err != nil:
		log.Warn("channel read failed; skipping tick", slog.Any("err", err))
		return ch, true
	case cur == nil:
		log.Info("channel deleted; polling stopped")
		return ch, false
	case !cur.Enabled:
		log.Info("channel disabled; polling stopped")
		return *cur, false
	}
	next = *cur

	start := time.Now()
	sample, err := c.PollChannel(ctx, next)
	if err != nil {
		if ctx.Err() != nil {
			return next, false
		}
		telemetry.ObservePoll(next.Platform, "error", time.Since(start))
		telemetry.RecordError(span, err)
		if class := collector.Classify(err); class == collector.ErrorClassFatal {
			log.Error("poll failed; will keep retrying but this needs attention", slog.String("class", class.String()), slog.Any("err", err))
		} else {
			log.Warn("poll failed", slog.String("class", class.String()), slog.Any("err", err))
		}
		return next, true
	}

	if sample == nil {
		closed, err := p.sink.EndLiveStream(ctx, next.ID, p.now())
		if err != nil {
			telemetry.RecordError(span, err)
			log.Error("failed to close live stream", slog.Any("err", err))
		} else if closed {
			log.Info("stream went offline")
		}
		if p.observer != nil {
			p.observer.StreamOffline(next.ID)
		}
		telemetry.ObservePoll(next.Platform, "offline", time.Since(start))
		return next, true
	}

	streamRowID, err := p.sink.RecordSample(ctx, next, *sample)
	if err != nil {
		telemetry.ObservePoll(next.Platform, "error", time.Since(start))
		telemetry.RecordError(span, err)
		log.Error("failed to record sample", slog.Any("err", err))
		return next, true
	}
	telemetry.ObservePoll(next.Platform, "live", time.Since(start))
	log.Debug("sample recorded", slog.Int64("stream", streamRowID), slog.String("session", sample.StreamID))
	if p.observer != nil {
		p.observer.StreamLive(ctx, next, streamRowID)
	}
	return next, true
}
