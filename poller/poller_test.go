package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FlowingSPDG/stream-monitor/collector"
	"github.com/FlowingSPDG/stream-monitor/db"
	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/testutil"
)

const unit = 10 * time.Millisecond

type fakeCollector struct {
	startErr error
	starts   atomic.Int32
	polls    atomic.Int32
	// poll decides the result of the n-th poll (1-based).
	poll func(n int32, ch streams.Channel) (*streams.LiveSample, error)
}

func (f *fakeCollector) StartCollection(ctx context.Context, ch streams.Channel) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeCollector) PollChannel(ctx context.Context, ch streams.Channel) (*streams.LiveSample, error) {
	n := f.polls.Add(1)
	if f.poll == nil {
		return nil, nil
	}
	return f.poll(n, ch)
}

type fakeSource struct {
	mu       sync.Mutex
	channels map[int64]streams.Channel
	failNext int
}

func (s *fakeSource) GetChannel(ctx context.Context, id int64) (*streams.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return nil, errors.New("database is busy")
	}
	c, ok := s.channels[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *fakeSource) update(id int64, fn func(*streams.Channel)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.channels[id]
	fn(&c)
	s.channels[id] = c
}

func (s *fakeSource) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
}

type fakeSink struct {
	mu      sync.Mutex
	samples map[int64]int
	ended   map[int64]int
}

func (s *fakeSink) RecordSample(ctx context.Context, ch streams.Channel, smp streams.LiveSample) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[ch.ID]++
	return ch.ID * 100, nil
}

func (s *fakeSink) EndLiveStream(ctx context.Context, channelID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended[channelID]++
	return true, nil
}

func (s *fakeSink) count(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples[id]
}

type fakeObserver struct {
	live    atomic.Int32
	offline atomic.Int32
}

func (o *fakeObserver) StreamLive(ctx context.Context, ch streams.Channel, id int64) { o.live.Add(1) }
func (o *fakeObserver) StreamOffline(channelID int64)                                { o.offline.Add(1) }

func liveSample(n int32, ch streams.Channel) (*streams.LiveSample, error) {
	v := int64(n)
	return &streams.LiveSample{StreamID: "s1", CollectedAt: time.Now(), ViewerCount: &v}, nil
}

type harness struct {
	p      *Poller
	col    *fakeCollector
	source *fakeSource
	sink   *fakeSink
	obs    *fakeObserver
}

func newHarness(t *testing.T, col *fakeCollector, channels ...streams.Channel) *harness {
	t.Helper()
	reg := collector.NewRegistry()
	reg.Register(streams.PlatformTwitch, col)
	h := &harness{
		col:    col,
		source: &fakeSource{channels: map[int64]streams.Channel{}},
		sink:   &fakeSink{samples: map[int64]int{}, ended: map[int64]int{}},
		obs:    &fakeObserver{},
	}
	for _, c := range channels {
		h.source.channels[c.ID] = c
	}
	h.p = New(reg, h.source, h.sink, WithObserver(h.obs))
	h.p.interval = func(c streams.Channel) time.Duration { return time.Duration(c.PollInterval) * unit }
	t.Cleanup(h.p.StopAll)
	return h
}

func channel(id int64) streams.Channel {
	return streams.Channel{ID: id, Platform: streams.PlatformTwitch, ChannelID: fmt.Sprintf("c%d", id), Enabled: true, PollInterval: 1}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartPollingDisabledChannel(t *testing.T) {
	ch := channel(1)
	ch.Enabled = false
	h := newHarness(t, &fakeCollector{}, ch)

	if err := h.p.StartPolling(context.Background(), ch); err != nil {
		t.Fatalf("StartPolling() error: %v", err)
	}
	time.Sleep(5 * unit)
	if h.p.Running(ch.ID) || h.col.starts.Load() != 0 {
		t.Error("disabled channel started a task")
	}
}

func TestStartPollingUnsupportedPlatform(t *testing.T) {
	h := newHarness(t, &fakeCollector{})
	ch := channel(1)
	ch.Platform = "kick"

	err := h.p.StartPolling(context.Background(), ch)
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("StartPolling() error = %v, want ErrUnsupportedPlatform", err)
	}
	if len(h.p.Active()) != 0 {
		t.Error("task spawned for unsupported platform")
	}
}

func TestStartPollingIsIdempotent(t *testing.T) {
	ch := channel(1)
	h := newHarness(t, &fakeCollector{poll: liveSample}, ch)

	for i := 0; i < 3; i++ {
		if err := h.p.StartPolling(context.Background(), ch); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "first sample", func() bool { return h.sink.count(ch.ID) > 0 })
	if n := h.col.starts.Load(); n != 1 {
		t.Errorf("StartCollection called %d times, want 1", n)
	}
	if got := h.p.Active(); len(got) != 1 || got[0] != ch.ID {
		t.Errorf("Active() = %v", got)
	}
}

func TestTaskOutlivesCallerContext(t *testing.T) {
	ch := channel(1)
	h := newHarness(t, &fakeCollector{poll: liveSample}, ch)
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.p.StartPolling(ctx, ch); err != nil {
		t.Fatal(err)
	}
	cancel()
	waitFor(t, "polls after caller cancel", func() bool { return h.sink.count(ch.ID) >= 3 })
}

func TestDisableStopsTask(t *testing.T) {
	ch := channel(1)
	h := newHarness(t, &fakeCollector{poll: liveSample}, ch)
	if err := h.p.StartPolling(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "samples", func() bool { return h.sink.count(ch.ID) >= 2 })

	h.source.update(ch.ID, func(c *streams.Channel) { c.Enabled = false })
	waitFor(t, "task exit", func() bool { return !h.p.Running(ch.ID) })
	n := h.sink.count(ch.ID)
	time.Sleep(5 * unit)
	if got := h.sink.count(ch.ID); got != n {
		t.Errorf("samples written after disable: %d -> %d", n, got)
	}
	if h.obs.offline.Load() == 0 {
		t.Error("observer not told the channel went away")
	}
}

func TestDeleteStopsTask(t *testing.T) {
	ch := channel(1)
	h := newHarness(t, &fakeCollector{poll: liveSample}, ch)
	if err := h.p.StartPolling(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "samples", func() bool { return h.sink.count(ch.ID) >= 1 })

	h.source.remove(ch.ID)
	waitFor(t, "task exit", func() bool { return !h.p.Running(ch.ID) })
	polls := h.col.polls.Load()
	time.Sleep(5 * unit)
	if h.col.polls.Load() != polls {
		t.Error("collector polled after delete")
	}
}

func TestSetupFailureTerminates(t *testing.T) {
	ch := channel(1)
	h := newHarness(t, &fakeCollector{startErr: errors.New("bad credentials"), poll: liveSample}, ch)
	if err := h.p.StartPolling(context.Background(), ch); err != nil {
		t.Fatalf("StartPolling() error: %v", err)
	}
	waitFor(t, "task exit", func() bool { return !h.p.Running(ch.ID) })
	time.Sleep(3 * unit)
	if h.col.starts.Load() != 1 || h.col.polls.Load() != 0 {
		t.Errorf("starts=%d polls=%d, want 1 and 0", h.col.starts.Load(), h.col.polls.Load())
	}
}

func TestTransientErrorsKeepPolling(t *testing.T) {
	ch := channel(1)
	col := &fakeCollector{poll: func(n int32, c streams.Channel) (*streams.LiveSample, error) {
		if n <= 2 {
			return nil, errors.New("503 from platform")
		}
		return liveSample(n, c)
	}}
	h := newHarness(t, col, ch)
	h.source.failNext = 2
	if err := h.p.StartPolling(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "recovery", func() bool { return h.sink.count(ch.ID) >= 2 })
	if !h.p.Running(ch.ID) {
		t.Error("task exited after transient errors")
	}
}

func TestOfflineClosesStream(t *testing.T) {
	ch := channel(1)
	h := newHarness(t, &fakeCollector{}, ch)
	if err := h.p.StartPolling(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offline handling", func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		return h.sink.ended[ch.ID] >= 2
	})
	if h.sink.count(ch.ID) != 0 {
		t.Error("offline poll wrote a sample")
	}
	if h.obs.live.Load() != 0 || h.obs.offline.Load() == 0 {
		t.Errorf("observer live=%d offline=%d", h.obs.live.Load(), h.obs.offline.Load())
	}
}

func TestIntervalChangeApplies(t *testing.T) {
	ch := channel(1)
	h := newHarness(t, &fakeCollector{poll: liveSample}, ch)
	if err := h.p.StartPolling(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "samples", func() bool { return h.sink.count(ch.ID) >= 2 })

	h.source.update(ch.ID, func(c *streams.Channel) { c.PollInterval = 1000 })
	// The change is read on the next tick; after that polls slow down.
	time.Sleep(3 * unit)
	before := h.sink.count(ch.ID)
	time.Sleep(20 * unit)
	if got := h.sink.count(ch.ID); got > before+1 {
		t.Errorf("polling continued at the old interval: %d -> %d", before, got)
	}
}

func TestStopPollingAndStopAll(t *testing.T) {
	a, b := channel(1), channel(2)
	h := newHarness(t, &fakeCollector{poll: liveSample}, a, b)
	for _, c := range []streams.Channel{a, b} {
		if err := h.p.StartPolling(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	h.p.StopPolling(a.ID)
	h.p.StopPolling(a.ID)
	if h.p.Running(a.ID) || !h.p.Running(b.ID) {
		t.Fatalf("Active() = %v, want [2]", h.p.Active())
	}

	h.p.StopAll()
	if len(h.p.Active()) != 0 {
		t.Fatalf("Active() after StopAll = %v", h.p.Active())
	}
	polls := h.col.polls.Load()
	time.Sleep(5 * unit)
	if h.col.polls.Load() != polls {
		t.Error("collector polled after StopAll returned")
	}

	// A stopped channel can be started again.
	if err := h.p.StartPolling(context.Background(), a); err != nil || !h.p.Running(a.ID) {
		t.Errorf("restart = %v, running %v", err, h.p.Running(a.ID))
	}
}

func TestConcurrentChannelsKeepSamplesOrdered(t *testing.T) {
	store := testutil.NewStore(t)
	repo := streams.New(store)
	ctx := context.Background()

	col := &fakeCollector{poll: func(n int32, c streams.Channel) (*streams.LiveSample, error) {
		v := int64(n)
		// Coarse timestamps force collisions between consecutive samples.
		return &streams.LiveSample{StreamID: "live-" + c.ChannelID, CollectedAt: time.Now().Truncate(time.Second), ViewerCount: &v}, nil
	}}
	reg := collector.NewRegistry()
	reg.Register(streams.PlatformTwitch, col)
	p := New(reg, repo, repo)
	p.interval = func(streams.Channel) time.Duration { return 2 * unit }
	t.Cleanup(p.StopAll)

	var ids []int64
	for i := 0; i < 3; i++ {
		c, err := repo.CreateChannel(ctx, streams.NewChannel{Platform: "twitch", ChannelID: fmt.Sprintf("ch%d", i)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
		if err := p.StartPolling(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "samples on every channel", func() bool {
		return countStats(t, store) >= 15
	})
	p.StopAll()

	for _, id := range ids {
		list, err := repo.ChannelStreams(ctx, id, 0, 0)
		if err != nil || len(list) != 1 {
			t.Fatalf("channel %d streams = %v, %v", id, list, err)
		}
		tl, err := repo.StreamTimeline(ctx, list[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		for i := 1; i < len(tl.Points); i++ {
			if !tl.Points[i].CollectedAt.After(tl.Points[i-1].CollectedAt) {
				t.Fatalf("channel %d: sample %d not after %d", id, i, i-1)
			}
		}
	}
}

func countStats(t *testing.T, store *db.Store) int {
	t.Helper()
	var n int
	err := store.WithConn(context.Background(), func(q db.Querier) error {
		return q.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM stream_stats`).Scan(&n)
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}
