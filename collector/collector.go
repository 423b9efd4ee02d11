// Package collector turns platform APIs into live samples. A Collector answers
// one question per poll: is this channel live, and what does it look like now.
package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/FlowingSPDG/stream-monitor/streams"
)

// DefaultTimeout bounds a single poll when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// Collector observes one platform.
type Collector interface {
	// StartCollection runs once before a channel's first poll.
	StartCollection(ctx context.Context, ch streams.Channel) error
	// PollChannel returns the current sample, or nil when the channel is not live.
	PollChannel(ctx context.Context, ch streams.Channel) (*streams.LiveSample, error)
}

// Registry maps platform names to collectors.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register installs c for platform, replacing any previous collector.
func (r *Registry) Register(platform string, c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[platform] = c
}

// Get returns the collector of platform.
func (r *Registry) Get(platform string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[platform]
	return c, ok
}

// Platforms lists registered platforms in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.collectors))
	for p := range r.collectors {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
