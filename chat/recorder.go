package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/FlowingSPDG/stream-monitor/streams"
)

// Sink stores recorded messages.
type Sink interface {
	InsertChatMessages(ctx context.Context, msgs []streams.ChatMessage) error
}

// ircClient is the subset of *twitch.Client the recorder drives.
type ircClient interface {
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Depart(channel string)
	Connect() error
	Disconnect() error
}

type room struct {
	channelID   int64
	streamRowID int64
}

// Recorder is the shared Twitch chat connection.
type Recorder struct {
	sink       Sink
	client     ircClient
	log        *slog.Logger
	flushEvery time.Duration
	batchSize  int

	mu      sync.Mutex
	rooms   map[string]room  // login -> target stream
	logins  map[int64]string // channel id -> login
	pending []streams.ChatMessage
	kick    chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithCredentials logs in as a bot account instead of anonymously.
func WithCredentials(username, oauthToken string) Option {
	return func(r *Recorder) {
		if username != "" && oauthToken != "" {
			r.client = twitch.NewClient(username, oauthToken)
		}
	}
}

// WithFlushInterval sets how often buffered messages are written.
func WithFlushInterval(d time.Duration) Option { return func(r *Recorder) { r.flushEvery = d } }

// WithBatchSize flushes early once n messages are buffered.
func WithBatchSize(n int) Option { return func(r *Recorder) { r.batchSize = n } }

func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.log = l } }

func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:       sink,
		log:        slog.Default(),
		flushEvery: 2 * time.Second,
		batchSize:  200,
		rooms:      make(map[string]room),
		logins:     make(map[int64]string),
		kick:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	if r.client == nil {
		r.client = twitch.NewAnonymousClient()
	}
	r.log = r.log.With(slog.String("component", "chat"))
	r.client.OnPrivateMessage(r.handle)
	return r
}

// Run keeps the IRC connection and the flusher alive until ctx is done, then
// disconnects and writes what is still buffered.
func (r *Recorder) Run(ctx context.Context) error {
	connErr := make(chan error, 1)
	go func() { connErr <- r.client.Connect() }()

	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.client.Disconnect(); err != nil {
				r.log.Debug("irc disconnect", slog.Any("err", err))
			}
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			r.flush(flushCtx)
			cancel()
			return nil
		case err := <-connErr:
			// Connect returns only on Disconnect or a fatal login error.
			if err != nil && ctx.Err() == nil {
				r.log.Error("twitch chat connection ended", slog.Any("err", err))
			}
			connErr = nil
		case <-ticker.C:
			r.flush(ctx)
		case <-r.kick:
			r.flush(ctx)
		}
	}
}

// StreamLive routes the channel's chat to streamRowID, joining its room on
// first sight. Non-Twitch channels are ignored.
func (r *Recorder) StreamLive(_ context.Context, ch streams.Channel, streamRowID int64) {
	if ch.Platform != streams.PlatformTwitch {
		return
	}
	login := strings.ToLower(ch.ChannelID)
	r.mu.Lock()
	_, joined := r.rooms[login]
	r.rooms[login] = room{channelID: ch.ID, streamRowID: streamRowID}
	r.logins[ch.ID] = login
	r.mu.Unlock()
	if !joined {
		r.client.Join(login)
		r.log.Info("recording chat", slog.Int64("channel_id", ch.ID), slog.String("room", login))
	}
}

// StreamOffline departs the channel's room. Safe to call repeatedly.
func (r *Recorder) StreamOffline(channelID int64) {
	r.mu.Lock()
	login, ok := r.logins[channelID]
	if ok {
		delete(r.logins, channelID)
		delete(r.rooms, login)
	}
	r.mu.Unlock()
	if ok {
		r.client.Depart(login)
		r.log.Info("chat recording stopped", slog.Int64("channel_id", channelID), slog.String("room", login))
		r.signal()
	}
}

// Rooms lists joined rooms.
func (r *Recorder) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for login := range r.rooms {
		out = append(out, login)
	}
	return out
}

func (r *Recorder) handle(msg twitch.PrivateMessage) {
	r.mu.Lock()
	rm, ok := r.rooms[strings.ToLower(msg.Channel)]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, toChatMessage(rm.streamRowID, msg))
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()
	if full {
		r.signal()
	}
}

func (r *Recorder) signal() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := r.sink.InsertChatMessages(ctx, batch); err != nil {
		r.log.Error("failed to write chat messages", slog.Int("count", len(batch)), slog.Any("err", err))
	}
}

func toChatMessage(streamRowID int64, msg twitch.PrivateMessage) streams.ChatMessage {
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	kind := "normal"
	switch {
	case msg.Bits > 0:
		kind = "cheer"
	case msg.Action:
		kind = "action"
	}
	return streams.ChatMessage{
		StreamID:    streamRowID,
		Timestamp:   ts.UTC(),
		Platform:    streams.PlatformTwitch,
		UserID:      msg.User.ID,
		UserName:    name,
		Message:     msg.Message,
		MessageType: kind,
	}
}
