// Package streams correlates live stream sessions with the turns serving
// them, so a client can cancel a turn by its stream id.
package streams

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	cancelChannel = "stream:cancel"
	keyPrefix     = "stream:"
	defaultTTL    = 10 * time.Minute
)

// Mirror is the shared store used to expose streams across instances.
// *redis.Client satisfies it.
type Mirror interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, payload interface{}) error
	Subscribe(ctx context.Context, channel string, handler func(payload string)) error
}

type entry struct {
	chatID    string
	cancel    context.CancelFunc
	startedAt time.Time
}

// Info describes an active stream.
type Info struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	StartedAt time.Time `json:"startedAt"`
}

type cancelMessage struct {
	StreamID string `json:"stream_id"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	streams map[string]entry
	mirror  Mirror
	ttl     time.Duration
	logger  *slog.Logger
}

type Option func(*Registry)

// WithMirror publishes streams to a shared store and honours remote cancels.
func WithMirror(m Mirror, ttl time.Duration) Option {
	return func(r *Registry) {
		r.mirror = m
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		streams: make(map[string]entry),
		ttl:     defaultTTL,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Listen subscribes to remote cancellations until ctx is done. It is a
// no-op without a mirror.
func (r *Registry) Listen(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	return r.mirror.Subscribe(ctx, cancelChannel, func(payload string) {
		var msg cancelMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			r.logger.Warn("decode stream cancel failed", "error", err)
			return
		}
		if r.cancelLocal(msg.StreamID) {
			r.logger.Info("stream cancelled remotely", "stream_id", msg.StreamID)
		}
	})
}

// Register records a new stream for chatID and returns its id.
func (r *Registry) Register(chatID string, cancel context.CancelFunc) string {
	id := uuid.NewString()
	e := entry{chatID: chatID, cancel: cancel, startedAt: time.Now().UTC()}
	r.mu.Lock()
	r.streams[id] = e
	r.mu.Unlock()

	if r.mirror != nil {
		data, _ := json.Marshal(Info{ID: id, ChatID: chatID, StartedAt: e.startedAt})
		if err := r.mirror.Set(context.Background(), keyPrefix+id, data, r.ttl); err != nil {
			r.logger.Warn("mirror stream failed", "stream_id", id, "error", err)
		}
	}
	return id
}

// Remove forgets a finished stream.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if ok && r.mirror != nil {
		if err := r.mirror.Del(context.Background(), keyPrefix+id); err != nil {
			r.logger.Warn("remove mirrored stream failed", "stream_id", id, "error", err)
		}
	}
}

// Cancel aborts the turn behind id. Streams owned by another instance are
// cancelled through the mirror; the result reports whether the stream was
// known.
func (r *Registry) Cancel(ctx context.Context, id string) bool {
	if r.cancelLocal(id) {
		return true
	}
	if r.mirror == nil {
		return false
	}
	if _, err := r.mirror.Get(ctx, keyPrefix+id); err != nil {
		return false
	}
	payload, _ := json.Marshal(cancelMessage{StreamID: id})
	if err := r.mirror.Publish(ctx, cancelChannel, payload); err != nil {
		r.logger.Warn("publish stream cancel failed", "stream_id", id, "error", err)
		return false
	}
	return true
}

func (r *Registry) cancelLocal(id string) bool {
	r.mu.Lock()
	e, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	return true
}

// Active lists local streams of chatID, oldest first.
func (r *Registry) Active(chatID string) []Info {
	r.mu.Lock()
	var out []Info
	for id, e := range r.streams {
		if e.chatID == chatID {
			out = append(out, Info{ID: id, ChatID: e.chatID, StartedAt: e.startedAt})
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
