package tools

import (
	"context"
	"sync"
	"time"
)

const (
	DocumentChunkSizeDefault = 2000
	DocumentChunkSizeMin     = 500
	DocumentChunkSizeMax     = 4000
	DocumentRateLimit        = 5
	DocumentRateWindow       = time.Minute
)

type chatContextKey struct{}

// WithChatID tags ctx with the chat a tool call belongs to.
func WithChatID(ctx context.Context, chatID string) context.Context {
	if chatID == "" {
		return ctx
	}
	return context.WithValue(ctx, chatContextKey{}, chatID)
}

func ChatIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(chatContextKey{}).(string)
	return id, ok && id != ""
}

// rateLimiter is a sliding-window limiter keyed by caller.
type rateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
	now    func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time), now: time.Now}
}

func (l *rateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}
