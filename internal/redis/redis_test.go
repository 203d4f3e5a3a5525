package redis

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"negotiatechat/internal/config"
)

// newTestClient connects to TEST_REDIS_ADDR or skips the test.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	client, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{Enabled: true, Host: host, Port: port}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNilClientReportsNotInitialized(t *testing.T) {
	var c *Client
	ctx := context.Background()
	assert.ErrorIs(t, c.Set(ctx, "k", "v", time.Second), errNotInitialized)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, errNotInitialized)
	assert.ErrorIs(t, c.Publish(ctx, "ch", "x"), errNotInitialized)
	assert.NoError(t, c.Close())
}

func TestSetGetDel(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "negotiatechat:test", "value", time.Minute))
	got, err := client.Get(ctx, "negotiatechat:test")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	require.NoError(t, client.Del(ctx, "negotiatechat:test"))
	_, err = client.Get(ctx, "negotiatechat:test")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestPublishSubscribe(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	require.NoError(t, client.Subscribe(ctx, "negotiatechat:test:ch", func(p string) { got <- p }))
	require.NoError(t, client.Publish(ctx, "negotiatechat:test:ch", "hello"))

	select {
	case p := <-got:
		assert.Equal(t, "hello", p)
	case <-time.After(time.Second):
		t.Fatal("did not receive pubsub message")
	}
}
