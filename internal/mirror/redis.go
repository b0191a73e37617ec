// Redis pub/sub transport.

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisTransport is a Transport on Redis pub/sub channels.
type RedisTransport struct {
	client *redis.Client
	closed atomic.Bool

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

// DialRedis returns a transport for a redis:// or rediss:// URL. An
// unreachable server is logged, not returned; the client reconnects on use.
func DialRedis(ctx context.Context, rawURL string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	t := &RedisTransport{client: redis.NewClient(opts)}
	if err := t.client.Ping(ctx).Err(); err != nil {
		slog.WarnContext(ctx, "Redis not reachable", "addr", opts.Addr, "err", err)
	} else {
		slog.InfoContext(ctx, "Redis connected", "addr", opts.Addr)
	}
	return t, nil
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

// Subscribe implements Transport. Messages are delivered until Close.
func (t *RedisTransport) Subscribe(ctx context.Context, topics []string, fn func(topic string)) error {
	ps := t.client.Subscribe(context.WithoutCancel(ctx), topics...)
	t.mu.Lock()
	t.pubsubs = append(t.pubsubs, ps)
	t.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			fn(msg.Channel)
		}
	}()
	return nil
}

// Connected implements Transport. The client connects on demand, so it is
// connected until closed.
func (t *RedisTransport) Connected() bool {
	return !t.closed.Load()
}

// Close implements Transport.
func (t *RedisTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	pubsubs := t.pubsubs
	t.pubsubs = nil
	t.mu.Unlock()
	var errs []error
	for _, ps := range pubsubs {
		errs = append(errs, ps.Close())
	}
	errs = append(errs, t.client.Close())
	return errors.Join(errs...)
}
