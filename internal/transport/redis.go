package transport

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"underwriter/internal/logging"
)

// Redis is a Transport over Redis pub/sub. Each Subscribe opens its own
// PubSub connection and a goroutine that feeds handler until cancelled.
type Redis struct {
	client    *redis.Client
	namespace string
	logger    *logging.Logger

	mu      sync.Mutex
	cancels map[uint64]func()
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
}

func NewRedis(client *redis.Client, namespace string, logger *logging.Logger) *Redis {
	return &Redis{client: client, namespace: namespace, logger: logger, cancels: make(map[uint64]func())}
}

func (r *Redis) channel(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + ":" + name
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return r.client.Publish(ctx, r.channel(channel), payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, r.channel(channel))
	// Wait for the subscription confirmation so publishes that follow are seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = ps.Close()
			r.mu.Lock()
			delete(r.cancels, id)
			r.mu.Unlock()
		})
	}
	r.cancels[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range ps.Channel() {
			r.deliver(channel, handler, []byte(msg.Payload))
		}
	}()
	return cancel, nil
}

func (r *Redis) deliver(channel string, h Handler, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("transport handler panicked", "channel", channel, "panic", rec)
		}
	}()
	h(payload)
}

// Close cancels every subscription and waits for their goroutines.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	cancels := make([]func(), 0, len(r.cancels))
	for _, c := range r.cancels {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	r.wg.Wait()
	return nil
}
