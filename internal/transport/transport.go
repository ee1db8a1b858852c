// Package transport carries opaque payloads between hub instances. Local
// delivers within the process; Redis fans out across processes sharing a
// Redis server.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Handler receives one published payload.
type Handler func(payload []byte)

// Transport publishes payloads on named channels. Subscribe returns a
// cancel func that stops delivery to handler.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (cancel func(), err error)
	Close() error
}
