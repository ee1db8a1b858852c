package transport

import (
	"context"
	"sync"

	"underwriter/internal/logging"
)

type localSub struct {
	id      uint64
	handler Handler
}

// Local is an in-process Transport. Handlers run synchronously on the
// publisher's goroutine; a panicking handler is logged and skipped.
type Local struct {
	mu     sync.RWMutex
	subs   map[string][]localSub
	nextID uint64
	closed bool
	logger *logging.Logger
}

func NewLocal(logger *logging.Logger) *Local {
	return &Local{subs: make(map[string][]localSub), logger: logger}
}

func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(l.subs[channel]))
	for _, s := range l.subs[channel] {
		handlers = append(handlers, s.handler)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		l.deliver(channel, h, payload)
	}
	return nil
}

func (l *Local) deliver(channel string, h Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("transport handler panicked", "channel", channel, "panic", r)
		}
	}()
	h(payload)
}

func (l *Local) Subscribe(_ context.Context, channel string, handler Handler) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	l.nextID++
	id := l.nextID
	l.subs[channel] = append(l.subs[channel], localSub{id: id, handler: handler})
	var once sync.Once
	return func() {
		once.Do(func() { l.unsubscribe(channel, id) })
	}, nil
}

func (l *Local) unsubscribe(channel string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := l.subs[channel]
	for i, s := range subs {
		if s.id == id {
			l.subs[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subs[channel]) == 0 {
		delete(l.subs, channel)
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.subs = make(map[string][]localSub)
	return nil
}
