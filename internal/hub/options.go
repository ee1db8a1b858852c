package hub

import (
	"time"

	"underwriter/internal/kv"
	"underwriter/internal/logging"
	"underwriter/internal/transport"
)

const (
	defaultParticipantTTL = time.Hour
	defaultMaxQueue       = 1000
	defaultRequestTimeout = 30 * time.Second
)

// Config holds the Hub's collaborators. All fields are optional: without a
// Store the roster is process-local, without a Transport messages stay
// in-process.
type Config struct {
	Store     kv.Store
	Transport transport.Transport
	Logger    *logging.Logger
}

type hubConfig struct {
	participantTTL time.Duration
	maxQueue       int
	requestTimeout time.Duration
	now            func() time.Time
	newID          func() string
}

// Option configures a Hub.
type Option func(*hubConfig)

// WithParticipantTTL bounds how long a cached roster entry lives in the
// shared store without a refresh.
func WithParticipantTTL(d time.Duration) Option {
	return func(c *hubConfig) { c.participantTTL = d }
}

// WithMaxQueue caps each participant's queue. When full the oldest message
// is evicted. Zero or negative means the default.
func WithMaxQueue(n int) Option {
	return func(c *hubConfig) { c.maxQueue = n }
}

// WithRequestTimeout sets the timeout Request uses when called with zero.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *hubConfig) { c.requestTimeout = d }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *hubConfig) { c.now = now }
}

// WithIDGenerator overrides message and correlation id generation.
func WithIDGenerator(f func() string) Option {
	return func(c *hubConfig) { c.newID = f }
}
