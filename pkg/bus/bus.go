package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spiderfoot/fabric/pkg/types"
)

var (
	// ErrNotConnected is returned when an operation requires a live backend
	// connection and the bus is disconnected.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrBadPattern is returned by Subscribe for patterns that violate the
	// topic grammar.
	ErrBadPattern = errors.New("bus: invalid subscription pattern")

	// ErrUnknownBackend is returned by New for unrecognised backend kinds.
	ErrUnknownBackend = errors.New("bus: unknown backend")
)

// BackendKind selects one of the interchangeable bus implementations.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendRedis  BackendKind = "redis"
	BackendNATS   BackendKind = "nats"
)

// Handler consumes one envelope. The bus invokes handlers on its own
// scheduler, never on the publisher's call path. A non-nil error counts the
// delivery as failed: in-memory backends log it, remote backends leave the
// message unacknowledged for redelivery.
type Handler func(ctx context.Context, env *types.Envelope) error

// handlerPanicError converts a recovered handler panic into an error so the
// remote backends can route it through their failed-delivery path.
type handlerPanicError struct {
	value any
}

func (e *handlerPanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// Bus routes envelopes from producers to subscribers, decoupled by topic.
// Implementations must be safe for concurrent use.
type Bus interface {
	// Connect establishes backend resources. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect cancels all dispatch loops and releases backend resources.
	// Idempotent. In-flight handler invocations may complete; queued
	// in-memory deliveries are dropped, remote entries stay in the stream.
	Disconnect(ctx context.Context) error

	// Publish delivers the envelope to all subscriptions whose pattern
	// matches env.Topic. The returned bool reports whether at least one
	// subscriber accepted the envelope; remote backends report whether the
	// append was durably accepted by the broker. Transport failures are
	// retried with exponential backoff before surfacing as an error.
	Publish(ctx context.Context, env *types.Envelope) (bool, error)

	// Subscribe registers a handler for all topics matching pattern and
	// returns the subscription id.
	Subscribe(pattern string, fn Handler) (string, error)

	// Unsubscribe tears down a subscription. Idempotent: unknown ids are a
	// no-op. In-flight deliveries may complete; no new ones start.
	Unsubscribe(id string) error

	// Connected reports whether the backend is reachable.
	Connected() bool

	// Backend identifies the implementation.
	Backend() BackendKind
}

// Config tunes the bus backends. Zero values fall back to the defaults
// applied by New.
type Config struct {
	Backend       BackendKind
	ChannelPrefix string

	// QueueSize bounds each in-memory subscription queue.
	QueueSize int

	// PublishRetries is the total number of backend-level publish attempts
	// on transport errors. RetryBase seeds the exponential backoff between
	// attempts (base * 2^(attempt-1)).
	PublishRetries int
	RetryBase      time.Duration

	// Redis Streams backend.
	RedisURL     string
	StreamMaxLen int64

	// ScanInterval is how often wildcard subscriptions on the Redis backend
	// rediscover matching streams.
	ScanInterval time.Duration

	// NATS JetStream backend.
	NATSURL    string
	NATSStream string
}

func (c Config) withDefaults() Config {
	out := c
	if out.ChannelPrefix == "" {
		out.ChannelPrefix = "spiderfoot"
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.PublishRetries <= 0 {
		out.PublishRetries = 3
	}
	if out.RetryBase <= 0 {
		out.RetryBase = 100 * time.Millisecond
	}
	if out.StreamMaxLen <= 0 {
		out.StreamMaxLen = 10000
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = 2 * time.Second
	}
	if out.NATSStream == "" {
		out.NATSStream = "SPIDERFOOT"
	}
	return out
}

// New constructs the backend selected by cfg.Backend. The returned bus is
// disconnected; callers must Connect before publishing.
func New(cfg Config) (Bus, error) {
	resolved := cfg.withDefaults()
	switch resolved.Backend {
	case BackendMemory, "":
		return newMemoryBus(resolved), nil
	case BackendRedis:
		return newRedisBus(resolved), nil
	case BackendNATS:
		return newNATSBus(resolved), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}
