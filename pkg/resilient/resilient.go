package resilient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/bus"
	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/types"
)

// ErrCircuitOpen is returned by Publish when the breaker rejects the attempt
// at admission. The envelope is preserved in the DLQ.
var ErrCircuitOpen = errors.New("resilient: circuit breaker open")

// Config tunes the middleware. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive publish failures that open the
	// circuit. RecoveryTimeout is how long the circuit stays open before
	// admitting probes; HalfOpenMax caps concurrent probes.
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMax      int

	// MaxPublishRetries is the total number of publish attempts per
	// envelope; RetryBase seeds the exponential backoff between them.
	MaxPublishRetries int
	RetryBase         time.Duration

	// DLQSize bounds the dead-letter queue.
	DLQSize int

	// HealthInterval is the probe cadence. DegradedDLQEntries is the queue
	// depth beyond which the bus reports degraded.
	HealthInterval     time.Duration
	DegradedDLQEntries int
}

func (c Config) withDefaults() Config {
	out := c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.RecoveryTimeout <= 0 {
		out.RecoveryTimeout = 30 * time.Second
	}
	if out.HalfOpenMax <= 0 {
		out.HalfOpenMax = 3
	}
	if out.MaxPublishRetries <= 0 {
		out.MaxPublishRetries = 3
	}
	if out.RetryBase <= 0 {
		out.RetryBase = 100 * time.Millisecond
	}
	if out.DLQSize <= 0 {
		out.DLQSize = 1000
	}
	if out.HealthInterval <= 0 {
		out.HealthInterval = 15 * time.Second
	}
	if out.DegradedDLQEntries <= 0 {
		out.DegradedDLQEntries = 100
	}
	return out
}

// Health is the cached result of the last background probe.
type Health struct {
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	CircuitState string    `json:"circuit_state"`
	Connected    bool      `json:"connected"`
	DLQSize      int       `json:"dlq_size"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Stats is a point-in-time snapshot of the publish path.
type Stats struct {
	Backend       string `json:"backend"`
	CircuitState  string `json:"circuit_state"`
	Failures      int    `json:"consecutive_failures"`
	DLQSize       int    `json:"dlq_size"`
	Published     uint64 `json:"published"`
	NoSubscribers uint64 `json:"no_subscribers"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
	Replayed      uint64 `json:"replayed"`
}

// Bus wraps an inner bus.Bus with a circuit breaker, a bounded retry loop,
// a dead-letter queue, and a background health probe. It implements bus.Bus,
// so callers compose it in front of any backend.
type Bus struct {
	inner   bus.Bus
	cfg     Config
	breaker *breaker
	dlq     *deadLetterQueue
	logger  zerolog.Logger

	statsMu   sync.Mutex
	published uint64
	noSubs    uint64
	failed    uint64
	rejected  uint64
	replayed  uint64

	healthMu sync.RWMutex
	health   Health

	probeStop chan struct{}
	probeDone chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// Wrap builds the middleware around inner. The breaker starts closed and the
// probe starts on Connect.
func Wrap(inner bus.Bus, cfg Config) *Bus {
	resolved := cfg.withDefaults()
	b := &Bus{
		inner:     inner,
		cfg:       resolved,
		dlq:       newDeadLetterQueue(resolved.DLQSize),
		logger:    log.WithComponent("resilient"),
		probeStop: make(chan struct{}),
		probeDone: make(chan struct{}),
	}
	b.breaker = newBreaker(
		resolved.FailureThreshold,
		resolved.RecoveryTimeout,
		resolved.HalfOpenMax,
		b.onCircuitChange,
	)
	b.health = Health{Status: metrics.StatusHealthy, CircuitState: StateClosed.String()}
	metrics.CircuitState.Set(0)
	return b
}

func (b *Bus) onCircuitChange(from, to CircuitState) {
	metrics.CircuitState.Set(float64(to))
	evt := b.logger.Warn()
	if to == StateClosed {
		evt = b.logger.Info()
	}
	evt.Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
}

// Connect connects the inner bus and starts the health probe.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.inner.Connect(ctx); err != nil {
		return err
	}
	b.startOnce.Do(func() {
		go b.probeLoop()
	})
	b.refreshHealth()
	return nil
}

// Disconnect stops the probe and disconnects the inner bus.
func (b *Bus) Disconnect(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.probeStop)
		select {
		case <-b.probeDone:
		case <-time.After(time.Second):
		}
	})
	return b.inner.Disconnect(ctx)
}

// Publish runs the guarded publish path: breaker admission, bounded retries
// with exponential backoff, then dead-lettering on exhaustion.
func (b *Bus) Publish(ctx context.Context, env *types.Envelope) (bool, error) {
	if !b.breaker.Allow() {
		b.dlq.Push(&DeadLetterEntry{
			Envelope:  env,
			Reason:    ReasonCircuitOpen,
			LastError: ErrCircuitOpen.Error(),
			FailedAt:  time.Now().UTC(),
		})
		b.statsMu.Lock()
		b.rejected++
		b.statsMu.Unlock()
		b.logger.Warn().Str("topic", env.Topic).Msg("publish rejected, circuit open")
		return false, ErrCircuitOpen
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= b.cfg.MaxPublishRetries; attempt++ {
		attempts = attempt
		delivered, err := b.inner.Publish(ctx, env)
		if err == nil {
			// No matching subscriber is success, not failure.
			b.breaker.RecordSuccess()
			metrics.EventsPublished.WithLabelValues(string(b.inner.Backend())).Inc()
			b.statsMu.Lock()
			b.published++
			if !delivered {
				b.noSubs++
			}
			b.statsMu.Unlock()
			return delivered, nil
		}
		lastErr = err
		if attempt == b.cfg.MaxPublishRetries {
			break
		}
		backoff := b.cfg.RetryBase * time.Duration(1<<(attempt-1))
		b.logger.Warn().
			Err(err).
			Str("topic", env.Topic).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("publish attempt failed, retrying")
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(backoff):
		}
		if ctx.Err() != nil {
			break
		}
	}

	b.breaker.RecordFailure()
	b.dlq.Push(&DeadLetterEntry{
		Envelope:  env,
		Reason:    ReasonPublishFailed,
		LastError: lastErr.Error(),
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	})
	metrics.EventsFailed.Inc()
	b.statsMu.Lock()
	b.failed++
	b.statsMu.Unlock()
	b.logger.Error().
		Err(lastErr).
		Str("topic", env.Topic).
		Int("attempts", attempts).
		Msg("publish exhausted retries, envelope dead-lettered")
	return false, lastErr
}

// Subscribe registers the handler with invocation and error accounting
// wrapped around it.
func (b *Bus) Subscribe(pattern string, fn bus.Handler) (string, error) {
	wrapped := func(ctx context.Context, env *types.Envelope) error {
		defer func() {
			if r := recover(); r != nil {
				metrics.SubscriberErrors.Inc()
				panic(r)
			}
		}()
		if err := fn(ctx, env); err != nil {
			metrics.SubscriberErrors.Inc()
			return err
		}
		metrics.SubscriberInvocations.Inc()
		return nil
	}
	return b.inner.Subscribe(pattern, wrapped)
}

// Unsubscribe passes through to the inner bus.
func (b *Bus) Unsubscribe(id string) error {
	return b.inner.Unsubscribe(id)
}

// Connected passes through to the inner bus.
func (b *Bus) Connected() bool {
	return b.inner.Connected()
}

// Backend passes through to the inner bus.
func (b *Bus) Backend() bus.BackendKind {
	return b.inner.Backend()
}

// CircuitState returns the breaker position, applying time-based recovery.
func (b *Bus) CircuitState() CircuitState {
	return b.breaker.State()
}

// DLQEntries returns a snapshot of the dead-letter queue, oldest first.
func (b *Bus) DLQEntries() []*DeadLetterEntry {
	return b.dlq.Entries()
}

// DLQSize returns the current queue depth.
func (b *Bus) DLQSize() int {
	return b.dlq.Size()
}

// ClearDLQ empties the queue and returns the number of entries removed.
func (b *Bus) ClearDLQ() int {
	return b.dlq.Clear()
}

// ReplayDLQ walks the queue oldest-first, publishing each envelope directly
// on the inner bus (bypassing breaker and retry loop). Successes leave the
// queue; failures go back to the end. Returns (replayed, requeued).
func (b *Bus) ReplayDLQ(ctx context.Context) (int, int) {
	batch := b.dlq.takeOldest(b.dlq.Size())
	replayed, requeued := 0, 0
	for _, entry := range batch {
		if _, err := b.inner.Publish(ctx, entry.Envelope); err != nil {
			entry.LastError = err.Error()
			b.dlq.requeue(entry)
			requeued++
			continue
		}
		replayed++
		metrics.DLQReplayed.Inc()
	}
	metrics.DLQSize.Set(float64(b.dlq.Size()))
	b.statsMu.Lock()
	b.replayed += uint64(replayed)
	b.statsMu.Unlock()
	if replayed > 0 || requeued > 0 {
		b.logger.Info().Int("replayed", replayed).Int("requeued", requeued).Msg("dead-letter replay finished")
	}
	return replayed, requeued
}

// Health returns the latest cached probe result without blocking on I/O.
func (b *Bus) Health() Health {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.health
}

// Stats returns a snapshot of the publish-path counters.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{
		Backend:       string(b.inner.Backend()),
		CircuitState:  b.breaker.State().String(),
		Failures:      b.breaker.Failures(),
		DLQSize:       b.dlq.Size(),
		Published:     b.published,
		NoSubscribers: b.noSubs,
		Failed:        b.failed,
		Rejected:      b.rejected,
		Replayed:      b.replayed,
	}
}

func (b *Bus) probeLoop() {
	defer close(b.probeDone)
	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.probeStop:
			return
		case <-ticker.C:
			b.refreshHealth()
		}
	}
}

// refreshHealth derives status from connectivity, circuit state, and DLQ
// depth, then caches it and feeds the component registry.
func (b *Bus) refreshHealth() {
	state := b.breaker.State()
	connected := b.inner.Connected()
	dlqSize := b.dlq.Size()

	status := metrics.StatusHealthy
	reason := ""
	switch {
	case !connected:
		status = metrics.StatusUnhealthy
		reason = "backend disconnected"
	case state == StateOpen:
		status = metrics.StatusUnhealthy
		reason = "circuit open"
	case state == StateHalfOpen:
		status = metrics.StatusDegraded
		reason = "circuit half_open"
	case dlqSize > b.cfg.DegradedDLQEntries:
		status = metrics.StatusDegraded
		reason = "dead-letter queue backlog"
	}

	h := Health{
		Status:       status,
		Reason:       reason,
		CircuitState: state.String(),
		Connected:    connected,
		DLQSize:      dlqSize,
		CheckedAt:    time.Now().UTC(),
	}
	b.healthMu.Lock()
	b.health = h
	b.healthMu.Unlock()

	metrics.UpdateComponent("bus", status, reason)
}
