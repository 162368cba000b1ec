package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/types"
)

// memorySub owns one bounded delivery queue and the dispatch loop draining
// it. The bus holds the only reference; Unsubscribe destroys it.
type memorySub struct {
	id      string
	pattern string
	handler Handler
	queue   chan *types.Envelope
	stop    chan struct{} // closed to abandon queued deliveries
	done    chan struct{} // closed when the dispatch loop exits
}

// memoryBus is the in-process backend: publish fans out to per-subscription
// bounded queues, one dispatch goroutine per subscription invokes the
// handler. A full queue fails delivery to that subscription only.
type memoryBus struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	subs      map[string]*memorySub
	connected bool

	dispatchCtx context.Context
	cancel      context.CancelFunc
}

func newMemoryBus(cfg Config) *memoryBus {
	return &memoryBus{
		cfg:    cfg,
		logger: log.WithComponent("bus"),
		subs:   make(map[string]*memorySub),
	}
}

func (b *memoryBus) Backend() BackendKind { return BackendMemory }

func (b *memoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *memoryBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.dispatchCtx, b.cancel = context.WithCancel(context.Background())
	b.connected = true
	b.logger.Info().Msg("in-memory bus connected")
	return nil
}

func (b *memoryBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*memorySub)
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	for _, sub := range subs {
		close(sub.stop)
		<-sub.done
	}
	metrics.BusSubscriptions.Set(0)
	b.logger.Info().Int("subscriptions", len(subs)).Msg("in-memory bus disconnected")
	return nil
}

func (b *memoryBus) Publish(ctx context.Context, env *types.Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}

	b.mu.RLock()
	if !b.connected {
		b.mu.RUnlock()
		return false, ErrNotConnected
	}
	matched := make([]*memorySub, 0, 4)
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, env.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	delivered := false
	for _, sub := range matched {
		select {
		case sub.queue <- env:
			delivered = true
		default:
			// Queue full: this subscription misses the envelope, the rest
			// still receive it.
			metrics.EventsDropped.WithLabelValues("queue_full").Inc()
			b.logger.Warn().
				Str("subscription", sub.id).
				Str("topic", env.Topic).
				Msg("subscription queue full, delivery dropped")
		}
	}
	return delivered, nil
}

func (b *memoryBus) Subscribe(pattern string, fn Handler) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}

	sub := &memorySub{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: fn,
		queue:   make(chan *types.Envelope, b.cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	count := len(b.subs)
	dispatchCtx := b.dispatchCtx
	b.mu.Unlock()

	if dispatchCtx == nil {
		dispatchCtx = context.Background()
	}
	go b.dispatch(dispatchCtx, sub)

	metrics.BusSubscriptions.Set(float64(count))
	b.logger.Debug().Str("subscription", sub.id).Str("pattern", pattern).Msg("subscription added")
	return sub.id, nil
}

func (b *memoryBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	close(sub.stop)
	<-sub.done
	metrics.BusSubscriptions.Set(float64(count))
	b.logger.Debug().Str("subscription", id).Msg("subscription removed")
	return nil
}

// dispatch drains the subscription queue in publish order. Handler panics
// are recovered so one subscriber cannot take down the bus.
func (b *memoryBus) dispatch(ctx context.Context, sub *memorySub) {
	defer close(sub.done)
	for {
		select {
		case <-sub.stop:
			return
		case env := <-sub.queue:
			b.invoke(ctx, sub, env)
		}
	}
}

func (b *memoryBus) invoke(ctx context.Context, sub *memorySub, env *types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsDropped.WithLabelValues("handler_panic").Inc()
			b.logger.Error().
				Str("subscription", sub.id).
				Str("topic", env.Topic).
				Interface("panic", r).
				Msg("subscriber handler panicked")
		}
	}()
	if err := sub.handler(ctx, env); err != nil {
		b.logger.Warn().
			Err(err).
			Str("subscription", sub.id).
			Str("topic", env.Topic).
			Msg("subscriber handler returned error")
	}
}
