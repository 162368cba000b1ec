package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/types"
)

// fetchWait bounds each pull so the reader loop can notice cancellation.
const fetchWait = 2 * time.Second

type natsSub struct {
	id      string
	pattern string
	durable string
	handler Handler
	sub     *nats.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

// natsBus publishes envelopes to JetStream subjects `{prefix}.{topic}` under
// a single stream. Topic wildcards map directly onto NATS subject wildcards,
// so subscription filtering happens server-side. Each subscription is a
// durable pull consumer with explicit acks; handler failures NAK for
// redelivery.
type natsBus struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	nc        *nats.Conn
	js        nats.JetStreamContext
	subs      map[string]*natsSub
	connected bool
}

func newNATSBus(cfg Config) *natsBus {
	return &natsBus{
		cfg:    cfg,
		logger: log.WithComponent("bus"),
		subs:   make(map[string]*natsSub),
	}
}

func (b *natsBus) Backend() BackendKind { return BackendNATS }

func (b *natsBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && b.nc != nil && b.nc.IsConnected()
}

func (b *natsBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	nc, err := nats.Connect(b.cfg.NATSURL,
		nats.Name("fabric-bus"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return err
	}
	if err := b.ensureStream(js); err != nil {
		nc.Close()
		return err
	}
	b.nc = nc
	b.js = js
	b.connected = true
	b.logger.Info().Str("url", b.cfg.NATSURL).Str("stream", b.cfg.NATSStream).Msg("nats bus connected")
	return nil
}

// ensureStream creates the envelope stream covering every subject under the
// channel prefix, tolerating a concurrent creator.
func (b *natsBus) ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(b.cfg.NATSStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     b.cfg.NATSStream,
		Subjects: []string{b.cfg.ChannelPrefix + ".>"},
		MaxMsgs:  b.cfg.StreamMaxLen,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

func (b *natsBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := make([]*natsSub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*natsSub)
	nc := b.nc
	b.nc = nil
	b.js = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
		if err := sub.sub.Unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Str("subscription", sub.id).Msg("consumer cleanup failed")
		}
	}
	nc.Close()
	metrics.BusSubscriptions.Set(0)
	b.logger.Info().Int("subscriptions", len(subs)).Msg("nats bus disconnected")
	return nil
}

func (b *natsBus) Publish(ctx context.Context, env *types.Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}
	b.mu.RLock()
	js := b.js
	connected := b.connected
	b.mu.RUnlock()
	if !connected {
		return false, ErrNotConnected
	}

	payload, err := encodeJSON(env)
	if err != nil {
		return false, err
	}
	subject := b.subjectOf(env.Topic)

	var lastErr error
	for attempt := 1; attempt <= b.cfg.PublishRetries; attempt++ {
		if _, lastErr = js.Publish(subject, payload); lastErr == nil {
			return true, nil
		}
		if attempt == b.cfg.PublishRetries {
			break
		}
		backoff := b.cfg.RetryBase * time.Duration(1<<(attempt-1))
		b.logger.Warn().
			Err(lastErr).
			Str("subject", subject).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("jetstream publish failed, retrying")
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return false, lastErr
}

func (b *natsBus) Subscribe(pattern string, fn Handler) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return "", ErrNotConnected
	}
	js := b.js
	b.mu.Unlock()

	id := uuid.New().String()
	durable := "fabric-" + strings.ReplaceAll(id, "-", "")
	natsSubscription, err := js.PullSubscribe(
		b.subjectOf(pattern),
		durable,
		nats.AckExplicit(),
		nats.BindStream(b.cfg.NATSStream),
		nats.DeliverNew(),
	)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &natsSub{
		id:      id,
		pattern: pattern,
		durable: durable,
		handler: fn,
		sub:     natsSubscription,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[id] = sub
	count := len(b.subs)
	b.mu.Unlock()

	go b.fetchLoop(ctx, sub)
	metrics.BusSubscriptions.Set(float64(count))
	b.logger.Debug().
		Str("subscription", id).
		Str("pattern", pattern).
		Str("durable", durable).
		Msg("durable consumer subscription added")
	return id, nil
}

func (b *natsBus) Unsubscribe(id string) error {
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
	sub.cancel()
	<-sub.done
	if err := sub.sub.Unsubscribe(); err != nil {
		b.logger.Debug().Err(err).Str("subscription", id).Msg("consumer cleanup failed")
	}
	metrics.BusSubscriptions.Set(float64(count))
	return nil
}

func (b *natsBus) subjectOf(topic string) string {
	return b.cfg.ChannelPrefix + "." + topic
}

func (b *natsBus) topicOf(subject string) string {
	return strings.TrimPrefix(subject, b.cfg.ChannelPrefix+".")
}

func (b *natsBus) fetchLoop(ctx context.Context, sub *natsSub) {
	defer close(sub.done)
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.sub.Fetch(10, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Str("subscription", sub.id).Msg("jetstream fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.RetryBase):
			}
			continue
		}
		for _, msg := range msgs {
			b.deliver(ctx, sub, msg)
		}
	}
}

// deliver decodes one message and runs the handler. Success acks, failure
// NAKs for redelivery. Undecodable payloads are terminated: redelivering
// them can never succeed.
func (b *natsBus) deliver(ctx context.Context, sub *natsSub, msg *nats.Msg) {
	env, err := decodeJSON(b.topicOf(msg.Subject), msg.Data)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("decode_error").Inc()
		b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("undecodable message terminated")
		if termErr := msg.Term(); termErr != nil {
			b.logger.Debug().Err(termErr).Msg("terminate failed")
		}
		return
	}
	if err := b.invoke(ctx, sub, env); err != nil {
		b.logger.Warn().
			Err(err).
			Str("subscription", sub.id).
			Str("topic", env.Topic).
			Msg("handler failed, message redelivered")
		if nakErr := msg.Nak(); nakErr != nil {
			b.logger.Debug().Err(nakErr).Msg("negative acknowledge failed")
		}
		return
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn().Err(err).Str("topic", env.Topic).Msg("acknowledge failed")
	}
}

func (b *natsBus) invoke(ctx context.Context, sub *natsSub, env *types.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanicError{value: r}
			b.logger.Error().
				Str("subscription", sub.id).
				Str("topic", env.Topic).
				Interface("panic", r).
				Msg("subscriber handler panicked")
		}
	}()
	return sub.handler(ctx, env)
}
