package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/types"
)

// readBlock bounds each blocking stream read so the reader loop can notice
// cancellation and run its periodic discovery pass.
const readBlock = 500 * time.Millisecond

// redisSub is one consumer-group subscription. Each Subscribe call gets its
// own group (named by a fresh UUID) so independent subscribers each see the
// full matching flow.
type redisSub struct {
	id      string
	pattern string
	group   string
	handler Handler
	exact   bool

	mu     sync.Mutex
	joined map[string]bool // stream key -> member of sub.group

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *redisSub) streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.joined))
	for k := range s.joined {
		keys = append(keys, k)
	}
	return keys
}

// redisBus publishes envelopes to capped streams keyed `{prefix}:{topic}`
// and reads them back through per-subscription consumer groups. Wildcard
// patterns discover matching streams by periodic key scans; entries a
// handler fails on stay pending in the group and are retried on the same
// cadence.
type redisBus struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	client    *redis.Client
	subs      map[string]*redisSub
	connected bool
}

func newRedisBus(cfg Config) *redisBus {
	return &redisBus{
		cfg:    cfg,
		logger: log.WithComponent("bus"),
		subs:   make(map[string]*redisSub),
	}
}

func (b *redisBus) Backend() BackendKind { return BackendRedis }

func (b *redisBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *redisBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	opt, err := redis.ParseURL(b.cfg.RedisURL)
	if err != nil {
		return err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return err
	}
	b.client = client
	b.connected = true
	b.logger.Info().Str("addr", opt.Addr).Msg("redis bus connected")
	return nil
}

func (b *redisBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := make([]*redisSub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*redisSub)
	client := b.client
	b.client = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	err := client.Close()
	metrics.BusSubscriptions.Set(0)
	b.logger.Info().Int("subscriptions", len(subs)).Msg("redis bus disconnected")
	return err
}

func (b *redisBus) Publish(ctx context.Context, env *types.Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}
	b.mu.RLock()
	client := b.client
	connected := b.connected
	b.mu.RUnlock()
	if !connected {
		return false, ErrNotConnected
	}

	fields, err := encodeFields(env)
	if err != nil {
		return false, err
	}
	args := &redis.XAddArgs{
		Stream: b.streamKey(env.Topic),
		MaxLen: b.cfg.StreamMaxLen,
		Approx: true,
		Values: fields,
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.PublishRetries; attempt++ {
		if lastErr = client.XAdd(ctx, args).Err(); lastErr == nil {
			return true, nil
		}
		if attempt == b.cfg.PublishRetries {
			break
		}
		backoff := b.cfg.RetryBase * time.Duration(1<<(attempt-1))
		b.logger.Warn().
			Err(lastErr).
			Str("topic", env.Topic).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("stream append failed, retrying")
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return false, lastErr
}

func (b *redisBus) Subscribe(pattern string, fn Handler) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return "", ErrNotConnected
	}
	client := b.client
	sub := &redisSub{
		id:      uuid.New().String(),
		pattern: pattern,
		group:   "fabric-" + uuid.New().String(),
		handler: fn,
		exact:   !strings.ContainsAny(pattern, "*>"),
		joined:  make(map[string]bool),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()

	// Join what already exists before returning so the subscription sees
	// every entry published after this call.
	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	if sub.exact {
		if err := b.joinStream(ctx, sub, b.streamKey(pattern), "$"); err != nil {
			b.dropSub(sub)
			cancel()
			return "", err
		}
	} else if err := b.discover(ctx, client, sub, "$"); err != nil {
		b.dropSub(sub)
		cancel()
		return "", err
	}

	go b.read(ctx, client, sub)
	metrics.BusSubscriptions.Set(float64(count))
	b.logger.Debug().
		Str("subscription", sub.id).
		Str("pattern", pattern).
		Str("group", sub.group).
		Msg("consumer group subscription added")
	return sub.id, nil
}

func (b *redisBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	client := b.client
	b.mu.Unlock()

	if !ok {
		return nil
	}
	sub.cancel()
	<-sub.done
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, key := range sub.streams() {
			if err := client.XGroupDestroy(ctx, key, sub.group).Err(); err != nil {
				b.logger.Debug().Err(err).Str("stream", key).Msg("consumer group cleanup failed")
			}
		}
	}
	metrics.BusSubscriptions.Set(float64(count))
	return nil
}

func (b *redisBus) streamKey(topic string) string {
	return b.cfg.ChannelPrefix + ":" + topic
}

func (b *redisBus) topicOf(streamKey string) string {
	return strings.TrimPrefix(streamKey, b.cfg.ChannelPrefix+":")
}

func (b *redisBus) dropSub(sub *redisSub) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	close(sub.done)
}

// joinStream adds the subscription's group to one stream. MKSTREAM creates
// the stream when the subscriber arrives before the first publish; an
// existing group is fine.
func (b *redisBus) joinStream(ctx context.Context, sub *redisSub, key, startID string) error {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return ErrNotConnected
	}
	err := client.XGroupCreateMkStream(ctx, key, sub.group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	sub.mu.Lock()
	sub.joined[key] = true
	sub.mu.Unlock()
	return nil
}

// discover scans for streams under the channel prefix and joins any whose
// topic matches the pattern. Streams that appear after Subscribe join at id
// "0": every entry they hold was published while the subscription was live.
func (b *redisBus) discover(ctx context.Context, client *redis.Client, sub *redisSub, startID string) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, b.cfg.ChannelPrefix+":*", 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			sub.mu.Lock()
			already := sub.joined[key]
			sub.mu.Unlock()
			if already || !MatchTopic(sub.pattern, b.topicOf(key)) {
				continue
			}
			if err := b.joinStream(ctx, sub, key, startID); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// read is the per-subscription loop: block-read new entries across every
// joined stream, and on each scan interval discover fresh streams and retry
// entries left pending by handler failures.
func (b *redisBus) read(ctx context.Context, client *redis.Client, sub *redisSub) {
	defer close(sub.done)
	lastScan := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(lastScan) >= b.cfg.ScanInterval {
			if !sub.exact {
				if err := b.discover(ctx, client, sub, "0"); err != nil && ctx.Err() == nil {
					b.logger.Warn().Err(err).Str("subscription", sub.id).Msg("stream discovery failed")
				}
			}
			b.retryPending(ctx, client, sub)
			lastScan = time.Now()
		}

		keys := sub.streams()
		if len(keys) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(readBlock):
			}
			continue
		}

		streams := make([]string, 0, len(keys)*2)
		streams = append(streams, keys...)
		for range keys {
			streams = append(streams, ">")
		}
		res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.group,
			Consumer: sub.id,
			Streams:  streams,
			Count:    32,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			// Nothing new before the block timeout.
			select {
			case <-ctx.Done():
				return
			case <-time.After(25 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Str("subscription", sub.id).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.RetryBase):
			}
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.deliver(ctx, client, sub, stream.Stream, msg)
			}
		}
	}
}

// retryPending replays entries this consumer has read but never acknowledged,
// oldest first. A handler that keeps failing sees its entry again on every
// pass.
func (b *redisBus) retryPending(ctx context.Context, client *redis.Client, sub *redisSub) {
	for _, key := range sub.streams() {
		res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.group,
			Consumer: sub.id,
			Streams:  []string{key, "0"},
			Count:    32,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Str("stream", key).Msg("pending read failed")
			}
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.deliver(ctx, client, sub, stream.Stream, msg)
			}
		}
	}
}

// deliver decodes one entry and runs the handler. Success acknowledges the
// entry; failure leaves it pending so the group redelivers it. Entries that
// cannot decode are acknowledged and dropped: they would never succeed.
func (b *redisBus) deliver(ctx context.Context, client *redis.Client, sub *redisSub, key string, msg redis.XMessage) {
	env, err := decodeFields(b.topicOf(key), msg.Values)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("decode_error").Inc()
		b.logger.Error().Err(err).Str("stream", key).Str("entry", msg.ID).Msg("undecodable stream entry dropped")
		client.XAck(ctx, key, sub.group, msg.ID)
		return
	}
	if err := b.invoke(ctx, sub, env); err != nil {
		b.logger.Warn().
			Err(err).
			Str("subscription", sub.id).
			Str("topic", env.Topic).
			Str("entry", msg.ID).
			Msg("handler failed, entry stays pending")
		return
	}
	if err := client.XAck(ctx, key, sub.group, msg.ID).Err(); err != nil && ctx.Err() == nil {
		b.logger.Warn().Err(err).Str("stream", key).Str("entry", msg.ID).Msg("acknowledge failed")
	}
}

func (b *redisBus) invoke(ctx context.Context, sub *redisSub, env *types.Envelope) (err error) {
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
