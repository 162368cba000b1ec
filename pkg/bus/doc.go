/*
Package bus provides the pluggable publish/subscribe event fabric.

The bus package defines the Envelope transport: a sealed Bus interface with
three interchangeable backends (in-memory, Redis Streams, NATS JetStream)
selected by configuration. Producers publish to dotted topics; subscribers
register wildcard patterns and receive matching envelopes on the bus's own
scheduler, never on the publisher's call path.

# Architecture

	┌────────────────────── EVENT BUS ─────────────────────────┐
	│                                                            │
	│   Publish(envelope)                                        │
	│        │                                                   │
	│        ▼                                                   │
	│  ┌──────────────────────────────────────────────────┐     │
	│  │  Bus interface                                    │     │
	│  │  connect / disconnect / publish / subscribe /     │     │
	│  │  unsubscribe: backends are variants, selected     │     │
	│  │  by config, never subclassed                      │     │
	│  └───────┬───────────────┬────────────────┬─────────┘     │
	│          │               │                │               │
	│          ▼               ▼                ▼               │
	│  ┌─────────────┐  ┌─────────────┐  ┌──────────────┐      │
	│  │  memory     │  │  redis      │  │  nats        │      │
	│  │  per-sub    │  │  streams    │  │  jetstream   │      │
	│  │  bounded    │  │  {prefix}:  │  │  {prefix}.   │      │
	│  │  queue +    │  │  {topic}    │  │  {topic}     │      │
	│  │  dispatch   │  │  consumer   │  │  durable     │      │
	│  │  goroutine  │  │  groups     │  │  pull subs   │      │
	│  └─────────────┘  └─────────────┘  └──────────────┘      │
	│                                                            │
	│   Subscribe("sf.scan1.*", handler)                         │
	│        │                                                   │
	│        ▼                                                   │
	│   handler(ctx, envelope)  ── invoked per matching topic    │
	└────────────────────────────────────────────────────────────┘

# Topic Grammar

Topics are dot-separated segments: {prefix}.{scan_id}.{event_type}, for
example "sf.scan1.IP_ADDRESS". Subscription patterns support two wildcards:

  - "*" matches exactly one segment: "sf.scan1.*" matches
    "sf.scan1.IP_ADDRESS" but not "sf.scan1" or "sf.scan1.a.b"
  - ">" matches one or more remaining segments and must be final:
    "sf.>" matches "sf.scan1" and "sf.scan1.IP_ADDRESS.extra"

Matching is case-sensitive. ">" anywhere but the last segment is rejected
with ErrBadPattern.

# Backends

Memory:
  - Each subscription owns a bounded queue drained by one dispatch goroutine
  - Publish enqueues non-blocking to all matching queues
  - A full queue drops that subscription's delivery; others still receive
  - Handler panics are recovered and logged

Redis Streams:
  - Publish appends to capped stream {prefix}:{topic} (XADD MAXLEN ~)
  - Each subscription is its own consumer group; a blocking reader loop
    consumes, invokes the handler, and acknowledges on success
  - Handler failures leave the entry pending; it is retried every scan
    interval until it succeeds
  - Wildcard patterns discover matching streams by periodic SCAN; streams
    that appear after Subscribe are joined at id "0" so no entry published
    while the subscription was live is lost

NATS JetStream:
  - Publish sends to subject {prefix}.{topic} under one stream
  - Topic wildcards map directly onto NATS subject wildcards, so filtering
    happens server-side
  - Each subscription is a durable pull consumer with explicit acks;
    handler failures NAK for redelivery

All backends retry failed publishes with exponential backoff
(base * 2^(attempt-1)) before returning a transport error.

# Usage

Constructing and connecting:

	b, err := bus.New(bus.Config{
		Backend:       bus.BackendRedis,
		RedisURL:      "redis://localhost:6379",
		ChannelPrefix: "spiderfoot",
	})
	if err != nil {
		return err
	}
	if err := b.Connect(ctx); err != nil {
		return err
	}
	defer b.Disconnect(ctx)

Subscribing:

	id, err := b.Subscribe("sf.scan1.*", func(ctx context.Context, env *types.Envelope) error {
		process(env)
		return nil
	})
	defer b.Unsubscribe(id)

Publishing:

	env := types.NewEnvelope("sf", "scan1", "IP_ADDRESS", "sfp_dnsresolve", "198.51.100.23")
	delivered, err := b.Publish(ctx, env)

A false return with nil error means no subscription matched; that is not a
failure.

# Ordering and Delivery

Within a single subscription, envelopes arrive in publish order (memory) or
stream-append order (remote). No ordering holds across subscriptions. The
memory backend drops on overflow; remote backends retain unacknowledged
entries for redelivery, so handlers must be idempotent.

# Integration Points

  - pkg/resilient: wraps any Bus with circuit breaker, retries, and DLQ
  - pkg/fabric: selects and connects the backend from config and attaches
    the daemon's own subscribers
  - pkg/api: POST /api/events publishes inbound envelopes
  - pkg/metrics: subscription gauge and drop counters

# See Also

  - pkg/resilient for the production publish path
  - go-redis: https://github.com/redis/go-redis
  - nats.go: https://github.com/nats-io/nats.go
*/
package bus
