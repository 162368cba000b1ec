/*
Package resilient wraps any event bus with production failure handling.

The resilient package composes a circuit breaker, a bounded retry loop, a
dead-letter queue, and a cached health probe around the bus.Bus interface
without changing its contract. Callers publish through the wrapper exactly
as they would through a raw backend; the wrapper decides when to retry, when
to stop trying, and where failed envelopes go.

# Architecture

	┌───────────────── RESILIENT PUBLISH PATH ──────────────────┐
	│                                                             │
	│  Publish(envelope)                                          │
	│       │                                                     │
	│       ▼                                                     │
	│  ┌───────────────┐   open    ┌──────────────────────┐      │
	│  │ circuit       │──────────▶│ DLQ                  │      │
	│  │ breaker       │           │ reason=circuit_open  │      │
	│  └───────┬───────┘           └──────────────────────┘      │
	│          │ closed / half_open                               │
	│          ▼                                                  │
	│  ┌───────────────┐  fail     ┌──────────────────────┐      │
	│  │ retry loop    │──────────▶│ sleep base·2^(n-1)   │      │
	│  │ attempt 1..N  │◀──────────│ and try again        │      │
	│  └───────┬───────┘           └──────────────────────┘      │
	│          │                                                  │
	│   success│              exhausted                           │
	│          ▼                   ▼                              │
	│  record success      record failure                         │
	│  count published     DLQ reason=publish_failed              │
	│                      count failed                           │
	│                                                             │
	│  background: health probe every interval                    │
	│    unhealthy: disconnected or circuit open                  │
	│    degraded:  circuit half_open or DLQ backlog              │
	└─────────────────────────────────────────────────────────────┘

# Circuit Breaker

Consecutive-failure breaker with three states:

  - closed: traffic flows; failures are counted, any success resets the count
  - open: traffic is rejected at admission; entered when consecutive
    failures reach the threshold
  - half_open: entered automatically once the recovery timeout elapses;
    admits up to half_open_max probes; the first success closes the
    circuit, any failure reopens it with the failure counter intact

State transitions fire a callback outside the breaker lock and are exported
on the fabric_circuit_state gauge.

# Dead-Letter Queue

Bounded FIFO of envelopes the publish path gave up on. Each entry records
the envelope, the reason (circuit_open or publish_failed), the last error
string, and the attempt count. When full, the oldest entry is dropped.
Replay walks the queue oldest-first and publishes directly on the inner bus,
bypassing breaker and retries; failures return to the end of the queue.

# Usage

	inner, _ := bus.New(bus.Config{Backend: bus.BackendRedis, RedisURL: url})
	rb := resilient.Wrap(inner, resilient.Config{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		MaxPublishRetries: 3,
	})
	if err := rb.Connect(ctx); err != nil {
		return err
	}
	defer rb.Disconnect(ctx)

	if _, err := rb.Publish(ctx, env); errors.Is(err, resilient.ErrCircuitOpen) {
		// envelope preserved in the DLQ
	}

	// operational surface
	rb.Health()        // cached probe result, no I/O
	rb.Stats()         // publish-path counters
	rb.ReplayDLQ(ctx)  // drain after the backend recovers

# Integration Points

  - pkg/bus: the wrapped transport; the wrapper itself implements bus.Bus
  - pkg/fabric: assembles the wrapper in front of the configured backend
  - pkg/metrics: circuit gauge, DLQ gauges, published/failed counters, and
    the "bus" component in the health registry
  - pkg/api: exposes Stats, Health, and DLQ replay over HTTP

# See Also

  - pkg/bus for backend semantics
  - Circuit breaker pattern: https://martinfowler.com/bliki/CircuitBreaker.html
*/
package resilient
