package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiderfoot/fabric/pkg/bus"
	"github.com/spiderfoot/fabric/pkg/types"
)

// fakeBus is a controllable inner backend.
type fakeBus struct {
	mu        sync.Mutex
	connected bool
	failNext  int  // fail this many publishes, then succeed
	failAll   bool // fail every publish
	delivered bool // value returned on success
	published []*types.Envelope
	subs      map[string]bus.Handler
	nextID    int
}

func newFakeBus() *fakeBus {
	return &fakeBus{delivered: true, subs: make(map[string]bus.Handler)}
}

func (f *fakeBus) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeBus) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeBus) Publish(_ context.Context, env *types.Envelope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false, errors.New("transport down")
	}
	if f.failNext > 0 {
		f.failNext--
		return false, errors.New("transient transport error")
	}
	f.published = append(f.published, env)
	return f.delivered, nil
}

func (f *fakeBus) Subscribe(pattern string, fn bus.Handler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	f.subs[id] = fn
	return id, nil
}

func (f *fakeBus) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *fakeBus) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBus) Backend() bus.BackendKind { return bus.BackendMemory }

func (f *fakeBus) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testEnvelope(eventType string) *types.Envelope {
	return types.NewEnvelope("sf", "scan1", eventType, "sfp_test", "198.51.100.23")
}

func TestPublishSuccessKeepsCircuitClosed(t *testing.T) {
	inner := newFakeBus()
	b := Wrap(inner, Config{})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	delivered, err := b.Publish(context.Background(), testEnvelope("IP_ADDRESS"))
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, StateClosed, b.CircuitState())
	assert.Equal(t, 0, b.DLQSize())
}

func TestPublishNoSubscribersIsSuccess(t *testing.T) {
	inner := newFakeBus()
	inner.delivered = false
	b := Wrap(inner, Config{FailureThreshold: 1})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	delivered, err := b.Publish(context.Background(), testEnvelope("IP_ADDRESS"))
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, StateClosed, b.CircuitState())
	assert.Equal(t, 0, b.DLQSize())
}

func TestPublishRetriesTransientFailure(t *testing.T) {
	inner := newFakeBus()
	inner.failNext = 2
	b := Wrap(inner, Config{MaxPublishRetries: 3, RetryBase: time.Millisecond})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	delivered, err := b.Publish(context.Background(), testEnvelope("IP_ADDRESS"))
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 1, inner.publishedCount())
	assert.Equal(t, 0, b.DLQSize())
	assert.Equal(t, StateClosed, b.CircuitState())
}

func TestPublishExhaustionDeadLetters(t *testing.T) {
	inner := newFakeBus()
	inner.failAll = true
	b := Wrap(inner, Config{MaxPublishRetries: 2, RetryBase: time.Millisecond, FailureThreshold: 10})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	env := testEnvelope("IP_ADDRESS")
	delivered, err := b.Publish(context.Background(), env)
	assert.False(t, delivered)
	assert.Error(t, err)

	entries := b.DLQEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonPublishFailed, entries[0].Reason)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "transport down", entries[0].LastError)
	assert.Same(t, env, entries[0].Envelope)
}

func TestCircuitOpensAndRecovers(t *testing.T) {
	inner := newFakeBus()
	inner.failAll = true
	b := Wrap(inner, Config{
		FailureThreshold:  2,
		RecoveryTimeout:   100 * time.Millisecond,
		HalfOpenMax:       3,
		MaxPublishRetries: 1,
		RetryBase:         time.Millisecond,
	})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	ctx := context.Background()

	// First two publishes reach the backend, fail, and dead-letter.
	for i := 0; i < 2; i++ {
		_, err := b.Publish(ctx, testEnvelope("IP_ADDRESS"))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	// Third is rejected at admission.
	_, err := b.Publish(ctx, testEnvelope("IP_ADDRESS"))
	assert.ErrorIs(t, err, ErrCircuitOpen)

	entries := b.DLQEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, ReasonPublishFailed, entries[0].Reason)
	assert.Equal(t, ReasonPublishFailed, entries[1].Reason)
	assert.Equal(t, ReasonCircuitOpen, entries[2].Reason)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.CircuitState())

	// One probe success closes the circuit again.
	inner.mu.Lock()
	inner.failAll = false
	inner.mu.Unlock()
	delivered, err := b.Publish(ctx, testEnvelope("IP_ADDRESS"))
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, StateClosed, b.CircuitState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	inner := newFakeBus()
	inner.failAll = true
	b := Wrap(inner, Config{
		FailureThreshold:  2,
		RecoveryTimeout:   50 * time.Millisecond,
		MaxPublishRetries: 1,
		RetryBase:         time.Millisecond,
	})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		b.Publish(ctx, testEnvelope("IP_ADDRESS"))
	}
	assert.Equal(t, StateOpen, b.CircuitState())

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.CircuitState())

	// The probe fails and the circuit snaps back open.
	_, err := b.Publish(ctx, testEnvelope("IP_ADDRESS"))
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.CircuitState())
}

func TestHalfOpenProbeBudget(t *testing.T) {
	br := newBreaker(1, 10*time.Millisecond, 2, nil)
	br.RecordFailure()
	assert.Equal(t, StateOpen, br.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, br.State())

	assert.True(t, br.Allow())
	assert.True(t, br.Allow())
	assert.False(t, br.Allow(), "third probe exceeds the half-open budget")
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	br := newBreaker(3, time.Minute, 1, nil)
	br.RecordFailure()
	br.RecordFailure()
	assert.Equal(t, 2, br.Failures())

	br.RecordSuccess()
	assert.Equal(t, 0, br.Failures())
	assert.Equal(t, StateClosed, br.State())
}

func TestDLQDropsOldestWhenFull(t *testing.T) {
	q := newDeadLetterQueue(2)
	for i := 0; i < 3; i++ {
		q.Push(&DeadLetterEntry{
			Envelope: testEnvelope(fmt.Sprintf("TYPE_%d", i)),
			Reason:   ReasonPublishFailed,
		})
	}
	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "TYPE_1", entries[0].Envelope.EventType)
	assert.Equal(t, "TYPE_2", entries[1].Envelope.EventType)
}

func TestReplayDLQ(t *testing.T) {
	inner := newFakeBus()
	inner.failAll = true
	b := Wrap(inner, Config{MaxPublishRetries: 1, RetryBase: time.Millisecond, FailureThreshold: 10})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Publish(ctx, testEnvelope(fmt.Sprintf("TYPE_%d", i)))
	}
	require.Equal(t, 3, b.DLQSize())

	// Backend recovers; replay drains in publish order.
	inner.mu.Lock()
	inner.failAll = false
	inner.mu.Unlock()
	replayed, requeued := b.ReplayDLQ(ctx)
	assert.Equal(t, 3, replayed)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 0, b.DLQSize())
	require.Equal(t, 3, inner.publishedCount())
	assert.Equal(t, "TYPE_0", inner.published[0].EventType)
}

func TestReplayDLQRequeuesFailures(t *testing.T) {
	inner := newFakeBus()
	inner.failAll = true
	b := Wrap(inner, Config{MaxPublishRetries: 1, RetryBase: time.Millisecond, FailureThreshold: 10})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	ctx := context.Background()
	b.Publish(ctx, testEnvelope("IP_ADDRESS"))
	require.Equal(t, 1, b.DLQSize())

	replayed, requeued := b.ReplayDLQ(ctx)
	assert.Equal(t, 0, replayed)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, b.DLQSize())
}

func TestSubscribeWrapsHandler(t *testing.T) {
	inner := newFakeBus()
	b := Wrap(inner, Config{})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	var got *types.Envelope
	id, err := b.Subscribe("sf.>", func(_ context.Context, env *types.Envelope) error {
		got = env
		return nil
	})
	require.NoError(t, err)

	// Drive the stored handler the way a backend would.
	env := testEnvelope("IP_ADDRESS")
	require.NoError(t, inner.subs[id](context.Background(), env))
	assert.Same(t, env, got)

	wantErr := errors.New("handler failure")
	id2, err := b.Subscribe("sf.>", func(context.Context, *types.Envelope) error {
		return wantErr
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner.subs[id2](context.Background(), env), wantErr)
}

func TestHealthDerivation(t *testing.T) {
	inner := newFakeBus()
	inner.failAll = true
	b := Wrap(inner, Config{
		FailureThreshold:   1,
		RecoveryTimeout:    time.Minute,
		MaxPublishRetries:  1,
		RetryBase:          time.Millisecond,
		DegradedDLQEntries: 2,
	})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	b.refreshHealth()
	h := b.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.Connected)

	// Trip the circuit: unhealthy.
	b.Publish(context.Background(), testEnvelope("IP_ADDRESS"))
	b.refreshHealth()
	h = b.Health()
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "circuit open", h.Reason)

	// Disconnected wins over everything.
	require.NoError(t, inner.Disconnect(context.Background()))
	b.refreshHealth()
	assert.Equal(t, "unhealthy", b.Health().Status)
	assert.Equal(t, "backend disconnected", b.Health().Reason)
}

func TestHealthDegradedOnDLQBacklog(t *testing.T) {
	inner := newFakeBus()
	b := Wrap(inner, Config{DegradedDLQEntries: 1, FailureThreshold: 100, MaxPublishRetries: 1, RetryBase: time.Millisecond})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	inner.mu.Lock()
	inner.failAll = true
	inner.mu.Unlock()
	b.Publish(context.Background(), testEnvelope("A"))
	b.Publish(context.Background(), testEnvelope("B"))
	require.Equal(t, 2, b.DLQSize())

	b.refreshHealth()
	h := b.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "dead-letter queue backlog", h.Reason)
	assert.Equal(t, 2, h.DLQSize)
}

func TestStatsSnapshot(t *testing.T) {
	inner := newFakeBus()
	b := Wrap(inner, Config{MaxPublishRetries: 1, RetryBase: time.Millisecond, FailureThreshold: 10})
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	ctx := context.Background()
	b.Publish(ctx, testEnvelope("A"))
	inner.mu.Lock()
	inner.failAll = true
	inner.mu.Unlock()
	b.Publish(ctx, testEnvelope("B"))

	s := b.Stats()
	assert.Equal(t, "memory", s.Backend)
	assert.Equal(t, uint64(1), s.Published)
	assert.Equal(t, uint64(1), s.Failed)
	assert.Equal(t, 1, s.DLQSize)
}
