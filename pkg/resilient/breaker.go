package resilient

import (
	"sync"
	"time"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	// StateClosed passes traffic and counts consecutive failures.
	StateClosed CircuitState = iota
	// StateOpen rejects traffic until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe requests.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// StateChangeFunc observes breaker transitions. It runs outside the breaker
// lock, so it may call back into the breaker.
type StateChangeFunc func(from, to CircuitState)

// breaker is a consecutive-failure circuit breaker.
//
// closed -> open      when consecutive failures reach the threshold
// open   -> half_open after recoveryTimeout has elapsed since the last failure
// half_open -> closed on the first probe success
// half_open -> open   on a probe failure; the failure counter resumes from
//
//	wherever it was, it is only reset by a success
type breaker struct {
	mu sync.Mutex

	threshold       int
	recoveryTimeout time.Duration
	halfOpenMax     int

	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int

	onChange StateChangeFunc
}

func newBreaker(threshold int, recoveryTimeout time.Duration, halfOpenMax int, onChange StateChangeFunc) *breaker {
	return &breaker{
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		halfOpenMax:     halfOpenMax,
		state:           StateClosed,
		onChange:        onChange,
	}
}

// Allow reports whether a request may proceed, consuming a probe slot in
// half-open state.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	notify := b.maybeRecover()

	var allowed bool
	switch b.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if b.probes < b.halfOpenMax {
			b.probes++
			allowed = true
		}
	case StateOpen:
		allowed = false
	}
	b.mu.Unlock()

	b.fire(notify)
	return allowed
}

// RecordSuccess clears the failure counter. In half-open state the first
// success closes the circuit.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	var notify []stateChange
	b.failures = 0
	if b.state == StateHalfOpen {
		notify = append(notify, b.transition(StateClosed))
	}
	b.mu.Unlock()

	b.fire(notify)
}

// RecordFailure counts a failure, tripping the circuit at the threshold. A
// failed half-open probe reopens immediately.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	var notify []stateChange
	b.failures++
	b.lastFailure = time.Now()
	switch b.state {
	case StateHalfOpen:
		notify = append(notify, b.transition(StateOpen))
	case StateClosed:
		if b.failures >= b.threshold {
			notify = append(notify, b.transition(StateOpen))
		}
	}
	b.mu.Unlock()

	b.fire(notify)
}

// State returns the current position, applying the open -> half_open
// recovery transition if the timeout has elapsed.
func (b *breaker) State() CircuitState {
	b.mu.Lock()
	notify := b.maybeRecover()
	state := b.state
	b.mu.Unlock()

	b.fire(notify)
	return state
}

// Failures returns the consecutive-failure count.
func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

type stateChange struct {
	from, to CircuitState
}

// maybeRecover moves open -> half_open once the recovery timeout has passed.
// Caller holds the lock.
func (b *breaker) maybeRecover() []stateChange {
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.recoveryTimeout {
		return []stateChange{b.transition(StateHalfOpen)}
	}
	return nil
}

// transition switches state and returns the change for deferred
// notification. Caller holds the lock.
func (b *breaker) transition(to CircuitState) stateChange {
	from := b.state
	b.state = to
	if to == StateHalfOpen {
		b.probes = 0
	}
	return stateChange{from: from, to: to}
}

func (b *breaker) fire(changes []stateChange) {
	if b.onChange == nil {
		return
	}
	for _, c := range changes {
		if c.from != c.to {
			b.onChange(c.from, c.to)
		}
	}
}
