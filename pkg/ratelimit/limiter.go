package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
)

// Algorithm selects how a key's budget is accounted.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
)

// Limit is the budget for one key: Requests per Window, with Burst capping
// the token-bucket reservoir. Requests == 0 denies every call.
type Limit struct {
	Requests  int           `json:"requests"`
	Window    time.Duration `json:"window"`
	Burst     int           `json:"burst"`
	Algorithm Algorithm     `json:"algorithm"`
}

func (l Limit) withDefaults() Limit {
	out := l
	if out.Window <= 0 {
		out.Window = time.Minute
	}
	if out.Burst <= 0 {
		out.Burst = out.Requests
	}
	if out.Algorithm == "" {
		out.Algorithm = TokenBucket
	}
	return out
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	Limit      int           `json:"limit"`
	Window     time.Duration `json:"window"`
}

// keyState holds the accounting for one key. Which fields are live depends
// on the algorithm.
type keyState struct {
	limit Limit

	// token bucket
	tokens     float64
	lastRefill time.Time

	// sliding window
	stamps []time.Time

	// fixed window
	windowStart time.Time
	count       int

	lastSeen time.Time
}

// Limiter tracks per-key budgets. Keys are opaque strings such as
// "api:shodan", "module:sfp_dnsbrute", "client:198.51.100.23", or
// "endpoint:/api/reports".
type Limiter struct {
	mu      sync.Mutex
	enabled bool
	def     Limit
	limits  map[string]Limit
	keys    map[string]*keyState
	logger  zerolog.Logger

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New builds a limiter. def applies to keys without an explicit limit. When
// enabled is false every check passes.
func New(enabled bool, def Limit) *Limiter {
	return &Limiter{
		enabled: enabled,
		def:     def.withDefaults(),
		limits:  make(map[string]Limit),
		keys:    make(map[string]*keyState),
		logger:  log.WithComponent("ratelimit"),
	}
}

// SetLimit installs a per-key budget, resetting any accumulated state for
// the key.
func (l *Limiter) SetLimit(key string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[key] = limit.withDefaults()
	delete(l.keys, key)
}

// GetLimit returns the budget in force for the key.
func (l *Limiter) GetLimit(key string) Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit, ok := l.limits[key]; ok {
		return limit
	}
	return l.def
}

// Allow consumes one unit of the key's budget if available.
func (l *Limiter) Allow(key string) Result {
	res := l.check(key, true)
	if res.Allowed {
		metrics.RateLimitAllowed.Inc()
	} else {
		metrics.RateLimitDenied.Inc()
	}
	return res
}

// Status reports the key's budget without consuming it.
func (l *Limiter) Status(key string) Result {
	return l.check(key, false)
}

// Acquire blocks until the key is admitted, sleeping the advertised
// retry-after between attempts. It returns early with the context error on
// cancellation.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	for {
		res := l.Allow(key)
		if res.Allowed {
			return nil
		}
		wait := res.RetryAfter
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Reset drops the key's accumulated state, restoring a full budget.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// Cleanup removes key state idle for longer than maxIdle and returns how
// many entries were dropped. Explicit limits installed with SetLimit stay.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, st := range l.keys {
		if st.lastSeen.Before(cutoff) {
			delete(l.keys, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Msg("idle rate-limit state cleaned up")
	}
	return removed
}

// StartJanitor runs Cleanup on the given cadence until StopJanitor.
func (l *Limiter) StartJanitor(interval, maxIdle time.Duration) {
	l.mu.Lock()
	if l.janitorStop != nil {
		l.mu.Unlock()
		return
	}
	l.janitorStop = make(chan struct{})
	l.janitorDone = make(chan struct{})
	stop, done := l.janitorStop, l.janitorDone
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.Cleanup(maxIdle)
			}
		}
	}()
}

// StopJanitor halts the background cleanup job.
func (l *Limiter) StopJanitor() {
	l.mu.Lock()
	stop, done := l.janitorStop, l.janitorDone
	l.janitorStop = nil
	l.janitorDone = nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (l *Limiter) check(key string, consume bool) Result {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.def
	if override, ok := l.limits[key]; ok {
		limit = override
	}

	if !l.enabled {
		return Result{Allowed: true, Remaining: limit.Requests, Limit: limit.Requests, Window: limit.Window}
	}
	if limit.Requests <= 0 {
		return Result{Allowed: false, RetryAfter: limit.Window, Limit: 0, Window: limit.Window}
	}

	st, ok := l.keys[key]
	if !ok {
		st = &keyState{
			limit:       limit,
			tokens:      float64(limit.Burst),
			lastRefill:  now,
			windowStart: now,
		}
		l.keys[key] = st
	}
	st.lastSeen = now

	switch st.limit.Algorithm {
	case SlidingWindow:
		return l.slidingWindow(st, now, consume)
	case FixedWindow:
		return l.fixedWindow(st, now, consume)
	default:
		return l.tokenBucket(st, now, consume)
	}
}

// tokenBucket refills by elapsed * requests/window, clamped to burst, and
// spends one token per admission. Deny advertises (1 - tokens) / rate.
func (l *Limiter) tokenBucket(st *keyState, now time.Time, consume bool) Result {
	rate := float64(st.limit.Requests) / st.limit.Window.Seconds()
	elapsed := now.Sub(st.lastRefill).Seconds()
	st.tokens += elapsed * rate
	if st.tokens > float64(st.limit.Burst) {
		st.tokens = float64(st.limit.Burst)
	}
	st.lastRefill = now

	if st.tokens >= 1 {
		if consume {
			st.tokens--
		}
		return l.result(st, true, int(st.tokens), 0)
	}
	retry := time.Duration((1 - st.tokens) / rate * float64(time.Second))
	return l.result(st, false, 0, retry)
}

// slidingWindow keeps one timestamp per admission inside the window. Deny
// advertises when the oldest stamp leaves the window.
func (l *Limiter) slidingWindow(st *keyState, now time.Time, consume bool) Result {
	cutoff := now.Add(-st.limit.Window)
	kept := st.stamps[:0]
	for _, ts := range st.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.stamps = kept

	if len(st.stamps) < st.limit.Requests {
		if consume {
			st.stamps = append(st.stamps, now)
		}
		return l.result(st, true, st.limit.Requests-len(st.stamps), 0)
	}
	retry := st.stamps[0].Sub(cutoff)
	return l.result(st, false, 0, retry)
}

// fixedWindow resets the counter when the window rolls over. Deny advertises
// the time until the current window ends.
func (l *Limiter) fixedWindow(st *keyState, now time.Time, consume bool) Result {
	if now.Sub(st.windowStart) >= st.limit.Window {
		st.windowStart = now
		st.count = 0
	}
	if st.count < st.limit.Requests {
		if consume {
			st.count++
		}
		return l.result(st, true, st.limit.Requests-st.count, 0)
	}
	retry := st.windowStart.Add(st.limit.Window).Sub(now)
	return l.result(st, false, 0, retry)
}

func (l *Limiter) result(st *keyState, allowed bool, remaining int, retry time.Duration) Result {
	return Result{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: retry,
		Limit:      st.limit.Requests,
		Window:     st.limit.Window,
	}
}
