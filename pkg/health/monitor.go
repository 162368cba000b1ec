package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
)

// Monitor runs registered checkers on an interval, caches the latest result
// per component, and feeds each outcome into the metrics component registry
// so the /health and /ready endpoints see it.
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	checkers []Checker
	results  map[string]Result

	stop chan struct{}
	done chan struct{}
}

// NewMonitor builds a monitor with the given cadence.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("health"),
		results: make(map[string]Result),
	}
}

// Register adds a checker. Registering during operation is safe; the checker
// joins the next pass.
func (m *Monitor) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// RunOnce probes every registered checker concurrently, caches the results,
// and returns them keyed by checker name.
func (m *Monitor) RunOnce(ctx context.Context) map[string]Result {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	results := make([]Result, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.probe(ctx, c)
		}(i, c)
	}
	wg.Wait()

	out := make(map[string]Result, len(checkers))
	m.mu.Lock()
	for i, c := range checkers {
		m.results[c.Name()] = results[i]
		out[c.Name()] = results[i]
	}
	m.mu.Unlock()
	return out
}

// probe runs one checker with the configured timeout. A panicking checker is
// reported unhealthy instead of taking the monitor down.
func (m *Monitor) probe(ctx context.Context, c Checker) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Status:    StatusUnhealthy,
				Message:   fmt.Sprintf("checker panic: %v", r),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
		metrics.UpdateComponent(c.Name(), string(res.Status), res.Message)
		if res.Status != StatusHealthy {
			m.logger.Warn().
				Str("check", c.Name()).
				Str("status", string(res.Status)).
				Str("message", res.Message).
				Msg("component not healthy")
		}
	}()

	return c.Check(ctx)
}

// Results returns a copy of the latest cached result per component.
func (m *Monitor) Results() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Result, len(m.results))
	for name, res := range m.results {
		out[name] = res
	}
	return out
}

// Overall aggregates the cached results: any unhealthy component wins,
// otherwise any degraded one, otherwise healthy.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := StatusHealthy
	for _, res := range m.results {
		switch res.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Start launches the background loop: one pass immediately, then one per
// interval. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.RunOnce(context.Background())
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.RunOnce(context.Background())
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
