package health

import (
	"context"
	"time"
)

// Status grades a component. The values match the strings the component
// registry in pkg/metrics expects.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one probe.
type Result struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// Checker probes one component. Name identifies the component in monitor
// results and the metrics registry.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Func adapts a plain function into a named Checker.
func Func(name string, fn func(ctx context.Context) Result) Checker {
	return funcChecker{name: name, fn: fn}
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) Result
}

func (f funcChecker) Name() string { return f.name }

func (f funcChecker) Check(ctx context.Context) Result { return f.fn(ctx) }

// Config tunes the monitor.
type Config struct {
	// Interval is the time between monitor passes.
	Interval time.Duration

	// Timeout bounds each individual probe.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	return out
}
