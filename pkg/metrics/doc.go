/*
Package metrics provides Prometheus instrumentation for the fabric.

The metrics package defines every Prometheus collector the daemon exports,
registers them at init time, and exposes the scrape handler plus a component
health registry backing the /health and /ready endpoints. Counters and gauges
are updated inline by the owning components; nothing in this package polls.

# Architecture

	┌─────────────────── METRICS PIPELINE ───────────────────┐
	│                                                          │
	│  ┌──────────┐  ┌───────────┐  ┌─────────┐  ┌─────────┐ │
	│  │ pkg/bus  │  │pkg/resil- │  │pkg/task-│  │pkg/noti-│ │
	│  │          │  │ient       │  │mgr      │  │fy       │ │
	│  └────┬─────┘  └─────┬─────┘  └────┬────┘  └────┬────┘ │
	│       │              │             │            │       │
	│       ▼              ▼             ▼            ▼       │
	│  ┌──────────────────────────────────────────────────┐  │
	│  │         Package-level collectors (fabric_*)      │  │
	│  │  counters, gauges, histograms + Timer helper     │  │
	│  └───────────────────────┬──────────────────────────┘  │
	│                          │                              │
	│                          ▼                              │
	│  ┌──────────────────────────────────────────────────┐  │
	│  │  promhttp handler on GET /metrics                 │  │
	│  └──────────────────────────────────────────────────┘  │
	└──────────────────────────────────────────────────────────┘

# Metric Families

Event bus:
  - fabric_events_published_total{backend}: successful publishes
  - fabric_events_failed_total: publishes that exhausted all retries
  - fabric_events_dropped_total{reason}: deliveries dropped (queue_full, ...)
  - fabric_bus_subscriptions: active subscriptions
  - fabric_subscriber_invocations_total / fabric_subscriber_errors_total

Resilience:
  - fabric_circuit_state: 0 closed, 1 open, 2 half_open
  - fabric_dlq_size, fabric_dlq_added_total, fabric_dlq_replayed_total

Tasks:
  - fabric_tasks_total{type,state}: terminal transitions
  - fabric_tasks_active: queued + running
  - fabric_task_duration_seconds{type}

Alerts and notifications:
  - fabric_alerts_fired_total{rule,severity}
  - fabric_webhook_deliveries_total{status}
  - fabric_webhook_delivery_seconds

Rate limiting and API:
  - fabric_ratelimit_allowed_total / fabric_ratelimit_denied_total
  - fabric_api_requests_total{method,status}
  - fabric_api_request_duration_seconds{method}

# Usage

Incrementing counters:

	metrics.EventsPublished.WithLabelValues("memory").Inc()
	metrics.DLQSize.Set(float64(q.Size()))

Timing an operation:

	timer := metrics.NewTimer()
	deliver()
	timer.ObserveDuration(metrics.WebhookDuration)

Exposing the scrape endpoint:

	mux.Handle("/metrics", metrics.Handler())

Component health:

	metrics.RegisterComponent("bus", metrics.StatusHealthy, "")
	metrics.UpdateComponent("bus", metrics.StatusDegraded, "circuit half_open")
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

# Integration Points

  - pkg/resilient: circuit state, DLQ gauges, publish counters, health updates
  - pkg/bus: subscription gauge, drop counters
  - pkg/taskmgr: task counters and durations
  - pkg/alerts: alerts-fired counter
  - pkg/notify: delivery counters and durations
  - pkg/ratelimit: allow/deny counters
  - pkg/api: request counters, /metrics /health /ready endpoints

# Design Patterns

Package-Level Collectors:
  - Metrics declared as package variables, registered once in init()
  - Components update them at the call site; no background scraping state

Readiness vs Liveness:
  - /health reflects component status (degraded still returns 200)
  - /ready gates on the critical set: bus, store, api
  - Liveness only proves the process responds

# See Also

  - Prometheus client: https://github.com/prometheus/client_golang
  - Metric naming: https://prometheus.io/docs/practices/naming/
*/
package metrics
