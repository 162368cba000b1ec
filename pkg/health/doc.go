/*
Package health provides the checker framework behind the daemon's /health
and /ready endpoints.

A Checker probes one component and grades it healthy, degraded, or
unhealthy. The Monitor runs every registered checker on an interval, caches
the latest Result per component, and feeds each outcome into the metrics
component registry so the HTTP handlers see it.

# Architecture

	┌───────────────────── MONITOR PASS ─────────────────────────┐
	│                                                             │
	│  every Interval (and once at Start):                        │
	│                                                             │
	│  ┌─────────┐  ┌─────────┐  ┌─────────┐  ┌──────────────┐   │
	│  │ bus     │  │ store   │  │ tasks   │  │ Func / HTTP  │   │
	│  │ checker │  │ checker │  │ checker │  │ / TCP        │   │
	│  └────┬────┘  └────┬────┘  └────┬────┘  └──────┬───────┘   │
	│       │            │            │              │           │
	│       └────────────┴─────┬──────┴──────────────┘           │
	│              concurrent, each bounded by Timeout            │
	│                          │                                  │
	│                          ▼                                  │
	│              cached Result per component                    │
	│                    │            │                           │
	│                    ▼            ▼                           │
	│          Results()/Overall()   metrics.UpdateComponent      │
	│          (pkg/api /health)     (registry, /ready)           │
	└─────────────────────────────────────────────────────────────┘

# Semantics

  - Statuses use the same strings as the metrics registry: healthy,
    degraded, unhealthy.
  - Overall aggregation: any unhealthy component wins, otherwise any
    degraded one, otherwise healthy. The API maps unhealthy to 503 and
    degraded to 200 with status "degraded".
  - A panicking checker is reported unhealthy with the panic text; it
    never takes the monitor down.
  - The bus checker translates the resilient bus's cached self-probe
    without touching the backend. The store checker does a save/get/delete
    round trip with a uniquely-keyed probe report. The task checker grades
    worker-pool saturation: a full queue is unhealthy because submissions
    are being rejected, every worker busy with work still queued is
    degraded.
  - HTTPChecker and TCPChecker probe external endpoints, such as a
    supporting Redis or NATS port. Func adapts any closure.

# Usage

	mon := health.NewMonitor(health.Config{Interval: 15 * time.Second})
	mon.Register(health.NewBusChecker(rbus))
	mon.Register(health.NewStoreChecker(st))
	mon.Register(health.NewTaskChecker(tasks))
	mon.Register(health.NewTCPChecker("redis", "127.0.0.1:6379"))
	mon.Start()
	defer mon.Stop()

# Integration Points

  - pkg/api: /health serializes Results and Overall; /ready consults the
    component registry this package feeds
  - pkg/fabric: registers the component checkers and owns the monitor's
    lifetime
  - pkg/resilient: the bus checker reads its cached Health snapshot
  - pkg/metrics: UpdateComponent, the registry behind /ready

# See Also

  - pkg/metrics for the component registry and its HTTP handlers
*/
package health
