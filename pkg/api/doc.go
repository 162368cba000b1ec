/*
Package api is the HTTP adapter over the fabric components.

The api package owns no domain logic: every handler is a thin shell that
decodes a request, calls one component operation, and encodes the result.
Cross-cutting behavior lives in the middleware chain, applied in a fixed
order so each layer sees what the previous one established.

# Architecture

	┌─────────────────── REQUEST PATH ────────────────────┐
	│                                                      │
	│  request                                             │
	│     │                                                │
	│     ▼                                                │
	│  ┌─────────────────┐  X-Request-ID in/out,           │
	│  │ reqctx          │  scoped logger, start/end logs  │
	│  └────────┬────────┘                                 │
	│           ▼                                          │
	│  ┌─────────────────┐  fabric_api_requests_total      │
	│  │ metrics         │  fabric_api_request_duration    │
	│  └────────┬────────┘                                 │
	│           ▼                                          │
	│  ┌─────────────────┐  none ─▶ 401                    │
	│  │ auth            │  bad  ─▶ 403                    │
	│  └────────┬────────┘  ok: role attached              │
	│           ▼                                          │
	│  ┌─────────────────┐  over budget ─▶ 429             │
	│  │ client throttle │  {limit, window, retry_after}   │
	│  └────────┬────────┘                                 │
	│           ▼                                          │
	│       handler ──▶ component operation ──▶ JSON       │
	│                                                      │
	│  outside the chain: /health /ready /live /metrics    │
	└──────────────────────────────────────────────────────┘

# Authentication

Credential evaluation yields exactly one of three outcomes: Authenticated
with a role, Denied with a reason, or Unauthenticated. With no API key
configured the surface is open and every request runs as the configured key
role. Otherwise the static key (X-API-Key or bearer) maps to the key role,
and issued bearer tokens carry their own. Tokens are opaque random values
stored by digest with access/refresh lifetimes from config; refresh rotates
the pair and revokes the old refresh token. When RBAC enforcement is on,
GET and HEAD require viewer, everything else operator.

# Semantics

  - errors are JSON bodies {error, request_id}; a missing record is 404,
    distinct from a 200 with an empty list
  - publish failures answer 503 with dead_lettered: true, because the bus
    middleware has already preserved the envelope
  - the 429 body carries the limit, its window, and a retry_after measured
    from the actual reservation delay
  - task submission answers 202 with the queued record id, never blocking
    on execution
  - /health reflects the monitor's cached results: degraded stays 200,
    unhealthy flips to 503; /ready gates on the critical component set

# Usage

	srv := api.NewServer(api.Deps{
		Config:  cfg.API,
		Bus:     rb,
		Tasks:   tm,
		Alerts:  eng,
		Notify:  nm,
		Store:   st,
		Limiter: rl,
		Monitor: mon,
		Prefix:  cfg.Bus.ChannelPrefix,
		Runners: runners,
	})
	go func() { errCh <- srv.Start() }()
	...
	srv.Shutdown(ctx)

# Integration Points

  - pkg/reqctx: correlation middleware, request ids echoed in error bodies
  - pkg/metrics: request counters/histograms plus the "api" entry in the
    component registry, which /ready treats as critical
  - pkg/health: /health renders the monitor's cached checker results
  - pkg/resilient, pkg/taskmgr, pkg/alerts, pkg/notify, pkg/store,
    pkg/ratelimit: one route group each

# See Also

  - pkg/fabric for the assembly that wires Deps
  - pkg/config for APIConfig fields and their environment overrides
*/
package api
