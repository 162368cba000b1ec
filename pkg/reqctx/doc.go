/*
Package reqctx propagates a correlation id through request scopes.

Each inbound HTTP request receives a request id (accepted from the
X-Request-ID header when well-formed, freshly generated otherwise). The id,
method, and path travel as an immutable Info value on the request context,
and a request-scoped zerolog logger carrying the same fields is bound
alongside it, so every log record emitted while serving the request
identifies its origin.

# Architecture

	┌──────────────── CORRELATION SCOPE ────────────────────┐
	│                                                         │
	│  inbound request                                        │
	│       │  X-Request-ID: abc  (or generated)              │
	│       ▼                                                 │
	│  ┌─────────────────────────────────────────────┐       │
	│  │ Middleware                                   │       │
	│  │  - validate or mint the id                   │       │
	│  │  - bind Info{id, method, path} to ctx        │       │
	│  │  - bind request-scoped logger to ctx         │       │
	│  │  - echo X-Request-ID on the response         │       │
	│  │  - log start / end (warn when slow)          │       │
	│  └──────────────────┬──────────────────────────┘       │
	│                     │ ctx                               │
	│          ┌──────────┼────────────┐                      │
	│          ▼          ▼            ▼                      │
	│      handlers    log.Ctx     Detach(ctx)                │
	│                  records     async work keeps the id    │
	│                  carry id    (webhooks, tasks)          │
	└─────────────────────────────────────────────────────────┘

# Usage

Handlers read the id with RequestID(ctx) and log through log.Ctx(ctx).
Background work spawned from a request uses Detach(ctx) so the correlation
id survives the handler returning while deadlines and cancellation do not.
Outbound webhook deliveries read RequestID(ctx) and attach it as their own
X-Request-ID header.
*/
package reqctx
