/*
Package notify delivers events to registered webhooks over HTTP.

Two layers: the Manager owns the webhook registry and decides who gets
what; the Dispatcher owns the wire format, signing, retries, and the
delivery audit trail.

# Architecture

	┌───────────────────── NOTIFICATION FLOW ─────────────────────┐
	│                                                               │
	│  Notify(event, payload)                                       │
	│       │                                                       │
	│       ▼                                                       │
	│  snapshot enabled webhooks where filters match                │
	│       │                                                       │
	│       ▼  per webhook                                          │
	│  ┌──────────────────────────────────────────────┐             │
	│  │ Dispatcher.Deliver                           │             │
	│  │   body = {event_type, timestamp, payload}    │             │
	│  │   sign: X-SpiderFoot-Signature: sha256=<hex>  │             │
	│  │   POST, retry 1..max with 2^(n-1)s (cap 30s) │             │
	│  │   append DeliveryRecord to ring buffer       │             │
	│  └──────────────────────────────────────────────┘             │
	└───────────────────────────────────────────────────────────────┘

# Wire Format

The request body is a single JSON object:

	{"event_type": "task.completed", "timestamp": 1724567890.123, "payload": {...}}

with headers Content-Type: application/json, User-Agent:
SpiderFoot-Webhook/1.0, X-SpiderFoot-Event, any configured extra headers,
and X-Request-ID when the context carries a correlation id. When the
webhook has a secret the signature header carries the hex HMAC-SHA256 of
the exact body bytes. Receivers verify by recomputing over the raw body.

# Filters

A webhook with no event filters receives everything. Otherwise an event
matches when some filter equals the event type or is a dotted prefix of it,
so "task" matches "task.completed".

# Wiring

WireTaskManager and WireAlertEngine subscribe the manager to the task
manager and alert engine, translating terminal task transitions into
task.{state} events and fired alerts into alert.{severity} events. Both
deliver asynchronously; a slow receiver never blocks a worker or an
evaluation.

# Integration Points

  - pkg/taskmgr, pkg/alerts: event sources via the Wire helpers
  - pkg/reqctx: correlation id propagation into delivery headers
  - pkg/api: webhook CRUD and delivery history endpoints
  - pkg/metrics: fabric_webhook_deliveries_total{status}, delivery
    duration histogram
*/
package notify
