/*
Package fabric assembles the runtime: it builds every component from
configuration, wires the cross-component callbacks, and owns startup and
shutdown ordering. The daemon builds one Fabric and hands its parts to the
HTTP layer.

# Assembly

	┌──────────────────────── FABRIC ASSEMBLY ────────────────────────┐
	│                                                                  │
	│  config.Config                                                   │
	│       │                                                          │
	│       ▼                                                          │
	│  bus.New ──▶ resilient.Wrap ──┬─▶ Subscribe(">")                 │
	│                               │      └─▶ alerts.Engine           │
	│                               └─▶ Subscribe("{prefix}.>")        │
	│                                      └─▶ fold into open reports  │
	│                                                                  │
	│  taskmgr.Manager ──OnTaskComplete──▶ notify.Manager              │
	│  alerts.Engine ────OnAlert─────────▶ notify.Manager              │
	│                                                                  │
	│  store (memory|bolt|sql, + LRU cache)                            │
	│  ratelimit.Limiter (+ janitor)                                   │
	│  health.Monitor (bus, store, task checkers)                      │
	└──────────────────────────────────────────────────────────────────┘

# Lifecycle

Start connects the bus, attaches the fabric's subscribers, and starts the
rate-limit janitor and the health monitor. Stop reverses the order: loops
stop, subscribers detach, the task pool drains, the bus disconnects, the
store closes. Both are idempotent; a stopped fabric does not restart.

# Runners

Runners supplies the task work functions the API submits against: report
(drives a report record through generating → completed while the
persistence subscriber folds scan events into its metadata), export
(serializes a stored report), and generic. Scan and workspace jobs belong
to external scanner processes and have no runner here.
*/
package fabric
