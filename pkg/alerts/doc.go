/*
Package alerts evaluates event contexts against named rules and fires
severity-tagged alerts.

The engine holds rules, an alert history, and a set of handlers. Callers
feed it either a raw context map or a bus envelope; every enabled rule is
checked and each match produces one types.Alert.

# Architecture

	┌─────────────────── RULE EVALUATION ────────────────────┐
	│                                                          │
	│  context map ──▶ for each rule (name order):             │
	│                                                          │
	│    disabled? ─────────────▶ skip                         │
	│    max_alerts reached? ───▶ skip                         │
	│    inside cooldown? ──────▶ skip                         │
	│    conditions (all / any)─▶ no match ▶ skip              │
	│         │                                                │
	│         ▼ match                                          │
	│    render {placeholder} template                         │
	│    bump counters, stamp last-alert time                  │
	│    append to bounded history                             │
	│    notify handlers (panics isolated)                     │
	└──────────────────────────────────────────────────────────┘

# Conditions

Each condition names a kind, a value, and an optional operator:

  - event_type: string compare against context["event_type"]; operators
    eq (default), contains, matches (regex)
  - pattern: regex search of the value against context["data"]
  - severity, count, rate: numeric compare against the same-named context
    key; operators gte (default), lte, gt, lt, eq
  - custom: a Go closure over the whole context

Regexes compile at AddRule, so Evaluate never pays compilation or sees a
bad pattern. A rule with no conditions never fires.

# Template Rendering

Messages interpolate {placeholder} from the context. Rendering is
all-or-nothing: when any referenced key is missing the raw template is
returned untouched rather than a half-filled string.

# Usage

	eng := alerts.New(alerts.Config{MaxHistory: 1000})
	err := eng.AddRule(&alerts.Rule{
		Name:     "high-risk-ip",
		Severity: types.SeverityHigh,
		Message:  "risky host {data} from {module}",
		MatchAll: true,
		Conditions: []alerts.Condition{
			{Kind: alerts.KindEventType, Value: "IP_ADDRESS"},
			{Kind: alerts.KindSeverity, Operator: alerts.OpGTE, Value: 50},
		},
		CooldownSeconds: 60,
		Enabled:         true,
	})

	eng.OnAlert(func(a *types.Alert) { ... })
	fired := eng.EvaluateEnvelope(env)

# Integration Points

  - pkg/bus: EvaluateEnvelope slots directly behind a wildcard subscription
  - pkg/notify: WireAlertEngine forwards alerts to webhooks as
    alert.{severity} events
  - pkg/api: rule CRUD, alert history, and acknowledge endpoints
  - pkg/metrics: fabric_alerts_fired_total{rule,severity}
*/
package alerts
