/*
Package types defines the core data structures used throughout the fabric.

This package contains the fundamental types of the event fabric's domain
model: event envelopes, background task records, alerts, webhook
configurations, delivery records, and persisted reports. These types are used
by all other packages for routing, state management, API payloads, and
persistence.

# Architecture

The types package is the foundation of the fabric's data model. It defines:

  - Event envelopes and topic composition
  - Task lifecycle states and records
  - Alert severities and triggered alerts
  - Webhook destinations and delivery audit records
  - Report documents and their sections

All types are designed to be:
  - Serializable (JSON with snake_case wire names)
  - Immutable where possible (Clone for safe snapshots)
  - Self-documenting (clear field names and comments)
  - Validated (typed string enums, validation helpers)

# Core Types

Event traffic:
  - Envelope: The immutable unit of pub/sub traffic
  - EventTopic: Composes `{prefix}.{scan_id}.{event_type}` routing keys
  - RootEventHash: Sentinel parent hash ("ROOT") for origin events

Task execution:
  - TaskRecord: Observable state of a background job
  - TaskType: scan, report, workspace, export, generic
  - TaskState: queued, running, completed, failed, cancelled

Alerting:
  - Severity: critical, high, medium, low, info (with Rank ordering)
  - Alert: A triggered rule instance with context snapshot

Notifications:
  - WebhookConfig: Registered outbound HTTP destination with filters
  - DeliveryRecord: Audit entry for one webhook POST attempt sequence
  - DeliveryStatus: pending, success, failed, retrying

Persistence:
  - Report: Persisted scan/report output with JSON-blob nested fields
  - ReportSection: One titled block of report content

# Usage

Creating an envelope:

	env := types.NewEnvelope("spiderfoot", "scan1", "IP_ADDRESS", "sfp_dnsresolve", "1.2.3.4")
	env.Risk = 30
	env.Metadata = map[string]any{"resolver": "8.8.8.8"}

Deriving a child event:

	child := types.NewEnvelope("spiderfoot", "scan1", "DOMAIN_NAME", "sfp_dnsresolve", "example.com")
	child.SourceEventHash = env.Fingerprint()

Registering a webhook:

	wh := &types.WebhookConfig{
		ID:             uuid.New().String(),
		URL:            "https://hooks.example.com/sf",
		Secret:         "s3cret",
		EventTypes:     []string{"alert", "task.completed"},
		Enabled:        true,
		TimeoutSeconds: 10,
		MaxRetries:     3,
	}

# State Machine

Tasks follow the lifecycle state machine:

	queued ──start──▶ running ──finish──▶ completed
	  │                 ├──error──▶ failed
	  │                 └──cancel─▶ cancelled
	  └──cancel──▶ cancelled

Terminal states (completed, failed, cancelled) are absorbing; TaskState
exposes CanTransition and Terminal so every mutation site enforces the same
machine.

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type TaskState string
	  const (
	      TaskQueued  TaskState = "queued"
	      TaskRunning TaskState = "running"
	  )

Fingerprint Pattern:

	Envelope identity is content-derived: Fingerprint hashes
	(event_type, data, module) through a stable encoding, so logically
	equal events collide intentionally and parent links survive replays.

Snapshot Pattern:

	Components hand out Clone()d records rather than internal pointers;
	mutations go through the owning component's API.

# Integration Points

This package integrates with:

  - pkg/bus: Routes envelopes by topic
  - pkg/resilient: Wraps envelopes in dead-letter entries
  - pkg/taskmgr: Owns TaskRecord lifecycle
  - pkg/alerts: Produces Alert values
  - pkg/notify: Matches WebhookConfig filters, appends DeliveryRecords
  - pkg/store: Persists Report documents
  - pkg/api: Serializes all of the above as JSON responses

# Thread Safety

All types in this package are plain data:
  - Read-safe: Can be read concurrently from multiple goroutines
  - Write-unsafe: Mutations must be synchronized by the owning component
  - Snapshot-preferred: Use Clone() when handing records across goroutines

# See Also

  - pkg/bus for topic grammar and matching rules
  - pkg/store for report persistence
  - pkg/taskmgr for the task lifecycle implementation
*/
package types
