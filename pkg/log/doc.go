/*
Package log provides structured logging for the fabric using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging. Request-scoped loggers created by
the correlation middleware are recovered with log.Ctx so that every record
emitted while serving a request carries its request_id, method, and path.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                    │           │
	│  │  - Zerolog instance                         │           │
	│  │  - Initialized via log.Init()               │           │
	│  │  - Thread-safe for concurrent use           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Component Loggers                   │           │
	│  │  - WithComponent("bus")                     │           │
	│  │  - WithScanID("scan-abc123")                │           │
	│  │  - WithTaskID("task-def456")                │           │
	│  │  - WithWebhookID("wh-789")                  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │       Request-Scoped Loggers                │           │
	│  │  - Attached to context by reqctx middleware │           │
	│  │  - Recovered via log.Ctx(ctx)               │           │
	│  │  - Carry request_id, method, path           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Log Output                       │           │
	│  │  JSON (production) or console (development) │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all fabric packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithScanID: Add scan ID context
  - WithTaskID: Add task ID context
  - WithWebhookID: Add webhook ID context
  - Ctx: Recover the request-scoped logger from a context

# Usage

Initializing the logger:

	import "github.com/spiderfoot/fabric/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("fabric starting")
	log.Warn("DLQ filling up")
	log.Error("failed to connect to redis")

Structured logging:

	log.Logger.Info().
		Str("topic", "spiderfoot.scan1.IP_ADDRESS").
		Int("subscribers", 3).
		Msg("event published")

Component loggers:

	busLog := log.WithComponent("bus")
	busLog.Debug().Str("pattern", "sf.scan1.*").Msg("subscription added")

Request-scoped logging:

	// Inside an HTTP handler wrapped by reqctx.Middleware the context
	// carries a logger with request_id/method/path already attached.
	log.Ctx(r.Context()).Info().Msg("task submitted")

# Integration Points

This package integrates with:

  - pkg/bus: Logs publish/subscribe and backend connectivity
  - pkg/resilient: Logs circuit transitions and DLQ activity
  - pkg/taskmgr: Logs task lifecycle transitions
  - pkg/notify: Logs webhook delivery attempts
  - pkg/alerts: Logs rule evaluation failures
  - pkg/reqctx: Attaches request-scoped loggers to contexts
  - pkg/api: Logs request start/end with slow-request warnings

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields
  - Automatically includes context in all logs
  - Request scopes use zerolog's context attachment; log.Ctx falls back
    to the global logger outside a request scope

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Parseable by log analysis tools

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err()
  - Include context (scan ID, task ID, request ID)

Don't:
  - Log webhook secrets or API tokens
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
