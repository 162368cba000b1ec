/*
Package ratelimit provides per-key admission control with pluggable
accounting algorithms.

A Limiter holds one default budget plus per-key overrides. Keys are opaque
strings; the convention is "kind:name", e.g. "api:shodan",
"module:sfp_dnsbrute", "client:198.51.100.23". Every admission decision is a
Result carrying the remaining budget and, on denial, how long to wait.

# Architecture

	┌──────────────────── ADMISSION PATH ───────────────────────┐
	│                                                            │
	│  Allow(key) / Status(key) / Acquire(ctx, key)              │
	│       │                                                    │
	│       ▼                                                    │
	│  disabled? ──▶ allowed, full budget                        │
	│       │                                                    │
	│  Requests == 0? ──▶ denied, retry after the window         │
	│       │                                                    │
	│       ▼                                                    │
	│  per-key state, by algorithm:                              │
	│                                                            │
	│  token bucket     refill elapsed·rate, cap at burst,       │
	│                   spend 1; deny advertises (1-tokens)/rate │
	│  sliding window   prune stale stamps, count the rest;      │
	│                   deny advertises oldest stamp's exit      │
	│  fixed window     zero the counter on rollover;            │
	│                   deny advertises the window's end         │
	└────────────────────────────────────────────────────────────┘

# Semantics

  - Each key gets the default Limit unless SetLimit installed an override.
    SetLimit resets the key's accumulated state.
  - A Limit with Requests == 0 denies every call with RetryAfter equal to
    the window, which is how callers blocklist a key.
  - A disabled limiter admits everything; call sites need no bypass.
  - Status answers without consuming budget. Acquire loops Allow, sleeping
    the advertised retry-after until admitted or the context ends.
  - Cleanup drops key state idle past a threshold and StartJanitor runs it
    on a cadence. Explicit limits survive cleanup; only accounting state
    goes.

# Usage

	limiter := ratelimit.New(true, ratelimit.Limit{
		Requests: 100,
		Window:   time.Minute,
	})
	limiter.SetLimit("api:shodan", ratelimit.Limit{
		Requests:  1,
		Window:    time.Second,
		Algorithm: ratelimit.TokenBucket,
	})

	res := limiter.Allow("api:shodan")
	if !res.Allowed {
		time.Sleep(res.RetryAfter)
	}

# Integration Points

  - pkg/api: per-client request limiting and the /api/ratelimit endpoints
  - pkg/fabric: builds the limiter from config and runs the janitor for
    the daemon's lifetime
  - pkg/metrics: fabric_ratelimit_allowed_total and
    fabric_ratelimit_denied_total
*/
package ratelimit
