/*
Package config resolves the fabric daemon configuration from defaults, an
optional YAML file, and environment variables, in that order of precedence.

# Resolution Order

	┌────────────┐    ┌────────────┐    ┌─────────────┐
	│  Default() │───▶│ YAML file  │───▶│ environment │
	└────────────┘    └────────────┘    └─────────────┘
	  lowest                               highest

Every field has a usable default, so a bare `fabric serve` starts an
in-memory single-process deployment with no file present.

# Environment Variables

The deployment surface is a fixed set of SF_* variables:

	SF_BUS_BACKEND        bus backend: memory, redis, nats
	SF_REDIS_URL          Redis connection URL
	SF_NATS_URL           NATS server URL
	SF_NATS_STREAM        JetStream stream name
	SF_CHANNEL_PREFIX     topic prefix for all event traffic
	SF_API_KEY            static API key accepted by the HTTP adapter
	SF_API_KEY_ROLE       role granted to the static key
	SF_JWT_SECRET         HMAC secret for issued tokens
	SF_JWT_ACCESS_TTL     access token lifetime (Go duration)
	SF_JWT_REFRESH_TTL    refresh token lifetime (Go duration)
	SF_RBAC_ENFORCE       enforce role checks on mutating routes
	SF_WEBHOOK_TIMEOUT    default webhook delivery timeout
	SF_RATELIMIT_ENABLED  master switch for the rate-limiter service

# Usage

	cfg, err := config.Load(os.Getenv("FABRIC_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

Validation runs as the last step of Load, so callers never see a Config
that violates the structural constraints (backend enums, positive sizes,
required DSNs).

# Durations

Duration fields accept either Go duration strings ("30s", "5m") or bare
integers, which are read as seconds. This keeps hand-written YAML terse
while matching the environment variable format.

# See Also

  - pkg/fabric for how the resolved Config is wired into components
  - cmd/fabric for flag handling layered on top of this package
*/
package config
