/*
Package log provides structured logging for Gantry using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing the logger:

	import "github.com/cuemby/gantry/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	breakerLog := log.WithComponent("breaker")
	breakerLog.Warn().
		Str("instance_id", inst.InstanceID).
		Float64("failure_rate", rate).
		Msg("circuit opened")

Request-scoped loggers:

	reqLog := log.WithRequestID(env.RequestID)
	reqLog.Debug().Str("service", env.Service).Msg("dispatching")

# Conventions

Components log under a fixed "component" field (registry, prober, breaker,
balancer, pool, invoker, translator, gateway, cache, admission,
orchestrator) so that a single grep or log query isolates one subsystem.
Request-path logging is Debug level only; the data plane must not pay for
per-request Info logs under load.
*/
package log
