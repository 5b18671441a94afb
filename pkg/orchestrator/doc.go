/*
Package orchestrator wires the control plane and the data plane into the
single Dispatch contract the gateway calls.

A unary dispatch runs, in order: admission, deadline defaulting, registry
lookup, schema translation to canonical bytes, the cache (for cacheable
methods, with single-flight and negative entries), and the instance loop.
The loop backs the invoker's TargetFunc: the balancer picks an instance
from the registry snapshot, its breaker gates the attempt with failover to
a sibling when open, and the channel pool leases the connection. Retries
and hedges inside the invoker re-enter the loop, so consecutive attempts
can land on different instances.

Every dispatch settles exactly once: metrics, a telemetry observation, and
the admission slot are released on success, error, and panic alike. Panics
anywhere in the pipeline surface as Internal without killing the process.

Instance removal hooks back into the pool (drain) and the breaker set
(forget); deregistering a service also drops its compiled schemas and
balancer state.
*/
package orchestrator
