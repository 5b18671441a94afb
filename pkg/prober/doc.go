/*
Package prober keeps registered instance health current.

One worker runs per registry shard, ticking every probe interval (default
5s). Each tick walks the shard's instances and issues a gRPC health/v1
Check with a 2s deadline through the shared channel pool. The observed
state replaces the instance's health; the probe round-trip feeds the load
balancer's rtt average.

Unhealthy instances back off exponentially (capped at 60s) so a dead
backend is not probed every tick. Backends that answer but do not
implement the health service count as healthy; the transport reaching them
is the signal that matters.

Every transition is logged and published on the events broker, and a
transition to Unhealthy hints the instance's circuit breaker. The hint
feeds the breaker's failure rate only; it never forces a state.
*/
package prober
