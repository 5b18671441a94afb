/*
Package invoker executes backend gRPC calls.

Every call derives its deadline from the caller's, minus a fixed egress
budget (default 50ms) reserved for response translation. A deadline that
leaves no room fails fast with Timeout before touching the network.

Unary calls retry only when the method is declared idempotent, on
Unavailable, Aborted, and DeadlineExceeded while budget remains. The
schedule is jittered exponential (base 100ms, x2, cap 10s, 3 attempts);
each retry asks the orchestrator for a fresh target, so attempts spread
across instances. Methods with a hedge delay fire a second attempt on
another target when the primary is slow; the first success wins and the
loser is canceled.

Streams are opened generically through grpc.ClientConn.NewStream with a
StreamDesc built from the method's call kind; no generated stubs exist.
A Stream settles its lease, instance stats, and breaker verdict exactly
once, whether it ends in EOF, error, or caller abort.

Payloads of 1KiB and up are gzip-compressed. Outgoing metadata carries
x-request-id, x-tenant, the authorization passthrough, and x-deadline-ms.
*/
package invoker
