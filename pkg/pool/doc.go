/*
Package pool maintains the multiplexed gRPC channels between the bridge
and each backend instance.

Each instance gets a small pool (default 2 steady-state channels, growing
to 4 under load) with a per-channel concurrent-stream cap (default 100).
Acquisition picks the channel with the fewest outstanding streams; when
every channel is at cap the pool grows up to the max, then fails fast with
Overloaded so the orchestrator can try another instance.

Channels are owned exclusively by the pool. Borrowers hold a Lease — a
non-owning handle whose Release returns the stream slot; double release is
a no-op, so error paths can defer it safely.

Lifecycle: creation is lazy (grpc.NewClient does not connect until the
first RPC); Warm pre-dials the steady-state count when configured.
Keepalive pings run every 30s. A reaper closes channels idle past the
idle timeout (default 5min). Instance removal drains: new acquisitions
are refused, in-flight calls get up to the drain timeout (default 15s),
then the channels force-close in the background.
*/
package pool
