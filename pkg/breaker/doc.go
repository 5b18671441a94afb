/*
Package breaker implements the per-instance circuit breaker gating backend
calls.

# State machine

	Closed ──(EWMA failure rate ≥ threshold, enough samples)──▶ Open
	Open ──(jittered cooldown elapsed)──▶ HalfOpen
	HalfOpen ──(K consecutive probe successes)──▶ Closed (EWMA reset)
	HalfOpen ──(any probe failure)──▶ Open (cooldown doubled, capped)

Closed maintains an exponentially weighted failure rate (α = 0.3) over a
sample window (default 100 requests / 30s observation period) and trips at
the configured threshold (default 0.5) once at least MinSamples (default
10) observations exist. Open rejects immediately with CircuitOpen.
HalfOpen admits at most K probe calls (default 1).

A failure is Unavailable, DeadlineExceeded, Internal, or ResourceExhausted
after retries; caller cancellation never counts. The health prober may feed
failures via RecordExternalFailure as a hint; hints go through the same
Closed-state accounting and never override Open.

Allow returns a done callback so call counting stays exact under
concurrency:

	done, err := set.Get(inst.InstanceID).Allow()
	if err != nil { // CircuitOpen: skip this instance
		continue
	}
	resp, callErr := invoke(...)
	done(callErr)
*/
package breaker
