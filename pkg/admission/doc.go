/*
Package admission sheds load before any other work happens.

Two composable gates run in order. The global gate bounds requests in
flight with a counting semaphore; when full, new requests fail immediately
with Overloaded rather than queueing, which keeps memory flat under
overload. The second gate is a token bucket per (tenant, route): refill
rate r, burst b, one token per request, Throttled with a retry hint when
empty. Buckets live in an LRU so idle (tenant, route) pairs cost nothing.

The gateway consults admission before the cache, so even a cache hit
requires a token. Successful admissions return a release func; releasing
twice is safe.
*/
package admission
