/*
Package cache absorbs read traffic for idempotent methods.

Keys are 128-bit fingerprints over service, method, canonical request
bytes, tenant, and accept-language. Entries spread across 16 shards by the
fingerprint's low bits; each shard is an independent Adaptive Replacement
Cache. ARC keeps a recency list (T1) and a frequency list (T2) plus ghost
lists of recently evicted keys (B1, B2); hits on the ghosts adapt the
split between recency and frequency, so the cache tracks the better of
LRU and LFU for the live workload without tuning.

While a fingerprint has no value, at most one backend call runs: all
concurrent callers join a single flight and share the leader's result.
A canceled leader hands leadership to a waiting follower instead of
failing the whole flight.

Entries carry a TTL and an optional stale-after mark. Between stale-after
and expiry, lookups serve the old value while one detached background
refresh revalidates it. Storage happens write-through on success only;
negative entries replay an error outcome and exist only for methods that
opt into negative caching.

An optional redis mirror extends the cache across bridge replicas:
read-repair on local miss, asynchronous best-effort write on store. The
mirror is never load-bearing; every failure degrades to a plain miss.
*/
package cache
