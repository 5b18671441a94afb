/*
Package registry implements Gantry's service registry: the authoritative
mapping from logical service names to descriptors and instance sets.

# Design

The registry is sharded by xxhash(name) mod N (default 32 shards) so that
registration bursts on one name never contend with lookups on another.
Within a shard, descriptors live in a plain map under an RWMutex; each
service's instance list is an immutable Snapshot behind an atomic pointer.
Readers (the dispatch hot path) take the pointer without blocking; writers
rebuild the slice and swap.

Deregistration is soft. The entry is tombstoned: lookups fail fast with
NotFound immediately, but the entry survives a grace window (default 5s)
so in-flight dispatches holding the old snapshot finish cleanly. Reaping
is lazy and piggybacks on subsequent writes to the shard.

Endpoint uniqueness under one name is an invariant enforced on Register
and AddInstance.

# Usage

	reg := registry.New(32, registry.WithGrace(5*time.Second))
	err := reg.Register(desc, instances, false)
	desc, snap, err := reg.Lookup("user-service")
	for _, inst := range snap.Eligible() { ... }
*/
package registry
