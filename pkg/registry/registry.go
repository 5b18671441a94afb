package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/metrics"
	"github.com/cuemby/gantry/pkg/types"
)

// Snapshot is an immutable view of a service's instances. Readers get the
// current pointer atomically; writers build a new slice and swap.
type Snapshot struct {
	Version   uint64
	Instances []*types.ServiceInstance
}

// Eligible returns the instances that may receive traffic
func (s *Snapshot) Eligible() []*types.ServiceInstance {
	out := make([]*types.ServiceInstance, 0, len(s.Instances))
	for _, inst := range s.Instances {
		if inst.Health().Eligible() {
			out = append(out, inst)
		}
	}
	return out
}

type entry struct {
	desc     *types.ServiceDescriptor
	snapshot atomic.Pointer[Snapshot]
	// tombstonedAt is nonzero while the service is deregistering. New
	// dispatches fail fast during the grace window; the entry is reaped
	// afterwards.
	tombstonedAt time.Time
}

type shard struct {
	mu       sync.RWMutex
	services map[string]*entry
}

// Registry stores service descriptors and their instance sets, sharded by
// name hash to reduce write contention.
type Registry struct {
	shards   []*shard
	grace    time.Duration
	revision atomic.Uint64
	live     atomic.Int64

	// AddHook, when set, is called after an instance joins the registry
	// so the channel pool can pre-warm it.
	AddHook func(service string, inst *types.ServiceInstance)
	// RemoveHook, when set, is called after an instance leaves the
	// registry so the channel pool can start draining it.
	RemoveHook func(service string, inst *types.ServiceInstance)
}

// Option configures a Registry
type Option func(*Registry)

// WithGrace overrides the deregistration grace window
func WithGrace(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

// New creates a registry with the given shard count (default 32)
func New(nShards int, opts ...Option) *Registry {
	if nShards <= 0 {
		nShards = 32
	}
	r := &Registry{
		shards: make([]*shard, nShards),
		grace:  5 * time.Second,
	}
	for i := range r.shards {
		r.shards[i] = &shard{services: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ShardCount returns the number of shards; the prober runs one worker per
// shard.
func (r *Registry) ShardCount() int {
	return len(r.shards)
}

func (r *Registry) shardFor(name string) *shard {
	return r.shards[xxhash.Sum64String(name)%uint64(len(r.shards))]
}

// Register stores a descriptor and its initial instances. Fails with
// Conflict when the name exists, unless replace is set; replacing bumps
// the descriptor revision so compiled schemas are invalidated.
func (r *Registry) Register(desc *types.ServiceDescriptor, instances []*types.ServiceInstance, replace bool) error {
	if err := desc.Validate(); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidRequest, err, "invalid service descriptor")
	}
	seen := make(map[string]bool, len(instances))
	for _, inst := range instances {
		if inst.Endpoint == "" {
			return errdefs.New(errdefs.KindInvalidRequest, "instance %s: endpoint is required", inst.InstanceID)
		}
		if seen[inst.Endpoint] {
			return errdefs.New(errdefs.KindInvalidRequest, "duplicate endpoint %s", inst.Endpoint)
		}
		seen[inst.Endpoint] = true
	}

	s := r.shardFor(desc.Name)
	defer r.RefreshInstanceMetrics() // runs after the shard unlock
	s.mu.Lock()
	defer s.mu.Unlock()

	r.reapLocked(s)
	existing, exists := s.services[desc.Name]
	if exists && existing.tombstonedAt.IsZero() && !replace {
		return errdefs.New(errdefs.KindConflict, "service %s already registered", desc.Name)
	}

	desc.Revision = r.revision.Add(1)
	e := &entry{desc: desc}
	e.snapshot.Store(&Snapshot{Version: 1, Instances: append([]*types.ServiceInstance(nil), instances...)})
	s.services[desc.Name] = e
	if !exists || !existing.tombstonedAt.IsZero() {
		metrics.ServicesRegistered.Set(float64(r.live.Add(1)))
	}
	if r.AddHook != nil {
		for _, inst := range instances {
			r.AddHook(desc.Name, inst)
		}
	}
	return nil
}

// Deregister tombstones a service. Lookups fail fast immediately; the
// entry is removed once the grace window passes so in-flight calls can
// finish against state they already hold.
func (r *Registry) Deregister(name string) error {
	s := r.shardFor(name)
	defer r.RefreshInstanceMetrics()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.services[name]
	if !ok || !e.tombstonedAt.IsZero() {
		return errdefs.New(errdefs.KindNotFound, "service %s not registered", name)
	}
	e.tombstonedAt = time.Now()
	metrics.ServicesRegistered.Set(float64(r.live.Add(-1)))

	if r.RemoveHook != nil {
		for _, inst := range e.snapshot.Load().Instances {
			r.RemoveHook(name, inst)
		}
	}
	return nil
}

// AddInstance appends an instance to a service. Endpoint uniqueness under
// the name is enforced.
func (r *Registry) AddInstance(name string, inst *types.ServiceInstance) error {
	if inst.Endpoint == "" {
		return errdefs.New(errdefs.KindInvalidRequest, "endpoint is required")
	}
	s := r.shardFor(name)
	defer r.RefreshInstanceMetrics()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := r.liveEntryLocked(s, name)
	if err != nil {
		return err
	}
	snap := e.snapshot.Load()
	for _, existing := range snap.Instances {
		if existing.Endpoint == inst.Endpoint {
			return errdefs.New(errdefs.KindConflict, "endpoint %s already registered under %s", inst.Endpoint, name)
		}
		if existing.InstanceID == inst.InstanceID {
			return errdefs.New(errdefs.KindConflict, "instance %s already registered under %s", inst.InstanceID, name)
		}
	}

	next := make([]*types.ServiceInstance, 0, len(snap.Instances)+1)
	next = append(next, snap.Instances...)
	next = append(next, inst)
	e.snapshot.Store(&Snapshot{Version: snap.Version + 1, Instances: next})

	if r.AddHook != nil {
		r.AddHook(name, inst)
	}
	return nil
}

// RemoveInstance deletes an instance by ID
func (r *Registry) RemoveInstance(name, instanceID string) error {
	s := r.shardFor(name)
	defer r.RefreshInstanceMetrics()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := r.liveEntryLocked(s, name)
	if err != nil {
		return err
	}
	snap := e.snapshot.Load()
	next := make([]*types.ServiceInstance, 0, len(snap.Instances))
	var removed *types.ServiceInstance
	for _, inst := range snap.Instances {
		if inst.InstanceID == instanceID {
			removed = inst
			continue
		}
		next = append(next, inst)
	}
	if removed == nil {
		return errdefs.New(errdefs.KindNotFound, "instance %s not found under %s", instanceID, name)
	}
	e.snapshot.Store(&Snapshot{Version: snap.Version + 1, Instances: next})

	if r.RemoveHook != nil {
		r.RemoveHook(name, removed)
	}
	return nil
}

// Lookup returns the descriptor and the current instance snapshot.
// Tombstoned and unknown services return NotFound.
func (r *Registry) Lookup(name string) (*types.ServiceDescriptor, *Snapshot, error) {
	s := r.shardFor(name)
	s.mu.RLock()
	e, ok := s.services[name]
	if ok && !e.tombstonedAt.IsZero() {
		ok = false
	}
	s.mu.RUnlock()

	if !ok {
		return nil, nil, errdefs.New(errdefs.KindNotFound, "service %s not registered", name)
	}
	return e.desc, e.snapshot.Load(), nil
}

// Services returns all live descriptors, for listings
func (r *Registry) Services() []*types.ServiceDescriptor {
	var out []*types.ServiceDescriptor
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.services {
			if e.tombstonedAt.IsZero() {
				out = append(out, e.desc)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// InstanceRef pairs an instance with its owning service, for prober walks
type InstanceRef struct {
	Service  string
	Instance *types.ServiceInstance
}

// ShardInstances returns the instances of every live service in shard i
func (r *Registry) ShardInstances(i int) []InstanceRef {
	s := r.shards[i]
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []InstanceRef
	for name, e := range s.services {
		if !e.tombstonedAt.IsZero() {
			continue
		}
		for _, inst := range e.snapshot.Load().Instances {
			out = append(out, InstanceRef{Service: name, Instance: inst})
		}
	}
	return out
}

// Len returns the number of live services
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.services {
			if e.tombstonedAt.IsZero() {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

// RefreshInstanceMetrics recomputes the per-health instance gauge. Instance
// set and health changes are control-plane rare, so the full walk is fine.
func (r *Registry) RefreshInstanceMetrics() {
	counts := map[types.HealthState]int{
		types.HealthUnknown:   0,
		types.HealthHealthy:   0,
		types.HealthDegraded:  0,
		types.HealthUnhealthy: 0,
	}
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.services {
			if !e.tombstonedAt.IsZero() {
				continue
			}
			for _, inst := range e.snapshot.Load().Instances {
				counts[inst.Health()]++
			}
		}
		s.mu.RUnlock()
	}
	for state, n := range counts {
		metrics.InstancesTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

// HealthCounts returns total/healthy/unhealthy instance counts for the
// health endpoints.
func (r *Registry) HealthCounts() (total, healthy, unhealthy int) {
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.services {
			if !e.tombstonedAt.IsZero() {
				continue
			}
			for _, inst := range e.snapshot.Load().Instances {
				total++
				switch inst.Health() {
				case types.HealthUnhealthy:
					unhealthy++
				case types.HealthHealthy:
					healthy++
				}
			}
		}
		s.mu.RUnlock()
	}
	return
}

// liveEntryLocked resolves a live (non-tombstoned) entry; caller holds the
// shard write lock.
func (r *Registry) liveEntryLocked(s *shard, name string) (*entry, error) {
	r.reapLocked(s)
	e, ok := s.services[name]
	if !ok || !e.tombstonedAt.IsZero() {
		return nil, errdefs.New(errdefs.KindNotFound, "service %s not registered", name)
	}
	return e, nil
}

// reapLocked removes entries whose grace window has passed; caller holds
// the shard write lock. Reaping is lazy: it piggybacks on writes rather
// than running a timer per tombstone.
func (r *Registry) reapLocked(s *shard) {
	now := time.Now()
	for name, e := range s.services {
		if !e.tombstonedAt.IsZero() && now.Sub(e.tombstonedAt) > r.grace {
			delete(s.services, name)
		}
	}
}
