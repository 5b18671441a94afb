package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/types"
)

// Policy names accepted per service
const (
	PolicyP2C            = "p2c"
	PolicyConsistentHash = "consistent_hash"
)

// Config holds balancer tuning
type Config struct {
	// P2C score weights: score = inflight + Alpha*normalized_rtt +
	// Beta*err_rate_ewma.
	Alpha float64
	Beta  float64
	// Replicas is the number of virtual nodes per instance on the hash
	// ring.
	Replicas int
	// OverloadFactor bounds consistent-hash load: a target above
	// factor*mean inflight is skipped for the next ring owner.
	OverloadFactor float64
	// DefaultPolicy applies when the service descriptor does not pick one.
	DefaultPolicy string
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Alpha:          0.5,
		Beta:           2.0,
		Replicas:       160,
		OverloadFactor: 1.25,
		DefaultPolicy:  PolicyP2C,
	}
}

// Balancer picks one instance per request from an eligible set. Decisions
// read instance stats atomically and never block.
type Balancer struct {
	cfg Config

	mu    sync.Mutex
	rng   *rand.Rand
	rings map[string]*ring // service -> ring for its current snapshot
}

// New creates a balancer
func New(cfg Config) *Balancer {
	if cfg.Alpha == 0 && cfg.Beta == 0 {
		cfg = DefaultConfig()
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 160
	}
	if cfg.OverloadFactor <= 1 {
		cfg.OverloadFactor = 1.25
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = PolicyP2C
	}
	return &Balancer{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		rings: make(map[string]*ring),
	}
}

// Pick selects an instance. policy comes from the service descriptor
// (empty means the configured default); key is the routing key for sticky
// selection and is ignored by P2C. snapVersion identifies the instance
// snapshot so the hash ring is rebuilt only when membership changes.
func (b *Balancer) Pick(service string, snapVersion uint64, instances []*types.ServiceInstance, policy, key string) (*types.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errdefs.New(errdefs.KindUnavailable, "no eligible instances for %s", service)
	}
	if len(instances) == 1 {
		return instances[0], nil
	}
	if policy == "" {
		policy = b.cfg.DefaultPolicy
	}

	switch policy {
	case PolicyConsistentHash:
		if key != "" {
			return b.pickRing(service, snapVersion, instances, key), nil
		}
		// No routing key on this request: fall through to P2C rather
		// than pinning everything to one ring position.
		return b.pickP2C(instances), nil
	default:
		return b.pickP2C(instances), nil
	}
}

// pickP2C samples two distinct instances with probability proportional to
// weight and keeps the one with the lower score.
func (b *Balancer) pickP2C(instances []*types.ServiceInstance) *types.ServiceInstance {
	a, c := b.sampleTwo(instances)
	if c == nil {
		return a
	}
	if b.score(c, a) < b.score(a, c) {
		return c
	}
	return a
}

// score computes the P2C load score. RTT is normalized against the peer
// candidate so the term stays comparable across services with very
// different latency floors.
func (b *Balancer) score(inst, peer *types.ServiceInstance) float64 {
	s := inst.Stats()
	score := float64(s.Inflight())

	rtt := float64(s.RTT())
	peerRTT := float64(peer.Stats().RTT())
	maxRTT := rtt
	if peerRTT > maxRTT {
		maxRTT = peerRTT
	}
	if maxRTT > 0 {
		score += b.cfg.Alpha * (rtt / maxRTT)
	}
	score += b.cfg.Beta * s.ErrRate()

	// Degraded instances carry a flat penalty on top of their stats.
	if inst.Health() == types.HealthDegraded {
		score += 1.0
	}
	return score
}

// sampleTwo draws two distinct weighted samples. The second return is nil
// when only one instance exists.
func (b *Balancer) sampleTwo(instances []*types.ServiceInstance) (*types.ServiceInstance, *types.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0.0
	for _, inst := range instances {
		total += inst.Weight
	}

	first := b.weightedDrawLocked(instances, total, nil)
	second := b.weightedDrawLocked(instances, total-first.Weight, first)
	return first, second
}

// weightedDrawLocked draws one instance proportionally to weight, skipping
// exclude; caller holds the lock.
func (b *Balancer) weightedDrawLocked(instances []*types.ServiceInstance, total float64, exclude *types.ServiceInstance) *types.ServiceInstance {
	if total <= 0 {
		for _, inst := range instances {
			if inst != exclude {
				return inst
			}
		}
		return nil
	}
	r := b.rng.Float64() * total
	for _, inst := range instances {
		if inst == exclude {
			continue
		}
		r -= inst.Weight
		if r < 0 {
			return inst
		}
	}
	// Float accumulation can leave r barely positive; return the last
	// non-excluded instance.
	for i := len(instances) - 1; i >= 0; i-- {
		if instances[i] != exclude {
			return instances[i]
		}
	}
	return nil
}

// pickRing routes by consistent hash with bounded load
func (b *Balancer) pickRing(service string, version uint64, instances []*types.ServiceInstance, key string) *types.ServiceInstance {
	r := b.ringFor(service, version, instances)

	// Mean inflight over the eligible set, floored at 1 so an idle fleet
	// still accepts its first requests on the hashed owner.
	totalInflight := int64(0)
	for _, inst := range instances {
		totalInflight += inst.Stats().Inflight()
	}
	mean := float64(totalInflight) / float64(len(instances))
	if mean < 1 {
		mean = 1
	}
	bound := b.cfg.OverloadFactor * mean

	return r.lookup(key, bound)
}

func (b *Balancer) ringFor(service string, version uint64, instances []*types.ServiceInstance) *ring {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.rings[service]; ok && r.version == version {
		return r
	}
	r := newRing(version, instances, b.cfg.Replicas)
	b.rings[service] = r
	return r
}

// Forget drops cached ring state for a deregistered service
func (b *Balancer) Forget(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, service)
}
