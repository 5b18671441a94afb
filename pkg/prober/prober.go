package prober

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/gantry/pkg/breaker"
	"github.com/cuemby/gantry/pkg/events"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/pool"
	"github.com/cuemby/gantry/pkg/registry"
	"github.com/cuemby/gantry/pkg/types"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Config holds prober tuning
type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Second,
		Timeout:    2 * time.Second,
		MaxBackoff: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// checkFunc issues one health check and returns the observed state plus the
// probe round-trip time. Swappable for tests.
type checkFunc func(ctx context.Context, inst *types.ServiceInstance) (types.HealthState, time.Duration)

// probeState is the per-instance probe schedule
type probeState struct {
	nextDue  time.Time
	lastSeen time.Time
	backoff  *backoff.ExponentialBackOff
}

// Prober walks the registry shards and keeps instance health current. One
// worker runs per shard; each tick probes the instances whose schedule is
// due. Unhealthy instances back off exponentially so a dead backend is not
// hammered every tick.
type Prober struct {
	cfg      Config
	registry *registry.Registry
	pools    *pool.Manager
	breakers *breaker.Set
	broker   *events.Broker

	mu    sync.Mutex
	state map[string]*probeState // instanceID -> schedule

	check  checkFunc
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a prober over the given registry
func New(cfg Config, reg *registry.Registry, pools *pool.Manager, breakers *breaker.Set, broker *events.Broker) *Prober {
	p := &Prober{
		cfg:      cfg.withDefaults(),
		registry: reg,
		pools:    pools,
		breakers: breakers,
		broker:   broker,
		state:    make(map[string]*probeState),
	}
	p.check = p.grpcCheck
	return p
}

// Start launches one worker per registry shard
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < p.registry.ShardCount(); i++ {
		shard := i
		p.group.Go(func() error {
			ticker := time.NewTicker(p.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					p.probeShard(ctx, shard, time.Now())
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	log.WithComponent("prober").Info().
		Int("workers", p.registry.ShardCount()).
		Dur("interval", p.cfg.Interval).
		Msg("health prober started")
}

// Stop cancels the workers and waits for them to exit
func (p *Prober) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.group.Wait()
}

// probeShard checks every due instance in shard i
func (p *Prober) probeShard(ctx context.Context, i int, now time.Time) {
	if i == 0 {
		p.evictStale(now)
	}

	for _, ref := range p.registry.ShardInstances(i) {
		if ctx.Err() != nil {
			return
		}
		st := p.stateFor(ref.Instance.InstanceID, now)
		if now.Before(st.nextDue) {
			continue
		}
		p.probeOne(ctx, ref, st, now)
	}
}

func (p *Prober) probeOne(ctx context.Context, ref registry.InstanceRef, st *probeState, now time.Time) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	observed, rtt := p.check(cctx, ref.Instance)
	cancel()

	if rtt > 0 {
		ref.Instance.Stats().ObserveRTT(rtt)
	}

	prev := ref.Instance.Health()
	if observed != prev {
		ref.Instance.SetHealth(observed)
		p.registry.RefreshInstanceMetrics()
		p.publishTransition(ref, prev, observed, rtt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if observed == types.HealthUnhealthy {
		st.nextDue = now.Add(st.backoff.NextBackOff())
	} else {
		st.backoff.Reset()
		st.nextDue = now.Add(p.cfg.Interval)
	}
}

func (p *Prober) publishTransition(ref registry.InstanceRef, prev, next types.HealthState, rtt time.Duration) {
	log.WithInstance(ref.Instance.InstanceID).Info().
		Str("service", ref.Service).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("health transition")

	if next == types.HealthUnhealthy && p.breakers != nil {
		// Out-of-band hint for the breaker; never overrides Open.
		p.breakers.Get(ref.Instance.InstanceID).RecordExternalFailure()
	}

	if p.broker != nil {
		p.broker.Publish(&events.Observation{
			Service:   ref.Service,
			Instance:  ref.Instance.InstanceID,
			Status:    "health_" + string(next),
			LatencyMS: float64(rtt) / float64(time.Millisecond),
			Extra:     map[string]string{"previous": string(prev)},
		})
	}
}

// grpcCheck is the production checkFunc: a health/v1 Check through the
// channel pool. A backend that does not implement the health service but
// answers the RPC is considered healthy; transport failures and explicit
// NOT_SERVING are not.
func (p *Prober) grpcCheck(ctx context.Context, inst *types.ServiceInstance) (types.HealthState, time.Duration) {
	lease, err := p.pools.Acquire(ctx, inst)
	if err != nil {
		return types.HealthUnhealthy, 0
	}
	defer lease.Release()

	start := time.Now()
	resp, err := healthpb.NewHealthClient(lease.Conn()).Check(ctx, &healthpb.HealthCheckRequest{})
	rtt := time.Since(start)

	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return types.HealthHealthy, rtt
		}
		return types.HealthUnhealthy, 0
	}
	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return types.HealthHealthy, rtt
	case healthpb.HealthCheckResponse_SERVICE_UNKNOWN:
		return types.HealthDegraded, rtt
	default:
		return types.HealthUnhealthy, rtt
	}
}

func (p *Prober) stateFor(instanceID string, now time.Time) *probeState {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.state[instanceID]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = p.cfg.Interval
		bo.MaxInterval = p.cfg.MaxBackoff
		bo.MaxElapsedTime = 0
		bo.Reset()
		st = &probeState{backoff: bo}
		p.state[instanceID] = st
	}
	st.lastSeen = now
	return st
}

// evictStale forgets schedules for instances that have not shown up in a
// registry walk for several intervals, meaning they were removed.
func (p *Prober) evictStale(now time.Time) {
	cutoff := now.Add(-3 * p.cfg.Interval)

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range p.state {
		if !st.lastSeen.IsZero() && st.lastSeen.Before(cutoff) {
			delete(p.state, id)
		}
	}
}
