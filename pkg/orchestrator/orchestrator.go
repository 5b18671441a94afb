package orchestrator

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/cuemby/gantry/pkg/admission"
	"github.com/cuemby/gantry/pkg/balancer"
	"github.com/cuemby/gantry/pkg/breaker"
	"github.com/cuemby/gantry/pkg/cache"
	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/events"
	"github.com/cuemby/gantry/pkg/invoker"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/metrics"
	"github.com/cuemby/gantry/pkg/pool"
	"github.com/cuemby/gantry/pkg/registry"
	"github.com/cuemby/gantry/pkg/translator"
	"github.com/cuemby/gantry/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds orchestrator tuning
type Config struct {
	// DefaultDeadline applies when a request carries no X-Deadline-Ms.
	DefaultDeadline time.Duration
	// NegativeTTL is the fallback negative-cache TTL for cacheable methods
	// that do not set their own. Zero disables negative caching by default.
	NegativeTTL time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{DefaultDeadline: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = DefaultConfig().DefaultDeadline
	}
	return c
}

// Deps wires the orchestrator to the control and data planes
type Deps struct {
	Registry   *registry.Registry
	Balancer   *balancer.Balancer
	Breakers   *breaker.Set
	Pools      *pool.Manager
	Invoker    *invoker.Invoker
	Translator *translator.Translator
	Cache      *cache.Cache
	Admission  *admission.Controller
	// Broker is optional; nil disables telemetry events.
	Broker *events.Broker
}

// Orchestrator runs the dispatch pipeline: admission, translation, cache,
// instance selection, invocation, and telemetry.
type Orchestrator struct {
	cfg Config
	d   Deps
}

// New creates an orchestrator and hooks instance removal up to the channel
// pool and breaker set, chaining any hook already installed.
func New(cfg Config, d Deps) *Orchestrator {
	o := &Orchestrator{cfg: cfg.withDefaults(), d: d}

	prev := d.Registry.RemoveHook
	d.Registry.RemoveHook = func(service string, inst *types.ServiceInstance) {
		if prev != nil {
			prev(service, inst)
		}
		d.Pools.Drain(inst.InstanceID)
		d.Breakers.Forget(inst.InstanceID)
	}
	return o
}

// Result is a completed unary dispatch. Raw holds the rendered JSON body;
// negative cache hits surface as errors instead.
type Result struct {
	Raw        []byte
	CacheState cache.State
	Quota      *admission.Quota
	Instance   string
}

// Dispatch runs one unary request through the full pipeline. Panics in any
// stage are caught here and surfaced as Internal.
func (o *Orchestrator) Dispatch(ctx context.Context, env *types.Envelope) (res *Result, err error) {
	start := time.Now()
	tracker := &instanceTracker{}
	state := cache.StateBypass
	bytesIn, bytesOut := 0, 0

	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("orchestrator").Error().
				Interface("panic", r).
				Str("request_id", env.RequestID).
				Bytes("stack", debug.Stack()).
				Msg("dispatch panicked")
			res, err = nil, errdefs.New(errdefs.KindInternal, "internal error")
		}
		o.settle(env, start, tracker.get(), state, bytesIn, bytesOut, err)
	}()

	release, quota, err := o.d.Admission.Admit(ctx, env.Tenant, env.Route)
	if err != nil {
		return nil, err
	}
	defer release()

	if env.Deadline.IsZero() {
		env.Deadline = time.Now().Add(o.cfg.DefaultDeadline)
	}
	ctx, cancel := context.WithDeadline(ctx, env.Deadline)
	defer cancel()

	desc, snap, lerr := o.d.Registry.Lookup(env.Service)
	if lerr != nil {
		err = lerr
		return nil, err
	}
	spec := desc.Method(env.Method)
	if spec == nil {
		err = errdefs.New(errdefs.KindNotFound, "service %s has no method %s", env.Service, env.Method)
		return nil, err
	}
	codec, cerr := o.d.Translator.Codec(desc, env.Method)
	if cerr != nil {
		err = cerr
		return nil, err
	}
	var (
		req       *dynamicpb.Message
		canonical []byte
		eerr      error
	)
	if env.RawBody != nil {
		req, canonical, eerr = codec.DecodeRaw(env.RawBody)
	} else {
		req, canonical, eerr = codec.EncodeRequest(env.Body)
	}
	if eerr != nil {
		err = eerr
		return nil, err
	}
	bytesIn = len(canonical)

	var raw []byte
	if spec.Cacheable() {
		key := cache.Fingerprint(env.Service, env.Method, canonical, env.Tenant, env.AcceptLanguage)
		val, st, ferr := o.d.Cache.Fetch(ctx, key, func(fctx context.Context) (*cache.FetchResult, error) {
			return o.fetchBackend(fctx, desc, snap, spec, codec, env, req, tracker)
		})
		if ferr != nil {
			err = ferr
			return nil, err
		}
		state = st
		if val.Negative {
			err = errdefs.New(errdefs.Kind(val.ErrorKind), "negative cached result")
			return nil, err
		}
		raw = val.Body
	} else {
		body, ierr := o.invoke(ctx, desc, snap, spec, codec, env, req, tracker)
		if ierr != nil {
			err = ierr
			return nil, err
		}
		raw, err = json.Marshal(body)
		if err != nil {
			err = errdefs.Wrap(errdefs.KindInternal, err, "encode response")
			return nil, err
		}
	}

	bytesOut = len(raw)
	return &Result{
		Raw:        raw,
		CacheState: state,
		Quota:      quota,
		Instance:   tracker.get(),
	}, nil
}

// fetchBackend is the single-flight fetch for cacheable methods. Backend
// errors of a negatively cacheable kind become negative entries instead of
// failing the flight.
func (o *Orchestrator) fetchBackend(ctx context.Context, desc *types.ServiceDescriptor, snap *registry.Snapshot, spec *types.MethodSpec, codec *translator.MethodCodec, env *types.Envelope, req *dynamicpb.Message, tracker *instanceTracker) (*cache.FetchResult, error) {
	body, err := o.invoke(ctx, desc, snap, spec, codec, env, req, tracker)
	if err != nil {
		if ttl := o.negativeTTL(spec); ttl > 0 && errdefs.Is(err, errdefs.KindNotFound) {
			return &cache.FetchResult{
				Value: &cache.Value{Negative: true, ErrorKind: string(errdefs.KindNotFound)},
				TTL:   ttl,
			}, nil
		}
		return nil, err
	}
	raw, merr := json.Marshal(body)
	if merr != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, merr, "encode response")
	}
	return &cache.FetchResult{
		Value:      &cache.Value{Body: raw},
		TTL:        spec.CacheTTL.Std(),
		StaleAfter: spec.StaleAfter.Std(),
	}, nil
}

func (o *Orchestrator) negativeTTL(spec *types.MethodSpec) time.Duration {
	if spec.NegativeTTL > 0 {
		return spec.NegativeTTL.Std()
	}
	return o.cfg.NegativeTTL
}

// invoke runs the instance loop through the invoker and renders the
// response
func (o *Orchestrator) invoke(ctx context.Context, desc *types.ServiceDescriptor, snap *registry.Snapshot, spec *types.MethodSpec, codec *translator.MethodCodec, env *types.Envelope, req *dynamicpb.Message, tracker *instanceTracker) (map[string]interface{}, error) {
	next := func(tctx context.Context) (*invoker.Target, error) {
		return o.nextTarget(tctx, desc, snap, spec, env, tracker)
	}
	resp, err := o.d.Invoker.Unary(ctx, next, codec, env, req)
	if err != nil {
		return nil, err
	}
	return codec.DecodeResponse(resp)
}

// nextTarget picks an instance, passes it through its breaker, and leases a
// channel. When the balancer's pick is circuit-open it falls over to any
// eligible instance whose breaker admits.
func (o *Orchestrator) nextTarget(ctx context.Context, desc *types.ServiceDescriptor, snap *registry.Snapshot, spec *types.MethodSpec, env *types.Envelope, tracker *instanceTracker) (*invoker.Target, error) {
	eligible := snap.Eligible()
	if len(eligible) == 0 {
		return nil, errdefs.New(errdefs.KindUnavailable, "no eligible instances for %s", desc.Name)
	}

	key := ""
	if spec.StickyKey != "" {
		if v, ok := env.Body[spec.StickyKey].(string); ok {
			key = v
		}
	}
	inst, err := o.d.Balancer.Pick(desc.Name, snap.Version, eligible, desc.LBPolicy, key)
	if err != nil {
		return nil, err
	}

	done, err := o.d.Breakers.Get(inst.InstanceID).Allow()
	if err != nil {
		inst, done, err = o.failOver(eligible, inst, err)
		if err != nil {
			return nil, err
		}
	}

	lease, err := o.d.Pools.Acquire(ctx, inst)
	if err != nil {
		done(err)
		return nil, err
	}
	tracker.set(inst.InstanceID)
	return &invoker.Target{Instance: inst, Lease: lease, Done: done}, nil
}

// failOver scans for any other eligible instance whose breaker admits
func (o *Orchestrator) failOver(eligible []*types.ServiceInstance, skip *types.ServiceInstance, cause error) (*types.ServiceInstance, func(error), error) {
	for _, alt := range eligible {
		if alt == skip {
			continue
		}
		if done, err := o.d.Breakers.Get(alt.InstanceID).Allow(); err == nil {
			return alt, done, nil
		}
	}
	return nil, nil, cause
}

// settle records metrics and publishes the telemetry observation
func (o *Orchestrator) settle(env *types.Envelope, start time.Time, instance string, state cache.State, bytesIn, bytesOut int, err error) {
	code := "ok"
	if err != nil {
		code = string(errdefs.KindOf(err))
	}
	metrics.DispatchTotal.WithLabelValues(env.Service, env.Method, code).Inc()
	metrics.DispatchDuration.WithLabelValues(env.Service, env.Method).Observe(time.Since(start).Seconds())

	if o.d.Broker == nil {
		return
	}
	obs := &events.Observation{
		Timestamp:  time.Now(),
		RequestID:  env.RequestID,
		Tenant:     env.Tenant,
		Service:    env.Service,
		Method:     env.Method,
		Instance:   instance,
		LatencyMS:  float64(time.Since(start)) / float64(time.Millisecond),
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		Status:     code,
		CacheState: string(state),
	}
	if instance != "" {
		obs.BreakerState = string(o.d.Breakers.StateOf(instance))
	}
	o.d.Broker.Publish(obs)
}

// Deregister removes a service and drops all state derived from its
// descriptor
func (o *Orchestrator) Deregister(name string) error {
	if err := o.d.Registry.Deregister(name); err != nil {
		return err
	}
	o.d.Translator.Forget(name)
	o.d.Balancer.Forget(name)
	return nil
}

// instanceTracker records the instance that served the request. Hedged
// attempts may race, so access is locked; the last writer wins.
type instanceTracker struct {
	mu sync.Mutex
	id string
}

func (t *instanceTracker) set(id string) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

func (t *instanceTracker) get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}
