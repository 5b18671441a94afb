package invoker

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/metrics"
	"github.com/cuemby/gantry/pkg/translator"
	"github.com/cuemby/gantry/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Config holds invoker tuning
type Config struct {
	// EgressBudget is subtracted from the caller deadline before the
	// backend call, reserving time for response translation and egress.
	EgressBudget time.Duration
	// Retry schedule: delay = base * mult^attempt, jittered, capped.
	RetryMaxAttempts int
	RetryBase        time.Duration
	RetryMult        float64
	RetryCap         time.Duration
	RetryJitterPct   float64
	// HedgeDelay is the default hedge delay for methods that enable
	// hedging without a delay of their own.
	HedgeDelay time.Duration
	// CompressMin is the payload size at which gzip kicks in.
	CompressMin int
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		EgressBudget:     50 * time.Millisecond,
		RetryMaxAttempts: 3,
		RetryBase:        100 * time.Millisecond,
		RetryMult:        2,
		RetryCap:         10 * time.Second,
		RetryJitterPct:   10,
		HedgeDelay:       50 * time.Millisecond,
		CompressMin:      1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EgressBudget <= 0 {
		c.EgressBudget = d.EgressBudget
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = d.RetryMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMult <= 1 {
		c.RetryMult = d.RetryMult
	}
	if c.RetryCap <= 0 {
		c.RetryCap = d.RetryCap
	}
	if c.RetryJitterPct <= 0 {
		c.RetryJitterPct = d.RetryJitterPct
	}
	if c.HedgeDelay <= 0 {
		c.HedgeDelay = d.HedgeDelay
	}
	if c.CompressMin <= 0 {
		c.CompressMin = d.CompressMin
	}
	return c
}

// Lease is the borrowed channel handle an attempt runs on. The pool's
// lease satisfies it.
type Lease interface {
	Conn() *grpc.ClientConn
	Release()
}

// Target is one attempt's destination: the instance, its leased channel,
// and the breaker callback to invoke with the outcome.
type Target struct {
	Instance *types.ServiceInstance
	Lease    Lease
	Done     func(err error)
}

// TargetFunc produces the next attempt's target. The orchestrator backs it
// with registry resolution, load balancing, breaker gating, and pool
// acquisition; each call may yield a different instance.
type TargetFunc func(ctx context.Context) (*Target, error)

// Invoker executes backend gRPC calls with deadline budgeting, retries,
// and hedging per MethodSpec.
type Invoker struct {
	cfg Config
}

// New creates an invoker
func New(cfg Config) *Invoker {
	return &Invoker{cfg: cfg.withDefaults()}
}

// Unary runs one unary call, retrying across targets when the method is
// idempotent and the failure is retriable. Each retry asks next for a
// fresh target, so consecutive attempts can land on different instances.
func (i *Invoker) Unary(ctx context.Context, next TargetFunc, codec *translator.MethodCodec, env *types.Envelope, req proto.Message) (*dynamicpb.Message, error) {
	ctx, cancel, err := i.withEgressBudget(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	spec := codec.Spec
	bo := i.schedule()
	var lastErr error

	for attempt := 0; attempt < i.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			if !i.budgetAllows(ctx, delay) {
				return nil, lastErr
			}
			if !sleepCtx(ctx, delay) {
				return nil, errdefs.FromGRPC(ctx.Err())
			}
			metrics.RetriesTotal.Inc()
		}

		resp, err := i.attempt(ctx, next, codec, env, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !spec.Idempotent || !errdefs.IsRetriable(err) {
			return nil, err
		}
		if errdefs.KindOf(err) == errdefs.KindCanceled {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt runs one (possibly hedged) call
func (i *Invoker) attempt(ctx context.Context, next TargetFunc, codec *translator.MethodCodec, env *types.Envelope, req proto.Message) (*dynamicpb.Message, error) {
	hedge := codec.Spec.HedgeDelay.Std()
	if hedge <= 0 && codec.Spec.Hedge {
		hedge = i.cfg.HedgeDelay
	}
	if hedge <= 0 {
		target, err := next(ctx)
		if err != nil {
			return nil, err
		}
		return i.call(ctx, target, codec, env, req)
	}
	return i.hedged(ctx, next, codec, env, req, hedge)
}

// hedged fires the primary call, and a second one on another target when
// the primary has not returned within the hedge delay. First success wins;
// the loser's context is canceled.
func (i *Invoker) hedged(ctx context.Context, next TargetFunc, codec *translator.MethodCodec, env *types.Envelope, req proto.Message, delay time.Duration) (*dynamicpb.Message, error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		resp *dynamicpb.Message
		err  error
	}
	results := make(chan outcome, 2)
	launch := func() {
		target, err := next(cctx)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		resp, err := i.call(cctx, target, codec, env, req)
		results <- outcome{resp: resp, err: err}
	}

	go launch()
	pending := 1
	hedgeFired := false
	timer := time.NewTimer(delay)
	defer timer.Stop()

	var lastErr error
	for {
		select {
		case out := <-results:
			if out.err == nil {
				cancel()
				return out.resp, nil
			}
			lastErr = out.err
			pending--
			if pending == 0 {
				// Failure is the retry layer's problem; a hedge only
				// papers over slowness.
				return nil, lastErr
			}
		case <-timer.C:
			if !hedgeFired {
				hedgeFired = true
				pending++
				metrics.HedgesTotal.Inc()
				go launch()
			}
		case <-cctx.Done():
			return nil, errdefs.FromGRPC(cctx.Err())
		}
	}
}

// call executes a single RPC on a target, releasing the lease and feeding
// instance stats and the breaker regardless of outcome.
func (i *Invoker) call(ctx context.Context, t *Target, codec *translator.MethodCodec, env *types.Envelope, req proto.Message) (*dynamicpb.Message, error) {
	defer t.Lease.Release()

	ctx = i.outgoing(ctx, env)
	var opts []grpc.CallOption
	if proto.Size(req) >= i.cfg.CompressMin {
		opts = append(opts, grpc.UseCompressor(gzip.Name))
	}

	resp := codec.NewResponse()
	stats := t.Instance.Stats()
	stats.Begin()
	start := time.Now()

	err := t.Lease.Conn().Invoke(ctx, codec.Spec.FullMethod(), req, resp, opts...)
	err = errdefs.FromGRPC(err)

	rtt := time.Since(start)
	stats.End(rtt, errdefs.CountsAsBreakerFailure(err))
	if t.Done != nil {
		t.Done(err)
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// outgoing attaches the passthrough metadata to the backend call
func (i *Invoker) outgoing(ctx context.Context, env *types.Envelope) context.Context {
	if env == nil {
		return ctx
	}
	pairs := make([]string, 0, 8)
	if env.RequestID != "" {
		pairs = append(pairs, "x-request-id", env.RequestID)
	}
	if env.Tenant != "" {
		pairs = append(pairs, "x-tenant", env.Tenant)
	}
	if env.Authorization != "" {
		pairs = append(pairs, "authorization", env.Authorization)
	}
	if dl, ok := ctx.Deadline(); ok {
		pairs = append(pairs, "x-deadline-ms", strconv.FormatInt(time.Until(dl).Milliseconds(), 10))
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// withEgressBudget derives the backend deadline from the caller's,
// reserving the egress budget. A deadline already too tight fails fast.
func (i *Invoker) withEgressBudget(ctx context.Context) (context.Context, context.CancelFunc, error) {
	dl, ok := ctx.Deadline()
	if !ok {
		cctx, cancel := context.WithCancel(ctx)
		return cctx, cancel, nil
	}
	derived := dl.Add(-i.cfg.EgressBudget)
	if time.Until(derived) <= 0 {
		return nil, nil, errdefs.New(errdefs.KindTimeout, "deadline leaves no room for the backend call")
	}
	cctx, cancel := context.WithDeadline(ctx, derived)
	return cctx, cancel, nil
}

func (i *Invoker) schedule() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.cfg.RetryBase
	bo.Multiplier = i.cfg.RetryMult
	bo.RandomizationFactor = i.cfg.RetryJitterPct / 100
	bo.MaxInterval = i.cfg.RetryCap
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// budgetAllows reports whether the remaining deadline covers the retry
// delay plus a minimal call window.
func (i *Invoker) budgetAllows(ctx context.Context, delay time.Duration) bool {
	dl, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(dl) > delay+10*time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
