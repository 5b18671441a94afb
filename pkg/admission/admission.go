package admission

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/metrics"
)

// Config holds admission tuning
type Config struct {
	// MaxInflight bounds concurrently admitted requests.
	MaxInflight int
	// QueueSize is how many requests may wait for an inflight slot when
	// the gate is full. Zero sheds immediately.
	QueueSize int
	// Rate is the per-(tenant, route) refill rate in tokens per second.
	// Zero disables per-route limiting; the global gate still applies.
	Rate float64
	// Burst is the bucket depth. Defaults to ceil(Rate), at least 1.
	Burst int
	// MaxBuckets caps resident buckets; the least recently used bucket is
	// evicted beyond this.
	MaxBuckets int
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		MaxInflight: 50000,
		MaxBuckets:  10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxInflight <= 0 {
		c.MaxInflight = d.MaxInflight
	}
	if c.MaxBuckets <= 0 {
		c.MaxBuckets = d.MaxBuckets
	}
	if c.Rate > 0 && c.Burst <= 0 {
		c.Burst = int(math.Ceil(c.Rate))
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	return c
}

// Quota describes the state of the token bucket that served a request. The
// gateway renders it as the X-RateLimit response headers.
type Quota struct {
	// Limit is the bucket depth.
	Limit int
	// Remaining is the whole tokens left after this request.
	Remaining int
	// Reset is how long until the bucket is full again.
	Reset time.Duration
	// Window is the time one full bucket takes to refill.
	Window time.Duration
}

// ThrottleError is the rate-limit rejection. It carries the bucket quota so
// the gateway can render the X-RateLimit headers on the 429 response.
type ThrottleError struct {
	Quota *Quota
	err   *errdefs.Error
}

func (e *ThrottleError) Error() string { return e.err.Error() }
func (e *ThrottleError) Unwrap() error { return e.err }

type bucket struct {
	key     string
	limiter *rate.Limiter
}

// Controller is the admission gate: a global inflight bound and per-(tenant,
// route) token buckets.
type Controller struct {
	cfg Config

	inflight chan struct{}
	queue    chan struct{}

	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List // front = most recently used
}

// New creates a controller
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:      cfg,
		inflight: make(chan struct{}, cfg.MaxInflight),
		queue:    make(chan struct{}, cfg.QueueSize),
		buckets:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Admit decides whether a request may proceed. On success it returns an
// idempotent release func the caller must invoke when the request settles,
// plus the bucket quota for the response headers. When the inflight bound is
// hit the request waits in the bounded queue; Overloaded is returned once
// the queue is full too, Throttled with a retry hint when the bucket is
// empty.
func (c *Controller) Admit(ctx context.Context, tenant, route string) (func(), *Quota, error) {
	select {
	case c.inflight <- struct{}{}:
	default:
		if err := c.enqueue(ctx, tenant, route); err != nil {
			return nil, nil, err
		}
	}

	quota, err := c.consumeToken(tenant, route)
	if err != nil {
		<-c.inflight
		return nil, nil, err
	}

	metrics.ActiveRequests.Inc()
	var once sync.Once
	release := func() {
		once.Do(func() {
			<-c.inflight
			metrics.ActiveRequests.Dec()
		})
	}
	return release, quota, nil
}

// enqueue parks the request in the wait queue until an inflight slot frees
// or the caller gives up
func (c *Controller) enqueue(ctx context.Context, tenant, route string) error {
	select {
	case c.queue <- struct{}{}:
	default:
		metrics.AdmissionRejected.WithLabelValues("overload").Inc()
		log.WithComponent("admission").Debug().
			Str("tenant", tenant).
			Str("route", route).
			Msg("inflight bound and wait queue full, shedding")
		return errdefs.New(errdefs.KindOverloaded, "too many requests in flight")
	}
	defer func() { <-c.queue }()

	select {
	case c.inflight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errdefs.FromGRPC(ctx.Err())
	}
}

// consumeToken takes one token from the (tenant, route) bucket
func (c *Controller) consumeToken(tenant, route string) (*Quota, error) {
	if c.cfg.Rate <= 0 {
		return nil, nil
	}
	lim := c.bucketFor(tenant + "\x00" + route)

	if !lim.Allow() {
		// Reserve to learn the wait, then give the token back.
		r := lim.Reserve()
		wait := r.Delay()
		r.Cancel()
		metrics.AdmissionRejected.WithLabelValues("ratelimit").Inc()
		return nil, &ThrottleError{
			Quota: c.quotaSnapshot(lim),
			err: errdefs.New(errdefs.KindThrottled, "rate limit exceeded for %s", route).
				WithRetryAfter(wait),
		}
	}
	return c.quotaSnapshot(lim), nil
}

// quotaSnapshot reads the bucket state for the response headers
func (c *Controller) quotaSnapshot(lim *rate.Limiter) *Quota {
	remaining := int(lim.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	missing := float64(c.cfg.Burst - remaining)
	return &Quota{
		Limit:     c.cfg.Burst,
		Remaining: remaining,
		Reset:     time.Duration(missing / c.cfg.Rate * float64(time.Second)),
		Window:    time.Duration(float64(c.cfg.Burst) / c.cfg.Rate * float64(time.Second)),
	}
}

// bucketFor returns the limiter for key, creating it and evicting the
// coldest bucket past the cap.
func (c *Controller) bucketFor(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.buckets[key]; ok {
		c.lru.MoveToFront(el)
		return el.Value.(*bucket).limiter
	}

	b := &bucket{key: key, limiter: rate.NewLimiter(rate.Limit(c.cfg.Rate), c.cfg.Burst)}
	c.buckets[key] = c.lru.PushFront(b)

	for len(c.buckets) > c.cfg.MaxBuckets {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.lru.Remove(back)
		delete(c.buckets, back.Value.(*bucket).key)
	}
	return b.limiter
}

// Inflight reports currently admitted requests
func (c *Controller) Inflight() int {
	return len(c.inflight)
}

// QueueDepth reports requests currently parked in the wait queue
func (c *Controller) QueueDepth() int {
	return len(c.queue)
}

// BucketCount reports resident token buckets
func (c *Controller) BucketCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
