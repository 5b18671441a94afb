package breaker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/metrics"
)

// State is the breaker state machine position
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// failure-rate smoothing constant
const alpha = 0.3

// Config holds breaker tuning
type Config struct {
	// FailureThreshold is the EWMA failure rate that trips the breaker.
	FailureThreshold float64
	// MinSamples gates tripping until enough observations exist.
	MinSamples int
	// Window bounds the observation count that feeds the rate; beyond it
	// the EWMA alone carries history.
	Window int
	// ObservationPeriod resets the sample count so a long-quiet breaker
	// re-earns its trip eligibility.
	ObservationPeriod time.Duration
	// BaseCooldown is the first Open duration; doubles (with jitter) on
	// each half-open failure up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	// HalfOpenProbes is the number of concurrent probe slots in HalfOpen.
	HalfOpenProbes int
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  0.5,
		MinSamples:        10,
		Window:            100,
		ObservationPeriod: 30 * time.Second,
		BaseCooldown:      time.Second,
		MaxCooldown:       60 * time.Second,
		HalfOpenProbes:    1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.ObservationPeriod <= 0 {
		c.ObservationPeriod = d.ObservationPeriod
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = d.BaseCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// Breaker is the per-instance state machine. The lock is held only for
// state-transition computation; it never covers I/O.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failureEWMA      float64
	samples          int
	windowStart      time.Time
	consecutiveFails int
	openedAt         time.Time
	cooldown         time.Duration
	probesInFlight   int
	probeSuccesses   int

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Closed breaker
func New(cfg Config) *Breaker {
	c := cfg.withDefaults()
	return &Breaker{
		cfg:      c,
		state:    Closed,
		cooldown: c.BaseCooldown,
		now:      time.Now,
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Allow gates a call. On success it returns a done callback the caller
// must invoke with the call's outcome error (nil on success). When the
// breaker is Open, or HalfOpen with no free probe slot, it returns a
// CircuitOpen error and no callback.
func (b *Breaker) Allow() (func(err error), error) {
	b.mu.Lock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case Open:
		b.mu.Unlock()
		metrics.BreakerRejections.Inc()
		return nil, errdefs.New(errdefs.KindCircuitOpen, "circuit open")
	case HalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenProbes {
			b.mu.Unlock()
			metrics.BreakerRejections.Inc()
			return nil, errdefs.New(errdefs.KindCircuitOpen, "circuit half-open, probe in flight")
		}
		b.probesInFlight++
		b.mu.Unlock()
		return func(err error) { b.observeProbe(err) }, nil
	default:
		b.mu.Unlock()
		return func(err error) { b.observe(err) }, nil
	}
}

// observe records a Closed-state call outcome
func (b *Breaker) observe(err error) {
	failed := errdefs.CountsAsBreakerFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		// A call admitted before a trip finished after it; Open/HalfOpen
		// bookkeeping is handled by the probe path.
		return
	}

	now := b.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.ObservationPeriod {
		b.windowStart = now
		b.samples = 0
	}
	if b.samples < b.cfg.Window {
		b.samples++
	}

	sample := 0.0
	if failed {
		sample = 1.0
		b.consecutiveFails++
	} else {
		b.consecutiveFails = 0
	}
	b.failureEWMA = alpha*sample + (1-alpha)*b.failureEWMA

	if b.failureEWMA >= b.cfg.FailureThreshold && b.samples >= b.cfg.MinSamples {
		b.tripLocked()
	}
}

// observeProbe records a HalfOpen probe outcome
func (b *Breaker) observeProbe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != HalfOpen {
		return
	}
	b.probesInFlight--

	if errdefs.KindOf(err) == errdefs.KindCanceled {
		// Caller went away; the probe slot frees without a verdict.
		return
	}

	if errdefs.CountsAsBreakerFailure(err) {
		// Back to Open with doubled cooldown.
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.state = Open
		b.openedAt = b.now()
		b.probeSuccesses = 0
		metrics.BreakerTransitions.WithLabelValues(string(Open)).Inc()
		return
	}

	b.probeSuccesses++
	if b.probeSuccesses >= b.cfg.HalfOpenProbes {
		b.resetLocked()
	}
}

// RecordExternalFailure feeds an out-of-band failure signal (e.g. a failed
// health probe) into the Closed-state rate. It never overrides Open.
func (b *Breaker) RecordExternalFailure() {
	b.observe(errdefs.New(errdefs.KindUnavailable, "health probe failed"))
}

func (b *Breaker) tripLocked() {
	b.state = Open
	b.openedAt = b.now()
	b.probeSuccesses = 0
	b.probesInFlight = 0
	metrics.BreakerTransitions.WithLabelValues(string(Open)).Inc()
	log.WithComponent("breaker").Warn().
		Float64("failure_rate", b.failureEWMA).
		Int("samples", b.samples).
		Msg("circuit opened")
}

func (b *Breaker) resetLocked() {
	b.state = Closed
	b.failureEWMA = 0
	b.samples = 0
	b.windowStart = time.Time{}
	b.consecutiveFails = 0
	b.cooldown = b.cfg.BaseCooldown
	b.probeSuccesses = 0
	b.probesInFlight = 0
	metrics.BreakerTransitions.WithLabelValues(string(Closed)).Inc()
	log.WithComponent("breaker").Info().Msg("circuit closed")
}

// maybeHalfOpenLocked moves Open → HalfOpen once the jittered cooldown has
// elapsed; caller holds the lock.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state != Open {
		return
	}
	// Jitter of ±10% keeps a fleet of breakers from probing in lockstep.
	jittered := time.Duration(float64(b.cooldown) * (0.9 + 0.2*rand.Float64()))
	if b.now().Sub(b.openedAt) >= jittered {
		b.state = HalfOpen
		b.probesInFlight = 0
		b.probeSuccesses = 0
		metrics.BreakerTransitions.WithLabelValues(string(HalfOpen)).Inc()
	}
}

// Set tracks one breaker per instance ID
type Set struct {
	cfg      Config
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set
func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an instance, creating it Closed on first use
func (s *Set) Get(instanceID string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[instanceID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[instanceID]; ok {
		return b
	}
	b = New(s.cfg)
	s.breakers[instanceID] = b
	return b
}

// Forget drops the breaker for a removed instance
func (s *Set) Forget(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, instanceID)
}

// StateOf reports the state of an instance's breaker without creating one
func (s *Set) StateOf(instanceID string) State {
	s.mu.RLock()
	b, ok := s.breakers[instanceID]
	s.mu.RUnlock()
	if !ok {
		return Closed
	}
	return b.State()
}
