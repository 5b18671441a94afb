package pool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/metrics"
	"github.com/cuemby/gantry/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Config holds pool tuning
type Config struct {
	// ChannelsPerInstance is the steady-state pool size; the pool grows
	// past it up to ChannelMax when every channel is at stream capacity.
	ChannelsPerInstance int
	ChannelMax          int
	// MaxConcurrentStreams caps outstanding calls per channel.
	MaxConcurrentStreams int
	IdleTimeout          time.Duration
	DrainTimeout         time.Duration
	Keepalive            time.Duration
	// WarmOnAdd dials the steady-state channel count when an instance is
	// first seen instead of waiting for traffic.
	WarmOnAdd bool
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		ChannelsPerInstance:  2,
		ChannelMax:           4,
		MaxConcurrentStreams: 100,
		IdleTimeout:          5 * time.Minute,
		DrainTimeout:         15 * time.Second,
		Keepalive:            30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChannelsPerInstance <= 0 {
		c.ChannelsPerInstance = d.ChannelsPerInstance
	}
	if c.ChannelMax < c.ChannelsPerInstance {
		c.ChannelMax = c.ChannelsPerInstance
	}
	if c.MaxConcurrentStreams <= 0 {
		c.MaxConcurrentStreams = d.MaxConcurrentStreams
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.Keepalive <= 0 {
		c.Keepalive = d.Keepalive
	}
	return c
}

// channel is one multiplexed gRPC connection owned by a pool
type channel struct {
	conn        *grpc.ClientConn
	outstanding atomic.Int64
	lastUsed    atomic.Int64 // unix nanos
}

func (ch *channel) touch() {
	ch.lastUsed.Store(time.Now().UnixNano())
}

// Lease is a borrower's non-owning handle on a channel. Release must be
// called exactly once; the conn itself stays owned by the pool.
type Lease struct {
	ch       *channel
	released atomic.Bool
}

// Conn returns the leased gRPC connection
func (l *Lease) Conn() *grpc.ClientConn {
	return l.ch.conn
}

// Release returns the stream slot to the pool
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.ch.outstanding.Add(-1)
		l.ch.touch()
	}
}

// instancePool holds the channels for one backend instance
type instancePool struct {
	endpoint string
	tlsCfg   *types.TLSConfig
	cfg      Config

	mu       sync.Mutex
	channels []*channel
	draining bool
}

// Manager owns every per-instance pool. Channels are created lazily on
// first acquisition and reaped when idle; instance removal drains.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	pools map[string]*instancePool // instanceID -> pool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a pool manager and starts its idle reaper
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		pools:  make(map[string]*instancePool),
		stopCh: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Acquire leases a channel to the given instance, preferring the channel
// with the fewest outstanding streams. If every channel is at capacity the
// pool grows up to ChannelMax; beyond that it fails fast.
func (m *Manager) Acquire(ctx context.Context, inst *types.ServiceInstance) (*Lease, error) {
	p := m.poolFor(inst)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		return nil, errdefs.New(errdefs.KindUnavailable, "instance %s is draining", inst.InstanceID)
	}

	// Least-outstanding selection below the stream cap.
	var best *channel
	for _, ch := range p.channels {
		if ch.outstanding.Load() >= int64(p.cfg.MaxConcurrentStreams) {
			continue
		}
		if best == nil || ch.outstanding.Load() < best.outstanding.Load() {
			best = ch
		}
	}

	if best == nil {
		if len(p.channels) >= p.cfg.ChannelMax {
			metrics.PoolExhausted.Inc()
			return nil, errdefs.New(errdefs.KindOverloaded,
				"all %d channels to %s at stream capacity", len(p.channels), p.endpoint)
		}
		ch, err := p.dialLocked()
		if err != nil {
			return nil, err
		}
		best = ch
	}

	best.outstanding.Add(1)
	best.touch()
	return &Lease{ch: best}, nil
}

// Warm pre-dials the steady-state channel count for an instance
func (m *Manager) Warm(inst *types.ServiceInstance) error {
	p := m.poolFor(inst)
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.channels) < p.cfg.ChannelsPerInstance {
		if _, err := p.dialLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Drain refuses new acquisitions for the instance, waits for in-flight
// calls up to DrainTimeout, then closes everything. It returns without
// blocking; the wait happens in the background.
func (m *Manager) Drain(instanceID string) {
	m.mu.Lock()
	p, ok := m.pools[instanceID]
	if ok {
		delete(m.pools, instanceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	p.draining = true
	channels := append([]*channel(nil), p.channels...)
	p.mu.Unlock()

	go func() {
		deadline := time.Now().Add(p.cfg.DrainTimeout)
		for time.Now().Before(deadline) {
			busy := false
			for _, ch := range channels {
				if ch.outstanding.Load() > 0 {
					busy = true
					break
				}
			}
			if !busy {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		for _, ch := range channels {
			_ = ch.conn.Close()
			metrics.PoolChannels.Dec()
		}
		log.WithComponent("pool").Debug().
			Str("instance_id", instanceID).
			Int("channels", len(channels)).
			Msg("drained")
	}()
}

// Close shuts every pool down immediately
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	pools := make([]*instancePool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*instancePool)
	m.mu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		p.draining = true
		for _, ch := range p.channels {
			_ = ch.conn.Close()
			metrics.PoolChannels.Dec()
		}
		p.channels = nil
		p.mu.Unlock()
	}
}

// ChannelCount reports open channels for an instance, for tests and the
// health endpoint.
func (m *Manager) ChannelCount(instanceID string) int {
	m.mu.Lock()
	p, ok := m.pools[instanceID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

func (m *Manager) poolFor(inst *types.ServiceInstance) *instancePool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[inst.InstanceID]
	if !ok {
		p = &instancePool{
			endpoint: inst.Endpoint,
			tlsCfg:   inst.TLS,
			cfg:      m.cfg,
		}
		m.pools[inst.InstanceID] = p
	}
	return p
}

// dialLocked opens a new channel; caller holds the pool lock. grpc.NewClient
// is lazy, so this never blocks on the network.
func (p *instancePool) dialLocked() (*channel, error) {
	creds, err := transportCredentials(p.tlsCfg)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "tls config for %s", p.endpoint)
	}

	conn, err := grpc.NewClient(p.endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                p.cfg.Keepalive,
			Timeout:             p.cfg.Keepalive / 2,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnavailable, err, "dial %s", p.endpoint)
	}

	ch := &channel{conn: conn}
	ch.touch()
	p.channels = append(p.channels, ch)
	metrics.PoolChannels.Inc()
	return ch, nil
}

func transportCredentials(cfg *types.TLSConfig) (credentials.TransportCredentials, error) {
	if cfg == nil || !cfg.Enabled {
		return insecure.NewCredentials(), nil
	}
	tc := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- explicit per-instance operator choice
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		tc.RootCAs = roots
	}
	return credentials.NewTLS(tc), nil
}

// reapLoop closes channels idle past IdleTimeout. A pool may drop to zero
// channels; the next acquisition re-dials lazily.
func (m *Manager) reapLoop() {
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout).UnixNano()

	m.mu.Lock()
	pools := make([]*instancePool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		kept := p.channels[:0]
		for _, ch := range p.channels {
			idle := ch.outstanding.Load() == 0 && ch.lastUsed.Load() < cutoff
			// Also reap channels the transport has already shut down.
			dead := ch.conn.GetState() == connectivity.Shutdown
			if idle || dead {
				_ = ch.conn.Close()
				metrics.PoolChannels.Dec()
				continue
			}
			kept = append(kept, ch)
		}
		p.channels = kept
		p.mu.Unlock()
	}
}
