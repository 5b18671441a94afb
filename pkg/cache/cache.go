package cache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// Key is the 128-bit fingerprint of a request's cache identity
type Key [16]byte

// String renders the key as hex, also used as the redis key suffix
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Fingerprint derives the cache key from everything that may change the
// response: service, method, the canonical request bytes, tenant, and the
// accept-language. Two independent xxhash64 passes with domain-separation
// prefixes give the 128 bits.
func Fingerprint(service, method string, canonical []byte, tenant, acceptLanguage string) Key {
	var key Key
	lo := fingerprintHalf(0x00, service, method, canonical, tenant, acceptLanguage)
	hi := fingerprintHalf(0xa5, service, method, canonical, tenant, acceptLanguage)
	binary.BigEndian.PutUint64(key[:8], lo)
	binary.BigEndian.PutUint64(key[8:], hi)
	return key
}

func fingerprintHalf(domain byte, service, method string, canonical []byte, tenant, lang string) uint64 {
	d := xxhash.New()
	var lenBuf [8]byte
	writePart := func(b []byte) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		_, _ = d.Write(lenBuf[:])
		_, _ = d.Write(b)
	}
	_, _ = d.Write([]byte{domain})
	writePart([]byte(service))
	writePart([]byte(method))
	writePart(canonical)
	writePart([]byte(tenant))
	writePart([]byte(lang))
	return d.Sum64()
}

// Value is the opaque cached payload. Negative entries replay an error
// outcome (per-method negative caching) instead of a body.
type Value struct {
	Body      []byte `json:"body,omitempty"`
	Negative  bool   `json:"negative,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// State classifies a lookup outcome, surfaced as the X-Cache header
type State string

const (
	StateHit    State = "hit"
	StateMiss   State = "miss"
	StateStale  State = "stale"
	StateBypass State = "bypass"
)

// Config holds cache tuning
type Config struct {
	// Capacity is the total resident entry budget across all shards.
	Capacity int
	// Shards must be a power of two (default 16); keys spread by the low
	// bits of the fingerprint.
	Shards int
	// Mirror, when set, keeps a best-effort remote copy: read-repair on
	// local miss, async write-behind on store.
	Mirror       *redis.Client
	MirrorPrefix string
	// RefreshTimeout bounds a stale entry's background refresh.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Capacity:       10000,
		Shards:         16,
		MirrorPrefix:   "gantry:cache:",
		RefreshTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.Shards <= 0 || c.Shards&(c.Shards-1) != 0 {
		c.Shards = d.Shards
	}
	if c.MirrorPrefix == "" {
		c.MirrorPrefix = d.MirrorPrefix
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = d.RefreshTimeout
	}
	return c
}

// Cache is the sharded ARC response cache with single-flight fetches and
// stale-while-revalidate.
type Cache struct {
	cfg     Config
	shards  []*arcShard
	flights *flightGroup
}

// New creates a cache
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:     cfg,
		shards:  make([]*arcShard, cfg.Shards),
		flights: newFlightGroup(),
	}
	per := cfg.Capacity / cfg.Shards
	if per < 1 {
		per = 1
	}
	for i := range c.shards {
		c.shards[i] = newShard(per)
	}
	return c
}

func (c *Cache) shardFor(key Key) *arcShard {
	return c.shards[int(key[15])&(len(c.shards)-1)]
}

// Fetch returns the cached value for key or runs fetch exactly once across
// all concurrent callers. Fresh hits return immediately; stale hits return
// the old value while one background refresh runs; misses join the
// single-flight. Results with TTL > 0 are stored write-through.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch FetchFunc) (*Value, State, error) {
	shard := c.shardFor(key)

	if val, ok, stale := shard.get(key); ok {
		if !stale {
			metrics.CacheLookups.WithLabelValues(string(StateHit)).Inc()
			return val, StateHit, nil
		}
		metrics.CacheLookups.WithLabelValues(string(StateStale)).Inc()
		if shard.startRefresh(key) {
			c.refresh(key, fetch)
		}
		return val, StateStale, nil
	}

	if val, ok := c.mirrorGet(ctx, key); ok {
		metrics.CacheLookups.WithLabelValues(string(StateHit)).Inc()
		return val, StateHit, nil
	}

	metrics.CacheLookups.WithLabelValues(string(StateMiss)).Inc()
	res, err := c.flights.do(ctx, key, fetch)
	if err != nil {
		return nil, StateMiss, err
	}
	if res.TTL > 0 {
		c.store(key, res)
	}
	return res.Value, StateMiss, nil
}

// refresh revalidates a stale entry in the background, detached from the
// caller's lifetime. The caller holds the entry's refresh claim; it is
// released here on failure and through the store on success.
func (c *Cache) refresh(key Key, fetch FetchFunc) {
	go func() {
		defer c.shardFor(key).endRefresh(key)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
		defer cancel()
		res, err := c.flights.do(ctx, key, fetch)
		if err != nil {
			log.WithComponent("cache").Debug().Err(err).Str("key", key.String()).Msg("stale refresh failed")
			return
		}
		if res.TTL > 0 {
			c.store(key, res)
		}
	}()
}

func (c *Cache) store(key Key, res *FetchResult) {
	c.shardFor(key).put(key, res.Value, res.TTL, res.StaleAfter)
	c.mirrorSet(key, res)
}

// mirrorGet read-repairs a local miss from the remote mirror
func (c *Cache) mirrorGet(ctx context.Context, key Key) (*Value, bool) {
	if c.cfg.Mirror == nil {
		return nil, false
	}
	raw, err := c.cfg.Mirror.Get(ctx, c.cfg.MirrorPrefix+key.String()).Bytes()
	if err != nil {
		return nil, false
	}
	var m mirrorEntry
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	ttl := time.Duration(m.TTLMillis) * time.Millisecond
	if ttl <= 0 {
		return nil, false
	}
	c.shardFor(key).put(key, m.Value, ttl, time.Duration(m.StaleAfterMillis)*time.Millisecond)
	return m.Value, true
}

// mirrorSet writes behind to the mirror; failures are logged and dropped
func (c *Cache) mirrorSet(key Key, res *FetchResult) {
	if c.cfg.Mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		raw, err := json.Marshal(mirrorEntry{
			Value:            res.Value,
			TTLMillis:        res.TTL.Milliseconds(),
			StaleAfterMillis: res.StaleAfter.Milliseconds(),
		})
		if err != nil {
			return
		}
		if err := c.cfg.Mirror.Set(ctx, c.cfg.MirrorPrefix+key.String(), raw, res.TTL).Err(); err != nil {
			log.WithComponent("cache").Debug().Err(err).Msg("mirror write failed")
		}
	}()
}

// mirrorEntry is the JSON layout of a mirrored value
type mirrorEntry struct {
	Value            *Value `json:"value"`
	TTLMillis        int64  `json:"ttl_ms"`
	StaleAfterMillis int64  `json:"stale_after_ms"`
}

// Len reports resident entries across all shards
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.liveLen()
	}
	return n
}
