package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetchConst(body string, ttl, staleAfter time.Duration, calls *atomic.Int64) FetchFunc {
	return func(ctx context.Context) (*FetchResult, error) {
		calls.Add(1)
		return &FetchResult{
			Value:      &Value{Body: []byte(body)},
			TTL:        ttl,
			StaleAfter: staleAfter,
		}, nil
	}
}

// setNow pins every shard's clock for TTL tests
func setNow(c *Cache, fn func() time.Time) {
	for _, s := range c.shards {
		s.now = fn
	}
}

func TestFetchMissThenHit(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("k1")
	var calls atomic.Int64

	v, state, err := c.Fetch(context.Background(), key, fetchConst("v1", time.Minute, 0, &calls))
	require.NoError(t, err)
	assert.Equal(t, StateMiss, state)
	assert.Equal(t, []byte("v1"), v.Body)

	v, state, err = c.Fetch(context.Background(), key, fetchConst("v2", time.Minute, 0, &calls))
	require.NoError(t, err)
	assert.Equal(t, StateHit, state)
	assert.Equal(t, []byte("v1"), v.Body, "hit serves the stored value")
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetchZeroTTLNotStored(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("k1")
	var calls atomic.Int64

	_, state, err := c.Fetch(context.Background(), key, fetchConst("v", 0, 0, &calls))
	require.NoError(t, err)
	assert.Equal(t, StateMiss, state)

	_, state, err = c.Fetch(context.Background(), key, fetchConst("v", 0, 0, &calls))
	require.NoError(t, err)
	assert.Equal(t, StateMiss, state)
	assert.Equal(t, int64(2), calls.Load())
}

func TestFetchErrorNotCached(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("k1")
	var calls atomic.Int64
	failing := func(ctx context.Context) (*FetchResult, error) {
		calls.Add(1)
		return nil, errdefs.New(errdefs.KindUnavailable, "backend down")
	}

	_, _, err := c.Fetch(context.Background(), key, failing)
	require.Error(t, err)
	_, _, err = c.Fetch(context.Background(), key, failing)
	require.Error(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestSingleFlightCollapsesConcurrentFetches(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("hot")
	var calls atomic.Int64

	slow := func(ctx context.Context) (*FetchResult, error) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		return &FetchResult{Value: &Value{Body: []byte("shared")}, TTL: time.Minute}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.Fetch(context.Background(), key, slow)
			errs[i] = err
			if err == nil {
				results[i] = v.Body
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "exactly one backend call")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared"), results[i])
	}
}

func TestLeaderHandoffOnCancel(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("handoff")
	var calls atomic.Int64

	started := make(chan struct{}, 2)
	fetch := func(ctx context.Context) (*FetchResult, error) {
		n := calls.Add(1)
		started <- struct{}{}
		if n == 1 {
			// First leader stalls until its caller gives up.
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &FetchResult{Value: &Value{Body: []byte("rescued")}, TTL: time.Minute}, nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.Fetch(leaderCtx, key, fetch)
		leaderErr <- err
	}()
	<-started // leader's fetch is running

	followerVal := make(chan []byte, 1)
	followerErr := make(chan error, 1)
	go func() {
		v, _, err := c.Fetch(context.Background(), key, fetch)
		if err != nil {
			followerErr <- err
			return
		}
		followerVal <- v.Body
	}()

	// Give the follower time to join the flight, then cancel the leader.
	time.Sleep(50 * time.Millisecond)
	cancelLeader()

	err := <-leaderErr
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindCanceled))

	select {
	case body := <-followerVal:
		assert.Equal(t, []byte("rescued"), body)
	case err := <-followerErr:
		t.Fatalf("follower failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("follower was not promoted")
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestHandoffCancelRaceLeavesNoOrphan(t *testing.T) {
	g := newFlightGroup()
	key := keyOf("race")

	stall := func(running chan<- struct{}) FetchFunc {
		return func(ctx context.Context) (*FetchResult, error) {
			select {
			case running <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	for i := 0; i < 300; i++ {
		leaderCtx, cancelLeader := context.WithCancel(context.Background())
		waiterCtx, cancelWaiter := context.WithCancel(context.Background())
		running := make(chan struct{}, 1)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.do(leaderCtx, key, stall(running))
		}()
		<-running

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.do(waiterCtx, key, stall(running))
		}()

		// Cancel both sides while the handoff may be in progress.
		time.Sleep(time.Millisecond)
		cancelLeader()
		cancelWaiter()
		wg.Wait()

		// Whatever the interleaving, the flight must have dissolved: a
		// fresh fetch completes instead of blocking behind a leader that
		// will never run.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		res, err := g.do(ctx, key, func(context.Context) (*FetchResult, error) {
			return &FetchResult{Value: &Value{Body: []byte("ok")}}, nil
		})
		cancel()
		require.NoError(t, err, "iteration %d left an orphaned flight", i)
		require.Equal(t, []byte("ok"), res.Value.Body)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("swr")
	now := time.Now()
	var mu sync.Mutex
	setNow(c, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	var calls atomic.Int64
	_, state, err := c.Fetch(context.Background(), key, fetchConst("v1", time.Minute, 10*time.Second, &calls))
	require.NoError(t, err)
	require.Equal(t, StateMiss, state)

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	// Inside the stale window the old value is served immediately and a
	// background refresh runs once.
	v, state, err := c.Fetch(context.Background(), key, fetchConst("v2", time.Minute, 10*time.Second, &calls))
	require.NoError(t, err)
	assert.Equal(t, StateStale, state)
	assert.Equal(t, []byte("v1"), v.Body)

	assert.Eventually(t, func() bool {
		v, state, err := c.Fetch(context.Background(), key, fetchConst("v3", time.Minute, 10*time.Second, &calls))
		return err == nil && state == StateHit && string(v.Body) == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleServesDeduplicateRefresh(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("swr-dedup")
	now := time.Now()
	var mu sync.Mutex
	setNow(c, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	var calls atomic.Int64
	_, _, err := c.Fetch(context.Background(), key, fetchConst("v1", time.Minute, 10*time.Second, &calls))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	gate := make(chan struct{})
	blocking := func(ctx context.Context) (*FetchResult, error) {
		calls.Add(1)
		<-gate
		return &FetchResult{
			Value:      &Value{Body: []byte("v2")},
			TTL:        time.Minute,
			StaleAfter: 10 * time.Second,
		}, nil
	}

	// Sequential stale serves claim a single refresh between them, even
	// when the earlier ones have already returned to their callers.
	for i := 0; i < 5; i++ {
		v, state, err := c.Fetch(context.Background(), key, blocking)
		require.NoError(t, err)
		assert.Equal(t, StateStale, state)
		assert.Equal(t, []byte("v1"), v.Body)
	}
	assert.Equal(t, int64(2), calls.Load(), "one initial fetch plus one refresh")

	close(gate)
	assert.Eventually(t, func() bool {
		v, state, err := c.Fetch(context.Background(), key, fetchConst("v9", time.Minute, 10*time.Second, &calls))
		return err == nil && state == StateHit && string(v.Body) == "v2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), calls.Load())
}

func TestFailedRefreshReleasesClaim(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("swr-retry")
	now := time.Now()
	var mu sync.Mutex
	setNow(c, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	var calls atomic.Int64
	_, _, err := c.Fetch(context.Background(), key, fetchConst("v1", time.Minute, 10*time.Second, &calls))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	var fails atomic.Int64
	failing := func(ctx context.Context) (*FetchResult, error) {
		fails.Add(1)
		return nil, errdefs.New(errdefs.KindUnavailable, "backend down")
	}
	_, state, err := c.Fetch(context.Background(), key, failing)
	require.NoError(t, err)
	assert.Equal(t, StateStale, state)

	// Once the failed refresh settles, the next stale serve may claim a
	// fresh one.
	assert.Eventually(t, func() bool {
		_, st, ferr := c.Fetch(context.Background(), key, failing)
		return ferr == nil && st == StateStale && fails.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNegativeValueRoundTrip(t *testing.T) {
	c := New(Config{Capacity: 64})
	key := keyOf("neg")
	var calls atomic.Int64
	fetch := func(ctx context.Context) (*FetchResult, error) {
		calls.Add(1)
		return &FetchResult{
			Value: &Value{Negative: true, ErrorKind: string(errdefs.KindNotFound)},
			TTL:   time.Minute,
		}, nil
	}

	v, _, err := c.Fetch(context.Background(), key, fetch)
	require.NoError(t, err)
	assert.True(t, v.Negative)

	v, state, err := c.Fetch(context.Background(), key, fetch)
	require.NoError(t, err)
	assert.Equal(t, StateHit, state)
	assert.True(t, v.Negative)
	assert.Equal(t, string(errdefs.KindNotFound), v.ErrorKind)
	assert.Equal(t, int64(1), calls.Load())
}

func TestMirrorWriteBehindAndReadRepair(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c1 := New(Config{Capacity: 64, Mirror: client})
	key := keyOf("mirrored")
	var calls atomic.Int64

	_, _, err := c1.Fetch(context.Background(), key, fetchConst("v1", time.Minute, 0, &calls))
	require.NoError(t, err)

	// The mirror write is async.
	assert.Eventually(t, func() bool {
		return mr.Exists("gantry:cache:" + key.String())
	}, 2*time.Second, 10*time.Millisecond)

	// A second bridge replica misses locally and repairs from the mirror
	// without touching the backend.
	c2 := New(Config{Capacity: 64, Mirror: client})
	v, state, err := c2.Fetch(context.Background(), key, fetchConst("v2", time.Minute, 0, &calls))
	require.NoError(t, err)
	assert.Equal(t, StateHit, state)
	assert.Equal(t, []byte("v1"), v.Body)
	assert.Equal(t, int64(1), calls.Load())

	// Repaired entries are resident afterwards.
	v, state, err = c2.Fetch(context.Background(), key, fetchConst("v3", time.Minute, 0, &calls))
	require.NoError(t, err)
	assert.Equal(t, StateHit, state)
	assert.Equal(t, []byte("v1"), v.Body)
}

func TestMirrorFailureDegradesToMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close() // mirror gone

	c := New(Config{Capacity: 64, Mirror: client})
	var calls atomic.Int64
	v, state, err := c.Fetch(context.Background(), keyOf("k"), fetchConst("v", time.Minute, 0, &calls))
	require.NoError(t, err)
	assert.Equal(t, StateMiss, state)
	assert.Equal(t, []byte("v"), v.Body)
}
