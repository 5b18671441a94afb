package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/gantry/pkg/errdefs"
)

func TestGlobalGateSheds(t *testing.T) {
	c := New(Config{MaxInflight: 2})

	rel1, _, err := c.Admit(context.Background(), "t", "/api/users")
	require.NoError(t, err)
	rel2, _, err := c.Admit(context.Background(), "t", "/api/users")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Inflight())

	_, _, err = c.Admit(context.Background(), "t", "/api/users")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindOverloaded))

	rel1()

	_, _, err = c.Admit(context.Background(), "t", "/api/users")
	assert.NoError(t, err)

	rel2()
	rel2() // double release is a no-op
	assert.Equal(t, 1, c.Inflight())
}

func TestWaitQueueAdmitsWhenSlotFrees(t *testing.T) {
	c := New(Config{MaxInflight: 1, QueueSize: 1})

	rel, _, err := c.Admit(context.Background(), "t", "/api/users")
	require.NoError(t, err)

	admitted := make(chan error, 1)
	go func() {
		rel2, _, err := c.Admit(context.Background(), "t", "/api/users")
		if err == nil {
			rel2()
		}
		admitted <- err
	}()

	assert.Eventually(t, func() bool { return c.QueueDepth() == 1 }, time.Second, 5*time.Millisecond)

	// A third request finds both the gate and the queue full.
	_, _, err = c.Admit(context.Background(), "t", "/api/users")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindOverloaded))

	rel()
	assert.NoError(t, <-admitted)
	assert.Equal(t, 0, c.QueueDepth())
}

func TestWaitQueueHonorsContext(t *testing.T) {
	c := New(Config{MaxInflight: 1, QueueSize: 4})

	rel, _, err := c.Admit(context.Background(), "t", "/api/users")
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = c.Admit(ctx, "t", "/api/users")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindTimeout))
	assert.Equal(t, 0, c.QueueDepth())
	assert.Equal(t, 1, c.Inflight())
}

func TestQueueZeroShedsImmediately(t *testing.T) {
	c := New(Config{MaxInflight: 1})

	rel, _, err := c.Admit(context.Background(), "t", "/api/users")
	require.NoError(t, err)
	defer rel()

	// No queue configured: the second request is rejected on the spot.
	_, _, err = c.Admit(context.Background(), "t", "/api/users")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindOverloaded))
}

func TestBucketThrottlesAndRefills(t *testing.T) {
	c := New(Config{MaxInflight: 100, Rate: 10, Burst: 2})

	rel, quota, err := c.Admit(context.Background(), "acme", "/api/orders")
	require.NoError(t, err)
	rel()
	require.NotNil(t, quota)
	assert.Equal(t, 2, quota.Limit)
	assert.Equal(t, 1, quota.Remaining)

	rel, quota, err = c.Admit(context.Background(), "acme", "/api/orders")
	require.NoError(t, err)
	rel()
	assert.Equal(t, 0, quota.Remaining)

	_, _, err = c.Admit(context.Background(), "acme", "/api/orders")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindThrottled))
	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	assert.Greater(t, e.RetryAfter, time.Duration(0))

	// The rejection still describes the bucket for the response headers.
	var te *ThrottleError
	require.ErrorAs(t, err, &te)
	require.NotNil(t, te.Quota)
	assert.Equal(t, 2, te.Quota.Limit)
	assert.Equal(t, 0, te.Quota.Remaining)

	// A throttled request must not hold an inflight slot.
	assert.Equal(t, 0, c.Inflight())

	// One token refills every 100ms at rate 10.
	assert.Eventually(t, func() bool {
		rel, _, err := c.Admit(context.Background(), "acme", "/api/orders")
		if err != nil {
			return false
		}
		rel()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBucketsAreIsolated(t *testing.T) {
	c := New(Config{MaxInflight: 100, Rate: 10, Burst: 1})

	rel, _, err := c.Admit(context.Background(), "acme", "/api/orders")
	require.NoError(t, err)
	rel()
	_, _, err = c.Admit(context.Background(), "acme", "/api/orders")
	require.Error(t, err)

	// Different tenant, different route: fresh buckets.
	rel, _, err = c.Admit(context.Background(), "globex", "/api/orders")
	require.NoError(t, err)
	rel()
	rel, _, err = c.Admit(context.Background(), "acme", "/api/users")
	require.NoError(t, err)
	rel()
}

func TestBucketLRUEviction(t *testing.T) {
	c := New(Config{MaxInflight: 100, Rate: 10, Burst: 1, MaxBuckets: 2})

	for _, route := range []string{"/a", "/b", "/c"} {
		rel, _, err := c.Admit(context.Background(), "t", route)
		require.NoError(t, err)
		rel()
	}
	assert.Equal(t, 2, c.BucketCount())

	// "/a" was evicted; revisiting it gets a fresh full bucket.
	rel, _, err := c.Admit(context.Background(), "t", "/a")
	require.NoError(t, err)
	rel()
}

func TestRateZeroDisablesBuckets(t *testing.T) {
	c := New(Config{MaxInflight: 100})

	for i := 0; i < 50; i++ {
		rel, quota, err := c.Admit(context.Background(), "t", "/api/users")
		require.NoError(t, err)
		assert.Nil(t, quota)
		rel()
	}
	assert.Equal(t, 0, c.BucketCount())
}

func TestDefaults(t *testing.T) {
	cfg := Config{Rate: 2.5}.withDefaults()
	assert.Equal(t, 50000, cfg.MaxInflight)
	assert.Equal(t, 10000, cfg.MaxBuckets)
	assert.Equal(t, 3, cfg.Burst)
}
