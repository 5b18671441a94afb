package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/metrics"
)

// FetchResult is what a single-flight leader produced. TTL 0 means the
// value is served to waiters but not stored.
type FetchResult struct {
	Value      *Value
	TTL        time.Duration
	StaleAfter time.Duration
}

// FetchFunc performs the actual backend call on behalf of every waiter on
// the same fingerprint.
type FetchFunc func(ctx context.Context) (*FetchResult, error)

// participant is one caller inside a flight. Followers block on the flight
// outcome or on a promotion; the promoted follower re-runs the fetch under
// its own context.
type participant struct {
	promote chan struct{}
}

// flight is the in-progress fetch for one fingerprint
type flight struct {
	doneCh  chan struct{}
	result  *FetchResult
	err     error
	waiters []*participant
}

// flightGroup deduplicates concurrent fetches per fingerprint. Unlike a
// plain single-flight, a canceled leader does not fail the whole flight:
// leadership passes to a waiting follower, which re-runs the fetch under
// its own live context. Only when every participant has gone does the
// flight dissolve.
type flightGroup struct {
	mu      sync.Mutex
	flights map[Key]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[Key]*flight)}
}

// do runs fetch once per key across all concurrent callers. The returned
// result is shared; callers must not mutate it.
func (g *flightGroup) do(ctx context.Context, key Key, fetch FetchFunc) (*FetchResult, error) {
	g.mu.Lock()
	f, exists := g.flights[key]
	if !exists {
		f = &flight{doneCh: make(chan struct{})}
		g.flights[key] = f
		g.mu.Unlock()
		return g.lead(ctx, key, f, fetch)
	}
	me := &participant{promote: make(chan struct{})}
	f.waiters = append(f.waiters, me)
	g.mu.Unlock()

	metrics.SingleFlightWaiters.Inc()
	defer metrics.SingleFlightWaiters.Dec()

	select {
	case <-f.doneCh:
		return f.result, f.err

	case <-me.promote:
		return g.lead(ctx, key, f, fetch)

	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range f.waiters {
			if w == me {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
		// A promotion may have raced the cancellation; honor it so the
		// flight is not orphaned.
		select {
		case <-me.promote:
			return g.lead(ctx, key, f, fetch)
		default:
		}
		return nil, errdefs.FromGRPC(ctx.Err())
	}
}

// lead runs the fetch as the flight's leader and settles or hands off
func (g *flightGroup) lead(ctx context.Context, key Key, f *flight, fetch FetchFunc) (*FetchResult, error) {
	res, err := fetch(ctx)

	if err != nil && ctx.Err() != nil {
		// The leader was canceled, not the backend: pass leadership on
		// instead of failing every waiter.
		g.mu.Lock()
		if len(f.waiters) > 0 {
			next := f.waiters[0]
			f.waiters = f.waiters[1:]
			// Close under the lock: a waiter canceling right now must see
			// either itself still queued or its promotion already signaled,
			// never neither, or the flight would be orphaned.
			close(next.promote)
			g.mu.Unlock()
			return nil, errdefs.FromGRPC(ctx.Err())
		}
		delete(g.flights, key)
		g.mu.Unlock()
		return nil, errdefs.FromGRPC(ctx.Err())
	}

	g.mu.Lock()
	f.result, f.err = res, err
	delete(g.flights, key)
	g.mu.Unlock()
	close(f.doneCh)
	return res, err
}
