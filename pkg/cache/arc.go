package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/cuemby/gantry/pkg/metrics"
)

type listKind uint8

const (
	inT1 listKind = iota
	inT2
	inB1
	inB2
)

type arcEntry struct {
	key        Key
	val        *Value
	storedAt   time.Time
	ttl        time.Duration
	staleAfter time.Duration
	where      listKind
	// refreshing marks an in-flight background revalidation so each stale
	// epoch triggers exactly one refresh.
	refreshing bool
}

// expired reports whether the entry's TTL has fully lapsed
func (e *arcEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// stale reports whether the entry may only be served with a background
// refresh in flight.
func (e *arcEntry) stale(now time.Time) bool {
	return e.staleAfter > 0 && e.staleAfter < e.ttl && now.Sub(e.storedAt) >= e.staleAfter
}

// arcShard is one Adaptive Replacement Cache instance. T1 holds entries
// seen once (recency), T2 entries seen at least twice (frequency); B1/B2
// are their ghost lists holding only keys of recent evictions. The target
// size p of T1 adapts on ghost hits, shifting capacity between recency
// and frequency without tuning.
type arcShard struct {
	mu  sync.Mutex
	cap int
	p   int

	t1, t2 *list.List // *arcEntry, MRU at front
	b1, b2 *list.List // ghosts
	idx    map[Key]*list.Element

	now func() time.Time
}

func newShard(capacity int) *arcShard {
	return &arcShard{
		cap: capacity,
		t1:  list.New(),
		t2:  list.New(),
		b1:  list.New(),
		b2:  list.New(),
		idx: make(map[Key]*list.Element),
		now: time.Now,
	}
}

// get returns the live value for key. Expired entries are dropped on the
// spot. A hit promotes the entry to the frequency list.
func (s *arcShard) get(key Key) (*Value, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.idx[key]
	if !ok {
		return nil, false, false
	}
	e := el.Value.(*arcEntry)
	if e.where == inB1 || e.where == inB2 {
		return nil, false, false
	}
	if e.expired(s.now()) {
		s.removeLive(el, e)
		return nil, false, false
	}

	switch e.where {
	case inT1:
		s.t1.Remove(el)
	case inT2:
		s.t2.Remove(el)
	}
	e.where = inT2
	s.idx[key] = s.t2.PushFront(e)

	return e.val, true, e.stale(s.now())
}

// put inserts or refreshes a value, running the ARC replacement policy
func (s *arcShard) put(key Key, val *Value, ttl, staleAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.idx[key]; ok {
		e := el.Value.(*arcEntry)
		switch e.where {
		case inT1, inT2:
			// Refresh in place and promote.
			e.val, e.storedAt, e.ttl, e.staleAfter = val, now, ttl, staleAfter
			e.refreshing = false
			if e.where == inT1 {
				s.t1.Remove(el)
			} else {
				s.t2.Remove(el)
			}
			e.where = inT2
			s.idx[key] = s.t2.PushFront(e)
			return

		case inB1:
			// Recency ghost hit: grow T1's share.
			delta := 1
			if s.b1.Len() > 0 && s.b2.Len()/s.b1.Len() > 1 {
				delta = s.b2.Len() / s.b1.Len()
			}
			s.p = minInt(s.cap, s.p+delta)
			s.replace(false)
			s.b1.Remove(el)

		case inB2:
			// Frequency ghost hit: shrink T1's share.
			delta := 1
			if s.b2.Len() > 0 && s.b1.Len()/s.b2.Len() > 1 {
				delta = s.b1.Len() / s.b2.Len()
			}
			s.p = maxInt(0, s.p-delta)
			s.replace(true)
			s.b2.Remove(el)
		}

		e.val, e.storedAt, e.ttl, e.staleAfter = val, now, ttl, staleAfter
		e.where = inT2
		e.refreshing = false
		s.idx[key] = s.t2.PushFront(e)
		return
	}

	// Cold key.
	switch {
	case s.t1.Len()+s.b1.Len() == s.cap:
		if s.t1.Len() < s.cap {
			s.dropGhost(s.b1)
			s.replace(false)
		} else {
			// T1 occupies the whole cache; evict its LRU outright.
			el := s.t1.Back()
			s.removeLive(el, el.Value.(*arcEntry))
			metrics.CacheEvictions.Inc()
		}
	case s.t1.Len()+s.b1.Len() < s.cap:
		total := s.t1.Len() + s.t2.Len() + s.b1.Len() + s.b2.Len()
		if total >= s.cap {
			if total == 2*s.cap {
				s.dropGhost(s.b2)
			}
			s.replace(false)
		}
	}

	e := &arcEntry{key: key, val: val, storedAt: now, ttl: ttl, staleAfter: staleAfter, where: inT1}
	s.idx[key] = s.t1.PushFront(e)
}

// replace demotes one live entry to its ghost list, steering by p
func (s *arcShard) replace(ghostHitInB2 bool) {
	if s.t1.Len() > 0 && (s.t1.Len() > s.p || (ghostHitInB2 && s.t1.Len() == s.p)) {
		s.demote(s.t1, s.b1, inB1)
	} else if s.t2.Len() > 0 {
		s.demote(s.t2, s.b2, inB2)
	} else if s.t1.Len() > 0 {
		s.demote(s.t1, s.b1, inB1)
	}
}

func (s *arcShard) demote(from, ghosts *list.List, kind listKind) {
	el := from.Back()
	e := el.Value.(*arcEntry)
	from.Remove(el)
	e.val = nil
	e.where = kind
	s.idx[e.key] = ghosts.PushFront(e)
	metrics.CacheEvictions.Inc()
}

func (s *arcShard) dropGhost(ghosts *list.List) {
	el := ghosts.Back()
	if el == nil {
		return
	}
	delete(s.idx, el.Value.(*arcEntry).key)
	ghosts.Remove(el)
}

func (s *arcShard) removeLive(el *list.Element, e *arcEntry) {
	switch e.where {
	case inT1:
		s.t1.Remove(el)
	case inT2:
		s.t2.Remove(el)
	}
	delete(s.idx, e.key)
}

// startRefresh claims the background refresh for a stale entry. It returns
// true for exactly one caller per stale epoch; everyone else keeps serving
// the stale value without spawning another fetch.
func (s *arcShard) startRefresh(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.idx[key]
	if !ok {
		return false
	}
	e := el.Value.(*arcEntry)
	if e.where == inB1 || e.where == inB2 || e.refreshing {
		return false
	}
	e.refreshing = true
	return true
}

// endRefresh releases the claim so a later stale epoch can refresh again.
// A successful refresh clears the flag through put; this covers the failure
// path.
func (s *arcShard) endRefresh(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.idx[key]; ok {
		el.Value.(*arcEntry).refreshing = false
	}
}

// liveLen reports resident (non-ghost) entries, for tests and stats
func (s *arcShard) liveLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t1.Len() + s.t2.Len()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
