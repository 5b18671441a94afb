package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyOf(s string) Key {
	return Fingerprint("svc", "m", []byte(s), "", "")
}

func val(s string) *Value {
	return &Value{Body: []byte(s)}
}

func TestShardPutGet(t *testing.T) {
	s := newShard(4)
	s.put(keyOf("a"), val("a"), time.Minute, 0)

	got, ok, stale := s.get(keyOf("a"))
	require.True(t, ok)
	assert.False(t, stale)
	assert.Equal(t, []byte("a"), got.Body)

	_, ok, _ = s.get(keyOf("missing"))
	assert.False(t, ok)
}

func TestShardCapacityBound(t *testing.T) {
	s := newShard(4)
	for i := 0; i < 50; i++ {
		s.put(keyOf(fmt.Sprintf("k%d", i)), val("v"), time.Minute, 0)
	}
	assert.LessOrEqual(t, s.liveLen(), 4)
}

func TestShardHitPromotesToFrequency(t *testing.T) {
	s := newShard(4)
	s.put(keyOf("a"), val("a"), time.Minute, 0)
	require.Equal(t, 1, s.t1.Len())

	_, ok, _ := s.get(keyOf("a"))
	require.True(t, ok)
	assert.Equal(t, 0, s.t1.Len())
	assert.Equal(t, 1, s.t2.Len())
}

func TestShardGhostHitAdaptsP(t *testing.T) {
	s := newShard(4)

	// One frequent key pins T2; cold inserts then push a T1 victim into
	// the B1 ghost list.
	s.put(keyOf("hot"), val("hot"), time.Minute, 0)
	_, ok, _ := s.get(keyOf("hot"))
	require.True(t, ok)

	s.put(keyOf("c1"), val("v"), time.Minute, 0)
	s.put(keyOf("c2"), val("v"), time.Minute, 0)
	s.put(keyOf("c3"), val("v"), time.Minute, 0)
	require.Equal(t, 0, s.b1.Len())

	s.put(keyOf("c4"), val("v"), time.Minute, 0)
	require.Equal(t, 1, s.b1.Len(), "one recency victim should be ghosted")
	require.Equal(t, 0, s.p)

	// Re-inserting the ghosted key is a B1 hit: p grows, and the key
	// re-enters as a frequent resident.
	victim := s.b1.Back().Value.(*arcEntry).key
	s.put(victim, val("back"), time.Minute, 0)
	assert.Equal(t, 1, s.p)

	got, ok, _ := s.get(victim)
	require.True(t, ok)
	assert.Equal(t, []byte("back"), got.Body)
}

func TestShardTTLExpiry(t *testing.T) {
	s := newShard(4)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.put(keyOf("a"), val("a"), 100*time.Millisecond, 0)

	_, ok, _ := s.get(keyOf("a"))
	require.True(t, ok)

	now = now.Add(101 * time.Millisecond)
	_, ok, _ = s.get(keyOf("a"))
	assert.False(t, ok)
	assert.Equal(t, 0, s.liveLen(), "expired entry is dropped")
}

func TestShardStaleWindow(t *testing.T) {
	s := newShard(4)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.put(keyOf("a"), val("a"), time.Minute, 10*time.Second)

	_, ok, stale := s.get(keyOf("a"))
	require.True(t, ok)
	assert.False(t, stale)

	now = now.Add(11 * time.Second)
	got, ok, stale := s.get(keyOf("a"))
	require.True(t, ok)
	assert.True(t, stale)
	assert.Equal(t, []byte("a"), got.Body)

	now = now.Add(time.Minute)
	_, ok, _ = s.get(keyOf("a"))
	assert.False(t, ok)
}

func TestShardUpdateRefreshesTTL(t *testing.T) {
	s := newShard(4)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.put(keyOf("a"), val("a"), 100*time.Millisecond, 0)
	now = now.Add(90 * time.Millisecond)
	s.put(keyOf("a"), val("a2"), 100*time.Millisecond, 0)
	now = now.Add(90 * time.Millisecond)

	got, ok, _ := s.get(keyOf("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("a2"), got.Body)
}

func TestFingerprintScope(t *testing.T) {
	base := Fingerprint("svc", "m", []byte("body"), "t1", "en")

	assert.Equal(t, base, Fingerprint("svc", "m", []byte("body"), "t1", "en"))
	assert.NotEqual(t, base, Fingerprint("svc2", "m", []byte("body"), "t1", "en"))
	assert.NotEqual(t, base, Fingerprint("svc", "m2", []byte("body"), "t1", "en"))
	assert.NotEqual(t, base, Fingerprint("svc", "m", []byte("body2"), "t1", "en"))
	assert.NotEqual(t, base, Fingerprint("svc", "m", []byte("body"), "t2", "en"))
	assert.NotEqual(t, base, Fingerprint("svc", "m", []byte("body"), "t1", "de"))

	// Field boundaries matter: shifting bytes between fields must change
	// the fingerprint.
	assert.NotEqual(t,
		Fingerprint("ab", "c", nil, "", ""),
		Fingerprint("a", "bc", nil, "", ""))
}
