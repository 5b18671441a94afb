package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/metrics"
	"github.com/cuemby/gantry/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor(name string) *types.ServiceDescriptor {
	return &types.ServiceDescriptor{
		Name: name,
		Methods: []*types.MethodSpec{{
			Name:        "get",
			GRPCService: "test.v1.Test",
			GRPCMethod:  "Get",
			CallKind:    types.CallUnary,
			RestPatterns: []types.RestPattern{
				{HTTPMethod: "GET", Path: "/items/{id}"},
			},
		}},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New(4)
	inst := types.NewInstance("i-1", "127.0.0.1:9000", 1.0)

	require.NoError(t, reg.Register(testDescriptor("echo"), []*types.ServiceInstance{inst}, false))

	desc, snap, err := reg.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", desc.Name)
	assert.Len(t, snap.Instances, 1)
	assert.Len(t, snap.Eligible(), 1)
	assert.Equal(t, 1, reg.Len())
}

func TestRegisterConflict(t *testing.T) {
	reg := New(4)
	require.NoError(t, reg.Register(testDescriptor("echo"), nil, false))

	err := reg.Register(testDescriptor("echo"), nil, false)
	assert.True(t, errdefs.Is(err, errdefs.KindConflict))

	// Replace is allowed and bumps the revision.
	first, _, _ := reg.Lookup("echo")
	require.NoError(t, reg.Register(testDescriptor("echo"), nil, true))
	second, _, _ := reg.Lookup("echo")
	assert.Greater(t, second.Revision, first.Revision)
}

func TestLookupUnknown(t *testing.T) {
	reg := New(4)
	_, _, err := reg.Lookup("nope")
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestDeregisterGrace(t *testing.T) {
	reg := New(4, WithGrace(50*time.Millisecond))
	require.NoError(t, reg.Register(testDescriptor("echo"), nil, false))
	require.NoError(t, reg.Deregister("echo"))

	// Fail fast during grace.
	_, _, err := reg.Lookup("echo")
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
	assert.Equal(t, 0, reg.Len())

	// Re-deregistering a tombstoned service is NotFound.
	assert.Error(t, reg.Deregister("echo"))

	// After grace the name is reusable.
	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, reg.Register(testDescriptor("echo"), nil, false))
}

func TestEndpointUniqueness(t *testing.T) {
	reg := New(4)
	insts := []*types.ServiceInstance{
		types.NewInstance("i-1", "127.0.0.1:9000", 1),
		types.NewInstance("i-2", "127.0.0.1:9000", 1),
	}
	err := reg.Register(testDescriptor("echo"), insts, false)
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidRequest))

	require.NoError(t, reg.Register(testDescriptor("echo"), insts[:1], false))
	err = reg.AddInstance("echo", types.NewInstance("i-3", "127.0.0.1:9000", 1))
	assert.True(t, errdefs.Is(err, errdefs.KindConflict))

	assert.NoError(t, reg.AddInstance("echo", types.NewInstance("i-3", "127.0.0.1:9001", 1)))
}

func TestRemoveInstanceFiresHook(t *testing.T) {
	reg := New(4)
	var removed []string
	reg.RemoveHook = func(service string, inst *types.ServiceInstance) {
		removed = append(removed, service+"/"+inst.InstanceID)
	}

	insts := []*types.ServiceInstance{
		types.NewInstance("i-1", "127.0.0.1:9000", 1),
		types.NewInstance("i-2", "127.0.0.1:9001", 1),
	}
	require.NoError(t, reg.Register(testDescriptor("echo"), insts, false))
	require.NoError(t, reg.RemoveInstance("echo", "i-1"))

	_, snap, err := reg.Lookup("echo")
	require.NoError(t, err)
	assert.Len(t, snap.Instances, 1)
	assert.Equal(t, []string{"echo/i-1"}, removed)

	assert.True(t, errdefs.Is(reg.RemoveInstance("echo", "i-404"), errdefs.KindNotFound))

	// Deregister drains the remaining instance through the hook too.
	require.NoError(t, reg.Deregister("echo"))
	assert.Equal(t, []string{"echo/i-1", "echo/i-2"}, removed)
}

func TestSnapshotIsolation(t *testing.T) {
	reg := New(4)
	inst := types.NewInstance("i-1", "127.0.0.1:9000", 1)
	require.NoError(t, reg.Register(testDescriptor("echo"), []*types.ServiceInstance{inst}, false))

	_, before, err := reg.Lookup("echo")
	require.NoError(t, err)

	require.NoError(t, reg.AddInstance("echo", types.NewInstance("i-2", "127.0.0.1:9001", 1)))
	_, after, err := reg.Lookup("echo")
	require.NoError(t, err)

	// The old snapshot is untouched by the write.
	assert.Len(t, before.Instances, 1)
	assert.Len(t, after.Instances, 2)
	assert.Greater(t, after.Version, before.Version)
}

func TestEligibleFiltersUnhealthy(t *testing.T) {
	reg := New(4)
	a := types.NewInstance("a", "127.0.0.1:9000", 1)
	b := types.NewInstance("b", "127.0.0.1:9001", 1)
	require.NoError(t, reg.Register(testDescriptor("echo"), []*types.ServiceInstance{a, b}, false))

	b.SetHealth(types.HealthUnhealthy)
	_, snap, err := reg.Lookup("echo")
	require.NoError(t, err)

	eligible := snap.Eligible()
	require.Len(t, eligible, 1)
	assert.Equal(t, "a", eligible[0].InstanceID)
}

func TestConcurrentRegisterLookup(t *testing.T) {
	reg := New(32)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("svc-%d", i)
			_ = reg.Register(testDescriptor(name), []*types.ServiceInstance{
				types.NewInstance("i-1", fmt.Sprintf("127.0.0.1:%d", 9000+i), 1),
			}, false)
			for j := 0; j < 100; j++ {
				_, _, _ = reg.Lookup(name)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, reg.Len())
}

func TestShardInstances(t *testing.T) {
	reg := New(2)
	require.NoError(t, reg.Register(testDescriptor("a"), []*types.ServiceInstance{
		types.NewInstance("i-1", "127.0.0.1:9000", 1),
	}, false))
	require.NoError(t, reg.Register(testDescriptor("b"), []*types.ServiceInstance{
		types.NewInstance("i-2", "127.0.0.1:9001", 1),
	}, false))

	total := 0
	for i := 0; i < reg.ShardCount(); i++ {
		total += len(reg.ShardInstances(i))
	}
	assert.Equal(t, 2, total)
}

func TestInstanceGaugeTracksMutations(t *testing.T) {
	gauge := func(state types.HealthState) float64 {
		return testutil.ToFloat64(metrics.InstancesTotal.WithLabelValues(string(state)))
	}

	reg := New(4)
	insts := []*types.ServiceInstance{
		types.NewInstance("i-1", "127.0.0.1:9000", 1),
		types.NewInstance("i-2", "127.0.0.1:9001", 1),
	}
	require.NoError(t, reg.Register(testDescriptor("gauge"), insts, false))
	assert.Equal(t, 2.0, gauge(types.HealthUnknown))

	require.NoError(t, reg.AddInstance("gauge", types.NewInstance("i-3", "127.0.0.1:9002", 1)))
	assert.Equal(t, 3.0, gauge(types.HealthUnknown))

	// Health transitions move instances between label values.
	insts[0].SetHealth(types.HealthHealthy)
	reg.RefreshInstanceMetrics()
	assert.Equal(t, 2.0, gauge(types.HealthUnknown))
	assert.Equal(t, 1.0, gauge(types.HealthHealthy))

	require.NoError(t, reg.RemoveInstance("gauge", "i-3"))
	assert.Equal(t, 1.0, gauge(types.HealthUnknown))

	require.NoError(t, reg.Deregister("gauge"))
	assert.Equal(t, 0.0, gauge(types.HealthUnknown))
	assert.Equal(t, 0.0, gauge(types.HealthHealthy))
}
