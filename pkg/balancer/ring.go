package balancer

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/gantry/pkg/types"
)

// ring is an immutable consistent-hash ring built for one instance
// snapshot. Weighted instances get proportionally more virtual nodes.
type ring struct {
	version  uint64
	points   []ringPoint
	distinct int
}

type ringPoint struct {
	hash uint64
	inst *types.ServiceInstance
}

func newRing(version uint64, instances []*types.ServiceInstance, replicas int) *ring {
	r := &ring{version: version}
	for _, inst := range instances {
		n := int(float64(replicas) * inst.Weight)
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s#%d", inst.InstanceID, i))
			r.points = append(r.points, ringPoint{hash: h, inst: inst})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i].hash < r.points[j].hash
	})
	r.distinct = len(instances)
	return r
}

// lookup finds the owner of key, walking clockwise past owners whose
// inflight load exceeds bound. If every distinct instance is overloaded it
// returns the least loaded one.
func (r *ring) lookup(key string, bound float64) *types.ServiceInstance {
	if len(r.points) == 0 {
		return nil
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if idx == len(r.points) {
		idx = 0
	}

	var least *types.ServiceInstance
	tried := make(map[*types.ServiceInstance]bool)
	for i := 0; i < len(r.points) && len(tried) < r.distinct; i++ {
		inst := r.points[(idx+i)%len(r.points)].inst
		if tried[inst] {
			continue
		}
		tried[inst] = true

		if float64(inst.Stats().Inflight()) <= bound {
			return inst
		}
		if least == nil || inst.Stats().Inflight() < least.Stats().Inflight() {
			least = inst
		}
	}
	return least
}
