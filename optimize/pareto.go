package optimize

import (
	"math"
	"sync"
	"time"

	"github.com/BaSui01/rehydrate/policy"
)

// Objectives are the tracked optimization dimensions for one policy vector.
// Latency, miss rate and memory are minimized; quality is maximized.
type Objectives struct {
	LatencyP95MS float64 `json:"latency_p95_ms"`
	MissRate     float64 `json:"miss_rate"`
	MemoryBytes  float64 `json:"memory_bytes"`
	Quality      float64 `json:"quality"`
}

// Dominates reports whether a is better-or-equal to b on every objective and
// strictly better on at least one.
func (a Objectives) Dominates(b Objectives) bool {
	betterOrEqual := a.LatencyP95MS <= b.LatencyP95MS &&
		a.MissRate <= b.MissRate &&
		a.MemoryBytes <= b.MemoryBytes &&
		a.Quality >= b.Quality
	strictly := a.LatencyP95MS < b.LatencyP95MS ||
		a.MissRate < b.MissRate ||
		a.MemoryBytes < b.MemoryBytes ||
		a.Quality > b.Quality
	return betterOrEqual && strictly
}

// distance is a normalized Euclidean distance in objective space, used for
// diversity-preserving pruning.
func (a Objectives) distance(b Objectives, scale Objectives) float64 {
	norm := func(x, s float64) float64 {
		if s == 0 {
			return x
		}
		return x / s
	}
	dl := norm(a.LatencyP95MS, scale.LatencyP95MS) - norm(b.LatencyP95MS, scale.LatencyP95MS)
	dm := norm(a.MissRate, scale.MissRate) - norm(b.MissRate, scale.MissRate)
	db := norm(a.MemoryBytes, scale.MemoryBytes) - norm(b.MemoryBytes, scale.MemoryBytes)
	dq := norm(a.Quality, scale.Quality) - norm(b.Quality, scale.Quality)
	return math.Sqrt(dl*dl + dm*dm + db*db + dq*dq)
}

// Member is one frontier entry: a policy vector, its measured or
// shadow-estimated objectives, and a natural-language annotation describing
// the observed behavior.
type Member struct {
	Vector     policy.Vector `json:"vector"`
	Objectives Objectives    `json:"objectives"`
	Annotation string        `json:"annotation,omitempty"`
	AddedAt    time.Time     `json:"added_at"`
}

// Frontier is the bounded Pareto set of policy configurations not strictly
// dominated by any other on all tracked objectives.
type Frontier struct {
	mu       sync.RWMutex
	members  []Member
	capacity int
}

// NewFrontier creates a frontier holding at most capacity members.
func NewFrontier(capacity int) *Frontier {
	if capacity <= 0 {
		capacity = 16
	}
	return &Frontier{capacity: capacity}
}

// Insert applies standard Pareto insertion: the candidate is added only if
// no existing member dominates it; members dominated by the candidate are
// removed. When over capacity, the member closest to another member in
// objective space is pruned first, preserving spread over clustering.
// Returns true when the candidate was admitted.
func (f *Frontier) Insert(m Member) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.members {
		if existing.Objectives.Dominates(m.Objectives) {
			return false
		}
	}

	kept := f.members[:0]
	for _, existing := range f.members {
		if !m.Objectives.Dominates(existing.Objectives) {
			kept = append(kept, existing)
		}
	}
	f.members = append(kept, m)

	for len(f.members) > f.capacity {
		f.pruneClosest()
	}
	return true
}

// pruneClosest removes the member with the smallest distance to its nearest
// neighbor. Caller holds the lock.
func (f *Frontier) pruneClosest() {
	if len(f.members) < 2 {
		return
	}
	scale := f.scaleLocked()

	worst, worstDist := -1, math.MaxFloat64
	for i := range f.members {
		nearest := math.MaxFloat64
		for j := range f.members {
			if i == j {
				continue
			}
			d := f.members[i].Objectives.distance(f.members[j].Objectives, scale)
			if d < nearest {
				nearest = d
			}
		}
		if nearest < worstDist {
			worstDist = nearest
			worst = i
		}
	}
	if worst >= 0 {
		f.members = append(f.members[:worst], f.members[worst+1:]...)
	}
}

// scaleLocked returns per-objective max values for normalization.
func (f *Frontier) scaleLocked() Objectives {
	var s Objectives
	for _, m := range f.members {
		s.LatencyP95MS = math.Max(s.LatencyP95MS, m.Objectives.LatencyP95MS)
		s.MissRate = math.Max(s.MissRate, m.Objectives.MissRate)
		s.MemoryBytes = math.Max(s.MemoryBytes, m.Objectives.MemoryBytes)
		s.Quality = math.Max(s.Quality, m.Objectives.Quality)
	}
	return s
}

// Members returns a copy of the frontier.
func (f *Frontier) Members() []Member {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Member(nil), f.members...)
}

// Len returns the member count.
func (f *Frontier) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.members)
}

// Consistent reports whether no member dominates any other. The dominance
// relation is re-verified after each commit.
func (f *Frontier) Consistent() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := range f.members {
		for j := range f.members {
			if i != j && f.members[i].Objectives.Dominates(f.members[j].Objectives) {
				return false
			}
		}
	}
	return true
}
