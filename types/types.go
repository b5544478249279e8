// Package types defines the shared records of the rehydration engine.
package types

import "time"

// Role identifies the assistant role a context bundle is assembled for.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleImplementer Role = "implementer"
	RoleResearcher  Role = "researcher"
	RoleCoder       Role = "coder"
)

// Roles lists every known assistant role.
func Roles() []Role {
	return []Role{RolePlanner, RoleImplementer, RoleResearcher, RoleCoder}
}

// Valid reports whether the role is one of the known assistant roles.
func (r Role) Valid() bool {
	switch r {
	case RolePlanner, RoleImplementer, RoleResearcher, RoleCoder:
		return true
	}
	return false
}

// Fingerprint is the deterministic cache key derived from
// (role, normalized task, policy generation). It is the key across all tiers.
type Fingerprint string

// String returns the raw fingerprint value.
func (f Fingerprint) String() string { return string(f) }

// TierLevel identifies which cache tier served a lookup.
type TierLevel int

const (
	TierNone TierLevel = iota
	Tier1
	Tier2
	Tier3
)

// String returns the tier label used in logs and metrics.
func (t TierLevel) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	default:
		return "none"
	}
}

// PriorityTier classifies how a fragment was selected.
type PriorityTier string

const (
	// PriorityPinned marks fragments always included for a role.
	PriorityPinned PriorityTier = "pinned"
	// PriorityTask marks fragments selected by task relevance.
	PriorityTask PriorityTier = "task-scoped"
)

// ContextFragment is a single unit of rehydrated context. Fragments are
// combined, never split, when packed into a bundle; truncation produces a
// new fragment with a reduced TokenCount.
type ContextFragment struct {
	SourceID       string       `json:"source_id"`
	Text           string       `json:"text"`
	TokenCount     int          `json:"token_count"`
	Priority       PriorityTier `json:"priority_tier"`
	RelevanceScore float64      `json:"relevance_score"`
	PinAnchor      string       `json:"pin_anchor,omitempty"`
	Truncated      bool         `json:"truncated,omitempty"`
}

// ContextBundle is the assembled output for one request: an ordered fragment
// sequence whose total token count never exceeds the requested budget.
type ContextBundle struct {
	Role         Role              `json:"role"`
	Fingerprint  Fingerprint       `json:"fingerprint"`
	Fragments    []ContextFragment `json:"fragments"`
	TokenBudget  int               `json:"token_budget"`
	TotalTokens  int               `json:"total_tokens"`
	AssemblyTime time.Duration     `json:"assembly_time_ms"`
	CacheHitTier TierLevel         `json:"cache_hit_tier"`
	Partial      bool              `json:"partial,omitempty"`
	BudgetWarn   bool              `json:"budget_warn,omitempty"`
	Generation   uint64            `json:"generation_id"`
	AssembledAt  time.Time         `json:"assembled_at"`
}

// TokenTotal recomputes the token sum over all fragments.
func (b *ContextBundle) TokenTotal() int {
	total := 0
	for _, f := range b.Fragments {
		total += f.TokenCount
	}
	return total
}

// QualityFeedback is the downstream consumption signal attached to a sample.
// The engine records it; it never produces it.
type QualityFeedback struct {
	Score      float64 `json:"score"`
	Annotation string  `json:"annotation,omitempty"`
}

// PerformanceSample is one telemetry record emitted per resolve/assemble.
// Samples are append-only and rolled up by the optimization engine.
type PerformanceSample struct {
	ID          string           `json:"id"`
	Fingerprint Fingerprint      `json:"fingerprint"`
	TierHit     TierLevel        `json:"tier_hit"`
	LatencyMS   float64          `json:"latency_ms"`
	TokenCount  int              `json:"token_count"`
	Feedback    *QualityFeedback `json:"feedback,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}
