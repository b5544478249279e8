package assembler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/rehydrate/types"
)

// Anchor is a fragment that is always included for a role, regardless of
// task-specific relevance. Anchors come from static document sources.
type Anchor struct {
	ID    string `yaml:"id" json:"id"`
	Text  string `yaml:"text" json:"text"`
	Order int    `yaml:"order" json:"order"`
}

// AnchorRegistry holds the fixed, role-specific, priority-ordered anchor
// sets consumed by phase one of assembly.
type AnchorRegistry struct {
	mu      sync.RWMutex
	anchors map[types.Role][]Anchor
}

// NewAnchorRegistry creates an empty registry.
func NewAnchorRegistry() *AnchorRegistry {
	return &AnchorRegistry{anchors: make(map[types.Role][]Anchor)}
}

// Register adds an anchor for a role. Anchors are served in ascending Order.
func (r *AnchorRegistry) Register(role types.Role, anchor Anchor) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if anchor.ID == "" {
		return fmt.Errorf("anchor id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchors[role] = append(r.anchors[role], anchor)
	sort.SliceStable(r.anchors[role], func(i, j int) bool {
		return r.anchors[role][i].Order < r.anchors[role][j].Order
	})
	return nil
}

// For returns the ordered anchors for a role.
func (r *AnchorRegistry) For(role types.Role) []Anchor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Anchor(nil), r.anchors[role]...)
}

// Len returns the total anchor count across roles.
func (r *AnchorRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.anchors {
		total += len(set)
	}
	return total
}
