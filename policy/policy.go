// Package policy holds the live tuning state of the cache and retrieval
// system. State is mutated only by the optimization engine and read by the
// router, assembler, compression module, and warming scheduler through
// copy-on-read snapshots.
package policy

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Vector is one candidate policy configuration: the knobs the optimization
// engine searches over.
type Vector struct {
	// EvictionThreshold is the Tier-2 minimum quality score floor.
	EvictionThreshold float64 `json:"eviction_threshold" yaml:"eviction_threshold"`

	// WarmingSchedule is a cron expression driving the warming scheduler.
	WarmingSchedule string `json:"warming_schedule" yaml:"warming_schedule"`

	// WarmingTopK is how many hot fingerprints each warming pass refreshes.
	WarmingTopK int `json:"warming_top_k" yaml:"warming_top_k"`

	// CompressionBitWidth is the embedding quantization width (4, 8, or 16).
	CompressionBitWidth int `json:"compression_bit_width" yaml:"compression_bit_width"`

	// PinnedBudgetFraction is the bundle budget share reserved for anchors.
	PinnedBudgetFraction float64 `json:"pinned_budget_fraction" yaml:"pinned_budget_fraction"`
}

// DefaultVector returns the startup policy.
func DefaultVector() Vector {
	return Vector{
		EvictionThreshold:    0.2,
		WarmingSchedule:      "@every 5m",
		WarmingTopK:          32,
		CompressionBitWidth:  8,
		PinnedBudgetFraction: 0.35,
	}
}

// Validate checks that the vector is usable.
func (v Vector) Validate() error {
	if v.EvictionThreshold < 0 || v.EvictionThreshold > 1 {
		return fmt.Errorf("eviction_threshold must be in [0,1], got %f", v.EvictionThreshold)
	}
	switch v.CompressionBitWidth {
	case 4, 8, 16:
	default:
		return fmt.Errorf("compression_bit_width must be 4, 8 or 16, got %d", v.CompressionBitWidth)
	}
	if v.PinnedBudgetFraction < 0 || v.PinnedBudgetFraction > 0.9 {
		return fmt.Errorf("pinned_budget_fraction must be in [0,0.9], got %f", v.PinnedBudgetFraction)
	}
	if v.WarmingTopK < 0 {
		return fmt.Errorf("warming_top_k must be >= 0, got %d", v.WarmingTopK)
	}
	return nil
}

// Snapshot is an immutable view of the committed policy at one generation.
// In-flight requests capture a snapshot once and are unaffected by a
// concurrent commit.
type Snapshot struct {
	Generation  uint64    `json:"generation_id"`
	Vector      Vector    `json:"vector"`
	CommittedAt time.Time `json:"committed_at"`
}

// Store owns the live policy. All mutation goes through Commit/Rollback;
// readers call Current for a consistent copy.
type Store struct {
	mu      sync.RWMutex
	current Snapshot
	prev    *Snapshot // retained for rollback and in-flight readers
	logger  *zap.Logger
}

// NewStore creates a policy store initialized from defaults.
func NewStore(initial Vector, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial policy invalid: %w", err)
	}
	return &Store{
		current: Snapshot{Generation: 1, Vector: initial, CommittedAt: time.Now()},
		logger:  logger.With(zap.String("component", "policy")),
	}, nil
}

// Current returns a copy-on-read snapshot of the committed policy.
func (s *Store) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Commit atomically publishes a new generation. The previous generation is
// retained so it can be rolled back on post-commit regression.
func (s *Store) Commit(v Vector) (Snapshot, error) {
	if err := v.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("policy commit rejected: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	s.prev = &prev
	s.current = Snapshot{
		Generation:  prev.Generation + 1,
		Vector:      v,
		CommittedAt: time.Now(),
	}
	s.logger.Info("policy generation committed",
		zap.Uint64("generation", s.current.Generation),
		zap.Float64("eviction_threshold", v.EvictionThreshold),
		zap.Int("compression_bit_width", v.CompressionBitWidth))
	return s.current, nil
}

// Rollback reverts to the prior committed generation. Returns false when
// there is nothing to roll back to.
func (s *Store) Rollback() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prev == nil {
		return s.current, false
	}
	rolledFrom := s.current.Generation
	restored := *s.prev
	// Rollback still advances the generation counter so fingerprints derived
	// from the failed generation are never served again.
	s.current = Snapshot{
		Generation:  s.current.Generation + 1,
		Vector:      restored.Vector,
		CommittedAt: time.Now(),
	}
	s.prev = nil
	s.logger.Warn("policy generation rolled back",
		zap.Uint64("from", rolledFrom),
		zap.Uint64("to", s.current.Generation))
	return s.current, true
}
