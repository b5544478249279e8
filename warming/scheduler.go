// Package warming refreshes hot cache entries on the schedule carried by the
// live policy: each pass re-promotes the most-accessed Tier-2 entries into
// Tier-1, rate-limited so warming never competes with caller traffic.
package warming

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/rehydrate/cache"
	"github.com/BaSui01/rehydrate/policy"
)

// Config tunes the warming scheduler.
type Config struct {
	// RatePerSecond caps warm writes per second.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`

	// PassTimeout bounds a single warming pass.
	PassTimeout time.Duration `yaml:"pass_timeout" json:"pass_timeout"`
}

// DefaultConfig returns the default warming configuration.
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 50,
		PassTimeout:   30 * time.Second,
	}
}

// Scheduler runs warming passes on the cron expression from the policy's
// warming schedule, re-reading the schedule after each policy commit.
type Scheduler struct {
	config  Config
	router  *cache.Router
	policy  *policy.Store
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	closed   bool
}

// NewScheduler creates a warming scheduler.
func NewScheduler(config Config, router *cache.Router, pol *policy.Store, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config:  config,
		router:  router,
		policy:  pol,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), 1),
		logger:  logger.With(zap.String("component", "warming")),
	}
}

// Start begins scheduling. The cron entry is rebuilt whenever the committed
// policy carries a different warming schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescheduleLocked(s.policy.Current().Vector.WarmingSchedule)
}

// Refresh reconciles the cron entry with the current policy. The engine
// calls this after each optimization cycle.
func (s *Scheduler) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	want := s.policy.Current().Vector.WarmingSchedule
	if want == s.schedule {
		return nil
	}
	return s.rescheduleLocked(want)
}

func (s *Scheduler) rescheduleLocked(schedule string) error {
	if s.cron != nil {
		s.cron.Stop()
	}
	c := cron.New()
	id, err := c.AddFunc(schedule, s.pass)
	if err != nil {
		s.logger.Error("invalid warming schedule", zap.String("schedule", schedule), zap.Error(err))
		return err
	}
	c.Start()
	s.cron = c
	s.entryID = id
	s.schedule = schedule
	s.logger.Info("warming scheduled", zap.String("schedule", schedule))
	return nil
}

// pass runs one warming sweep.
func (s *Scheduler) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.PassTimeout)
	defer cancel()

	topK := s.policy.Current().Vector.WarmingTopK
	entries, err := s.router.TopTier2(ctx, topK)
	if err != nil {
		s.logger.Warn("warming scan failed", zap.Error(err))
		return
	}

	warmed := 0
	for _, entry := range entries {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		if err := s.router.Warm(ctx, entry); err != nil {
			s.logger.Warn("warm write failed",
				zap.String("fingerprint", string(entry.Fingerprint)), zap.Error(err))
			continue
		}
		warmed++
	}
	s.logger.Debug("warming pass complete",
		zap.Int("candidates", len(entries)),
		zap.Int("warmed", warmed))
}

// RunOnce triggers a single pass immediately (CLI and tests).
func (s *Scheduler) RunOnce() { s.pass() }

// Close stops the cron loop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cron != nil {
		s.cron.Stop()
	}
}
