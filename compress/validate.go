package compress

import (
	"fmt"

	"go.uber.org/zap"
)

// SimilarityFunc scores two vectors in [0,1].
type SimilarityFunc func(a, b []float64) float64

// ValidatorConfig bounds the tolerated similarity-ranking degradation.
type ValidatorConfig struct {
	// MaxMeanDegradation is the tolerated mean absolute similarity shift
	// across the held-out pairs after a compress/decompress round trip.
	MaxMeanDegradation float64 `yaml:"max_mean_degradation" json:"max_mean_degradation"`

	// MinPairs is the minimum held-out pair count for a meaningful check.
	MinPairs int `yaml:"min_pairs" json:"min_pairs"`
}

// DefaultValidatorConfig returns the default tolerance band.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxMeanDegradation: 0.02,
		MinPairs:           8,
	}
}

// Validator checks a candidate bit-width against a held-out vector set
// before the width is promoted into the live policy.
type Validator struct {
	config     ValidatorConfig
	similarity SimilarityFunc
	logger     *zap.Logger
}

// NewValidator creates a quality validator.
func NewValidator(config ValidatorConfig, similarity SimilarityFunc, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		config:     config,
		similarity: similarity,
		logger:     logger.With(zap.String("component", "compress_validator")),
	}
}

// Validate round-trips each held-out vector at the candidate width and
// measures the mean absolute shift in pairwise similarity. Returns
// ErrQualityRejected when the shift exceeds tolerance.
func (v *Validator) Validate(bits int, holdout [][]float64) error {
	if len(holdout) < v.config.MinPairs {
		return fmt.Errorf("holdout too small: have %d vectors, want >= %d", len(holdout), v.config.MinPairs)
	}

	q, err := NewQuantizer(bits)
	if err != nil {
		return err
	}

	restored := make([][]float64, len(holdout))
	for i, vec := range holdout {
		c, err := q.Compress(vec)
		if err != nil {
			return fmt.Errorf("compress holdout vector %d: %w", i, err)
		}
		restored[i], err = q.Decompress(c)
		if err != nil {
			return fmt.Errorf("decompress holdout vector %d: %w", i, err)
		}
	}

	// Compare pairwise similarities before and after quantization.
	var totalShift float64
	pairs := 0
	for i := 0; i < len(holdout); i++ {
		for j := i + 1; j < len(holdout); j++ {
			orig := v.similarity(holdout[i], holdout[j])
			approx := v.similarity(restored[i], restored[j])
			shift := orig - approx
			if shift < 0 {
				shift = -shift
			}
			totalShift += shift
			pairs++
		}
	}

	mean := totalShift / float64(pairs)
	if mean > v.config.MaxMeanDegradation {
		v.logger.Warn("bit width rejected",
			zap.Int("bits", bits),
			zap.Float64("mean_degradation", mean),
			zap.Float64("tolerance", v.config.MaxMeanDegradation))
		return fmt.Errorf("%w: mean degradation %.4f exceeds %.4f at %d bits",
			ErrQualityRejected, mean, v.config.MaxMeanDegradation, bits)
	}

	v.logger.Debug("bit width validated",
		zap.Int("bits", bits),
		zap.Float64("mean_degradation", mean))
	return nil
}
