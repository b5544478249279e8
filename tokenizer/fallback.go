package tokenizer

import (
	"go.uber.org/zap"
)

// FallbackTokenizer 将一个精确分词器与估算器组合：
// 精确分词器出错时回退到估算并记录警告日志.
type FallbackTokenizer struct {
	primary  Tokenizer
	fallback Tokenizer
	logger   *zap.Logger
}

// NewFallback 创建带估算回退的分词器.
func NewFallback(primary Tokenizer, logger *zap.Logger) *FallbackTokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackTokenizer{
		primary:  primary,
		fallback: NewEstimator(),
		logger:   logger.With(zap.String("component", "tokenizer")),
	}
}

func (f *FallbackTokenizer) Name() string { return f.primary.Name() + "+fallback" }

func (f *FallbackTokenizer) CountTokens(text string) (int, error) {
	count, err := f.primary.CountTokens(text)
	if err != nil {
		f.logger.Warn("tokenizer CountTokens failed, falling back to estimate",
			zap.Error(err))
		return f.fallback.CountTokens(text)
	}
	return count, nil
}

func (f *FallbackTokenizer) Encode(text string) ([]int, error) {
	tokens, err := f.primary.Encode(text)
	if err != nil {
		f.logger.Warn("tokenizer Encode failed, falling back to estimate",
			zap.Error(err))
		return f.fallback.Encode(text)
	}
	return tokens, nil
}
