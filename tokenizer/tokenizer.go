// Package tokenizer 提供统一的 token 计数接口和实现.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Encode 将文本转换为 token ID 列表.
	Encode(text string) ([]int, error)

	// Name 返回分词器的名称.
	Name() string
}

// 全局分词器注册表, 按模型名索引.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// Register 为给定的模型名称注册分词器.
func Register(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// ForModel 返回为给定模型注册的分词器.
// 支持前缀匹配（如 "gpt-4o" 匹配 "gpt-4o-mini"）.
func ForModel(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}
	for prefix, t := range modelTokenizers {
		if strings.HasPrefix(model, prefix) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no tokenizer registered for model %q", model)
}
