package assembler

import (
	"strings"

	"github.com/BaSui01/rehydrate/tokenizer"
)

var sentenceEnders = []rune{'.', '。', '!', '！', '?', '？', '\n'}

// truncateAtBoundary cuts text down to at most maxTokens, preferring a
// sentence or paragraph boundary over a mid-sentence cut. Returns the
// truncated text and its token count. When no boundary exists inside the
// budget, it falls back to a hard character cut.
func truncateAtBoundary(text string, maxTokens int, tok tokenizer.Tokenizer) (string, int) {
	if maxTokens <= 0 {
		return "", 0
	}
	count, err := tok.CountTokens(text)
	if err == nil && count <= maxTokens {
		return text, count
	}

	// Binary search over sentences: keep the longest prefix ending at a
	// boundary that still fits.
	boundaries := boundaryOffsets(text)
	lo, hi := 0, len(boundaries)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		prefix := text[:boundaries[mid]]
		c, err := tok.CountTokens(prefix)
		if err != nil {
			break
		}
		if c <= maxTokens {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best >= 0 {
		prefix := strings.TrimRight(text[:boundaries[best]], " \t")
		c, _ := tok.CountTokens(prefix)
		return prefix, c
	}

	// No sentence boundary fits: hard cut proportionally. The proportional
	// estimate assumes uniform token density, which mixed ASCII/CJK text
	// breaks, so re-count and shrink until the cut actually fits.
	if count <= 0 {
		count = 1
	}
	ratio := float64(maxTokens) / float64(count) * 0.9
	targetLen := int(float64(len(text)) * ratio)
	if targetLen >= len(text) {
		targetLen = len(text) - 1
	}
	for targetLen > 0 {
		// Avoid splitting a multi-byte rune.
		for targetLen > 0 && text[targetLen]&0xC0 == 0x80 {
			targetLen--
		}
		if targetLen == 0 {
			break
		}
		cut := text[:targetLen]
		c, err := tok.CountTokens(cut)
		if err != nil {
			c = len(cut) / 4
		}
		if c <= maxTokens {
			return cut, c
		}
		next := targetLen * maxTokens / (c + 1)
		if next >= targetLen {
			next = targetLen - 1
		}
		targetLen = next
	}
	return "", 0
}

// boundaryOffsets returns byte offsets just past each sentence ender.
func boundaryOffsets(text string) []int {
	var offsets []int
	for i, r := range text {
		for _, ender := range sentenceEnders {
			if r == ender {
				offsets = append(offsets, i+len(string(r)))
				break
			}
		}
	}
	return offsets
}
