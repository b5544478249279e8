// Package compress shrinks the Tier-2 footprint of cached embeddings by
// reducing numeric precision. Text payloads are never lossily altered; only
// the embedding representation is quantized.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrQualityRejected marks a candidate bit-width whose validation degradation
// exceeded tolerance. Handled internally by reverting to the last known-good
// width; never surfaced to callers.
var ErrQualityRejected = errors.New("compression quality rejected")

// CompressedVector is a quantized embedding plus the parameters needed to
// reconstruct it.
type CompressedVector struct {
	Bits  int     `json:"bits"`
	Dim   int     `json:"dim"`
	Min   float64 `json:"min"`
	Scale float64 `json:"scale"`
	Data  []byte  `json:"data"`
}

// SizeBytes returns the serialized payload size of the quantized data.
func (c *CompressedVector) SizeBytes() int { return len(c.Data) }

// Quantizer performs linear min/max quantization at a configured bit width.
type Quantizer struct {
	bits int
}

// NewQuantizer creates a quantizer. Supported widths: 4, 8, 16.
func NewQuantizer(bits int) (*Quantizer, error) {
	switch bits {
	case 4, 8, 16:
		return &Quantizer{bits: bits}, nil
	default:
		return nil, fmt.Errorf("unsupported bit width %d (want 4, 8 or 16)", bits)
	}
}

// Bits returns the configured bit width.
func (q *Quantizer) Bits() int { return q.bits }

// Compress quantizes a vector. A nil or empty vector yields an empty result.
func (q *Quantizer) Compress(vec []float64) (*CompressedVector, error) {
	out := &CompressedVector{Bits: q.bits, Dim: len(vec)}
	if len(vec) == 0 {
		return out, nil
	}

	minV, maxV := vec[0], vec[0]
	for _, v := range vec[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	levels := float64(uint64(1)<<uint(q.bits)) - 1
	span := maxV - minV
	if span == 0 {
		// Constant vector: scale 0, all codes zero.
		out.Min = minV
		out.Data = make([]byte, q.dataLen(len(vec)))
		return out, nil
	}
	out.Min = minV
	out.Scale = span / levels

	out.Data = make([]byte, q.dataLen(len(vec)))
	for i, v := range vec {
		code := uint64(math.Round((v - minV) / out.Scale))
		if code > uint64(levels) {
			code = uint64(levels)
		}
		q.putCode(out.Data, i, code)
	}
	return out, nil
}

// Decompress reconstructs the approximate vector.
func (q *Quantizer) Decompress(c *CompressedVector) ([]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("nil compressed vector")
	}
	if c.Bits != q.bits {
		return nil, fmt.Errorf("bit width mismatch: compressed with %d, quantizer is %d", c.Bits, q.bits)
	}
	if c.Dim == 0 {
		return nil, nil
	}
	if want := q.dataLen(c.Dim); len(c.Data) != want {
		return nil, fmt.Errorf("corrupt compressed vector: have %d bytes, want %d", len(c.Data), want)
	}

	vec := make([]float64, c.Dim)
	for i := range vec {
		vec[i] = c.Min + float64(q.getCode(c.Data, i))*c.Scale
	}
	return vec, nil
}

// Ratio returns the footprint ratio versus float64 storage.
func (q *Quantizer) Ratio() float64 {
	return float64(q.bits) / 64.0
}

func (q *Quantizer) dataLen(dim int) int {
	switch q.bits {
	case 4:
		return (dim + 1) / 2
	case 8:
		return dim
	default: // 16
		return dim * 2
	}
}

func (q *Quantizer) putCode(data []byte, i int, code uint64) {
	switch q.bits {
	case 4:
		if i%2 == 0 {
			data[i/2] |= byte(code) & 0x0F
		} else {
			data[i/2] |= byte(code) << 4
		}
	case 8:
		data[i] = byte(code)
	default: // 16
		binary.LittleEndian.PutUint16(data[i*2:], uint16(code))
	}
}

func (q *Quantizer) getCode(data []byte, i int) uint64 {
	switch q.bits {
	case 4:
		if i%2 == 0 {
			return uint64(data[i/2] & 0x0F)
		}
		return uint64(data[i/2] >> 4)
	case 8:
		return uint64(data[i])
	default: // 16
		return uint64(binary.LittleEndian.Uint16(data[i*2:]))
	}
}
