package optimize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/rehydrate/types"
)

func TestRecorder_AppendAndDrain(t *testing.T) {
	r := NewRecorder(64)
	defer r.Close()

	for i := 0; i < 10; i++ {
		r.Append(types.PerformanceSample{
			Fingerprint: "ctx:abc",
			TierHit:     types.Tier1,
			LatencyMS:   1.5,
			TokenCount:  100,
		})
	}

	require.Eventually(t, func() bool { return r.Len() == 10 },
		time.Second, 5*time.Millisecond)

	samples := r.Drain()
	require.Len(t, samples, 10)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Drain())

	for _, s := range samples {
		assert.NotEmpty(t, s.ID, "missing IDs are auto-assigned")
		assert.False(t, s.Timestamp.IsZero())
	}
}

func TestRecorder_PreservesCallerFields(t *testing.T) {
	r := NewRecorder(8)
	defer r.Close()

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.Append(types.PerformanceSample{ID: "fixed-id", Timestamp: ts, TierHit: types.Tier3})

	require.Eventually(t, func() bool { return r.Len() == 1 },
		time.Second, 5*time.Millisecond)

	samples := r.Drain()
	require.Len(t, samples, 1)
	assert.Equal(t, "fixed-id", samples[0].ID)
	assert.Equal(t, ts, samples[0].Timestamp)
}

func TestRecorder_NonBlockingDropsUnderBackpressure(t *testing.T) {
	r := NewRecorder(1)
	r.Close()
	// Close 后后台协程退出, 通道不再被消费
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			r.Append(types.PerformanceSample{TierHit: types.Tier2})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append must never block the caller")
	}
	assert.Equal(t, int64(2), r.Dropped())
}

func TestRecorder_CloseIdempotent(t *testing.T) {
	r := NewRecorder(4)
	r.Close()
	r.Close()
}
