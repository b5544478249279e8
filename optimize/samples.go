package optimize

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/rehydrate/types"
)

// Recorder collects PerformanceSamples from the router and assembler.
// Appends are non-blocking (buffered channel, single writer per request);
// the optimization engine drains on its own schedule.
type Recorder struct {
	ch      chan types.PerformanceSample
	mu      sync.Mutex
	buf     []types.PerformanceSample
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewRecorder creates a recorder with the given channel capacity.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 4096
	}
	r := &Recorder{
		ch:   make(chan types.PerformanceSample, capacity),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	for {
		select {
		case sample := <-r.ch:
			r.mu.Lock()
			r.buf = append(r.buf, sample)
			r.mu.Unlock()
		case <-r.done:
			// Final drain so Close does not lose buffered sends.
			for {
				select {
				case sample := <-r.ch:
					r.mu.Lock()
					r.buf = append(r.buf, sample)
					r.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

// Append records a sample without blocking. Samples are dropped (and
// counted) when the buffer is full; telemetry loss must never delay a
// caller's request.
func (r *Recorder) Append(sample types.PerformanceSample) {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	select {
	case r.ch <- sample:
	default:
		r.dropped.Add(1)
	}
}

// Drain removes and returns all accumulated samples.
func (r *Recorder) Drain() []types.PerformanceSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.buf
	r.buf = nil
	return out
}

// Len returns the number of buffered samples.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Dropped returns how many samples were discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the background drain loop.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.done) })
}
