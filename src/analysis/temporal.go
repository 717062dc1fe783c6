package analysis

import (
	"sort"
	"sync"
	"time"
)

// TimeBucket aggregates exchange statistics in a fixed-width time window.
type TimeBucket struct {
	WindowStart    time.Time // inclusive window start (UTC, quantized)
	Count          int64
	Intercepted    int64 // exchanges classified INTERCEPT
	Failures       int64 // synthesized error responses
	Fallbacks      int64
	TotalLatency   time.Duration
	MaxLatency     time.Duration
	SquaredLatency float64 // sum(latency^2) for variance estimation
}

// MeanLatency returns the average latency in the bucket.
func (b *TimeBucket) MeanLatency() time.Duration {
	if b.Count == 0 {
		return 0
	}
	return time.Duration(int64(b.TotalLatency) / b.Count)
}

// TemporalAnalyzer maintains a fixed-size ring of TimeBuckets at a given
// resolution (e.g. 1s buckets over the last five minutes).
type TemporalAnalyzer struct {
	mu         sync.RWMutex
	resolution time.Duration
	buckets    []TimeBucket
}

func NewTemporalAnalyzer(resolution time.Duration, bucketCount int) *TemporalAnalyzer {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	if resolution <= 0 {
		resolution = time.Second
	}
	return &TemporalAnalyzer{
		resolution: resolution,
		buckets:    make([]TimeBucket, bucketCount),
	}
}

// Temporal returns the TemporalAnalyzer registered in this registry, if any.
func (r *Registry) Temporal() *TemporalAnalyzer {
	if r == nil {
		return nil
	}
	for _, a := range r.analyzers {
		if ta, ok := a.(*TemporalAnalyzer); ok {
			return ta
		}
	}
	return nil
}

// Observe adds the exchange to the bucket covering its timestamp.
func (t *TemporalAnalyzer) Observe(ev *Observation) {
	if ev == nil || ev.Timestamp.IsZero() {
		return
	}

	quantized := ev.Timestamp.UTC().Truncate(t.resolution)
	slot := t.indexFor(quantized)
	lat := ev.Latency

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[slot]
	if b.WindowStart.IsZero() || !b.WindowStart.Equal(quantized) {
		if !b.WindowStart.IsZero() && quantized.Before(b.WindowStart) {
			// older than the ring
			return
		}
		*b = TimeBucket{WindowStart: quantized}
	}

	b.Count++
	if ev.Key.Mode == "INTERCEPT" {
		b.Intercepted++
	}
	if ev.Outcome == OutcomeUpstreamError {
		b.Failures++
	}
	if ev.Fallback {
		b.Fallbacks++
	}
	b.TotalLatency += lat
	if lat > b.MaxLatency {
		b.MaxLatency = lat
	}
	ns := float64(lat)
	b.SquaredLatency += ns * ns
}

// indexFor computes the ring index for a quantized timestamp.
func (t *TemporalAnalyzer) indexFor(quantized time.Time) int {
	seq := quantized.UnixNano() / int64(t.resolution)
	n := int64(len(t.buckets))
	mod := seq % n
	if mod < 0 {
		mod += n
	}
	return int(mod)
}

// Snapshot returns the populated buckets in chronological order.
func (t *TemporalAnalyzer) Snapshot() []TimeBucket {
	t.mu.RLock()
	out := make([]TimeBucket, 0, len(t.buckets))
	for _, b := range t.buckets {
		if !b.WindowStart.IsZero() {
			out = append(out, b)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out
}
