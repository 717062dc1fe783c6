package analysis

import (
	"math"
	"sort"
	"sync"
	"time"
)

// TargetStats holds aggregated metrics for a single target.
type TargetStats struct {
	Count       int64         // number of observations
	Total       time.Duration // sum of latencies
	SquaredNS   float64       // sum(latency^2) in nanoseconds^2
	Max         time.Duration
	Min         time.Duration
	Outcomes    [outcomeCount]int64
	Fallbacks   int64 // exchanges served by the secondary target
	LastUpdated time.Time
}

// Mean returns the average latency for the target.
func (s *TargetStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return time.Duration(int64(s.Total) / s.Count)
}

// StdDev returns the standard deviation of latency.
func (s *TargetStats) StdDev() time.Duration {
	if s.Count == 0 {
		return 0
	}
	meanNs := float64(s.Total) / float64(s.Count)
	// E[X^2] - (E[X])^2
	varNs2 := s.SquaredNS/float64(s.Count) - meanNs*meanNs
	if varNs2 < 0 {
		varNs2 = 0
	}
	return time.Duration(math.Sqrt(varNs2))
}

// TargetSnapshot is a read-only view combining TargetKey + stats.
type TargetSnapshot struct {
	Key         TargetKey
	Count       int64
	Mean        time.Duration
	StdDev      time.Duration
	Min         time.Duration
	Max         time.Duration
	Outcomes    map[string]int64
	Fallbacks   int64
	LastUpdated time.Time
}

// LatencyAnalyzer aggregates latency and outcome distributions per target.
type LatencyAnalyzer struct {
	mu       sync.RWMutex
	byTarget map[TargetKey]*TargetStats
}

func NewLatencyAnalyzer() *LatencyAnalyzer {
	return &LatencyAnalyzer{
		byTarget: make(map[TargetKey]*TargetStats),
	}
}

// Observe updates the target's stats.
func (a *LatencyAnalyzer) Observe(ev *Observation) {
	if ev == nil {
		return
	}
	lat := ev.Latency
	if lat < 0 {
		lat = 0
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stats, ok := a.byTarget[ev.Key]
	if !ok {
		stats = &TargetStats{}
		a.byTarget[ev.Key] = stats
	}

	stats.Count++
	stats.Total += lat
	if stats.Count == 1 || lat < stats.Min {
		stats.Min = lat
	}
	if lat > stats.Max {
		stats.Max = lat
	}
	ns := float64(lat)
	stats.SquaredNS += ns * ns
	if ev.Outcome < outcomeCount {
		stats.Outcomes[ev.Outcome]++
	}
	if ev.Fallback {
		stats.Fallbacks++
	}
	stats.LastUpdated = now
}

// Snapshot returns per-target stats sorted by mode then target. Targets with
// fewer than minCount observations are left out.
func (a *LatencyAnalyzer) Snapshot(minCount int64) []TargetSnapshot {
	if a == nil {
		return nil
	}

	a.mu.RLock()
	out := make([]TargetSnapshot, 0, len(a.byTarget))
	for key, stats := range a.byTarget {
		if minCount > 0 && stats.Count < minCount {
			continue
		}
		outcomes := make(map[string]int64)
		for o, n := range stats.Outcomes {
			if n > 0 {
				outcomes[Outcome(o).String()] = n
			}
		}
		out = append(out, TargetSnapshot{
			Key:         key,
			Count:       stats.Count,
			Mean:        stats.Mean(),
			StdDev:      stats.StdDev(),
			Min:         stats.Min,
			Max:         stats.Max,
			Outcomes:    outcomes,
			Fallbacks:   stats.Fallbacks,
			LastUpdated: stats.LastUpdated,
		})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Mode != out[j].Key.Mode {
			return out[i].Key.Mode < out[j].Key.Mode
		}
		return out[i].Key.Target < out[j].Key.Target
	})
	return out
}

// Latency returns the LatencyAnalyzer registered in this registry, if any.
func (r *Registry) Latency() *LatencyAnalyzer {
	if r == nil {
		return nil
	}
	for _, a := range r.analyzers {
		if la, ok := a.(*LatencyAnalyzer); ok {
			return la
		}
	}
	return nil
}
