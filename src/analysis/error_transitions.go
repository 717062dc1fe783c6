package analysis

import (
	"sort"
	"sync"
	"time"
)

//
// Failure streaks and outcome transitions per target
//

// FailureState is the per-target failure bookkeeping.
type FailureState struct {
	LastOutcomeValid bool
	LastOutcome      Outcome
	LastErrorKind    string
	LastUpdated      time.Time

	// Transitions[from][to] = count
	Transitions map[Outcome]map[Outcome]uint64

	// ErrorKinds counts upstream failures by taxonomy name.
	ErrorKinds map[string]uint64

	Consecutive5xx      int64
	ConsecutiveFailures int64 // 5xx + upstream errors
}

// TargetFailureSnapshot is a read-only view for a single target.
type TargetFailureSnapshot struct {
	Key                 TargetKey
	LastOutcome         Outcome
	LastErrorKind       string
	LastUpdated         time.Time
	Consecutive5xx      int64
	ConsecutiveFailures int64
	ErrorKinds          map[string]uint64
	Transitions         map[Outcome]map[Outcome]uint64
}

// ErrorTransitionAnalyzer keeps failure state per target.
type ErrorTransitionAnalyzer struct {
	mu       sync.RWMutex
	byTarget map[TargetKey]*FailureState
}

func NewErrorTransitionAnalyzer() *ErrorTransitionAnalyzer {
	return &ErrorTransitionAnalyzer{
		byTarget: make(map[TargetKey]*FailureState),
	}
}

// Observe updates the target's failure state.
func (a *ErrorTransitionAnalyzer) Observe(ev *Observation) {
	if ev == nil {
		return
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	outcome := ev.Outcome

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.byTarget[ev.Key]
	if !ok {
		st = &FailureState{
			Transitions: make(map[Outcome]map[Outcome]uint64),
			ErrorKinds:  make(map[string]uint64),
		}
		a.byTarget[ev.Key] = st
	}

	if st.LastOutcomeValid {
		row, ok := st.Transitions[st.LastOutcome]
		if !ok {
			row = make(map[Outcome]uint64)
			st.Transitions[st.LastOutcome] = row
		}
		row[outcome]++
	}

	switch outcome {
	case Outcome5xx:
		st.Consecutive5xx++
		st.ConsecutiveFailures++
	case OutcomeUpstreamError:
		st.ConsecutiveFailures++
		st.ErrorKinds[ev.ErrorKind]++
		st.LastErrorKind = ev.ErrorKind
	default:
		// the target answered
		st.Consecutive5xx = 0
		st.ConsecutiveFailures = 0
	}

	st.LastOutcome = outcome
	st.LastOutcomeValid = true
	st.LastUpdated = now
}

// Snapshot returns targets whose failure streak is at least minFailures,
// sorted by longest streak first. Pass 0 to get all targets.
func (a *ErrorTransitionAnalyzer) Snapshot(minFailures int64) []TargetFailureSnapshot {
	if a == nil {
		return nil
	}

	a.mu.RLock()
	out := make([]TargetFailureSnapshot, 0, len(a.byTarget))
	for key, st := range a.byTarget {
		if minFailures > 0 && st.ConsecutiveFailures < minFailures {
			continue
		}

		trans := make(map[Outcome]map[Outcome]uint64, len(st.Transitions))
		for from, row := range st.Transitions {
			rowCopy := make(map[Outcome]uint64, len(row))
			for to, cnt := range row {
				rowCopy[to] = cnt
			}
			trans[from] = rowCopy
		}
		kinds := make(map[string]uint64, len(st.ErrorKinds))
		for k, n := range st.ErrorKinds {
			kinds[k] = n
		}

		out = append(out, TargetFailureSnapshot{
			Key:                 key,
			LastOutcome:         st.LastOutcome,
			LastErrorKind:       st.LastErrorKind,
			LastUpdated:         st.LastUpdated,
			Consecutive5xx:      st.Consecutive5xx,
			ConsecutiveFailures: st.ConsecutiveFailures,
			ErrorKinds:          kinds,
			Transitions:         trans,
		})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsecutiveFailures != out[j].ConsecutiveFailures {
			return out[i].ConsecutiveFailures > out[j].ConsecutiveFailures
		}
		return out[i].Key.Target < out[j].Key.Target
	})
	return out
}

// ErrorTransitions returns the ErrorTransitionAnalyzer registered in this registry, if any.
func (r *Registry) ErrorTransitions() *ErrorTransitionAnalyzer {
	if r == nil {
		return nil
	}
	for _, a := range r.analyzers {
		if eta, ok := a.(*ErrorTransitionAnalyzer); ok {
			return eta
		}
	}
	return nil
}
