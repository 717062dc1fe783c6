package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"HTTPInterceptBox/src/analysis"
	"HTTPInterceptBox/src/transform"
)

// observationFromRecord converts a sanitized record into an analysis event.
func observationFromRecord(rec transform.Record) *analysis.Observation {
	return &analysis.Observation{
		ID:         rec.ID,
		Timestamp:  rec.Time,
		Key:        analysis.TargetKey{Mode: rec.Mode, Target: rec.Target},
		Method:     rec.Method,
		Latency:    time.Duration(rec.DurationMs) * time.Millisecond,
		StatusCode: rec.Status,
		Outcome:    analysis.ClassifyOutcome(rec.Status, rec.ErrorKind),
		ErrorKind:  rec.ErrorKind,
		Fallback:   rec.Fallback,
		ReqBytes:   int64(rec.Request.BodySize),
		RespBytes:  int64(rec.Response.BodySize),
	}
}

type targetStatsDTO struct {
	Mode        string           `json:"mode"`
	Target      string           `json:"target"`
	Count       int64            `json:"count"`
	MeanMs      float64          `json:"mean_ms"`
	StdDevMs    float64          `json:"stddev_ms"`
	MinMs       float64          `json:"min_ms"`
	MaxMs       float64          `json:"max_ms"`
	Outcomes    map[string]int64 `json:"outcomes"`
	Fallbacks   int64            `json:"fallbacks,omitempty"`
	LastUpdated time.Time        `json:"last_updated"`
}

type targetFailureDTO struct {
	Mode                string            `json:"mode"`
	Target              string            `json:"target"`
	LastOutcome         string            `json:"last_outcome"`
	LastErrorKind       string            `json:"last_error_kind,omitempty"`
	ConsecutiveFailures int64             `json:"consecutive_failures"`
	Consecutive5xx      int64             `json:"consecutive_5xx"`
	ErrorKinds          map[string]uint64 `json:"error_kinds,omitempty"`
	LastUpdated         time.Time         `json:"last_updated"`
}

type bucketDTO struct {
	Start       time.Time `json:"start"`
	Count       int64     `json:"count"`
	Intercepted int64     `json:"intercepted"`
	Failures    int64     `json:"failures"`
	Fallbacks   int64     `json:"fallbacks"`
	MeanMs      float64   `json:"mean_ms"`
	MaxMs       float64   `json:"max_ms"`
}

type statsDTO struct {
	Records       int                `json:"records"`
	IDsIssued     uint64             `json:"ids_issued"`
	ActiveTunnels int64              `json:"active_tunnels"`
	SSEClients    int                `json:"sse_clients"`
	Targets       []targetStatsDTO   `json:"targets"`
	Failing       []targetFailureDTO `json:"failing"`
	Timeline      []bucketDTO        `json:"timeline"`
}

func ms(d time.Duration) float64 { return float64(d) / 1e6 }

// buildStats assembles the stats document.
//
// Optional query params:
//
//	?min=<N>     -> minimum observations per target (default 1)
//	?failing=<N> -> minimum failure streak for the failing list (default 1)
func buildStats(reg *analysis.Registry, r *http.Request) statsDTO {
	q := r.URL.Query()
	minCount := int64(1)
	if v, err := strconv.ParseInt(q.Get("min"), 10, 64); err == nil && v > 0 {
		minCount = v
	}
	minFailures := int64(1)
	if v, err := strconv.ParseInt(q.Get("failing"), 10, 64); err == nil && v > 0 {
		minFailures = v
	}

	out := statsDTO{
		Targets:  []targetStatsDTO{},
		Failing:  []targetFailureDTO{},
		Timeline: []bucketDTO{},
	}
	for _, s := range reg.Latency().Snapshot(minCount) {
		out.Targets = append(out.Targets, targetStatsDTO{
			Mode:        s.Key.Mode,
			Target:      s.Key.Target,
			Count:       s.Count,
			MeanMs:      ms(s.Mean),
			StdDevMs:    ms(s.StdDev),
			MinMs:       ms(s.Min),
			MaxMs:       ms(s.Max),
			Outcomes:    s.Outcomes,
			Fallbacks:   s.Fallbacks,
			LastUpdated: s.LastUpdated,
		})
	}
	for _, s := range reg.ErrorTransitions().Snapshot(minFailures) {
		out.Failing = append(out.Failing, targetFailureDTO{
			Mode:                s.Key.Mode,
			Target:              s.Key.Target,
			LastOutcome:         s.LastOutcome.String(),
			LastErrorKind:       s.LastErrorKind,
			ConsecutiveFailures: s.ConsecutiveFailures,
			Consecutive5xx:      s.Consecutive5xx,
			ErrorKinds:          s.ErrorKinds,
			LastUpdated:         s.LastUpdated,
		})
	}
	if ta := reg.Temporal(); ta != nil {
		for _, b := range ta.Snapshot() {
			out.Timeline = append(out.Timeline, bucketDTO{
				Start:       b.WindowStart,
				Count:       b.Count,
				Intercepted: b.Intercepted,
				Failures:    b.Failures,
				Fallbacks:   b.Fallbacks,
				MeanMs:      ms(b.MeanLatency()),
				MaxMs:       ms(b.MaxLatency),
			})
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
