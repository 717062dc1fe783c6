package analysis

import (
	"time"
)

//
// Core identifiers and event model
//

// TargetKey identifies where an exchange was routed.
type TargetKey struct {
	Mode   string // PASSTHROUGH or INTERCEPT
	Target string // host:port that served the response
}

// Outcome is a coarse-grained view of an exchange result.
type Outcome uint8

const (
	Outcome2xx Outcome = iota
	Outcome3xx
	Outcome4xx
	Outcome5xx
	// OutcomeUpstreamError is a synthesized response after an upstream failure.
	OutcomeUpstreamError
	OutcomeOther

	outcomeCount
)

func (o Outcome) String() string {
	switch o {
	case Outcome2xx:
		return "2xx"
	case Outcome3xx:
		return "3xx"
	case Outcome4xx:
		return "4xx"
	case Outcome5xx:
		return "5xx"
	case OutcomeUpstreamError:
		return "upstream_error"
	default:
		return "other"
	}
}

// Observation is the normalized unit all analyzers operate on. It is built
// from a sanitized record, never from live traffic.
type Observation struct {
	ID         string
	Timestamp  time.Time
	Key        TargetKey
	Method     string
	Latency    time.Duration
	StatusCode int
	Outcome    Outcome
	ErrorKind  string // empty unless the upstream call failed
	Fallback   bool
	ReqBytes   int64
	RespBytes  int64
}

//
// Analyzer interface + fan-out registry
//

// Analyzer is the generic interface for all analysis modules.
type Analyzer interface {
	Observe(ev *Observation)
}

// Registry fans out observations to multiple analyzers.
type Registry struct {
	analyzers []Analyzer
}

func NewRegistry(analyzers ...Analyzer) *Registry {
	return &Registry{analyzers: analyzers}
}

func (r *Registry) Observe(ev *Observation) {
	if r == nil || ev == nil {
		return
	}
	for _, a := range r.analyzers {
		a.Observe(ev)
	}
}

// NewDefaultRegistry wires the analyzers served by the stats endpoint.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		NewTemporalAnalyzer(time.Second, 300),
		NewLatencyAnalyzer(),
		NewErrorTransitionAnalyzer(),
	)
}

// ClassifyOutcome maps a status and optional error kind to an Outcome. Any
// error kind wins over the status, since a failed call still produces a
// synthesized 502/504.
func ClassifyOutcome(status int, errorKind string) Outcome {
	if errorKind != "" {
		return OutcomeUpstreamError
	}
	switch {
	case status >= 200 && status < 300:
		return Outcome2xx
	case status >= 300 && status < 400:
		return Outcome3xx
	case status >= 400 && status < 500:
		return Outcome4xx
	case status >= 500:
		return Outcome5xx
	default:
		return OutcomeOther
	}
}
