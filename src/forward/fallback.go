package forward

import (
	"fmt"
	"net/http"
	"strings"

	"HTTPInterceptBox/src/routing"

	"github.com/elazarl/goproxy"
)

// FallbackMode selects what happens after a failed upstream call.
type FallbackMode uint8

const (
	// FailFast answers with a synthesized 502/504.
	FailFast FallbackMode = iota
	// Secondary re-issues the request once against the secondary target.
	Secondary
)

func (m FallbackMode) String() string {
	if m == Secondary {
		return "secondary"
	}
	return "fail_fast"
}

// ParseFallbackMode accepts the configuration spelling.
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail_fast", "failfast":
		return FailFast, nil
	case "secondary":
		return Secondary, nil
	}
	return FailFast, fmt.Errorf("unknown fallback mode %q", s)
}

// Policy decides the client-visible result of a failed call.
type Policy struct {
	mode      FallbackMode
	secondary routing.Target
	header    string
}

func NewPolicy(mode FallbackMode, secondary routing.Target, correlationHeader string) *Policy {
	return &Policy{mode: mode, secondary: secondary, header: correlationHeader}
}

func (p *Policy) Mode() FallbackMode { return p.mode }

// OnFailure handles err for ex. retry is called at most once, and only for
// intercepted requests that can be replayed. The returned error is non-nil
// only when the client has disconnected.
func (p *Policy) OnFailure(ex *Exchange, err *UpstreamError, retry func(routing.Target) (*http.Response, *UpstreamError)) (*http.Response, error) {
	ex.Err = err
	if err.Kind == ClientDisconnected {
		return nil, err
	}
	if p.mode == Secondary && ex.Decision.Intercepted() && ex.Replayable() && retry != nil {
		ex.Fallback = true
		resp, err2 := retry(p.secondary)
		if err2 == nil {
			ex.Err = nil
			return resp, nil
		}
		ex.Err = err2
		if err2.Kind == ClientDisconnected {
			return nil, err2
		}
		err = err2
	}
	return p.FailFast(ex, err), nil
}

// FailFast synthesizes the error response: 504 for timeouts, 502 otherwise,
// with a plain-text body naming the failure.
func (p *Policy) FailFast(ex *Exchange, err *UpstreamError) *http.Response {
	body := err.Error() + "\n"
	resp := goproxy.NewResponse(ex.Request, goproxy.ContentTypeText, err.Kind.Status(), body)
	if ex.RC != nil && ex.RC.ID != "" && p.header != "" {
		resp.Header.Set(p.header, ex.RC.ID)
	}
	return resp
}
