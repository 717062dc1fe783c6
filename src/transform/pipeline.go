package transform

import (
	"HTTPInterceptBox/src/traffic"
)

// DefaultCorrelationHeader carries the request id on both legs.
const DefaultCorrelationHeader = "X-Intercept-Id"

// Hook mutates buffered requests and responses. Implementations must be pure
// computation: they run on the request goroutine and must not block.
type Hook interface {
	MutateRequest(rc *traffic.RequestContext) (path string, h traffic.Header, body []byte)
	MutateResponse(rc *traffic.RequestContext, status int, h traffic.Header, body []byte) (int, traffic.Header, []byte)
}

// Identity leaves everything unchanged.
type Identity struct{}

func (Identity) MutateRequest(rc *traffic.RequestContext) (string, traffic.Header, []byte) {
	return rc.OriginalPath, rc.Headers.Clone(), rc.Body
}

func (Identity) MutateResponse(_ *traffic.RequestContext, status int, h traffic.Header, body []byte) (int, traffic.Header, []byte) {
	return status, h.Clone(), body
}

// Chain runs hooks in order, feeding each the previous result.
type Chain []Hook

func (c Chain) MutateRequest(rc *traffic.RequestContext) (string, traffic.Header, []byte) {
	path, h, body := rc.OriginalPath, rc.Headers.Clone(), rc.Body
	for _, hook := range c {
		if hook == nil {
			continue
		}
		step := *rc
		step.OriginalPath, step.Headers, step.Body = path, h, body
		path, h, body = hook.MutateRequest(&step)
	}
	return path, h, body
}

func (c Chain) MutateResponse(rc *traffic.RequestContext, status int, h traffic.Header, body []byte) (int, traffic.Header, []byte) {
	for _, hook := range c {
		if hook == nil {
			continue
		}
		status, h, body = hook.MutateResponse(rc, status, h, body)
	}
	return status, h, body
}

// Pipeline runs the configured hook and tags both legs with the request id.
type Pipeline struct {
	hook   Hook
	header string
}

// NewPipeline builds a pipeline; a nil hook means Identity and an empty header
// name means DefaultCorrelationHeader.
func NewPipeline(hook Hook, correlationHeader string) *Pipeline {
	if hook == nil {
		hook = Identity{}
	}
	if correlationHeader == "" {
		correlationHeader = DefaultCorrelationHeader
	}
	return &Pipeline{hook: hook, header: correlationHeader}
}

// CorrelationHeader returns the header name used for tagging.
func (p *Pipeline) CorrelationHeader() string { return p.header }

// Request returns the path, headers and body to send upstream.
func (p *Pipeline) Request(rc *traffic.RequestContext) (string, traffic.Header, []byte) {
	path, h, body := p.hook.MutateRequest(rc)
	if path == "" {
		path = rc.OriginalPath
	}
	return path, p.Tag(h, rc), body
}

// Response returns the status, headers and body to write to the client.
func (p *Pipeline) Response(rc *traffic.RequestContext, status int, h traffic.Header, body []byte) (int, traffic.Header, []byte) {
	status, h, body = p.hook.MutateResponse(rc, status, h, body)
	return status, p.Tag(h, rc), body
}

// Tag sets the correlation header to rc.ID.
func (p *Pipeline) Tag(h traffic.Header, rc *traffic.RequestContext) traffic.Header {
	return h.Set(p.header, rc.ID)
}
