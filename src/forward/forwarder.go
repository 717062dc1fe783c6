package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"HTTPInterceptBox/src/logger"
	"HTTPInterceptBox/src/routing"
	"HTTPInterceptBox/src/traffic"
	"HTTPInterceptBox/src/transform"

	"github.com/elazarl/goproxy"
)

// Mode selects how bodies cross the proxy.
type Mode uint8

const (
	// Streaming relays bodies as they arrive; no transform hooks run.
	Streaming Mode = iota
	// Buffered reads both bodies completely so the pipeline can rewrite them.
	Buffered
)

func (m Mode) String() string {
	if m == Buffered {
		return "BUFFERED"
	}
	return "STREAMING"
}

// Exchange is one request's trip through the forwarder. The caller fills the
// first block; Forward fills the rest.
type Exchange struct {
	Request  *http.Request
	RC       *traffic.RequestContext
	Decision routing.Decision
	Mode     Mode

	Served   routing.Target // target that produced the response
	Fallback bool           // a secondary hop was attempted
	Err      *UpstreamError // last failure, nil when the client got an upstream response

	// Pre-mutation upstream response, buffered mode only.
	UpstreamStatus int
	UpstreamHeader traffic.Header
	UpstreamBody   []byte

	Started  time.Time
	Finished time.Time

	out    *outbound
	phases *phases // last attempt
}

// Replayable reports whether the request can be sent a second time.
func (ex *Exchange) Replayable() bool {
	if ex.Mode == Buffered {
		return true
	}
	r := ex.Request
	return r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0
}

// outbound is the request as sent on the first attempt, kept for a replay.
type outbound struct {
	method string
	uri    string
	header http.Header
	body   []byte
}

// Options configures a Forwarder.
type Options struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	Pipeline           *transform.Pipeline
	Policy             *Policy
}

// Forwarder executes upstream calls for the proxy. It satisfies
// goproxy.RoundTripper and expects ctx.UserData to hold the *Exchange built
// by the request handler.
type Forwarder struct {
	// strict serves passthrough traffic, relaxed serves intercept targets.
	strict  http.RoundTripper
	relaxed http.RoundTripper

	timeout  time.Duration
	pipeline *transform.Pipeline
	policy   *Policy
	log      logger.Logger
}

func New(opts Options, log logger.Logger) (*Forwarder, error) {
	strict, err := NewTransport(opts.Timeout, false)
	if err != nil {
		return nil, err
	}
	relaxed, err := NewTransport(opts.Timeout, opts.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	return NewWithTransports(opts, strict, relaxed, log), nil
}

// NewWithTransports is New with caller-supplied transports.
func NewWithTransports(opts Options, strict, relaxed http.RoundTripper, log logger.Logger) *Forwarder {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Pipeline == nil {
		opts.Pipeline = transform.NewPipeline(nil, "")
	}
	if opts.Policy == nil {
		opts.Policy = NewPolicy(FailFast, routing.Target{}, opts.Pipeline.CorrelationHeader())
	}
	return &Forwarder{
		strict:   strict,
		relaxed:  relaxed,
		timeout:  opts.Timeout,
		pipeline: opts.Pipeline,
		policy:   opts.Policy,
		log:      log,
	}
}

// Pipeline returns the transform pipeline in use.
func (f *Forwarder) Pipeline() *transform.Pipeline { return f.pipeline }

// RoundTrip implements goproxy.RoundTripper.
func (f *Forwarder) RoundTrip(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Response, error) {
	ex, ok := ctx.UserData.(*Exchange)
	if !ok || ex == nil {
		// not classified by our handler; relay untouched
		target := routing.OriginalTarget(req.URL.Host, req.URL.Scheme)
		ex = &Exchange{
			Request:  req,
			RC:       &traffic.RequestContext{Method: req.Method, OriginalHost: req.Host, OriginalPath: req.URL.RequestURI(), Headers: traffic.FromHTTP(req.Header)},
			Decision: routing.Decision{Mode: routing.Passthrough, Target: target, Rule: -1},
			Mode:     Streaming,
		}
		ctx.UserData = ex
	}
	ex.Request = req
	return f.Forward(ex)
}

// Forward runs the exchange. It always returns a response for the client
// except when the client has gone away, in which case the error kind is
// ClientDisconnected and nothing should be written.
func (f *Forwarder) Forward(ex *Exchange) (*http.Response, error) {
	ex.Started = time.Now()
	defer func() { ex.Finished = time.Now() }()

	if ex.Mode == Buffered && ex.RC.Body == nil && ex.Request.Body != nil && ex.Request.Body != http.NoBody {
		body, err := io.ReadAll(ex.Request.Body)
		ex.Request.Body.Close()
		if err != nil {
			ex.Err = &UpstreamError{Kind: ClientDisconnected, Target: ex.Decision.Target, Err: err}
			return nil, ex.Err
		}
		ex.RC.Body = body
	}

	resp, uerr := f.attempt(ex, ex.Decision.Target, ex.Mode)
	if uerr == nil {
		return resp, nil
	}
	f.log.Debug("upstream failed", "id", ex.RC.ID, "target", ex.Decision.Target.String(), "kind", string(uerr.Kind), "err", uerr.Err)
	return f.policy.OnFailure(ex, uerr, func(t routing.Target) (*http.Response, *UpstreamError) {
		return f.attempt(ex, t, Streaming)
	})
}

// attempt performs one upstream call. The first call builds the outbound
// request; a retry reuses it against another target.
func (f *Forwarder) attempt(ex *Exchange, target routing.Target, mode Mode) (*http.Response, *UpstreamError) {
	parent := ex.Request.Context()
	if parent.Err() != nil {
		return nil, &UpstreamError{Kind: ClientDisconnected, Target: target, Err: parent.Err()}
	}
	first := ex.out == nil
	if first {
		ex.out = f.buildOutbound(ex)
	}

	ctx, cancel := context.WithCancelCause(parent)
	timer := time.AfterFunc(f.timeout, func() { cancel(errUpstreamTimeout) })
	ex.phases = &phases{start: time.Now()}
	ctx = withTrace(ctx, ex.phases)

	out, err := f.newRequest(ctx, ex, target, first)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, &UpstreamError{Kind: ProtocolError, Target: target, Err: err}
	}

	rt := f.strict
	if ex.Decision.Intercepted() {
		rt = f.relaxed
	}
	ex.Served = target

	resp, err := rt.RoundTrip(out)
	if err != nil {
		timer.Stop()
		uerr := f.failure(parent, ctx, target, err)
		cancel(nil)
		return nil, uerr
	}
	removeHopHeaders(resp.Header)

	if mode == Streaming {
		// the timeout covers the wait for headers; the body may take as long
		// as the upstream needs
		timer.Stop()
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
		if ex.Decision.Intercepted() {
			resp.Header.Set(f.pipeline.CorrelationHeader(), ex.RC.ID)
		}
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	timer.Stop()
	if err != nil {
		uerr := f.failure(parent, ctx, target, err)
		cancel(nil)
		return nil, uerr
	}
	cancel(nil)
	return f.transformResponse(ex, resp, body), nil
}

// buildOutbound derives method, URI, headers and body for the upstream leg.
// In buffered mode the request hook runs here, exactly once.
func (f *Forwarder) buildOutbound(ex *Exchange) *outbound {
	req := ex.Request
	o := &outbound{method: req.Method, uri: req.URL.RequestURI()}
	if ex.Mode == Buffered {
		path, h, body := f.pipeline.Request(ex.RC)
		o.uri, o.header, o.body = path, h.HTTP(), body
	} else {
		o.header = req.Header.Clone()
		if ex.Decision.Intercepted() {
			o.header.Set(f.pipeline.CorrelationHeader(), ex.RC.ID)
		}
	}
	removeHopHeaders(o.header)
	return o
}

func (f *Forwarder) newRequest(ctx context.Context, ex *Exchange, target routing.Target, first bool) (*http.Request, error) {
	o := ex.out
	u, err := url.ParseRequestURI(o.uri)
	if err != nil {
		return nil, fmt.Errorf("request uri %q: %w", o.uri, err)
	}
	u.Scheme = target.Scheme
	u.Host = target.Addr()
	host := target.Addr()
	if !ex.Decision.Intercepted() {
		// passthrough keeps the client's authority on both
		if ex.Request.URL.Host != "" {
			u.Host = ex.Request.URL.Host
		}
		if host = ex.Request.Host; host == "" {
			host = u.Host
		}
	}

	var body io.Reader
	length := int64(0)
	switch {
	case ex.Mode == Buffered || !first:
		if len(o.body) > 0 {
			body = bytes.NewReader(o.body)
			length = int64(len(o.body))
		}
	default:
		if req := ex.Request; req.Body != nil && req.Body != http.NoBody {
			body = req.Body
			length = req.ContentLength
		}
	}
	out, err := http.NewRequestWithContext(ctx, o.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = o.header.Clone()
	out.Header.Del("Content-Length")
	out.ContentLength = length
	if body != nil && length < 0 {
		out.ContentLength = -1
	}
	// virtual-hosted intercept targets route on Host; the client's value stays in rc
	out.Host = host
	return out, nil
}

func (f *Forwarder) transformResponse(ex *Exchange, resp *http.Response, body []byte) *http.Response {
	ex.UpstreamStatus = resp.StatusCode
	ex.UpstreamHeader = traffic.FromHTTP(resp.Header)
	ex.UpstreamBody = body

	status, h, newBody := f.pipeline.Response(ex.RC, resp.StatusCode, ex.UpstreamHeader, body)
	resp.StatusCode = status
	resp.Status = fmt.Sprintf("%d %s", status, http.StatusText(status))
	resp.Header = h.HTTP()
	resp.TransferEncoding = nil
	switch {
	case ex.Request.Method == http.MethodHead:
		// the upstream's length describes the body a GET would return
	case status < 200 || status == http.StatusNoContent || status == http.StatusNotModified:
		resp.Header.Del("Content-Length")
		resp.ContentLength = 0
		newBody = nil
	default:
		resp.Header.Set("Content-Length", strconv.Itoa(len(newBody)))
		resp.ContentLength = int64(len(newBody))
	}
	resp.Body = io.NopCloser(bytes.NewReader(newBody))
	return resp
}

// failure classifies err, preferring what the contexts say happened.
func (f *Forwarder) failure(parent, ctx context.Context, target routing.Target, err error) *UpstreamError {
	switch {
	case parent.Err() != nil:
		return &UpstreamError{Kind: ClientDisconnected, Target: target, Err: parent.Err()}
	case errors.Is(context.Cause(ctx), errUpstreamTimeout):
		return &UpstreamError{Kind: Timeout, Target: target, Err: err}
	}
	return NewError(target, err)
}

type cancelOnClose struct {
	io.ReadCloser
	once   sync.Once
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
