package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"HTTPInterceptBox/src/analysis"
	"HTTPInterceptBox/src/config"
	"HTTPInterceptBox/src/forward"
	"HTTPInterceptBox/src/logger"
	"HTTPInterceptBox/src/routing"
	"HTTPInterceptBox/src/sequencer"
	"HTTPInterceptBox/src/traffic"
	"HTTPInterceptBox/src/transform"
	"HTTPInterceptBox/src/tunnel"

	"github.com/elazarl/goproxy"
)

// app holds everything a running proxy shares across requests.
type app struct {
	cfg        *config.Config
	log        logger.Logger
	registry   *routing.Registry
	classifier *routing.Classifier
	seq        *sequencer.Sequencer
	fwd        *forward.Forwarder
	tunnels    *tunnel.Manager
	records    *recordStore
	broker     *sseBroker
	stats      *analysis.Registry
}

// newApp wires the components described by cfg. cert is the pre-loaded
// interception certificate and may be nil.
func newApp(cfg *config.Config, cert *tls.Certificate, log logger.Logger) (*app, error) {
	if log == nil {
		log = logger.NewNop()
	}
	reg, err := routing.NewRegistry(cfg.Rules)
	if err != nil {
		return nil, err
	}
	classifier := routing.NewClassifier(reg)

	var strategy tunnel.Strategy
	switch cfg.Tunnel.Strategy {
	case config.StrategyRetunnel:
		strategy = tunnel.Retunnel{Host: cfg.Tunnel.Retunnel.Host, Port: cfg.Tunnel.Retunnel.Port}
	default:
		strategy = tunnel.Decrypt{Cert: cert}
	}

	pipeline := transform.NewPipeline(hooks(cfg), cfg.Transform.CorrelationHeader)

	mode, err := forward.ParseFallbackMode(cfg.Fallback.Mode)
	if err != nil {
		return nil, err
	}
	timeout := config.Duration(cfg.Upstream.Timeout, 30*time.Second)
	fwd, err := forward.New(forward.Options{
		Timeout:            timeout,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify,
		Pipeline:           pipeline,
		Policy:             forward.NewPolicy(mode, cfg.SecondaryTarget(), pipeline.CorrelationHeader()),
	}, log.With("component", "forward"))
	if err != nil {
		return nil, fmt.Errorf("upstream transport: %w", err)
	}

	tunnels := tunnel.NewManager(classifier, strategy, tunnel.Options{
		DialTimeout: timeout,
		Grace:       config.Duration(cfg.Tunnel.Grace, 5*time.Second),
	}, log.With("component", "tunnel"))

	sanitizer := transform.NewSanitizer(cfg.Transform.RedactHeaders, cfg.Transform.RedactFields)
	a := &app{
		cfg:        cfg,
		log:        log,
		registry:   reg,
		classifier: classifier,
		seq:        sequencer.New(log.With("component", "records"), sanitizer, 256),
		fwd:        fwd,
		tunnels:    tunnels,
		records:    newRecordStore(cfg.Records.Capacity),
		broker:     newSseBroker(),
		stats:      analysis.NewDefaultRegistry(),
	}
	a.seq.Subscribe(func(rec transform.Record) {
		a.stats.Observe(observationFromRecord(rec))
		stored := a.records.add(rec)
		a.broker.publish(event{Type: "record", Record: &stored})
	})
	return a, nil
}

// hooks chains the configured transforms: header rules, then JSON rules.
func hooks(cfg *config.Config) transform.Hook {
	var chain transform.Chain
	if len(cfg.Transform.HeaderRules) > 0 {
		rules := make([]transform.HeaderRule, 0, len(cfg.Transform.HeaderRules))
		for _, r := range cfg.Transform.HeaderRules {
			rules = append(rules, transform.HeaderRule{
				PathContains: r.PathContains,
				Stage:        r.Stage,
				Set:          r.Set,
				Add:          r.Add,
				Default:      r.Default,
				Remove:       r.Remove,
			})
		}
		chain = append(chain, transform.NewHeaderRules(rules))
	}
	if len(cfg.Transform.JSONRules) > 0 {
		rules := make([]transform.JSONRule, 0, len(cfg.Transform.JSONRules))
		for _, r := range cfg.Transform.JSONRules {
			rules = append(rules, transform.JSONRule{PathContains: r.PathContains, Stage: r.Stage, Set: r.Set, Delete: r.Delete})
		}
		chain = append(chain, transform.NewJSONRules(rules))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

// buildProxy configures goproxy: CONNECT goes to the tunnel manager, every
// proxied request is classified and handed to the forwarder, and requests
// addressed to the proxy itself reach the records API.
func (a *app) buildProxy() *goproxy.ProxyHttpServer {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	proxy.Logger = goproxyLogger{a.log.With("component", "goproxy")}
	// the upstream leg is ours; clients choose their own encodings
	proxy.KeepAcceptEncoding = true
	proxy.NonproxyHandler = a.apiHandler()

	proxy.OnRequest().HandleConnect(a.tunnels)
	proxy.OnRequest().DoFunc(a.onRequest)
	proxy.OnResponse().DoFunc(a.onResponse)
	// decrypted tunnel requests come back through the same handlers
	a.tunnels.SetHandler(a.recoverer(proxy))
	return proxy
}

// onRequest classifies req once and stores the exchange for the forwarder.
func (a *app) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = routing.SchemeHTTP
	}
	original := routing.OriginalTarget(req.URL.Host, scheme)
	d := a.classifier.Classify(req.URL.Hostname(), original)

	mode := forward.Streaming
	if d.Intercepted() && !a.cfg.Intercept.Stream {
		mode = forward.Buffered
	}
	ex := &forward.Exchange{
		Request:  req,
		RC:       a.seq.NewRequestContext(req, scheme, nil),
		Decision: d,
		Mode:     mode,
	}
	a.log.Debug("request", "id", ex.RC.ID, "method", req.Method, "url", req.URL.String(),
		"mode", d.Mode.String(), "target", d.Target.Addr(), "transfer", mode.String())

	ctx.UserData = ex
	ctx.RoundTripper = goproxy.RoundTripperFunc(a.roundTrip)
	return req, nil
}

// roundTrip forwards and records exchanges that end without a response,
// which only happens once the client has gone away.
func (a *app) roundTrip(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Response, error) {
	resp, err := a.fwd.RoundTrip(req, ctx)
	if err != nil {
		if ex, ok := ctx.UserData.(*forward.Exchange); ok {
			a.record(ex, nil)
			ctx.UserData = nil
		}
	}
	return resp, err
}

func (a *app) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if ex, ok := ctx.UserData.(*forward.Exchange); ok && resp != nil {
		a.record(ex, resp)
	}
	return resp
}

// record builds the exchange record from pre-mutation data and queues it.
func (a *app) record(ex *forward.Exchange, resp *http.Response) {
	rc := ex.RC
	limit := a.cfg.Transform.MaxRecordBody
	rec := transform.Record{
		ID:         rc.ID,
		Time:       rc.ReceivedAt,
		Method:     rc.Method,
		URL:        rc.Scheme + "://" + rc.OriginalHost + rc.OriginalPath,
		Host:       rc.OriginalHost,
		Mode:       ex.Decision.Mode.String(),
		Target:     ex.Decision.Target.Addr(),
		Streaming:  ex.Mode == forward.Streaming,
		Fallback:   ex.Fallback,
		DurationMs: time.Since(rc.ReceivedAt).Milliseconds(),
		Timing:     ex.Timing(),
		Request:    transform.NewMessage(rc.Headers, rc.Body, limit),
	}
	if ex.Served.Host != "" {
		rec.Target = ex.Served.Addr()
	}
	if ex.Err != nil {
		rec.ErrorKind = string(ex.Err.Kind)
		rec.Error = ex.Err.Error()
	}
	switch {
	case ex.UpstreamHeader != nil:
		// buffered: what the upstream sent, before the response hook ran
		rec.Status = ex.UpstreamStatus
		rec.Response = transform.NewMessage(ex.UpstreamHeader, ex.UpstreamBody, limit)
	case resp != nil:
		rec.Status = resp.StatusCode
		rec.Response = transform.NewMessage(traffic.FromHTTP(resp.Header), nil, limit)
	}
	a.seq.Record(rec)
}

// goproxyLogger routes goproxy's printf logging into the structured logger.
type goproxyLogger struct{ log logger.Logger }

func (g goproxyLogger) Printf(format string, v ...any) {
	g.log.Debug(fmt.Sprintf(format, v...))
}
