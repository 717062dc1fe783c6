package forward

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"HTTPInterceptBox/src/transform"
)

// phases records connection milestones of one upstream attempt.
type phases struct {
	mu sync.Mutex

	start            time.Time
	dnsStart, dnsEnd time.Time
	conStart, conEnd time.Time
	tlsStart, tlsEnd time.Time
	wroteReq         time.Time
	firstByte        time.Time

	serverAddr string
	reused     bool
	h2         bool
}

func millis(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	return b.Sub(a).Milliseconds()
}

// withTrace attaches a client trace filling p to ctx.
func withTrace(ctx context.Context, p *phases) context.Context {
	mark := func(t *time.Time) {
		p.mu.Lock()
		*t = time.Now()
		p.mu.Unlock()
	}
	ct := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { mark(&p.dnsStart) },
		DNSDone:  func(httptrace.DNSDoneInfo) { mark(&p.dnsEnd) },

		ConnectStart: func(_, _ string) { mark(&p.conStart) },
		ConnectDone:  func(_, _ string, _ error) { mark(&p.conEnd) },

		TLSHandshakeStart: func() { mark(&p.tlsStart) },
		TLSHandshakeDone: func(cs tls.ConnectionState, _ error) {
			p.mu.Lock()
			p.tlsEnd = time.Now()
			p.h2 = cs.NegotiatedProtocol == "h2"
			p.mu.Unlock()
		},

		GotConn: func(ci httptrace.GotConnInfo) {
			p.mu.Lock()
			p.reused = ci.Reused
			if ci.Conn != nil && ci.Conn.RemoteAddr() != nil {
				p.serverAddr = ci.Conn.RemoteAddr().String()
			}
			p.mu.Unlock()
		},

		WroteRequest:         func(httptrace.WroteRequestInfo) { mark(&p.wroteReq) },
		GotFirstResponseByte: func() { mark(&p.firstByte) },
	}
	return httptrace.WithClientTrace(ctx, ct)
}

// timing converts the milestones for the exchange record.
func (p *phases) timing() *transform.Timing {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ttfbFrom := p.wroteReq
	if ttfbFrom.IsZero() {
		ttfbFrom = p.start
	}
	return &transform.Timing{
		DNSMs:      millis(p.dnsStart, p.dnsEnd),
		ConnectMs:  millis(p.conStart, p.conEnd),
		TLSMs:      millis(p.tlsStart, p.tlsEnd),
		TTFBMs:     millis(ttfbFrom, p.firstByte),
		ServerAddr: p.serverAddr,
		ReusedConn: p.reused,
		HTTP2:      p.h2,
	}
}

// Timing returns the connection breakdown of the attempt that served the
// response, or nil when no attempt was made.
func (ex *Exchange) Timing() *transform.Timing {
	return ex.phases.timing()
}
