package tunnel

import (
	"context"
	"crypto/tls"
	stdlog "log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"HTTPInterceptBox/src/logger"
	"HTTPInterceptBox/src/routing"

	"github.com/elazarl/goproxy"
)

// SetHandler sets the handler that serves requests decrypted from
// intercepted tunnels. Requests reach it with an absolute https URL, so the
// proxy's own handler can be passed here.
func (m *Manager) SetHandler(h http.Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// decrypt terminates the client's TLS with cert and serves the inner
// requests with a per-tunnel http.Server. The server owns the connection, so
// a request's context is cancelled as soon as the client goes away.
func (m *Manager) decrypt(host string, cert tls.Certificate, log logger.Logger) *goproxy.ConnectAction {
	return &goproxy.ConnectAction{
		Action: goproxy.ConnectHijack,
		Hijack: func(_ *http.Request, client net.Conn, _ *goproxy.ProxyCtx) {
			m.mu.Lock()
			h := m.handler
			m.mu.Unlock()
			if h == nil {
				log.Error("no handler for decrypted requests")
				m.refuse(log).Hijack(nil, client, nil)
				return
			}

			m.wg.Add(1)
			defer m.wg.Done()
			if _, err := client.Write([]byte(statusEstablished)); err != nil {
				client.Close()
				log.Debug("tunnel", "state", StateClosed, "err", err)
				return
			}

			conn := tls.Server(client, &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
				NextProtos:   []string{"http/1.1"},
			})
			hctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
			err := conn.HandshakeContext(hctx)
			cancel()
			if err != nil {
				conn.Close()
				log.Debug("tls handshake failed", "err", err)
				return
			}

			m.active.Add(1)
			defer m.active.Add(-1)
			log.Debug("tunnel", "state", StateEstablished)
			if hijacked := m.serveDecrypted(conn, host, h, log); !hijacked {
				conn.Close()
			}
			log.Debug("tunnel", "state", StateClosed)
		},
	}
}

// serveDecrypted blocks until the connection is closed or taken over by the
// handler, and reports which.
func (m *Manager) serveDecrypted(conn *tls.Conn, host string, h http.Handler, log logger.Logger) (hijacked bool) {
	l := newConnListener(conn)
	finished := make(chan http.ConnState, 1)
	var finish sync.Once
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.URL.Scheme = routing.SchemeHTTPS
			if r.Host != "" {
				r.URL.Host = r.Host
			} else {
				r.URL.Host = host
			}
			h.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// http/1.1 only
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		ConnState: func(_ net.Conn, s http.ConnState) {
			if s == http.StateClosed || s == http.StateHijacked {
				finish.Do(func() { finished <- s })
				l.Close()
			}
		},
		ErrorLog: stdlog.New(errorLogWriter{log}, "", 0),
	}

	m.mu.Lock()
	m.servers[srv] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.servers, srv)
		m.mu.Unlock()
	}()

	srv.Serve(l)
	select {
	case c := <-l.conns:
		// closed before the server took it
		c.Close()
		return false
	default:
		return <-finished == http.StateHijacked
	}
}

// shutdownDecrypted closes idle decrypted connections and lets active
// requests finish.
func (m *Manager) shutdownDecrypted(ctx context.Context) {
	m.mu.Lock()
	servers := make([]*http.Server, 0, len(m.servers))
	for srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.Unlock()
	for _, srv := range servers {
		go srv.Shutdown(ctx)
	}
}

// connListener hands out a single connection, then blocks until closed.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(c net.Conn) *connListener {
	l := &connListener{addr: c.LocalAddr(), conns: make(chan net.Conn, 1), done: make(chan struct{})}
	l.conns <- c
	return l
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, net.ErrClosed
	default:
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }

// errorLogWriter routes net/http's server errors to the structured logger.
type errorLogWriter struct{ log logger.Logger }

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.log.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}
