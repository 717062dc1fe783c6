package tunnel

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"HTTPInterceptBox/src/forward"
	"HTTPInterceptBox/src/logger"
	"HTTPInterceptBox/src/routing"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
)

// State is a step of the CONNECT state machine, used in logs.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateClassified     State = "CLASSIFIED"
	StateOpaqueTunnel   State = "OPAQUE_TUNNELING"
	StateTLSTerminating State = "TLS_TERMINATING"
	StateEstablished    State = "ESTABLISHED"
	StateClosed         State = "CLOSED"
)

const (
	statusEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	statusBadGateway  = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
	statusTimeout     = "HTTP/1.1 504 Gateway Timeout\r\n\r\n"
)

// Strategy is how intercepted CONNECT tunnels are handled. It is chosen once
// at startup and is one of Decrypt or Retunnel.
type Strategy interface {
	Name() string
	strategy()
}

// Decrypt terminates TLS with Cert and hands the inner requests to the
// handler set with SetHandler. A nil Cert makes interception unavailable: such tunnels
// are refused, never relayed opaquely.
type Decrypt struct {
	Cert *tls.Certificate
}

func (Decrypt) Name() string { return "decrypt" }
func (Decrypt) strategy()    {}

// Retunnel relays the still-encrypted bytes to a fixed substitute address.
type Retunnel struct {
	Host string
	Port int
}

func (Retunnel) Name() string { return "retunnel" }
func (Retunnel) strategy()    {}

// Addr is the substitute host:port.
func (r Retunnel) Addr() string {
	return routing.Target{Host: r.Host, Port: r.Port}.Addr()
}

// Options tunes dialing and relay shutdown.
type Options struct {
	DialTimeout time.Duration
	Grace       time.Duration
	// Dial replaces the default dialer; tests use it.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Manager answers CONNECT requests for goproxy.
type Manager struct {
	classifier *routing.Classifier
	strategy   Strategy
	opts       Options
	log        logger.Logger

	wg     sync.WaitGroup
	active atomic.Int64

	mu      sync.Mutex
	handler http.Handler
	servers map[*http.Server]struct{}
}

func NewManager(classifier *routing.Classifier, strategy Strategy, opts Options, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	if strategy == nil {
		strategy = Decrypt{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
		opts.Dial = d.DialContext
	}
	return &Manager{
		classifier: classifier,
		strategy:   strategy,
		opts:       opts,
		log:        log,
		servers:    make(map[*http.Server]struct{}),
	}
}

// Strategy returns the active strategy.
func (m *Manager) Strategy() Strategy { return m.strategy }

// TLSAvailable reports whether intercepted tunnels can be decrypted.
func (m *Manager) TLSAvailable() bool {
	d, ok := m.strategy.(Decrypt)
	return ok && d.Cert != nil
}

// Active is the number of relays and decrypted tunnels in progress.
func (m *Manager) Active() int64 { return m.active.Load() }

// Wait closes idle decrypted tunnels and blocks until every tunnel has
// finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.shutdownDecrypted(ctx)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleConnect implements goproxy.HttpsHandler.
func (m *Manager) HandleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	id := uuid.NewString()
	log := m.log.With("tunnel", id, "host", host)
	log.Debug("tunnel", "state", StateReceived)

	hostname, port := routing.ParseHostPort(host, 443)
	original := routing.Target{Host: hostname, Port: port, Scheme: routing.SchemeHTTPS}
	d := m.classifier.Classify(hostname, original)
	log.Debug("tunnel", "state", StateClassified, "mode", d.Mode.String(), "target", d.Target.Addr())

	if !d.Intercepted() {
		return m.opaque(id, original.Addr(), log), host
	}

	switch s := m.strategy.(type) {
	case Decrypt:
		if s.Cert == nil {
			log.Warn("refusing intercepted tunnel", "kind", string(forward.TLSTerminationUnavailable))
			return m.refuse(log), host
		}
		log.Debug("tunnel", "state", StateTLSTerminating, "strategy", s.Name())
		return m.decrypt(host, *s.Cert, log), host
	case Retunnel:
		return m.opaque(id, s.Addr(), log.With("strategy", s.Name())), host
	}
	// unreachable: Strategy is sealed
	return m.refuse(log), host
}

func (m *Manager) refuse(log logger.Logger) *goproxy.ConnectAction {
	return &goproxy.ConnectAction{
		Action: goproxy.ConnectHijack,
		Hijack: func(_ *http.Request, client net.Conn, _ *goproxy.ProxyCtx) {
			client.Write([]byte(statusBadGateway))
			client.Close()
			log.Debug("tunnel", "state", StateClosed)
		},
	}
}

// opaque dials addr and relays bytes without interpreting them.
func (m *Manager) opaque(id, addr string, log logger.Logger) *goproxy.ConnectAction {
	return &goproxy.ConnectAction{
		Action: goproxy.ConnectHijack,
		Hijack: func(_ *http.Request, client net.Conn, _ *goproxy.ProxyCtx) {
			m.wg.Add(1)
			defer m.wg.Done()
			log.Debug("tunnel", "state", StateOpaqueTunnel, "addr", addr)

			dctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
			server, err := m.opts.Dial(dctx, "tcp", addr)
			cancel()
			if err != nil {
				kind := forward.Classify(err)
				line := statusBadGateway
				if kind == forward.Timeout {
					line = statusTimeout
				}
				client.Write([]byte(line))
				client.Close()
				log.Warn("tunnel dial failed", "addr", addr, "kind", string(kind), "err", err)
				return
			}
			if _, err := client.Write([]byte(statusEstablished)); err != nil {
				client.Close()
				server.Close()
				log.Debug("tunnel", "state", StateClosed, "kind", string(forward.ClientDisconnected), "err", err)
				return
			}

			s := &Session{ID: id, Client: client, Server: server, EstablishedAt: time.Now(), Grace: m.opts.Grace}
			m.active.Add(1)
			log.Debug("tunnel", "state", StateEstablished, "addr", addr)
			st := s.Relay()
			m.active.Add(-1)
			log.Debug("tunnel", "state", StateClosed, "up", st.Up, "down", st.Down,
				"duration_ms", st.Duration.Milliseconds())
		},
	}
}
