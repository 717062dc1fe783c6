package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"HTTPInterceptBox/src/routing"

	"github.com/elazarl/goproxy"
)

// echoServer echoes one connection's bytes back and closes.
func echoServer(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return ln, ln.Addr().String()
}

func newProxy(t *testing.T, rules []routing.Rule, s Strategy) (*Manager, string) {
	t.Helper()
	reg, err := routing.NewRegistry(rules)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	m := NewManager(routing.NewClassifier(reg), s, Options{DialTimeout: time.Second, Grace: 200 * time.Millisecond}, nil)
	proxy := goproxy.NewProxyHttpServer()
	proxy.OnRequest().HandleConnect(m)
	srv := httptest.NewServer(proxy)
	t.Cleanup(srv.Close)
	return m, srv.Listener.Addr().String()
}

// connect sends a CONNECT and returns the status line and the connection.
func connect(t *testing.T, proxyAddr, target string) (string, net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.DialTimeout("tcp", proxyAddr, time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	br := bufio.NewReader(c)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	// blank line terminating the response head
	if blank, err := br.ReadString('\n'); err != nil || blank != "\r\n" {
		t.Fatalf("expected bare status line, got %q (%v)", blank, err)
	}
	return strings.TrimSpace(line), c, br
}

var sportsRule = []routing.Rule{{
	Match:  "example-sports.com",
	Target: routing.Target{Host: "127.0.0.1", Port: 3000, Scheme: routing.SchemeHTTP},
}}

func TestDecryptWithoutCertificateRefuses(t *testing.T) {
	m, addr := newProxy(t, sportsRule, Decrypt{})
	if m.TLSAvailable() {
		t.Fatalf("TLS should be unavailable without a certificate")
	}
	status, c, br := connect(t, addr, "api.example-sports.com:443")
	defer c.Close()
	if status != "HTTP/1.1 502 Bad Gateway" {
		t.Fatalf("status = %q", status)
	}
	// no opaque relay: the proxy closes right after the status line
	if n, err := br.Read(make([]byte, 1)); err != io.EOF || n != 0 {
		t.Fatalf("expected EOF, got %d bytes, err %v", n, err)
	}
}

func TestPassthroughRelaysOpaquely(t *testing.T) {
	ln, echoAddr := echoServer(t)
	defer ln.Close()
	_, addr := newProxy(t, sportsRule, Decrypt{})

	status, c, br := connect(t, addr, echoAddr)
	defer c.Close()
	if status != "HTTP/1.1 200 Connection Established" {
		t.Fatalf("status = %q", status)
	}
	io.WriteString(c, "ping")
	got := make([]byte, 4)
	if _, err := io.ReadFull(br, got); err != nil || string(got) != "ping" {
		t.Fatalf("echo %q: %v", got, err)
	}
}

func TestRetunnelRelaysToSubstitute(t *testing.T) {
	ln, _ := echoServer(t)
	defer ln.Close()
	tcp := ln.Addr().(*net.TCPAddr)
	_, addr := newProxy(t, sportsRule, Retunnel{Host: tcp.IP.String(), Port: tcp.Port})

	// api.example-sports.com does not resolve; reaching the echo server proves
	// the substitute was dialed instead
	status, c, br := connect(t, addr, "api.example-sports.com:443")
	defer c.Close()
	if status != "HTTP/1.1 200 Connection Established" {
		t.Fatalf("status = %q", status)
	}
	io.WriteString(c, "\x16\x03\x01opaque")
	got := make([]byte, 9)
	if _, err := io.ReadFull(br, got); err != nil || string(got) != "\x16\x03\x01opaque" {
		t.Fatalf("relay %q: %v", got, err)
	}
}

func TestDialFailureWritesBadGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := ln.Addr().String()
	ln.Close()

	_, addr := newProxy(t, nil, Decrypt{})
	status, c, _ := connect(t, addr, closed)
	defer c.Close()
	if status != "HTTP/1.1 502 Bad Gateway" {
		t.Fatalf("status = %q", status)
	}
}

func TestHandleConnectActions(t *testing.T) {
	reg, _ := routing.NewRegistry(sportsRule)
	cls := routing.NewClassifier(reg)
	cert := selfSigned(t)

	m := NewManager(cls, Decrypt{Cert: &cert}, Options{}, nil)
	if !m.TLSAvailable() {
		t.Fatalf("decrypt with a certificate should terminate TLS")
	}
	// TLS is terminated by our own server, not goproxy's MITM loop
	act, _ := m.HandleConnect("api.example-sports.com:443", &goproxy.ProxyCtx{})
	if act.Action != goproxy.ConnectHijack || act.Hijack == nil {
		t.Fatalf("intercept with cert should hijack, got %v", act.Action)
	}

	act, _ = m.HandleConnect("www.unrelated.org:443", &goproxy.ProxyCtx{})
	if act.Action != goproxy.ConnectHijack || act.Hijack == nil {
		t.Fatalf("passthrough should hijack, got %v", act.Action)
	}

	m = NewManager(cls, Retunnel{Host: "127.0.0.1", Port: 17217}, Options{}, nil)
	act, _ = m.HandleConnect("api.example-sports.com", &goproxy.ProxyCtx{})
	if act.Action != goproxy.ConnectHijack {
		t.Fatalf("retunnel should hijack, got %v", act.Action)
	}
	if m.TLSAvailable() {
		t.Fatalf("retunnel never terminates TLS")
	}
}

// decryptProxy runs a proxy whose intercepted tunnels are decrypted and
// served by h.
func decryptProxy(t *testing.T, h http.Handler) (*Manager, string) {
	t.Helper()
	cert := selfSigned(t)
	m, addr := newProxy(t, sportsRule, Decrypt{Cert: &cert})
	m.SetHandler(h)
	return m, addr
}

func TestDecryptServesInnerRequests(t *testing.T) {
	urls := make(chan string, 1)
	m, addr := decryptProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urls <- r.URL.String()
		io.WriteString(w, "inner")
	}))

	status, c, _ := connect(t, addr, "api.example-sports.com:443")
	defer c.Close()
	if status != "HTTP/1.1 200 Connection Established" {
		t.Fatalf("status = %q", status)
	}
	tc := tls.Client(c, &tls.Config{ServerName: "api.example-sports.com", InsecureSkipVerify: true})
	fmt.Fprintf(tc, "GET /user/profile HTTP/1.1\r\nHost: api.example-sports.com\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(tc), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "inner" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if got := <-urls; got != "https://api.example-sports.com/user/profile" {
		t.Fatalf("handler saw url %q", got)
	}
	if m.Active() != 1 {
		t.Fatalf("active = %d while the tunnel is open", m.Active())
	}

	tc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil || m.Active() != 0 {
		t.Fatalf("tunnel not released after client close: %v, active %d", err, m.Active())
	}
}

func TestDecryptCancelsRequestWhenClientLeaves(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	_, addr := decryptProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
			close(cancelled)
		case <-time.After(5 * time.Second):
		}
	}))

	_, c, _ := connect(t, addr, "api.example-sports.com:443")
	tc := tls.Client(c, &tls.Config{ServerName: "api.example-sports.com", InsecureSkipVerify: true})
	fmt.Fprintf(tc, "GET /slow HTTP/1.1\r\nHost: api.example-sports.com\r\n\r\n")
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("request never reached the handler")
	}
	tc.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("request context still live after the client closed")
	}
}
