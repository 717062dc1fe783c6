package tunnel

import (
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return dialed, <-accepted
}

func TestRelayHalfCloseAndGrace(t *testing.T) {
	// client <-> [clientSide | Session | serverSide] <-> server
	client, clientSide := tcpPair(t)
	serverSide, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	s := &Session{ID: "t", Client: clientSide, Server: serverSide, EstablishedAt: time.Now(), Grace: 300 * time.Millisecond}
	done := make(chan Stats, 1)
	go func() { done <- s.Relay() }()

	io.WriteString(client, "hello")
	buf := make([]byte, 5)
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("upstream got %q: %v", buf, err)
	}

	io.WriteString(server, "bye")
	server.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(client)
	if err != nil || string(got) != "bye" {
		t.Fatalf("client got %q: %v", got, err)
	}

	// the client never closes its side; the grace deadline ends the relay
	select {
	case st := <-done:
		if st.Up != 5 || st.Down != 3 {
			t.Fatalf("stats = %+v", st)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not finish after grace")
	}
}

func TestRelayErrorClosesBothSides(t *testing.T) {
	client, clientSide := tcpPair(t)
	serverSide, server := tcpPair(t)
	defer client.Close()

	s := &Session{ID: "t", Client: clientSide, Server: serverSide, EstablishedAt: time.Now()}
	done := make(chan Stats, 1)
	go func() { done <- s.Relay() }()

	// abortive close on the server produces a reset rather than EOF
	server.(*net.TCPConn).SetLinger(0)
	server.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("relay still running after upstream reset")
	}
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatalf("client side should be closed")
	}
}
