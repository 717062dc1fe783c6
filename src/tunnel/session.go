package tunnel

import (
	"io"
	"net"
	"sync"
	"time"
)

// Session is an established opaque relay between a client and a server.
type Session struct {
	ID            string
	Client        net.Conn
	Server        net.Conn
	EstablishedAt time.Time
	// Grace bounds how long the remaining direction may run after the
	// first one ends.
	Grace time.Duration
}

// Stats is what a finished relay moved.
type Stats struct {
	Up       int64 // client -> server
	Down     int64 // server -> client
	Duration time.Duration
	Err      error // first non-EOF copy error
}

type closeWriter interface {
	CloseWrite() error
}

// Relay copies bytes both ways until both directions end, then closes both
// connections. A clean end of one direction half-closes the peer and starts
// the grace deadline; a copy error closes both sides at once.
func (s *Session) Relay() Stats {
	var (
		st       Stats
		wg       sync.WaitGroup
		once     sync.Once
		errOnce  sync.Once
		closeAll sync.Once
	)
	shutdown := func() {
		closeAll.Do(func() {
			s.Client.Close()
			s.Server.Close()
		})
	}
	pipe := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		written, err := io.Copy(dst, src)
		*n = written
		if err != nil {
			errOnce.Do(func() { st.Err = err })
			shutdown()
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		}
		once.Do(func() {
			if s.Grace > 0 {
				deadline := time.Now().Add(s.Grace)
				s.Client.SetDeadline(deadline)
				s.Server.SetDeadline(deadline)
			}
		})
	}

	wg.Add(2)
	go pipe(s.Server, s.Client, &st.Up)
	go pipe(s.Client, s.Server, &st.Down)
	wg.Wait()
	shutdown()
	st.Duration = time.Since(s.EstablishedAt)
	return st
}
