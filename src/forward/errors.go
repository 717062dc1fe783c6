package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"HTTPInterceptBox/src/routing"
)

// ErrorKind is the failure taxonomy shared by the forwarder and the tunnel
// manager.
type ErrorKind string

const (
	// ClassificationAmbiguous cannot happen: every hostname resolves to
	// exactly one decision. Kept so the taxonomy is complete.
	ClassificationAmbiguous   ErrorKind = "CLASSIFICATION_AMBIGUOUS"
	ConnectFailed             ErrorKind = "UPSTREAM_CONNECT_FAILED"
	Timeout                   ErrorKind = "UPSTREAM_TIMEOUT"
	ProtocolError             ErrorKind = "UPSTREAM_PROTOCOL_ERROR"
	TLSTerminationUnavailable ErrorKind = "TLS_TERMINATION_UNAVAILABLE"
	ClientDisconnected        ErrorKind = "CLIENT_DISCONNECTED"
)

// Status is the synthesized client status for the kind.
func (k ErrorKind) Status() int {
	if k == Timeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// UpstreamError is a failed upstream call.
type UpstreamError struct {
	Kind   ErrorKind
	Target routing.Target
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Target.Addr())
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Target.Addr(), e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NewError wraps err with its classified kind.
func NewError(target routing.Target, err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return &UpstreamError{Kind: Classify(err), Target: target, Err: err}
}

// errUpstreamTimeout is the cancel cause used when the per-call timer fires.
var errUpstreamTimeout = errors.New("upstream call timed out")

// Classify maps a Go network error onto the taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, errUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return ClientDisconnected
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return Timeout
		}
		return ConnectFailed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return ConnectFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ConnectFailed
	}
	return ProtocolError
}
