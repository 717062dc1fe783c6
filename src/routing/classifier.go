package routing

import (
	"net"
	"strconv"
	"strings"
)

// Mode is the classification outcome for a destination.
type Mode uint8

const (
	Passthrough Mode = iota
	Intercept
)

func (m Mode) String() string {
	switch m {
	case Intercept:
		return "INTERCEPT"
	default:
		return "PASSTHROUGH"
	}
}

// Decision is derived once per request and never modified.
type Decision struct {
	Mode   Mode
	Target Target
	// Rule is the index of the matched rule, -1 for passthrough.
	Rule int
}

// Intercepted reports whether the decision routes to a substitute endpoint.
func (d Decision) Intercepted() bool { return d.Mode == Intercept }

// Classifier decides INTERCEPT vs PASSTHROUGH from a hostname alone.
//
// Matching is plain substring containment, case-sensitive, first registered
// rule wins. "example.com" therefore also matches "notexample.com.evil"; this
// is the intended behavior.
type Classifier struct {
	reg *Registry
}

func NewClassifier(reg *Registry) *Classifier {
	return &Classifier{reg: reg}
}

// Classify returns the decision for hostname. original is the destination the
// client asked for and is used unchanged on the passthrough path.
func (c *Classifier) Classify(hostname string, original Target) Decision {
	if c != nil {
		if rule, idx, ok := c.reg.Lookup(hostname); ok {
			return Decision{Mode: Intercept, Target: rule.Target, Rule: idx}
		}
	}
	return Decision{Mode: Passthrough, Target: original, Rule: -1}
}

// ParseHostPort splits a request-line authority into host and port, using
// defaultPort when none is given.
func ParseHostPort(hostport string, defaultPort int) (string, int) {
	hostport = strings.TrimSpace(hostport)
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// no port, or a bare IPv6 literal
		return strings.Trim(hostport, "[]"), defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return host, defaultPort
	}
	return host, port
}

// OriginalTarget builds the passthrough target for an authority.
func OriginalTarget(hostport, scheme string) Target {
	def := 80
	if scheme == SchemeHTTPS {
		def = 443
	}
	host, port := ParseHostPort(hostport, def)
	return Target{Host: host, Port: port, Scheme: scheme}
}
