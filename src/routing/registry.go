package routing

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Target is a forwarding destination.
type Target struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Scheme string `json:"scheme" yaml:"scheme"`
}

// Addr returns host:port, bracketing IPv6 literals.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.Scheme + "://" + t.Addr()
}

// Validate reports whether the target can be dialed.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("target host is empty")
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("target %s: port %d out of range", t.Host, t.Port)
	}
	switch t.Scheme {
	case SchemeHTTP, SchemeHTTPS:
	default:
		return fmt.Errorf("target %s: unsupported scheme %q", t.Host, t.Scheme)
	}
	return nil
}

// Rule sends every hostname containing Match to Target.
type Rule struct {
	Match  string `json:"match" yaml:"match"`
	Target Target `json:"target" yaml:"target"`
}

// Registry is the static hostname -> target table. It is never mutated after
// NewRegistry returns, so it is safe for concurrent readers.
type Registry struct {
	rules []Rule
}

// NewRegistry validates rules and keeps them in registration order.
func NewRegistry(rules []Rule) (*Registry, error) {
	copied := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if r.Match == "" {
			return nil, fmt.Errorf("rule %d: empty match", i)
		}
		if err := r.Target.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Match, err)
		}
		copied = append(copied, r)
	}
	return &Registry{rules: copied}, nil
}

// Rules returns a copy of the registered rules.
func (r *Registry) Rules() []Rule {
	if r == nil {
		return nil
	}
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Lookup returns the first rule whose Match is a substring of hostname.
func (r *Registry) Lookup(hostname string) (Rule, int, bool) {
	if r == nil {
		return Rule{}, -1, false
	}
	for i := range r.rules {
		if strings.Contains(hostname, r.rules[i].Match) {
			return r.rules[i], i, true
		}
	}
	return Rule{}, -1, false
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}
