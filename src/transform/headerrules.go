package transform

import (
	"strings"

	"HTTPInterceptBox/src/traffic"
)

// HeaderRule edits headers of exchanges whose request path contains
// PathContains. Remove runs first, then Set replaces, Add appends and
// Default fills names that are still missing.
type HeaderRule struct {
	PathContains string
	Stage        string
	Set          map[string]string
	Add          map[string]string
	Default      map[string]string
	Remove       []string
}

// HeaderRules is a Hook applying header rules in order.
type HeaderRules struct {
	rules []HeaderRule
}

func NewHeaderRules(rules []HeaderRule) *HeaderRules {
	return &HeaderRules{rules: append([]HeaderRule(nil), rules...)}
}

func (r *HeaderRules) MutateRequest(rc *traffic.RequestContext) (string, traffic.Header, []byte) {
	return rc.OriginalPath, r.apply(StageRequest, rc.OriginalPath, rc.Headers.Clone()), rc.Body
}

func (r *HeaderRules) MutateResponse(rc *traffic.RequestContext, status int, h traffic.Header, body []byte) (int, traffic.Header, []byte) {
	return status, r.apply(StageResponse, rc.OriginalPath, h.Clone()), body
}

func (r *HeaderRules) apply(stage, path string, h traffic.Header) traffic.Header {
	for _, rule := range r.rules {
		if rule.Stage != stage || !strings.Contains(path, rule.PathContains) {
			continue
		}
		for _, name := range rule.Remove {
			h = h.Del(name)
		}
		for name, v := range rule.Set {
			h = h.Set(name, v)
		}
		for name, v := range rule.Add {
			h = h.Add(name, v)
		}
		for name, v := range rule.Default {
			if !h.Has(name) {
				h = h.Set(name, v)
			}
		}
	}
	return h
}
