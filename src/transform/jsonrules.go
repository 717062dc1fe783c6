package transform

import (
	"strings"

	"HTTPInterceptBox/src/traffic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	StageRequest  = "request"
	StageResponse = "response"
)

// JSONRule edits JSON bodies whose request path contains PathContains.
// Set keys and Delete entries are gjson/sjson paths.
type JSONRule struct {
	PathContains string
	Stage        string
	Set          map[string]any
	Delete       []string
}

// JSONRules is a Hook applying rules in order. Bodies that are not valid JSON
// pass through untouched.
type JSONRules struct {
	rules []JSONRule
}

func NewJSONRules(rules []JSONRule) *JSONRules {
	return &JSONRules{rules: append([]JSONRule(nil), rules...)}
}

func (j *JSONRules) MutateRequest(rc *traffic.RequestContext) (string, traffic.Header, []byte) {
	body := j.apply(StageRequest, rc.OriginalPath, rc.Body)
	return rc.OriginalPath, rc.Headers.Clone(), body
}

func (j *JSONRules) MutateResponse(rc *traffic.RequestContext, status int, h traffic.Header, body []byte) (int, traffic.Header, []byte) {
	return status, h.Clone(), j.apply(StageResponse, rc.OriginalPath, body)
}

func (j *JSONRules) apply(stage, path string, body []byte) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}
	out := body
	for _, r := range j.rules {
		if r.Stage != stage || !strings.Contains(path, r.PathContains) {
			continue
		}
		for p, v := range r.Set {
			if next, err := sjson.SetBytes(out, p, v); err == nil {
				out = next
			}
		}
		for _, p := range r.Delete {
			if next, err := sjson.DeleteBytes(out, p); err == nil {
				out = next
			}
		}
	}
	return out
}
