package transform

import (
	"net/url"
	"strconv"
	"strings"

	"HTTPInterceptBox/src/traffic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Redacted replaces credential values in records.
const Redacted = "[REDACTED]"

var (
	defaultRedactHeaders = []string{
		"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie",
		"X-Auth-Token", "X-Session-Token", "X-Api-Key",
	}
	defaultRedactFields = []string{
		"auth", "authorization", "session", "sessionid", "session_id", "sid", "pin", "cookie",
	}
	// keys containing any of these are always sensitive
	sensitiveFragments = []string{"password", "passwd", "token", "secret"}
)

// Sanitizer strips credentials from records. It never touches forwarded
// traffic, only the copy that gets logged.
type Sanitizer struct {
	headers map[string]bool
	fields  map[string]bool
}

// NewSanitizer extends the default header and field lists.
func NewSanitizer(extraHeaders, extraFields []string) *Sanitizer {
	s := &Sanitizer{headers: map[string]bool{}, fields: map[string]bool{}}
	for _, h := range append(append([]string(nil), defaultRedactHeaders...), extraHeaders...) {
		s.headers[strings.ToLower(strings.TrimSpace(h))] = true
	}
	for _, f := range append(append([]string(nil), defaultRedactFields...), extraFields...) {
		s.fields[strings.ToLower(strings.TrimSpace(f))] = true
	}
	return s
}

var defaultSanitizer = NewSanitizer(nil, nil)

// Sanitize applies the default sanitizer.
func Sanitize(rec Record) Record { return defaultSanitizer.Sanitize(rec) }

// Sanitize returns a redacted copy of rec. Applying it twice gives the same
// result as applying it once.
func (s *Sanitizer) Sanitize(rec Record) Record {
	out := rec
	out.URL = s.redactURL(rec.URL)
	out.Request = s.message(rec.Request)
	out.Response = s.message(rec.Response)
	return out
}

func (s *Sanitizer) message(m Message) Message {
	out := m
	out.Headers = m.Headers.Map(func(f traffic.Field) traffic.Field {
		if s.headers[strings.ToLower(f.Name)] {
			return traffic.Field{Name: f.Name, Value: Redacted}
		}
		return f
	})
	if m.Body == "" || m.BodyBase64 {
		return out
	}
	body := []byte(m.Body)
	switch {
	case gjson.ValidBytes(body):
		out.Body = string(s.redactJSON(body))
	case strings.Contains(strings.ToLower(m.Headers.Get("Content-Type")), "application/x-www-form-urlencoded"):
		out.Body = s.redactQuery(m.Body)
	}
	return out
}

func (s *Sanitizer) sensitive(key string) bool {
	k := strings.ToLower(key)
	if s.fields[k] {
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// redactJSON replaces the value of every sensitive key, at any depth.
func (s *Sanitizer) redactJSON(body []byte) []byte {
	var paths []string
	s.collect(gjson.ParseBytes(body), "", &paths)
	out := body
	for _, p := range paths {
		if next, err := sjson.SetBytes(out, p, Redacted); err == nil {
			out = next
		}
	}
	return out
}

func (s *Sanitizer) collect(v gjson.Result, prefix string, paths *[]string) {
	switch {
	case v.IsObject():
		v.ForEach(func(k, val gjson.Result) bool {
			p := joinPath(prefix, escapePathKey(k.String()))
			if s.sensitive(k.String()) {
				*paths = append(*paths, p)
				return true
			}
			s.collect(val, p, paths)
			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, val gjson.Result) bool {
			s.collect(val, joinPath(prefix, strconv.Itoa(i)), paths)
			i++
			return true
		})
	}
}

func (s *Sanitizer) redactQuery(raw string) string {
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	changed := false
	for k, vs := range vals {
		if !s.sensitive(k) {
			continue
		}
		for i := range vs {
			if vs[i] != Redacted {
				vs[i] = Redacted
				changed = true
			}
		}
	}
	if !changed {
		return raw
	}
	return vals.Encode()
}

func (s *Sanitizer) redactURL(raw string) string {
	i := strings.IndexByte(raw, '?')
	if i < 0 {
		return raw
	}
	return raw[:i+1] + s.redactQuery(raw[i+1:])
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// escapePathKey escapes gjson/sjson path metacharacters in an object key.
func escapePathKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch r {
		case '.', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
