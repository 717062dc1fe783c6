package traffic

import (
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// Field is a single header line.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Header is an ordered multimap. Names compare case-insensitively; the
// original casing and order of insertion are kept for logging.
type Header []Field

// FromHTTP converts an http.Header. http.Header has no order, so keys are
// emitted sorted to keep records deterministic.
func FromHTTP(h http.Header) Header {
	if len(h) == 0 {
		return Header{}
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Header, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, Field{Name: k, Value: v})
		}
	}
	return out
}

// HTTP converts back to an http.Header.
func (h Header) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		k := textproto.CanonicalMIMEHeaderKey(f.Name)
		out[k] = append(out[k], f.Value)
	}
	return out
}

// Get returns the first value for name.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces all values of name with value, keeping the position of the
// first occurrence.
func (h Header) Set(name, value string) Header {
	out := make(Header, 0, len(h)+1)
	placed := false
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			if !placed {
				out = append(out, Field{Name: f.Name, Value: value})
				placed = true
			}
			continue
		}
		out = append(out, f)
	}
	if !placed {
		out = append(out, Field{Name: name, Value: value})
	}
	return out
}

// Add appends a value.
func (h Header) Add(name, value string) Header {
	out := h.Clone()
	return append(out, Field{Name: name, Value: value})
}

// Del removes every value of name.
func (h Header) Del(name string) Header {
	out := make(Header, 0, len(h))
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

// Map applies fn to every field and returns the result.
func (h Header) Map(fn func(Field) Field) Header {
	out := make(Header, len(h))
	for i, f := range h {
		out[i] = fn(f)
	}
	return out
}

// Clone returns a copy that shares nothing with h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}
