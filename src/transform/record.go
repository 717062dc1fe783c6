package transform

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"HTTPInterceptBox/src/traffic"

	"github.com/andybalholm/brotli"
)

// Message is one side of a logged exchange. Body is decoded for display only.
type Message struct {
	Headers       traffic.Header `json:"headers"`
	Body          string         `json:"body,omitempty"`
	BodyBase64    bool           `json:"body_base64,omitempty"`
	BodyTruncated bool           `json:"body_truncated,omitempty"`
	BodySize      int            `json:"body_size"`
}

// Record is a logged request/response pair. It is built from the original,
// pre-mutation data and must go through Sanitize before leaving the process.
type Record struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq,omitempty"`
	Time       time.Time `json:"time"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Host       string    `json:"host"`
	Mode       string    `json:"mode"`
	Target     string    `json:"target"`
	Streaming  bool      `json:"streaming,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`

	Timing *Timing `json:"timing,omitempty"`

	Request  Message `json:"request"`
	Response Message `json:"response"`
}

// Timing breaks down the upstream leg in milliseconds.
type Timing struct {
	DNSMs      int64  `json:"dns_ms,omitempty"`
	ConnectMs  int64  `json:"connect_ms,omitempty"`
	TLSMs      int64  `json:"tls_ms,omitempty"`
	TTFBMs     int64  `json:"ttfb_ms,omitempty"`
	ServerAddr string `json:"server_addr,omitempty"`
	ReusedConn bool   `json:"reused_conn,omitempty"`
	HTTP2      bool   `json:"h2,omitempty"`
}

// NewMessage captures headers and up to limit bytes of body, decoding
// gzip, deflate and brotli content for readability.
func NewMessage(h traffic.Header, raw []byte, limit int) Message {
	m := Message{Headers: h.Clone(), BodySize: len(raw)}
	if len(raw) == 0 {
		return m
	}
	body := decodeBody(raw, h.Get("Content-Encoding"))
	if limit > 0 && len(body) > limit {
		body = body[:limit]
		m.BodyTruncated = true
	}
	if utf8.Valid(body) {
		m.Body = string(body)
	} else {
		m.Body = base64.StdEncoding.EncodeToString(body)
		m.BodyBase64 = true
	}
	return m
}

// decodeBody returns the decoded payload, or raw when it cannot be decoded.
func decodeBody(raw []byte, encoding string) []byte {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return raw
		}
		defer gr.Close()
		r = gr
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return raw
		}
		defer zr.Close()
		r = zr
	case "br", "brotli":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return raw
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return raw
	}
	return out
}
