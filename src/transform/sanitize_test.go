package transform

import (
	"bytes"
	"compress/gzip"
	"reflect"
	"strings"
	"testing"

	"HTTPInterceptBox/src/traffic"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"
)

func sampleRecord() Record {
	reqH := traffic.Header{
		{Name: "Authorization", Value: "Bearer abc"},
		{Name: "Cookie", Value: "sid=1"},
		{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
	}
	respH := traffic.Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Set-Cookie", Value: "sid=2; HttpOnly"},
	}
	return Record{
		ID:       "1-1",
		URL:      "https://api.example-sports.com/login?user=bob&access_token=xyz",
		Request:  NewMessage(reqH, []byte("user=bob&password=hunter2"), 0),
		Response: NewMessage(respH, []byte(`{"user":{"name":"bob","SessionToken":"s3cr3t","keys":[{"secret":"k"}]},"ok":true}`), 0),
	}
}

func TestSanitizeRedactsCredentials(t *testing.T) {
	out := Sanitize(sampleRecord())

	if out.Request.Headers.Get("Authorization") != Redacted || out.Request.Headers.Get("Cookie") != Redacted {
		t.Fatalf("request headers not redacted: %#v", out.Request.Headers)
	}
	if out.Response.Headers.Get("Set-Cookie") != Redacted {
		t.Fatalf("set-cookie not redacted")
	}
	if out.Request.Headers.Get("Content-Type") == Redacted {
		t.Fatalf("content-type should be kept")
	}
	if strings.Contains(out.Request.Body, "hunter2") || !strings.Contains(out.Request.Body, "user=bob") {
		t.Fatalf("form body = %q", out.Request.Body)
	}
	if strings.Contains(out.URL, "xyz") || !strings.Contains(out.URL, "user=bob") {
		t.Fatalf("url = %q", out.URL)
	}
	body := []byte(out.Response.Body)
	if gjson.GetBytes(body, "user.SessionToken").String() != Redacted {
		t.Fatalf("nested token not redacted: %s", body)
	}
	if gjson.GetBytes(body, "user.keys.0.secret").String() != Redacted {
		t.Fatalf("array secret not redacted: %s", body)
	}
	if gjson.GetBytes(body, "user.name").String() != "bob" || !gjson.GetBytes(body, "ok").Bool() {
		t.Fatalf("non-sensitive fields changed: %s", body)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	once := Sanitize(sampleRecord())
	twice := Sanitize(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent:\n%#v\n%#v", once, twice)
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	in := sampleRecord()
	_ = Sanitize(in)
	if in.Request.Headers.Get("Authorization") != "Bearer abc" {
		t.Fatalf("input record was mutated")
	}
}

func TestSanitizerExtras(t *testing.T) {
	s := NewSanitizer([]string{"X-Customer"}, []string{"ssn"})
	rec := Record{Request: NewMessage(
		traffic.Header{{Name: "x-customer", Value: "42"}},
		[]byte(`{"ssn":"123-45-6789","zip":"10001"}`), 0)}
	out := s.Sanitize(rec)
	if out.Request.Headers.Get("X-Customer") != Redacted {
		t.Fatalf("extra header not redacted")
	}
	if gjson.Get(out.Request.Body, "ssn").String() != Redacted || gjson.Get(out.Request.Body, "zip").String() != "10001" {
		t.Fatalf("body = %s", out.Request.Body)
	}
}

func TestNewMessageDecodesAndTruncates(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(`{"hello":"world"}`))
	zw.Close()
	m := NewMessage(traffic.Header{{Name: "Content-Encoding", Value: "gzip"}}, gz.Bytes(), 0)
	if m.Body != `{"hello":"world"}` || m.BodySize != gz.Len() {
		t.Fatalf("gzip decode: %#v", m)
	}

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write([]byte("brotli text"))
	bw.Close()
	m = NewMessage(traffic.Header{{Name: "Content-Encoding", Value: "br"}}, br.Bytes(), 6)
	if m.Body != "brotli" || !m.BodyTruncated {
		t.Fatalf("brotli decode: %#v", m)
	}

	m = NewMessage(nil, []byte{0xff, 0xfe, 0x00}, 0)
	if !m.BodyBase64 || m.Body != "//4A" {
		t.Fatalf("binary body: %#v", m)
	}
}
