package routing

import "testing"

func mustRegistry(t *testing.T, rules ...Rule) *Registry {
	t.Helper()
	reg, err := NewRegistry(rules)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestClassifyPassthroughKeepsOriginal(t *testing.T) {
	c := NewClassifier(mustRegistry(t, Rule{
		Match:  "example-sports.com",
		Target: Target{Host: "127.0.0.1", Port: 3000, Scheme: SchemeHTTP},
	}))

	hosts := []string{"www.google.com", "example.org", "EXAMPLE-SPORTS.COM", ""}
	for _, h := range hosts {
		orig := Target{Host: h, Port: 443, Scheme: SchemeHTTPS}
		d := c.Classify(h, orig)
		if d.Mode != Passthrough {
			t.Fatalf("Classify(%q) mode = %s, want PASSTHROUGH", h, d.Mode)
		}
		if d.Target != orig {
			t.Fatalf("Classify(%q) target = %#v, want %#v", h, d.Target, orig)
		}
		if d.Rule != -1 {
			t.Fatalf("Classify(%q) rule = %d, want -1", h, d.Rule)
		}
	}
}

func TestClassifyInterceptUsesRuleTarget(t *testing.T) {
	target := Target{Host: "api-real.example.com", Port: 17217, Scheme: SchemeHTTPS}
	c := NewClassifier(mustRegistry(t, Rule{Match: "example-sports.com", Target: target}))

	d := c.Classify("api.example-sports.com", Target{Host: "api.example-sports.com", Port: 443, Scheme: SchemeHTTPS})
	if d.Mode != Intercept || !d.Intercepted() {
		t.Fatalf("mode = %s, want INTERCEPT", d.Mode)
	}
	if d.Target != target {
		t.Fatalf("target = %#v, want %#v", d.Target, target)
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	first := Target{Host: "first", Port: 1, Scheme: SchemeHTTP}
	second := Target{Host: "second", Port: 2, Scheme: SchemeHTTP}

	a := NewClassifier(mustRegistry(t,
		Rule{Match: "sports.com", Target: first},
		Rule{Match: "api.example-sports.com", Target: second},
	))
	b := NewClassifier(mustRegistry(t,
		Rule{Match: "api.example-sports.com", Target: second},
		Rule{Match: "sports.com", Target: first},
	))

	host := "api.example-sports.com"
	if d := a.Classify(host, Target{}); d.Target != first || d.Rule != 0 {
		t.Fatalf("order A: got %#v rule %d, want first rule", d.Target, d.Rule)
	}
	if d := b.Classify(host, Target{}); d.Target != second || d.Rule != 0 {
		t.Fatalf("order B: got %#v rule %d, want first rule", d.Target, d.Rule)
	}
}

func TestClassifySubstringMatchesUnrelatedHosts(t *testing.T) {
	c := NewClassifier(mustRegistry(t, Rule{
		Match:  "sports.com",
		Target: Target{Host: "local", Port: 80, Scheme: SchemeHTTP},
	}))
	if d := c.Classify("cdn.notsports.com.example.net", Target{}); d.Mode != Intercept {
		t.Fatalf("expected substring match to intercept, got %s", d.Mode)
	}
}

func TestNewRegistryRejectsInvalidRules(t *testing.T) {
	cases := []Rule{
		{Match: "", Target: Target{Host: "h", Port: 80, Scheme: SchemeHTTP}},
		{Match: "a", Target: Target{Host: "", Port: 80, Scheme: SchemeHTTP}},
		{Match: "a", Target: Target{Host: "h", Port: 0, Scheme: SchemeHTTP}},
		{Match: "a", Target: Target{Host: "h", Port: 80, Scheme: "ftp"}},
	}
	for i, r := range cases {
		if _, err := NewRegistry([]Rule{r}); err == nil {
			t.Fatalf("case %d: expected error for %#v", i, r)
		}
	}
}

func TestParseHostPort(t *testing.T) {
	cases := []struct {
		in       string
		def      int
		wantHost string
		wantPort int
	}{
		{"api.example.com:8443", 443, "api.example.com", 8443},
		{"api.example.com", 443, "api.example.com", 443},
		{"[::1]:9000", 80, "::1", 9000},
		{"[::1]", 80, "::1", 80},
		{"host:notaport", 80, "host", 80},
	}
	for _, c := range cases {
		h, p := ParseHostPort(c.in, c.def)
		if h != c.wantHost || p != c.wantPort {
			t.Fatalf("ParseHostPort(%q) = %q,%d want %q,%d", c.in, h, p, c.wantHost, c.wantPort)
		}
	}
}

func TestTargetAddr(t *testing.T) {
	if got := (Target{Host: "api-real.example.com", Port: 17217}).Addr(); got != "api-real.example.com:17217" {
		t.Fatalf("Addr = %q", got)
	}
	if got := (Target{Host: "::1", Port: 80}).Addr(); got != "[::1]:80" {
		t.Fatalf("Addr = %q", got)
	}
}
