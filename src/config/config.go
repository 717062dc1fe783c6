package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"HTTPInterceptBox/src/routing"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	Version string `yaml:"version"`

	Listen          string `yaml:"listen"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	Rules []routing.Rule `yaml:"rules"`

	// Local is the local substitute server.
	Local routing.Target `yaml:"local"`

	Intercept struct {
		// Stream forwards intercepted requests without buffering; the
		// transform pipeline is skipped.
		Stream bool `yaml:"stream"`
	} `yaml:"intercept"`

	Tunnel struct {
		Strategy string `yaml:"strategy"` // decrypt | retunnel
		Grace    string `yaml:"grace"`
		Retunnel struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
		} `yaml:"retunnel"`
	} `yaml:"tunnel"`

	Fallback struct {
		Mode      string          `yaml:"mode"` // fail_fast | secondary
		Secondary *routing.Target `yaml:"secondary"`
	} `yaml:"fallback"`

	Upstream struct {
		Timeout            string `yaml:"timeout"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	} `yaml:"upstream"`

	TLS struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`

	Transform struct {
		CorrelationHeader string       `yaml:"correlation_header"`
		JSONRules         []JSONRule   `yaml:"json_rules"`
		HeaderRules       []HeaderRule `yaml:"header_rules"`
		RedactHeaders     []string     `yaml:"redact_headers"`
		RedactFields      []string     `yaml:"redact_fields"`
		MaxRecordBody     int          `yaml:"max_record_body"`
	} `yaml:"transform"`

	Records struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"records"`

	Log struct {
		Level      string   `yaml:"level"`
		Writer     []string `yaml:"writer"`
		File       string   `yaml:"file"`
		MaxSizeMB  int      `yaml:"max_size_mb"`
		MaxBackups int      `yaml:"max_backups"`
		MaxAgeDays int      `yaml:"max_age_days"`
	} `yaml:"log"`
}

// JSONRule rewrites JSON bodies of matching intercepted requests or responses.
type JSONRule struct {
	PathContains string         `yaml:"path_contains"`
	Stage        string         `yaml:"stage"` // request | response
	Set          map[string]any `yaml:"set"`
	Delete       []string       `yaml:"delete"`
}

// HeaderRule edits headers of matching intercepted requests or responses.
type HeaderRule struct {
	PathContains string            `yaml:"path_contains"`
	Stage        string            `yaml:"stage"` // request | response
	Set          map[string]string `yaml:"set"`
	Add          map[string]string `yaml:"add"`
	Default      map[string]string `yaml:"default"`
	Remove       []string          `yaml:"remove"`
}

const (
	StrategyDecrypt  = "decrypt"
	StrategyRetunnel = "retunnel"

	FallbackFailFast  = "fail_fast"
	FallbackSecondary = "secondary"
)

// NewConfig returns the defaults.
func NewConfig() *Config {
	c := &Config{
		Version:         "1.0.0",
		Listen:          "127.0.0.1:8081",
		ShutdownTimeout: "10s",
		Local:           routing.Target{Host: "127.0.0.1", Port: 3000, Scheme: routing.SchemeHTTP},
	}
	c.Tunnel.Strategy = StrategyDecrypt
	c.Tunnel.Grace = "5s"
	c.Fallback.Mode = FallbackFailFast
	c.Upstream.Timeout = "30s"
	c.Transform.CorrelationHeader = "X-Intercept-Id"
	c.Transform.MaxRecordBody = 64 << 10
	c.Records.Capacity = 500
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "intercept.log"
	c.Log.MaxSizeMB = 50
	c.Log.MaxBackups = 3
	c.Log.MaxAgeDays = 14
	return c
}

// Load reads path over the defaults. A missing file is not an error when
// allowMissing is set.
func Load(path string, allowMissing bool) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, c.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			return c, c.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks values that would otherwise fail at request time.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen is empty"))
	}
	for _, d := range []struct{ name, v string }{
		{"shutdown_timeout", c.ShutdownTimeout},
		{"tunnel.grace", c.Tunnel.Grace},
		{"upstream.timeout", c.Upstream.Timeout},
	} {
		if _, err := time.ParseDuration(d.v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	if _, err := routing.NewRegistry(c.Rules); err != nil {
		errs = append(errs, err)
	}
	if err := c.Local.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("local: %w", err))
	}
	switch c.Tunnel.Strategy {
	case StrategyDecrypt:
	case StrategyRetunnel:
		if c.Tunnel.Retunnel.Host == "" || c.Tunnel.Retunnel.Port < 1 || c.Tunnel.Retunnel.Port > 65535 {
			errs = append(errs, errors.New("tunnel.retunnel needs host and port"))
		}
	default:
		errs = append(errs, fmt.Errorf("tunnel.strategy %q: want decrypt or retunnel", c.Tunnel.Strategy))
	}
	switch c.Fallback.Mode {
	case FallbackFailFast:
	case FallbackSecondary:
		if c.Fallback.Secondary != nil {
			if err := c.Fallback.Secondary.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("fallback.secondary: %w", err))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("fallback.mode %q: want fail_fast or secondary", c.Fallback.Mode))
	}
	for i, r := range c.Transform.JSONRules {
		if r.Stage != "request" && r.Stage != "response" {
			errs = append(errs, fmt.Errorf("transform.json_rules[%d]: stage %q", i, r.Stage))
		}
	}
	for i, r := range c.Transform.HeaderRules {
		if r.Stage != "request" && r.Stage != "response" {
			errs = append(errs, fmt.Errorf("transform.header_rules[%d]: stage %q", i, r.Stage))
		}
	}
	if c.Records.Capacity < 1 {
		errs = append(errs, errors.New("records.capacity must be positive"))
	}
	return errors.Join(errs...)
}

// Duration parses one of the duration fields; Validate has already checked it.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SecondaryTarget is the fallback target, defaulting to the local server.
func (c *Config) SecondaryTarget() routing.Target {
	if c.Fallback.Secondary != nil {
		return *c.Fallback.Secondary
	}
	return c.Local
}
