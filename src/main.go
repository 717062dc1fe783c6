package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"HTTPInterceptBox/src/config"
	"HTTPInterceptBox/src/logger"
	"HTTPInterceptBox/src/tunnel"
)

func main() {
	var (
		listen  = flag.String("l", "", "address for proxy + records API to listen on (overrides config listen)")
		cfgPath = flag.String("config", "config.yaml", "path to the YAML configuration; a missing default file means built-in defaults")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	cfg, err := config.Load(*cfgPath, !explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}

	log, closer, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Writers:    cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer closer.Close()

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "err", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	var cert *tls.Certificate
	if cfg.TLS.CertFile != "" || cfg.TLS.KeyFile != "" {
		c, err := tunnel.LoadKeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			// not fatal: intercepted CONNECTs are refused instead
			log.Warn("interception certificate unavailable", "err", err)
		} else {
			cert = c
		}
	}

	a, err := newApp(cfg, cert, log)
	if err != nil {
		return err
	}
	a.logSummary()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.recoverer(a.buildProxy()),
		ReadHeaderTimeout: 30 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	log.Info("listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	drain := config.Duration(cfg.ShutdownTimeout, 10*time.Second)
	sctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("shutdown incomplete", "err", err)
	}
	// hijacked tunnels are invisible to Shutdown
	if err := a.tunnels.Wait(sctx); err != nil {
		log.Warn("tunnels still open at exit", "active", a.tunnels.Active())
	}
	a.seq.Close()
	log.Info("stopped", "ids_issued", a.seq.Issued())
	return nil
}

// logSummary prints the effective routing setup once at startup.
func (a *app) logSummary() {
	rules := make([]string, 0, a.registry.Len())
	for _, r := range a.registry.Rules() {
		rules = append(rules, r.Match+"->"+r.Target.String())
	}
	a.log.Info("HTTPInterceptBox starting",
		"version", a.cfg.Version,
		"listen", a.cfg.Listen,
		"rules", strings.Join(rules, ","),
		"strategy", a.tunnels.Strategy().Name(),
		"tls_available", a.tunnels.TLSAvailable(),
		"intercept_stream", a.cfg.Intercept.Stream,
		"fallback", a.cfg.Fallback.Mode,
	)
	if a.tunnels.Strategy().Name() == config.StrategyDecrypt && !a.tunnels.TLSAvailable() && a.registry.Len() > 0 {
		a.log.Warn("no interception certificate: CONNECTs to intercepted hosts will be answered with 502")
	}
}

// recoverer turns a panic in a connection goroutine into a logged fatal exit.
func (a *app) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				a.log.Error("panic", "value", fmt.Sprint(v), "stack", string(debug.Stack()))
				a.seq.Close()
				os.Exit(1)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
