// Package main runs pushserver, which accepts notification subscribers on
// /ws/notifications/ and broadcasts every notification POSTed to /notify.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/pushtoast/pkg/logger"
	"github.com/codeGROOVE-dev/pushtoast/pkg/metrics"
	"github.com/codeGROOVE-dev/pushtoast/pkg/push"
	"github.com/codeGROOVE-dev/pushtoast/pkg/security"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
)

type options struct {
	addr           string
	secret         string
	leDomains      string
	leCacheDir     string
	leEmail        string
	allowedOrigins []string
	maxConnsPerIP  int
	maxConnsTotal  int
	rateLimit      int
	broadcastRate  int
	letsencrypt    bool
	verbose        bool
}

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "pushserver",
		Short: "Broadcast notifications to WebSocket subscribers",
		Long: `pushserver accepts subscribers on /ws/notifications/ and fans out
every JSON object POSTed to /notify to all of them.

When a secret is configured, POST bodies must carry an
X-Signature-256: sha256=<hex hmac> header.

Examples:
  pushserver --addr=:8000
  pushserver --secret=s3cret --max-conns-per-ip=5
  pushserver --letsencrypt --le-domains=push.example.com`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8000", "HTTP service address")
	f.StringVar(&opts.secret, "secret", os.Getenv("PUSHTOAST_SECRET"), "HMAC secret for /notify and /disconnect (env PUSHTOAST_SECRET)")
	f.IntVar(&opts.maxConnsPerIP, "max-conns-per-ip", 10, "Maximum WebSocket connections per IP")
	f.IntVar(&opts.maxConnsTotal, "max-conns-total", 1000, "Maximum total WebSocket connections")
	f.IntVar(&opts.rateLimit, "rate-limit", 100, "Maximum requests per minute per IP")
	f.IntVar(&opts.broadcastRate, "broadcast-rate", 0, "Maximum broadcasts per second (0 = unpaced)")
	f.StringSliceVar(&opts.allowedOrigins, "allowed-origins", nil, "Origins allowed to publish from a browser")
	f.BoolVar(&opts.letsencrypt, "letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	f.StringVar(&opts.leDomains, "le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	f.StringVar(&opts.leCacheDir, "le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	f.StringVar(&opts.leEmail, "le-email", "", "Contact email for Let's Encrypt notifications")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every request")

	return cmd
}

func run(parent context.Context, opts options) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.SetLogger(logger.NewWithLevel(os.Stderr, logger.Level(opts.verbose)))

	if opts.secret == "" {
		logger.Warn(ctx, "no secret configured: anyone who can reach /notify can publish", nil)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	h := push.NewHub(
		push.WithBroadcastRate(opts.broadcastRate),
		push.WithMetrics(metrics.NewServer(metrics.WithRegistry(registry))),
	)
	go h.Run(ctx)

	rateLimiter := security.NewRateLimiter(opts.rateLimit, time.Minute)
	defer rateLimiter.Stop()
	connLimiter := security.NewConnectionLimiter(opts.maxConnsPerIP, opts.maxConnsTotal)

	mux := http.NewServeMux()
	mux.Handle(push.NotificationsPath, push.NewWebSocketHandler(h, connLimiter))
	mux.Handle("/notify", push.NewPublishHandler(h, opts.secret))
	mux.Handle("/disconnect", push.NewDisconnectHandler(h, opts.secret))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok clients=%d\n", h.ClientCount()) //nolint:errcheck // health probe
	})

	server := &http.Server{
		Addr:           opts.addr,
		Handler:        security.Middleware(rateLimiter, opts.allowedOrigins)(mux),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, server, opts)
	}()

	select {
	case err := <-errCh:
		h.Stop()
		h.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	h.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server shutdown error", err, nil)
	}
	h.Wait()
	if err := <-errCh; err != nil {
		return err
	}
	logger.Info(context.Background(), "server stopped", nil)
	return nil
}

func serve(ctx context.Context, server *http.Server, opts options) error {
	var err error
	if opts.letsencrypt {
		err = serveLetsEncrypt(ctx, server, opts)
	} else {
		logger.Warn(ctx, "TLS not enabled; use --letsencrypt in production", nil)
		logger.Info(ctx, "starting HTTP server", logger.Fields{"addr": opts.addr})
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func serveLetsEncrypt(ctx context.Context, server *http.Server, opts options) error {
	if opts.leDomains == "" {
		return errors.New("--letsencrypt requires --le-domains")
	}
	domains := strings.Split(opts.leDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	if err := os.MkdirAll(opts.leCacheDir, 0o700); err != nil {
		return fmt.Errorf("create Let's Encrypt cache directory: %w", err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(opts.leCacheDir),
		Email:      opts.leEmail,
	}
	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	go func() {
		logger.Info(ctx, "starting HTTP server on :80 for ACME challenges", nil)
		acme := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: readTimeout,
		}
		if err := acme.ListenAndServe(); err != nil {
			logger.Error(ctx, "ACME HTTP server error; certificate issuance may fail", err, nil)
		}
	}()

	logger.Info(ctx, "starting HTTPS server with Let's Encrypt", logger.Fields{"domains": domains})
	return server.ListenAndServeTLS("", "")
}
