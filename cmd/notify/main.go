// Package main provides notify, a terminal client for a server's notification
// channel. It keeps the connection alive with bounded reconnects, renders
// toasts and follows redirects.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/pushtoast/pkg/conn"
	"github.com/codeGROOVE-dev/pushtoast/pkg/logger"
	"github.com/codeGROOVE-dev/pushtoast/pkg/metrics"
	"github.com/codeGROOVE-dev/pushtoast/pkg/notify"
	"github.com/codeGROOVE-dev/pushtoast/pkg/toast"
)

const rejectTimeout = 10 * time.Second

type options struct {
	origin            string
	metricsAddr       string
	cookies           []string
	maxReconnect      int
	reconnectInterval time.Duration
	noReconnect       bool
	open              bool
	noColor           bool
	verbose           bool
}

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Receive a site's push notifications in the terminal",
		Long: `notify connects to {ws|wss}://<host>/ws/notifications/ of the given
origin and shows every notification the server pushes.

Toasts are printed as they arrive; match toasts can be accepted or
rejected from stdin. Redirects are printed and, with --open, opened
in the system browser.

When the connection drops it is retried every --reconnect-interval,
at most --max-reconnect times in a row. Type "visible" to reconnect
after the client gave up.

Examples:
  notify --origin=https://example.com --cookie sessionid=abc --cookie csrftoken=xyz
  notify --origin=http://localhost:8000 --max-reconnect=3 --reconnect-interval=1s`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.origin, "origin", os.Getenv("PUSHTOAST_ORIGIN"), "Page origin, e.g. https://example.com (env PUSHTOAST_ORIGIN)")
	f.StringArrayVar(&opts.cookies, "cookie", nil, "Session cookie as name=value (repeatable)")
	f.IntVar(&opts.maxReconnect, "max-reconnect", conn.DefaultMaxReconnectAttempts, "Consecutive reconnect attempts before giving up (0 = same as --no-reconnect)")
	f.DurationVar(&opts.reconnectInterval, "reconnect-interval", conn.DefaultReconnectInterval, "Delay before each reconnect attempt")
	f.BoolVar(&opts.noReconnect, "no-reconnect", false, "Never reconnect automatically")
	f.BoolVar(&opts.open, "open", false, "Open redirects in the system browser")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable ANSI colours")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	return cmd
}

func run(parent context.Context, opts options) error {
	if opts.origin == "" {
		return errors.New("origin required: --origin or PUSHTOAST_ORIGIN")
	}
	maxReconnect, noReconnect, err := opts.reconnectPolicy()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.NewWithLevel(os.Stderr, logger.Level(opts.verbose))
	logger.SetLogger(log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(metrics.WithRegistry(registry))
	if opts.metricsAddr != "" {
		go serveMetrics(ctx, log, opts.metricsAddr, registry)
	}

	jar, err := toast.NewCookieJar(opts.origin, opts.cookies)
	if err != nil {
		return err
	}
	header := http.Header{}
	if cookie := toast.CookieHeader(jar, opts.origin); cookie != "" {
		header.Set("Cookie", cookie)
	}

	var opener toast.Opener
	if opts.open {
		opener = openURL
	}
	navigator, err := toast.NewNavigator(opts.origin, os.Stdout, opener, log)
	if err != nil {
		return err
	}
	rejecter, err := toast.NewRejecter(toast.RejecterConfig{
		Origin:  opts.origin,
		Client:  &http.Client{Jar: jar, Timeout: rejectTimeout},
		Logger:  log,
		Metrics: recorder,
	})
	if err != nil {
		return err
	}
	terminal := toast.NewTerminal(toast.TerminalConfig{
		Out:       os.Stdout,
		Navigator: navigator,
		Rejecter:  rejecter,
		Logger:    log,
		NoColor:   opts.noColor,
	})

	ch, err := notify.New(notify.Config{
		Origin:               opts.origin,
		Presenter:            terminal,
		Navigator:            navigator,
		Logger:               log,
		Metrics:              recorder,
		Header:               header,
		MaxReconnectAttempts: maxReconnect,
		ReconnectInterval:    opts.reconnectInterval,
		NoReconnect:          noReconnect,
	})
	if err != nil {
		return err
	}
	log.Info("Connecting", "url", ch.Conn().URL())

	cons := &console{actions: terminal, host: ch.Conn(), history: navigator, out: os.Stdout}
	go func() {
		if err := cons.readCommands(ctx, os.Stdin); err != nil {
			log.Warn("Command input closed", "error", err)
		}
	}()

	err = ch.Start(ctx)
	ch.Stop()
	if errors.Is(err, context.Canceled) {
		log.Info("Stopped")
		return nil
	}
	return err
}

// reconnectPolicy maps the flags onto the connection's budget. An explicit
// --max-reconnect=0 disables reconnects instead of selecting the default.
func (o options) reconnectPolicy() (maxAttempts int, noReconnect bool, err error) {
	switch {
	case o.maxReconnect < 0:
		return 0, false, fmt.Errorf("--max-reconnect must not be negative, got %d", o.maxReconnect)
	case o.noReconnect || o.maxReconnect == 0:
		return 0, true, nil
	default:
		return o.maxReconnect, false, nil
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Debug("Metrics server shutdown", "error", err)
		}
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Metrics server failed", "error", err)
	}
}

// openURL hands target to the platform's browser launcher.
func openURL(target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %s: %w", target, err)
	}
	go cmd.Wait() //nolint:errcheck // reap the launcher
	return nil
}
