// Package notify interprets server-pushed notifications arriving on the
// "notifications" endpoint and hands them to a presenter or a navigator.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/pushtoast/pkg/conn"
	"github.com/codeGROOVE-dev/pushtoast/pkg/metrics"
)

// Endpoint is the channel notifications are pushed on.
const Endpoint conn.Endpoint = "notifications"

// Presenter renders toasts.
type Presenter interface {
	Present(Toast)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(Toast)

// Present calls f(t).
func (f PresenterFunc) Present(t Toast) { f(t) }

// Navigator sends the host to another location.
type Navigator interface {
	Navigate(target string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(string)

// Navigate calls f(target).
func (f NavigatorFunc) Navigate(target string) { f(target) }

// Config holds the configuration for a notification channel.
type Config struct {
	Presenter Presenter
	Navigator Navigator
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Header    http.Header
	// Origin is the page origin, e.g. "https://example.com".
	Origin               string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	NoReconnect          bool
}

// Channel owns the notifications connection and dispatches its messages.
type Channel struct {
	conn      *conn.Conn
	presenter Presenter
	navigator Navigator
	logger    *slog.Logger
	metrics   *metrics.Recorder
	timers    map[*time.Timer]struct{}
	mu        sync.Mutex
	stopped   bool
}

// New creates a channel. Nothing connects until Start.
func New(config Config) (*Channel, error) {
	if config.Presenter == nil {
		return nil, errors.New("presenter is required")
	}
	if config.Navigator == nil {
		return nil, errors.New("navigator is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ch := &Channel{
		presenter: config.Presenter,
		navigator: config.Navigator,
		logger:    logger,
		metrics:   config.Metrics,
		timers:    make(map[*time.Timer]struct{}),
	}

	c, err := conn.New(Endpoint, conn.Config{
		Origin:               config.Origin,
		Header:               config.Header,
		Logger:               logger,
		Metrics:              config.Metrics,
		MaxReconnectAttempts: config.MaxReconnectAttempts,
		ReconnectInterval:    config.ReconnectInterval,
		NoReconnect:          config.NoReconnect,
		OnMessage:            ch.Handle,
	})
	if err != nil {
		return nil, err
	}
	ch.conn = c
	return ch, nil
}

// Conn returns the underlying connection.
func (ch *Channel) Conn() *conn.Conn {
	return ch.conn
}

// Start runs the connection until ctx is cancelled or Stop is called.
func (ch *Channel) Start(ctx context.Context) error {
	return ch.conn.Start(ctx)
}

// Stop closes the connection and drops pending redirects.
func (ch *Channel) Stop() {
	ch.conn.Stop()

	ch.mu.Lock()
	ch.stopped = true
	for t := range ch.timers {
		t.Stop()
	}
	clear(ch.timers)
	ch.mu.Unlock()
}

// SetVisibility forwards a host visibility change to the connection.
func (ch *Channel) SetVisibility(v conn.Visibility) {
	ch.conn.SetVisibility(v)
}

// Handle interprets one inbound payload. Malformed payloads are logged and dropped.
func (ch *Channel) Handle(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		ch.metrics.Message(metrics.KindMalformed)
		ch.logger.Warn("Ignoring malformed notification", "error", err, "bytes", len(data))
		return
	}

	switch {
	case msg.Action == ActionRedirect:
		ch.redirect(msg)
	case msg.Message != "":
		ch.metrics.Message(metrics.KindToast)
		toast := Toast{
			Title:  msg.Title,
			Body:   msg.Message,
			Action: msg.Action,
			Data:   msg.ExtraData,
			Tag:    msg.Tag,
			Style:  StyleFor(msg.Tag),
		}
		ch.logger.Debug("Presenting toast", "title", toast.Title, "tag", toast.Tag, "action", toast.Action)
		ch.presenter.Present(toast)
	default:
		ch.metrics.Message(metrics.KindIgnored)
		ch.logger.Debug("Ignoring notification without message or redirect")
	}
}

func (ch *Channel) redirect(msg Message) {
	if msg.URL == "" {
		ch.metrics.Message(metrics.KindMalformed)
		ch.logger.Warn("Ignoring redirect without url")
		return
	}
	ch.metrics.Message(metrics.KindRedirect)
	delay := msg.RedirectDelay()
	ch.logger.Info("Redirect scheduled", "url", msg.URL, "delay", delay)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		ch.mu.Lock()
		_, pending := ch.timers[t]
		delete(ch.timers, t)
		ch.mu.Unlock()
		if pending {
			ch.navigator.Navigate(msg.URL)
		}
	})
	ch.timers[t] = struct{}{}
}
