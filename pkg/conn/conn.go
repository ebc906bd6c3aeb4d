package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/pushtoast/pkg/metrics"
)

const (
	// DefaultMaxReconnectAttempts bounds consecutive automatic reconnects.
	DefaultMaxReconnectAttempts = 10
	// DefaultReconnectInterval is the fixed delay between a close and the next attempt.
	DefaultReconnectInterval = 3 * time.Second
	// DefaultPingInterval is how often a keepalive ping is sent while open.
	DefaultPingInterval = 30 * time.Second
	// DefaultReadTimeout closes a transport that received nothing, not even a
	// server ping, for this long.
	DefaultReadTimeout = 90 * time.Second

	defaultMaxMessageBytes = 1 << 20 // 1MB
	pongWriteTimeout       = 5 * time.Second
)

var (
	// ErrMaxRetriesExceeded is reported once the reconnect budget is spent.
	// No further attempt happens until the host becomes visible again.
	ErrMaxRetriesExceeded = errors.New("maximum reconnect attempts reached")
	// ErrTransportClosed is the close cause when the peer closed cleanly.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNotConnected is returned by Send while the transport is not open.
	ErrNotConnected = errors.New("not connected")

	errWoken = errors.New("reconnect requested")
)

// TransportError is a transient failure of the underlying WebSocket.
// It is diagnostic only; reconnection is driven by the close that follows it.
type TransportError struct {
	Err error
	Op  string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config holds the configuration for a connection.
type Config struct {
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	OnOpen    func()
	OnClose   func(error)
	OnError   func(error)
	OnMessage func([]byte)
	OnGiveUp  func(error)
	// Header is sent with every handshake, e.g. session cookies.
	Header http.Header
	// Origin is the page origin the endpoint lives on, e.g. "https://example.com".
	Origin               string
	ReconnectInterval    time.Duration
	PingInterval         time.Duration
	ReadTimeout          time.Duration
	MaxReconnectAttempts int
	MaxMessageBytes      int
	NoReconnect          bool
}

// Conn is a single logical connection to an endpoint with bounded automatic
// reconnection. At most one transport is live at any time.
type Conn struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	ws         *websocket.Conn
	stopCh     chan struct{}
	stoppedCh  chan struct{}
	wake       chan struct{}
	cancelRun  context.CancelFunc
	cancelWait context.CancelFunc
	endpoint   Endpoint
	url        string
	config     Config
	mu         sync.RWMutex
	writeMu    sync.Mutex
	stopOnce   sync.Once
	state      State
	visibility Visibility
	retries    int
	started    bool
	woken      bool
}

// New validates the configuration and returns a connection for endpoint.
// Nothing is dialed until Start.
func New(endpoint Endpoint, config Config) (*Conn, error) {
	if config.Origin == "" {
		return nil, errors.New("origin is required")
	}
	u, err := endpoint.URL(config.Origin)
	if err != nil {
		return nil, err
	}

	if config.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max reconnect attempts must not be negative, got %d", config.MaxReconnectAttempts)
	}
	if config.ReconnectInterval < 0 {
		return nil, fmt.Errorf("reconnect interval must not be negative, got %s", config.ReconnectInterval)
	}
	if config.PingInterval < 0 || config.ReadTimeout < 0 {
		return nil, errors.New("ping interval and read timeout must not be negative")
	}

	// Set defaults
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.NoReconnect {
		config.MaxReconnectAttempts = 0
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.PingInterval == 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaultMaxMessageBytes
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Conn{
		logger:     logger.With("endpoint", string(endpoint)),
		metrics:    config.Metrics,
		config:     config,
		endpoint:   endpoint,
		url:        u,
		state:      StateConnecting,
		visibility: Visible,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}, nil
}

// URL returns the WebSocket URL the connection dials.
func (c *Conn) URL() string {
	return c.url
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Retries returns the number of consecutive reconnect attempts since the last
// open or visibility reset.
func (c *Conn) Retries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retries
}

// Visibility returns the last visibility reported by the host.
func (c *Conn) Visibility() Visibility {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibility
}

// Start activates the connection and keeps it alive until ctx is cancelled
// (returning ctx.Err()) or Stop is called (returning nil).
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("connection already started")
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.mu.Unlock()

	defer close(c.stoppedCh)
	defer cancel()

	select {
	case <-c.stopCh:
		c.logger.Info("Connection stop requested")
		return nil
	default:
	}

	immediate := true
	for {
		ws, err := c.reconnect(ctx, immediate)
		if ws != nil {
			c.serve(ctx, ws)
			if ctx.Err() != nil {
				return c.exitErr(ctx)
			}
			if c.scheduleRetry() {
				immediate = false
				continue
			}
			err = ErrMaxRetriesExceeded
		}
		if ctx.Err() != nil {
			return c.exitErr(ctx)
		}

		if errors.Is(err, errWoken) {
			immediate = true
			continue
		}
		c.giveUp(err)
		select {
		case <-ctx.Done():
			return c.exitErr(ctx)
		case <-c.wake:
			immediate = true
		}
	}
}

// Stop closes the transport, cancels any pending retry and waits for Start to
// return. It is safe to call more than once and before Start.
func (c *Conn) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	started := c.started
	cancel := c.cancelRun
	ws := c.ws
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		if err := ws.Close(); err != nil {
			c.logger.Debug("Error closing websocket on shutdown", "error", err)
		}
	}
	if started {
		<-c.stoppedCh
	}
}

// SetVisibility records the host's visibility. Becoming visible resets the
// retry counter and, if the connection is closed, reconnects immediately
// instead of waiting for the retry interval.
func (c *Conn) SetVisibility(v Visibility) {
	c.mu.Lock()
	c.visibility = v
	if v != Visible {
		c.mu.Unlock()
		return
	}
	c.retries = 0
	if c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.woken = true
	if c.cancelWait != nil {
		c.cancelWait()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.mu.Unlock()

	c.logger.Info("Host visible again, reconnecting", "url", c.url)
}

// Send writes v as a JSON text frame.
func (c *Conn) Send(v any) error {
	c.mu.RLock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.RUnlock()
	if ws == nil || !open {
		return ErrNotConnected
	}

	return c.send(ws, v, 0)
}

// send writes one JSON frame. A positive timeout bounds the write.
func (c *Conn) send(ws *websocket.Conn, v any, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		defer func() {
			if err := ws.SetWriteDeadline(time.Time{}); err != nil {
				c.logger.Debug("Failed to clear write deadline", "error", err)
			}
		}()
	}
	if err := websocket.JSON.Send(ws, v); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn) exitErr(ctx context.Context) error {
	select {
	case <-c.stopCh:
		c.logger.Info("Connection stopped", "url", c.url)
		return nil
	default:
		c.logger.Info("Connection context cancelled, shutting down", "url", c.url)
		return ctx.Err()
	}
}

// reconnect runs one retry episode and returns an open transport, errWoken
// when a visibility change interrupted it, or the last transport error.
// A non-immediate episode waits the retry interval before its first attempt;
// that attempt was already counted by whoever scheduled it.
func (c *Conn) reconnect(ctx context.Context, immediate bool) (*websocket.Conn, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.woken {
		c.woken = false
		c.retries = 0
		immediate = true
	}
	select {
	case <-c.wake:
	default:
	}
	c.cancelWait = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cancelWait = nil
		c.mu.Unlock()
	}()

	if !immediate {
		timer := time.NewTimer(c.config.ReconnectInterval)
		defer timer.Stop()
		select {
		case <-waitCtx.Done():
			return nil, c.interrupted(ctx)
		case <-timer.C:
		}
	}

	// scheduleRetry is the only budget, so every counted retry is dialed.
	var ws *websocket.Conn
	err := retry.Do(func() error {
		conn, err := c.activate(waitCtx)
		if err != nil {
			c.transportFailed(err)
			if waitCtx.Err() != nil || !c.scheduleRetry() {
				return retry.Unrecoverable(err)
			}
			return err
		}
		ws = conn
		return nil
	},
		retry.Context(waitCtx),
		retry.UntilSucceeded(),
		retry.Delay(c.config.ReconnectInterval),
		retry.DelayType(retry.FixedDelay),
	)

	if ws != nil {
		return ws, nil
	}
	if waitCtx.Err() != nil {
		return nil, c.interrupted(ctx)
	}
	return nil, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
}

func (c *Conn) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errWoken
}

// activate dials the endpoint.
func (c *Conn) activate(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	c.state = StateConnecting
	n := c.retries
	c.mu.Unlock()

	if n == 0 {
		c.logger.Info("Connecting to WebSocket server", "url", c.url)
	} else {
		c.logger.Info("Reconnecting to WebSocket server", "url", c.url, "attempt", n)
	}

	wsConfig, err := websocket.NewConfig(c.url, c.config.Origin)
	if err != nil {
		return nil, &TransportError{Op: "config", Err: err}
	}
	for k, v := range c.config.Header {
		wsConfig.Header[k] = v
	}

	ws, err := wsConfig.DialContext(ctx)
	if err != nil {
		c.metrics.ConnAttempt(string(c.endpoint), metrics.ResultFailure)
		return nil, &TransportError{Op: "dial", Err: err}
	}
	c.metrics.ConnAttempt(string(c.endpoint), metrics.ResultSuccess)
	return ws, nil
}

// transportFailed handles a failed dial: an error followed by a close.
func (c *Conn) transportFailed(err error) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Error("WebSocket error", "url", c.url, "error", err)
	if c.config.OnError != nil {
		c.config.OnError(err)
	}
	c.logger.Info("WebSocket disconnected", "url", c.url)
	if c.config.OnClose != nil {
		c.config.OnClose(err)
	}
}

// scheduleRetry counts the next automatic attempt. It reports false once the
// budget is spent.
func (c *Conn) scheduleRetry() bool {
	c.mu.Lock()
	if c.retries >= c.config.MaxReconnectAttempts {
		c.mu.Unlock()
		return false
	}
	c.retries++
	n := c.retries
	c.mu.Unlock()

	c.metrics.Reconnect(string(c.endpoint))
	c.logger.Info("Trying to reconnect",
		"in", c.config.ReconnectInterval,
		"attempt", n,
		"max_attempts", c.config.MaxReconnectAttempts)
	return true
}

func (c *Conn) giveUp(err error) {
	c.metrics.GiveUp(string(c.endpoint))
	c.logger.Error("Maximum number of reconnect attempts reached",
		"url", c.url,
		"max_attempts", c.config.MaxReconnectAttempts,
		"error", err)
	if c.config.OnGiveUp != nil {
		c.config.OnGiveUp(err)
	}
}

// serve owns an open transport until it closes.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	ws.MaxPayloadBytes = c.config.MaxMessageBytes

	c.mu.Lock()
	if prev := c.ws; prev != nil {
		_ = prev.Close() //nolint:errcheck // replaced transport
	}
	c.ws = ws
	c.retries = 0
	c.state = StateOpen
	c.mu.Unlock()

	c.metrics.SetConnected(string(c.endpoint), true)
	c.logger.Info("✓ WebSocket connected", "url", c.url)
	if c.config.OnOpen != nil {
		c.config.OnOpen()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ws.Close() //nolint:errcheck // unblocks the reader
	})
	pingCtx, cancelPing := context.WithCancel(ctx)
	go c.sendPings(pingCtx, ws)
	readErr := c.readMessages(ws)
	cancelPing()
	stop()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.metrics.SetConnected(string(c.endpoint), false)

	if err := ws.Close(); err != nil {
		c.logger.Debug("Closing websocket", "error", err)
	}

	cause := error(ErrTransportClosed)
	switch {
	case ctx.Err() != nil:
		cause = ctx.Err()
	case errors.Is(readErr, io.EOF):
	default:
		cause = &TransportError{Op: "read", Err: readErr}
		c.logger.Error("WebSocket error", "url", c.url, "error", cause)
		if c.config.OnError != nil {
			c.config.OnError(cause)
		}
	}
	c.logger.Info("WebSocket disconnected", "url", c.url)
	if c.config.OnClose != nil {
		c.config.OnClose(cause)
	}
}

// sendPings keeps the server's read deadline fresh while the transport is open.
func (c *Conn) sendPings(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			c.logger.Debug("[KEEP-ALIVE] Sending ping", "seq", seq)
			if err := c.send(ws, keepalive{Type: pingType, Seq: seq}, pongWriteTimeout); err != nil {
				// The read deadline turns a dead peer into a close.
				c.logger.Warn("Failed to send keep-alive ping", "error", err)
				return
			}
		}
	}
}

// readMessages delivers application frames until the transport fails. Every
// frame, keepalives included, pushes the read deadline forward; a silent peer
// surfaces as a read timeout.
func (c *Conn) readMessages(ws *websocket.Conn) error {
	for {
		if err := ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return err
		}
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				c.logger.Warn("Dropping oversized message", "limit_bytes", c.config.MaxMessageBytes)
				continue
			}
			return err
		}

		if ka, ok := parseKeepalive(data); ok {
			if ka.Type == pingType {
				c.logger.Debug("[KEEP-ALIVE] Ping from server, sending pong", "seq", ka.Seq)
				if err := c.send(ws, keepalive{Type: pongType, Seq: ka.Seq}, pongWriteTimeout); err != nil {
					return err
				}
			}
			continue
		}

		c.logger.Debug("Message received", "bytes", len(data))
		if c.config.OnMessage != nil {
			c.config.OnMessage(data)
		}
	}
}
