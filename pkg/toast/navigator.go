package toast

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sync"
)

// Opener hands a resolved URL to something that can display it, such as the
// system browser.
type Opener func(target string) error

// Navigator follows redirects by printing the resolved target and, when an
// Opener is set, opening it.
type Navigator struct {
	out    io.Writer
	origin *url.URL
	open   Opener
	logger *slog.Logger
	mu     sync.Mutex
	last   string
}

// NewNavigator creates a navigator that resolves targets against origin.
// open may be nil.
func NewNavigator(origin string, out io.Writer, open Opener, logger *slog.Logger) (*Navigator, error) {
	u, err := parseOrigin(origin)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Navigator{out: out, origin: u, open: open, logger: logger}, nil
}

// Navigate implements notify.Navigator.
func (n *Navigator) Navigate(target string) {
	u, err := resolve(n.origin, target)
	if err != nil {
		n.logger.Warn("Cannot navigate", "target", target, "error", err)
		return
	}
	abs := u.String()

	n.mu.Lock()
	n.last = abs
	if _, err := fmt.Fprintf(n.out, "=> %s\n", abs); err != nil {
		n.logger.Debug("Failed to write navigation", "error", err)
	}
	n.mu.Unlock()

	if n.open == nil {
		return
	}
	if err := n.open(abs); err != nil {
		n.logger.Warn("Failed to open url", "url", abs, "error", err)
	}
}

// Last returns the most recent resolved target, or "" before any navigation.
func (n *Navigator) Last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}
