// Package toast presents notifications outside a browser: a terminal toast
// renderer, a navigator for redirects and the reject action of match toasts.
package toast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/codeGROOVE-dev/pushtoast/pkg/notify"
)

// ErrUnknownToast is returned for ids that are not pending.
var ErrUnknownToast = errors.New("no such toast")

const ansiReset = "\x1b[0m"

var backgrounds = map[string]string{
	"bg-primary":   "44",
	"bg-secondary": "100",
	"bg-success":   "42",
	"bg-danger":    "41",
	"bg-warning":   "43",
	"bg-info":      "46",
	"bg-light":     "47",
	"bg-dark":      "40",
}

// Pending is an open match toast.
type Pending struct {
	Toast notify.Toast
	ID    int
}

// TerminalConfig configures a Terminal.
type TerminalConfig struct {
	Out       io.Writer
	Navigator notify.Navigator
	Rejecter  *Rejecter
	Logger    *slog.Logger
	NoColor   bool
}

// Terminal renders toasts as lines of text. Match toasts stay pending until
// accepted, rejected or dismissed.
type Terminal struct {
	out       io.Writer
	navigator notify.Navigator
	rejecter  *Rejecter
	logger    *slog.Logger
	pending   map[int]notify.Toast
	nextID    int
	mu        sync.Mutex
	noColor   bool
}

// NewTerminal creates a terminal presenter.
func NewTerminal(config TerminalConfig) *Terminal {
	out := config.Out
	if out == nil {
		out = os.Stdout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Terminal{
		out:       out,
		navigator: config.Navigator,
		rejecter:  config.Rejecter,
		logger:    logger,
		pending:   make(map[int]notify.Toast),
		noColor:   config.NoColor,
	}
}

// Present implements notify.Presenter.
func (t *Terminal) Present(toast notify.Toast) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	b.WriteString(t.header(toast))
	b.WriteString(" ")
	b.WriteString(toast.Body)
	b.WriteString("\n")

	if toast.Actionable() {
		t.nextID++
		id := t.nextID
		t.pending[id] = toast
		fmt.Fprintf(&b, "  #%d  [accept %d] %s   [reject %d] %s\n",
			id, id, label(toast.Data.AcceptText, "Accept"), id, label(toast.Data.RejectText, "Reject"))
	}

	if _, err := io.WriteString(t.out, b.String()); err != nil {
		t.logger.Debug("Failed to write toast", "error", err)
	}
}

func (t *Terminal) header(toast notify.Toast) string {
	title := toast.Title
	if title == "" {
		title = "Notification"
	}
	if t.noColor {
		tag := toast.Tag
		if tag == "" {
			tag = "primary"
		}
		return fmt.Sprintf("[%s] %s:", tag, title)
	}
	bg, ok := backgrounds[toast.Style.Background]
	if !ok {
		bg = backgrounds["bg-primary"]
	}
	fg := "30"
	if toast.Style.Dark() {
		fg = "97"
	}
	return fmt.Sprintf("\x1b[%s;%sm %s %s", bg, fg, title, ansiReset)
}

func label(text, fallback string) string {
	if text == "" {
		return fallback
	}
	return text
}

// Accept follows the accept link of a pending match toast.
func (t *Terminal) Accept(id int) error {
	toast, err := t.take(id)
	if err != nil {
		return err
	}
	if toast.Data.AcceptURL == "" {
		return fmt.Errorf("toast %d has no accept url", id)
	}
	if t.navigator == nil {
		return errors.New("no navigator configured")
	}
	t.navigator.Navigate(toast.Data.AcceptURL)
	return nil
}

// Reject dismisses a pending match toast and sends its reject request.
func (t *Terminal) Reject(ctx context.Context, id int) error {
	toast, err := t.take(id)
	if err != nil {
		return err
	}
	if t.rejecter == nil {
		return errors.New("no rejecter configured")
	}
	return t.rejecter.Reject(ctx, toast.Data.RejectURL)
}

// Dismiss forgets a pending toast.
func (t *Terminal) Dismiss(id int) error {
	_, err := t.take(id)
	return err
}

// Pending lists open match toasts in arrival order.
func (t *Terminal) Pending() []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pending, 0, len(t.pending))
	for id, toast := range t.pending {
		out = append(out, Pending{ID: id, Toast: toast})
	}
	slices.SortFunc(out, func(a, b Pending) int { return a.ID - b.ID })
	return out
}

func (t *Terminal) take(id int) (notify.Toast, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	toast, ok := t.pending[id]
	if !ok {
		return notify.Toast{}, fmt.Errorf("toast %d: %w", id, ErrUnknownToast)
	}
	delete(t.pending, id)
	return toast, nil
}
