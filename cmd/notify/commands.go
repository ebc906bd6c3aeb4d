package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/codeGROOVE-dev/pushtoast/pkg/conn"
	"github.com/codeGROOVE-dev/pushtoast/pkg/toast"
)

const helpText = `commands:
  list        show pending match toasts
  accept N    follow the accept link of toast N
  reject N    reject toast N
  dismiss N   forget toast N
  visible     the page became visible again (reconnects if closed)
  hidden      the page was hidden
  status      connection state, retry count and visibility
  last        the most recent redirect target
  help        this text
`

// actions is what stdin commands operate on.
type actions interface {
	Accept(id int) error
	Reject(ctx context.Context, id int) error
	Dismiss(id int) error
	Pending() []toast.Pending
}

// host is the connection side of the commands.
type host interface {
	SetVisibility(conn.Visibility)
	State() conn.State
	Retries() int
	Visibility() conn.Visibility
}

// history remembers where the last redirect went.
type history interface {
	Last() string
}

// console routes stdin commands to the toasts, the connection and the
// redirect history.
type console struct {
	actions actions
	host    host
	history history
	out     io.Writer
}

var errUnknownCommand = errors.New("unknown command")

// execute runs one command line and writes its feedback to out.
func (c *console) execute(ctx context.Context, line string) error {
	a, h, out := c.actions, c.host, c.out
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch verb := strings.ToLower(fields[0]); verb {
	case "help", "?":
		_, err := io.WriteString(out, helpText)
		return err

	case "list", "ls":
		pending := a.Pending()
		if len(pending) == 0 {
			_, err := fmt.Fprintln(out, "no pending toasts")
			return err
		}
		for _, p := range pending {
			if _, err := fmt.Fprintf(out, "#%d %s: %s\n", p.ID, p.Toast.Title, p.Toast.Body); err != nil {
				return err
			}
		}
		return nil

	case "accept", "reject", "dismiss":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s N", verb)
		}
		id, err := strconv.Atoi(strings.TrimPrefix(fields[1], "#"))
		if err != nil {
			return fmt.Errorf("invalid toast id %q", fields[1])
		}
		switch verb {
		case "accept":
			return a.Accept(id)
		case "reject":
			return a.Reject(ctx, id)
		default:
			return a.Dismiss(id)
		}

	case "visible":
		h.SetVisibility(conn.Visible)
		return nil

	case "hidden":
		h.SetVisibility(conn.Hidden)
		return nil

	case "status":
		_, err := fmt.Fprintf(out, "state=%s retries=%d visibility=%s\n", h.State(), h.Retries(), h.Visibility())
		return err

	case "last":
		target := c.history.Last()
		if target == "" {
			target = "no redirects yet"
		}
		_, err := fmt.Fprintln(out, target)
		return err

	default:
		return fmt.Errorf("%w %q (try help)", errUnknownCommand, verb)
	}
}

// readCommands executes lines from in until it is exhausted or ctx is done.
func (c *console) readCommands(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.execute(ctx, scanner.Text()); err != nil {
			if _, werr := fmt.Fprintf(c.out, "error: %v\n", err); werr != nil {
				return werr
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read commands: %w", err)
	}
	return nil
}
