package conn

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is the path segment naming a logical channel, e.g. "notifications".
type Endpoint string

// URL builds the WebSocket URL for the endpoint relative to the page origin:
// {ws|wss}://{host}/ws/{endpoint}/. The secure scheme is used when the origin
// itself is https.
func (e Endpoint) URL(origin string) (string, error) {
	if e == "" || strings.ContainsAny(string(e), "/?#") {
		return "", fmt.Errorf("invalid endpoint %q", string(e))
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	var scheme string
	switch u.Scheme {
	case "https":
		scheme = "wss"
	case "http":
		scheme = "ws"
	default:
		return "", fmt.Errorf("origin %q must use http or https", origin)
	}

	ws := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws/" + string(e) + "/"}
	return ws.String(), nil
}

// State is the lifecycle state of a connection.
type State int

const (
	// StateConnecting means a dial is in flight.
	StateConnecting State = iota
	// StateOpen means the transport is established.
	StateOpen
	// StateClosed means there is no transport; a retry may be pending.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Visibility is the host's visibility as reported to SetVisibility.
type Visibility int

const (
	// Hidden means the host is in the background.
	Hidden Visibility = iota
	// Visible means the user is looking at the host again.
	Visible
)

func (v Visibility) String() string {
	if v == Visible {
		return "visible"
	}
	return "hidden"
}
