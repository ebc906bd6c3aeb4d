package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/pushtoast/pkg/logger"
)

const sendBufferSize = 100

// Client is one connected WebSocket peer. Run is the only goroutine that
// writes to the connection.
type Client struct {
	conn      *websocket.Conn
	send      chan json.RawMessage
	done      chan struct{}
	ID        string
	RemoteIP  string
	closeOnce sync.Once
}

// NewClient wraps an accepted connection.
func NewClient(id, remoteIP string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		RemoteIP: remoteIP,
		conn:     conn,
		send:     make(chan json.RawMessage, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// Run writes queued notifications as text frames, plus a ping every
// pingInterval, until the client is closed, ctx is done or a write fails.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	var pingSeq int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-pingTicker.C:
			pingSeq++
			ping, err := json.Marshal(map[string]any{"type": "ping", "seq": pingSeq})
			if err != nil {
				return
			}
			if err := c.write(ping, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}
		case payload := <-c.send:
			if err := c.write(payload, writeTimeout); err != nil {
				logger.Warn(ctx, "client send failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}
		}
	}
}

func (c *Client) write(payload json.RawMessage, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.Message.Send(c.conn, string(payload)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// enqueue hands payload to the writer without blocking.
func (c *Client) enqueue(payload json.RawMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil {
			logger.Debug(context.Background(), "close client connection", logger.Fields{
				"client_id": c.ID,
				"error":     err.Error(),
			})
		}
	})
}
