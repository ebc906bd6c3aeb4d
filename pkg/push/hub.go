// Package push is the producing side of the notification channel: a hub of
// connected WebSocket clients and HTTP handlers that publish notifications to
// every one of them.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"github.com/codeGROOVE-dev/pushtoast/pkg/logger"
	"github.com/codeGROOVE-dev/pushtoast/pkg/metrics"
)

var (
	// ErrHubFull is returned when the broadcast queue is at capacity.
	ErrHubFull = errors.New("hub at capacity")
	// ErrHubStopped is returned once the hub has stopped.
	ErrHubStopped = errors.New("hub stopped")
)

const (
	registerBufferSize   = 100
	unregisterBufferSize = 100
	broadcastBufferSize  = 1000
	statsInterval        = time.Minute
)

type broadcastMsg struct {
	reached chan int
	payload json.RawMessage
}

// Hub tracks connected clients and fans published notifications out to them.
// Run owns registration and delivery.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan string
	broadcast  chan broadcastMsg
	stop       chan struct{}
	stopped    chan struct{}
	pace       ratelimit.Limiter
	metrics    *metrics.Server
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBroadcastRate paces fan-out to at most perSecond broadcasts per second.
// Zero or negative leaves broadcasts unpaced.
func WithBroadcastRate(perSecond int) HubOption {
	return func(h *Hub) {
		if perSecond > 0 {
			h.pace = ratelimit.New(perSecond, ratelimit.WithoutSlack)
		}
	}
}

// WithMetrics records subscriber and delivery counts on m.
func WithMetrics(m *metrics.Server) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, registerBufferSize),
		unregister: make(chan string, unregisterBufferSize),
		broadcast:  make(chan broadcastMsg, broadcastBufferSize),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		pace:       ratelimit.NewUnlimited(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes registrations and broadcasts until ctx is done or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup(ctx)

	logger.Info(ctx, "hub started", nil)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return

		case <-ticker.C:
			logger.Info(ctx, "hub stats", logger.Fields{"total_clients": h.ClientCount()})

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetSubscribers(total)
			logger.Info(ctx, "client registered", logger.Fields{
				"client_id":     client.ID,
				"ip":            client.RemoteIP,
				"total_clients": total,
			})

		case id := <-h.unregister:
			h.mu.Lock()
			client, ok := h.clients[id]
			if ok {
				delete(h.clients, id)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if !ok {
				logger.Debug(ctx, "unregister for unknown client", logger.Fields{"client_id": id})
				continue
			}
			client.Close()
			h.metrics.SetSubscribers(total)
			logger.Info(ctx, "client unregistered", logger.Fields{"client_id": id, "total_clients": total})

		case msg := <-h.broadcast:
			h.pace.Take()
			msg.reached <- h.fanOut(ctx, msg.payload)
		}
	}
}

func (h *Hub) fanOut(ctx context.Context, payload json.RawMessage) int {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		snapshot = append(snapshot, client)
	}
	h.mu.RUnlock()

	reached, dropped := 0, 0
	for _, client := range snapshot {
		if client.enqueue(payload) {
			reached++
			continue
		}
		dropped++
		logger.Warn(ctx, "dropped notification for client", logger.Fields{"client_id": client.ID})
	}
	h.metrics.Broadcast(reached, dropped)
	if len(snapshot) == 0 {
		logger.Warn(ctx, "broadcast with no clients connected", logger.Fields{"bytes": len(payload)})
	}
	logger.Info(ctx, "broadcast notification", logger.Fields{
		"reached":       reached,
		"dropped":       dropped,
		"total_clients": len(snapshot),
	})
	return reached
}

// Broadcast queues payload for every connected client and returns how many
// clients it was handed to.
func (h *Hub) Broadcast(ctx context.Context, payload json.RawMessage) (int, error) {
	msg := broadcastMsg{payload: payload, reached: make(chan int, 1)}
	select {
	case <-h.stopped:
		return 0, ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- msg:
	default:
		logger.Warn(ctx, "dropping broadcast: hub at capacity", nil)
		return 0, ErrHubFull
	}

	select {
	case n := <-msg.reached:
		return n, nil
	case <-h.stopped:
		return 0, ErrHubStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// DisconnectAll closes every client connection and returns how many were
// closed. Clients are expected to reconnect.
func (h *Hub) DisconnectAll() int {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		snapshot = append(snapshot, client)
	}
	h.mu.RUnlock()

	for _, client := range snapshot {
		client.Close()
	}
	return len(snapshot)
}

// Register adds a client. It is a no-op once the hub has stopped.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
		client.Close()
	}
}

// Unregister removes a client by ID.
func (h *Hub) Unregister(id string) {
	select {
	case h.unregister <- id:
	case <-h.stopped:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop signals the hub to stop. It is safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Wait blocks until Run has returned.
func (h *Hub) Wait() {
	<-h.stopped
}

func (h *Hub) cleanup(ctx context.Context) {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
	h.metrics.SetSubscribers(0)
	logger.Info(ctx, "hub cleanup complete", logger.Fields{"closed_clients": len(clients)})
}
