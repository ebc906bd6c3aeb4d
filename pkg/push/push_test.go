package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/pushtoast/pkg/metrics"
	"github.com/codeGROOVE-dev/pushtoast/pkg/security"
)

func startHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(opts...)
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.Wait()
	})
	return h
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", h.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcast(t *testing.T) {
	h := startHub(t)

	client1 := NewClient("client1", "10.0.0.1", nil)
	client2 := NewClient("client2", "10.0.0.2", nil)
	h.Register(client1)
	h.Register(client2)
	waitForClients(t, h, 2)

	payload := json.RawMessage(`{"title":"T","message":"M","tag":"info"}`)
	n, err := h.Broadcast(context.Background(), payload)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 2 {
		t.Errorf("reached = %d, want 2", n)
	}
	for _, c := range []*Client{client1, client2} {
		select {
		case got := <-c.send:
			if !bytes.Equal(got, payload) {
				t.Errorf("%s received %s", c.ID, got)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("%s did not receive the notification", c.ID)
		}
	}

	h.Unregister("client1")
	waitForClients(t, h, 1)
	select {
	case <-client1.Done():
	default:
		t.Error("unregister should close the client")
	}

	n, err = h.Broadcast(context.Background(), payload)
	if err != nil || n != 1 {
		t.Errorf("Broadcast after unregister = %d, %v; want 1", n, err)
	}
}

func TestHubMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := startHub(t, WithMetrics(metrics.NewServer(metrics.WithRegistry(reg))))

	live := NewClient("live", "10.0.0.1", nil)
	gone := NewClient("gone", "10.0.0.2", nil)
	gone.Close()
	h.Register(live)
	h.Register(gone)
	waitForClients(t, h, 2)

	// Run handles registrations before the broadcast, so the gauge is current
	// once Broadcast returns.
	if _, err := h.Broadcast(context.Background(), json.RawMessage(`{"message":"M"}`)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	want := `
# HELP pushtoast_server_broadcasts_total Notifications fanned out to subscribers
# TYPE pushtoast_server_broadcasts_total counter
pushtoast_server_broadcasts_total 1
# HELP pushtoast_server_deliveries_total Per-subscriber deliveries by result
# TYPE pushtoast_server_deliveries_total counter
pushtoast_server_deliveries_total{result="dropped"} 1
pushtoast_server_deliveries_total{result="queued"} 1
# HELP pushtoast_server_subscribers Connected notification subscribers
# TYPE pushtoast_server_subscribers gauge
pushtoast_server_subscribers 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}

func TestHubSkipsClosedClients(t *testing.T) {
	h := startHub(t)
	open := NewClient("open", "10.0.0.1", nil)
	closed := NewClient("closed", "10.0.0.2", nil)
	h.Register(open)
	h.Register(closed)
	waitForClients(t, h, 2)

	closed.Close()
	n, err := h.Broadcast(context.Background(), json.RawMessage(`{}`))
	if err != nil || n != 1 {
		t.Errorf("Broadcast = %d, %v; want 1", n, err)
	}
}

func TestHubStop(t *testing.T) {
	h := NewHub()
	go h.Run(context.Background())

	client := NewClient("c", "10.0.0.1", nil)
	h.Register(client)
	waitForClients(t, h, 1)

	h.Stop()
	h.Stop()
	h.Wait()

	select {
	case <-client.Done():
	default:
		t.Error("stopping the hub should close its clients")
	}
	if _, err := h.Broadcast(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Broadcast after stop = %v, want ErrHubStopped", err)
	}
}

func TestHubBroadcastRate(t *testing.T) {
	h := startHub(t, WithBroadcastRate(20))

	start := time.Now()
	for range 4 {
		if _, err := h.Broadcast(context.Background(), json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	// Four paced broadcasts at 20/s span at least three 50ms gaps.
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("4 broadcasts took %s, want paced to >= 120ms", elapsed)
	}
}

func signedRequest(t *testing.T, path, body, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(security.SignatureHeader, security.Sign([]byte(body), secret))
	}
	return req
}

func TestPublishHandler(t *testing.T) {
	h := startHub(t)
	client := NewClient("c", "10.0.0.1", nil)
	h.Register(client)
	waitForClients(t, h, 1)

	const secret = "testsecret"
	handler := NewPublishHandler(h, secret)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{
			name:   "wrong method",
			req:    httptest.NewRequest(http.MethodGet, "/notify", http.NoBody),
			status: http.StatusMethodNotAllowed,
		},
		{
			name:   "missing signature",
			req:    signedRequest(t, "/notify", `{"message":"m"}`, ""),
			status: http.StatusUnauthorized,
		},
		{
			name:   "wrong secret",
			req:    signedRequest(t, "/notify", `{"message":"m"}`, "other"),
			status: http.StatusUnauthorized,
		},
		{
			name:   "array body",
			req:    signedRequest(t, "/notify", `[1,2]`, secret),
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid json",
			req:    signedRequest(t, "/notify", `{"message":`, secret),
			status: http.StatusBadRequest,
		},
		{
			name:   "too large",
			req:    signedRequest(t, "/notify", `{"message":"`+strings.Repeat("x", maxPublishBytes)+`"}`, secret),
			status: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tt.req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
	if len(client.send) != 0 {
		t.Fatal("rejected publishes must not reach clients")
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedRequest(t, "/notify", ` {"title":"T","message":"M"} `, secret))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var result PublishResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Clients != 1 {
		t.Errorf("clients = %d, want 1", result.Clients)
	}
	if got := <-client.send; string(got) != `{"title":"T","message":"M"}` {
		t.Errorf("client received %s", got)
	}
}

func TestPublishWithoutSecret(t *testing.T) {
	h := startHub(t)
	w := httptest.NewRecorder()
	NewPublishHandler(h, "").ServeHTTP(w, signedRequest(t, "/notify", `{"message":"m"}`, ""))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}

// pushServer runs the subscriber and admin endpoints behind the security middleware.
func pushServer(t *testing.T, h *Hub, limiter *security.ConnectionLimiter) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(NotificationsPath, NewWebSocketHandler(h, limiter))
	mux.Handle("/notify", NewPublishHandler(h, ""))
	mux.Handle("/disconnect", NewDisconnectHandler(h, ""))
	srv := httptest.NewServer(security.Middleware(nil, nil)(mux))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+NotificationsPath, "", srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() }) //nolint:errcheck // test cleanup
	return ws
}

func receive(t *testing.T, ws *websocket.Conn) (string, error) {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var msg string
	err := websocket.Message.Receive(ws, &msg)
	return msg, err
}

func TestWebSocketDeliveryAndDisconnect(t *testing.T) {
	h := startHub(t)
	limiter := security.NewConnectionLimiter(10, 100)
	srv := pushServer(t, h, limiter)

	ws1 := dial(t, srv)
	ws2 := dial(t, srv)
	waitForClients(t, h, 2)

	resp, err := http.Post(srv.URL+"/notify", "application/json", strings.NewReader(`{"action":"redirect","url":"/x"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // test
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status = %d", resp.StatusCode)
	}

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		msg, err := receive(t, ws)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if msg != `{"action":"redirect","url":"/x"}` {
			t.Errorf("received %q", msg)
		}
	}

	resp, err = http.Post(srv.URL+"/disconnect", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // test
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d", resp.StatusCode)
	}

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		if _, err := receive(t, ws); err == nil {
			t.Error("expected the connection to be closed")
		}
	}
	waitForClients(t, h, 0)
	deadline := time.Now().Add(2 * time.Second)
	for limiter.Total() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("limiter still holds %d slots", limiter.Total())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketConnectionLimit(t *testing.T) {
	h := startHub(t)
	limiter := security.NewConnectionLimiter(1, 100)
	srv := pushServer(t, h, limiter)

	dial(t, srv)
	waitForClients(t, h, 1)

	second := dial(t, srv)
	if _, err := receive(t, second); err == nil {
		t.Error("connection over the per-IP limit should be closed")
	}
	if got := h.ClientCount(); got != 1 {
		t.Errorf("client count = %d, want 1", got)
	}
}

func keepaliveServer(t *testing.T, h *Hub, ping, read time.Duration) *httptest.Server {
	t.Helper()
	handler := NewWebSocketHandler(h, nil)
	handler.pingInterval = ping
	handler.readTimeout = read
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketSendsPings(t *testing.T) {
	h := startHub(t)
	srv := keepaliveServer(t, h, 20*time.Millisecond, time.Hour)
	ws := dial(t, srv)

	msg, err := receive(t, ws)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var ping struct {
		Type string `json:"type"`
		Seq  int64  `json:"seq"`
	}
	if err := json.Unmarshal([]byte(msg), &ping); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	if ping.Type != "ping" || ping.Seq != 1 {
		t.Errorf("first frame = %q, want ping 1", msg)
	}
}

func TestWebSocketDropsSilentSubscriber(t *testing.T) {
	h := startHub(t)
	srv := keepaliveServer(t, h, time.Hour, 100*time.Millisecond)

	dial(t, srv)
	waitForClients(t, h, 1)
	waitForClients(t, h, 0)
}

func TestWebSocketKeepsTalkingSubscriber(t *testing.T) {
	h := startHub(t)
	srv := keepaliveServer(t, h, time.Hour, 150*time.Millisecond)

	ws := dial(t, srv)
	waitForClients(t, h, 1)
	for range 6 {
		time.Sleep(50 * time.Millisecond)
		if err := websocket.Message.Send(ws, `{"type":"ping"}`); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if got := h.ClientCount(); got != 1 {
		t.Errorf("client count = %d, pings should keep the subscriber", got)
	}
}
