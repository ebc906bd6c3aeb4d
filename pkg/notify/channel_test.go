package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/pushtoast/pkg/conn"
	"github.com/codeGROOVE-dev/pushtoast/pkg/metrics"
)

// recorder captures presenter and navigator calls.
type recorder struct {
	toasts    chan Toast
	navigated chan navigation
}

type navigation struct {
	at     time.Time
	target string
}

func newRecorder() *recorder {
	return &recorder{
		toasts:    make(chan Toast, 10),
		navigated: make(chan navigation, 10),
	}
}

func (r *recorder) Present(t Toast) { r.toasts <- t }

func (r *recorder) Navigate(target string) {
	r.navigated <- navigation{target: target, at: time.Now()}
}

func newTestChannel(t *testing.T, origin string, rec *recorder, m *metrics.Recorder) *Channel {
	t.Helper()
	ch, err := New(Config{
		Origin:            origin,
		Presenter:         rec,
		Navigator:         rec,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           m,
		ReconnectInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ch.Stop)
	return ch
}

func TestNewRequiresCollaborators(t *testing.T) {
	rec := newRecorder()
	if _, err := New(Config{Origin: "http://localhost", Navigator: rec}); err == nil {
		t.Error("expected error without presenter")
	}
	if _, err := New(Config{Origin: "http://localhost", Presenter: rec}); err == nil {
		t.Error("expected error without navigator")
	}
	if _, err := New(Config{Origin: "", Presenter: rec, Navigator: rec}); err == nil {
		t.Error("expected error without origin")
	}

	ch, err := New(Config{Origin: "https://example.com", Presenter: rec, Navigator: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := ch.Conn().URL(); got != "wss://example.com/ws/notifications/" {
		t.Errorf("URL = %q", got)
	}
}

func TestToastStyles(t *testing.T) {
	tests := []struct {
		payload  string
		wantBG   string
		wantText string
		dark     bool
	}{
		{`{"title":"T","message":"M","tag":"danger"}`, "bg-danger", "text-white", true},
		{`{"title":"T","message":"M","tag":"success"}`, "bg-success", "text-white", true},
		{`{"title":"T","message":"M","tag":"info"}`, "bg-info", "text-dark", false},
		{`{"title":"T","message":"M","tag":"warning"}`, "bg-warning", "text-dark", false},
		{`{"title":"T","message":"M"}`, "bg-primary", "text-dark", false},
	}
	for _, tt := range tests {
		t.Run(tt.wantBG, func(t *testing.T) {
			rec := newRecorder()
			ch := newTestChannel(t, "http://localhost", rec, nil)
			ch.Handle([]byte(tt.payload))

			select {
			case toast := <-rec.toasts:
				if toast.Title != "T" || toast.Body != "M" {
					t.Errorf("toast = %+v", toast)
				}
				if toast.Style.Background != tt.wantBG || toast.Style.Text != tt.wantText {
					t.Errorf("style = %+v, want %s %s", toast.Style, tt.wantBG, tt.wantText)
				}
				if toast.Style.Dark() != tt.dark {
					t.Errorf("Dark() = %v, want %v", toast.Style.Dark(), tt.dark)
				}
			default:
				t.Fatal("no toast presented")
			}
		})
	}
}

func TestMatchToastCarriesActions(t *testing.T) {
	rec := newRecorder()
	ch := newTestChannel(t, "http://localhost", rec, nil)
	ch.Handle([]byte(`{
		"title": "Match",
		"message": "alice invited you",
		"action": "match",
		"tag": "info",
		"extra_data": {
			"accept_url": "/match/7/accept/",
			"accept_text": "Accept",
			"reject_url": "/match/7/",
			"reject_text": "Reject"
		}
	}`))

	toast := <-rec.toasts
	if !toast.Actionable() {
		t.Fatal("match toast should be actionable")
	}
	if toast.Data.AcceptURL != "/match/7/accept/" || toast.Data.RejectURL != "/match/7/" {
		t.Errorf("action data = %+v", toast.Data)
	}
	if toast.Data.AcceptText != "Accept" || toast.Data.RejectText != "Reject" {
		t.Errorf("action labels = %+v", toast.Data)
	}
}

func TestRedirectAfterDelay(t *testing.T) {
	rec := newRecorder()
	ch := newTestChannel(t, "http://localhost", rec, nil)

	sent := time.Now()
	ch.Handle([]byte(`{"action":"redirect","url":"/x","delay":500}`))

	select {
	case nav := <-rec.navigated:
		t.Fatalf("navigated to %q after %s, before the delay", nav.target, nav.at.Sub(sent))
	case <-time.After(400 * time.Millisecond):
	}

	select {
	case nav := <-rec.navigated:
		if nav.target != "/x" {
			t.Errorf("target = %q, want /x", nav.target)
		}
		if elapsed := nav.at.Sub(sent); elapsed < 500*time.Millisecond {
			t.Errorf("navigated after %s, want >= 500ms", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("never navigated")
	}
	if len(rec.toasts) != 0 {
		t.Error("redirect must not present a toast")
	}
}

func TestRedirectWithoutDelay(t *testing.T) {
	rec := newRecorder()
	ch := newTestChannel(t, "http://localhost", rec, nil)
	ch.Handle([]byte(`{"action":"redirect","url":"/game/3/","message":"ignored"}`))

	select {
	case nav := <-rec.navigated:
		if nav.target != "/game/3/" {
			t.Errorf("target = %q", nav.target)
		}
	case <-time.After(time.Second):
		t.Fatal("never navigated")
	}
	if len(rec.toasts) != 0 {
		t.Error("redirect takes precedence over the message")
	}
}

func TestStopCancelsPendingRedirect(t *testing.T) {
	rec := newRecorder()
	ch := newTestChannel(t, "http://localhost", rec, nil)
	ch.Handle([]byte(`{"action":"redirect","url":"/later","delay":100}`))
	ch.Stop()

	select {
	case nav := <-rec.navigated:
		t.Errorf("navigated to %q after Stop", nav.target)
	case <-time.After(200 * time.Millisecond):
	}

	// Redirects arriving after Stop are dropped too.
	ch.Handle([]byte(`{"action":"redirect","url":"/late"}`))
	select {
	case nav := <-rec.navigated:
		t.Errorf("navigated to %q after Stop", nav.target)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIgnoredAndMalformed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	rec := newRecorder()
	ch := newTestChannel(t, "http://localhost", rec, m)

	for _, payload := range []string{
		`{}`,
		`{"title":"only a title"}`,
		`{"action":"match"}`,
	} {
		ch.Handle([]byte(payload))
	}
	for _, payload := range []string{
		`not json`,
		`[1, 2]`,
		`"string"`,
		``,
		`{"action":"redirect"}`,
	} {
		ch.Handle([]byte(payload))
	}

	time.Sleep(50 * time.Millisecond)
	if len(rec.toasts) != 0 || len(rec.navigated) != 0 {
		t.Errorf("toasts=%d navigations=%d, want none", len(rec.toasts), len(rec.navigated))
	}

	if got := messageCount(t, reg, metrics.KindIgnored); got != 3 {
		t.Errorf("ignored = %v, want 3", got)
	}
	if got := messageCount(t, reg, metrics.KindMalformed); got != 5 {
		t.Errorf("malformed = %v, want 5", got)
	}
}

// messageCount reads pushtoast_messages_total{kind=...} from reg.
func messageCount(t *testing.T, reg *prometheus.Registry, kind string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "pushtoast_messages_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "kind" && label.GetValue() == kind {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Message
		wantErr error
	}{
		{name: "redirect", payload: `{"action":"redirect","url":"/x","delay":250}`, want: Message{Action: "redirect", URL: "/x", Delay: 250}},
		{name: "toast", payload: ` {"title":"T","message":"M","tag":"info"}`, want: Message{Title: "T", Message: "M", Tag: "info"}},
		{name: "numeric string delay", payload: `{"action":"redirect","url":"/x","delay":" 500 "}`, want: Message{Action: "redirect", URL: "/x", Delay: 500}},
		{name: "unparsable delay", payload: `{"action":"redirect","url":"/x","delay":"soon"}`, want: Message{Action: "redirect", URL: "/x"}},
		{name: "non-string fields coerced", payload: `{"title":1.5,"message":true,"tag":{"x":1}}`, want: Message{Title: "1.5", Message: "true"}},
		{name: "falsy fields empty", payload: `{"title":null,"message":0,"tag":false,"delay":[1]}`, want: Message{}},
		{name: "array", payload: `[]`, wantErr: ErrNotObject},
		{name: "number", payload: `42`, wantErr: ErrNotObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeExtraData(t *testing.T) {
	msg, err := Decode([]byte(`{"message":"M","action":"match","extra_data":{"accept_url":"/a","accept_text":"Yes","reject_url":"/r","reject_text":2}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := ActionData{AcceptURL: "/a", AcceptText: "Yes", RejectURL: "/r", RejectText: "2"}
	if msg.ExtraData == nil || *msg.ExtraData != want {
		t.Errorf("ExtraData = %+v, want %+v", msg.ExtraData, want)
	}

	msg, err = Decode([]byte(`{"message":"M","extra_data":"nope"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ExtraData != nil {
		t.Errorf("ExtraData = %+v, want nil for a non-object", msg.ExtraData)
	}

	if _, err := Decode([]byte(`{"title":`)); err == nil {
		t.Error("truncated object should fail")
	}
}

func TestLenientFieldsStillDispatch(t *testing.T) {
	rec := newRecorder()
	ch := newTestChannel(t, "http://localhost", rec, nil)

	ch.Handle([]byte(`{"action":"redirect","url":"/x","delay":"50"}`))
	select {
	case nav := <-rec.navigated:
		if nav.target != "/x" {
			t.Errorf("navigated to %q", nav.target)
		}
	case <-time.After(time.Second):
		t.Fatal("string delay should still redirect")
	}

	ch.Handle([]byte(`{"title":1,"message":"M","tag":"danger"}`))
	select {
	case toast := <-rec.toasts:
		if toast.Title != "1" || toast.Body != "M" || !toast.Style.Dark() {
			t.Errorf("toast = %+v", toast)
		}
	case <-time.After(time.Second):
		t.Fatal("numeric title should still show a toast")
	}
}

func TestRedirectDelay(t *testing.T) {
	if d := (Message{Delay: 500}).RedirectDelay(); d != 500*time.Millisecond {
		t.Errorf("delay = %s", d)
	}
	if d := (Message{}).RedirectDelay(); d != 0 {
		t.Errorf("absent delay = %s", d)
	}
	if d := (Message{Delay: -10}).RedirectDelay(); d != 0 {
		t.Errorf("negative delay = %s", d)
	}
	if d := (Message{Delay: 1e300}).RedirectDelay(); d != 0 {
		t.Errorf("overflowing delay = %s, want immediate", d)
	}
}

// TestChannelEndToEnd pushes frames through a real WebSocket and checks that
// a malformed frame in the middle does not break the connection.
func TestChannelEndToEnd(t *testing.T) {
	frames := []string{
		`{"title":"Hello","message":"world","tag":"success"}`,
		`garbage`,
		`{}`,
		`{"action":"redirect","url":"/lobby/"}`,
	}
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		mu.Lock()
		paths = append(paths, ws.Request().URL.Path)
		mu.Unlock()
		for _, f := range frames {
			if err := websocket.Message.Send(ws, f); err != nil {
				return
			}
		}
		var discard string
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	ch := newTestChannel(t, srv.URL, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = ch.Start(ctx) //nolint:errcheck // stopped by cancel
	}()

	select {
	case toast := <-rec.toasts:
		if toast.Title != "Hello" || !toast.Style.Dark() {
			t.Errorf("toast = %+v", toast)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("toast not presented")
	}
	select {
	case nav := <-rec.navigated:
		if nav.target != "/lobby/" {
			t.Errorf("target = %q", nav.target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("redirect not followed")
	}

	if st := ch.Conn().State(); st != conn.StateOpen {
		t.Errorf("state = %s, want open", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "/ws/notifications/" {
		t.Errorf("handshake paths = %v", paths)
	}
}
