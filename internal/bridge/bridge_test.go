package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestInjectTextEnqueues(t *testing.T) {
	b := New(DefaultOptions(), nil)
	b.InjectText("turn off the lights")

	select {
	case got := <-b.Queries():
		if got != "turn off the lights" {
			t.Errorf("expected injected text, got %q", got)
		}
	default:
		t.Fatal("expected a queued query")
	}
}

func TestHandleClientMessageTextInjectsQuery(t *testing.T) {
	b := New(DefaultOptions(), nil)
	b.HandleClientMessage(context.Background(), []byte(`{"type": "text", "text": "hello"}`))

	select {
	case got := <-b.Queries():
		if got != "hello" {
			t.Errorf("expected hello, got %q", got)
		}
	default:
		t.Fatal("expected a queued query")
	}
}

func TestHandleClientMessageUnknownTypeIsIgnored(t *testing.T) {
	b := New(DefaultOptions(), nil)
	b.HandleClientMessage(context.Background(), []byte(`{"type": "nonsense"}`))

	select {
	case got := <-b.Queries():
		t.Fatalf("expected no queued query for unknown type, got %q", got)
	default:
	}
}

func TestHandleClientMessageInvalidJSONIsIgnored(t *testing.T) {
	b := New(DefaultOptions(), nil)
	b.HandleClientMessage(context.Background(), []byte(`not json`))
}

func TestHandleClientMessageSarcasmTogglesViaTool(t *testing.T) {
	var gotName string
	var gotArgs map[string]interface{}
	tool := func(name string, args map[string]interface{}) string {
		gotName = name
		gotArgs = args
		return "Sarcasm engaged."
	}
	b := New(DefaultOptions(), tool)
	b.HandleClientMessage(context.Background(), []byte(`{"type": "sarcasm_toggle", "enabled": true}`))

	if gotName != "toggle_sarcasm" {
		t.Errorf("expected toggle_sarcasm tool call, got %q", gotName)
	}
	if enabled, _ := gotArgs["enabled"].(bool); !enabled {
		t.Errorf("expected enabled=true passed through")
	}
}

func TestRemoveClientUnknownIDIsNoop(t *testing.T) {
	b := New(DefaultOptions(), nil)
	if len(b.observers) != 0 {
		t.Fatalf("expected no observers initially")
	}
	// AddClient requires a real *websocket.Conn; exercised via the
	// integration test below instead. Direct map manipulation here would
	// bypass the public API, so this test only checks RemoveClient is a
	// safe no-op for an unknown ID.
	b.RemoveClient("does-not-exist")
}

func TestRateLimiterDropsRapidSameTypeBroadcast(t *testing.T) {
	b := New(Options{PerType: map[string]time.Duration{"thinking_step": 50 * time.Millisecond}}, nil)

	if b.rateLimited("thinking_step") {
		t.Fatal("first send should not be rate limited")
	}
	if !b.rateLimited("thinking_step") {
		t.Fatal("immediate second send should be rate limited")
	}

	time.Sleep(60 * time.Millisecond)
	if b.rateLimited("thinking_step") {
		t.Fatal("send after interval elapsed should not be rate limited")
	}
}

func TestRateLimiterDefaultIntervalAppliesAcrossTypes(t *testing.T) {
	b := New(Options{DefaultMinInterval: 50 * time.Millisecond}, nil)

	if b.rateLimited("status") {
		t.Fatal("first send should not be rate limited")
	}
	if !b.rateLimited("status") {
		t.Fatal("second immediate send should be rate limited by the default interval")
	}
}

// --- Integration test over a real WebSocket connection ---

func TestBroadcastDeliversSequencedMessagesAndEvictsDroppedObserver(t *testing.T) {
	b := New(DefaultOptions(), nil)
	srv := NewServer(":0", b)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.router.ServeHTTP(w, r)
	}))
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial observer 1: %v", err)
	}
	defer conn1.Close()

	waitForObserverCount(t, b, 1)

	ctx := context.Background()
	b.SendStatus(ctx, "idle")

	_, data, err := conn1.ReadMessage()
	if err != nil {
		t.Fatalf("reading first broadcast: %v", err)
	}
	if !contains(data, `"_seq":1`) {
		t.Errorf("expected _seq=1 in first broadcast, got %s", data)
	}

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial observer 2: %v", err)
	}
	waitForObserverCount(t, b, 2)

	conn2.Close()
	time.Sleep(100 * time.Millisecond)

	b.SendStatus(ctx, "active")
	_, data, err = conn1.ReadMessage()
	if err != nil {
		t.Fatalf("reading second broadcast: %v", err)
	}
	if !contains(data, `"_seq":2`) {
		t.Errorf("expected _seq=2 (strictly increasing) in second broadcast, got %s", data)
	}

	waitForObserverCount(t, b, 1)
}

func waitForObserverCount(t *testing.T, b *Bridge, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.observers)
		b.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for observer count %d", want)
}

func contains(data []byte, substr string) bool {
	return len(data) >= len(substr) && indexOf(string(data), substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
