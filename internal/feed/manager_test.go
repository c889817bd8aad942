package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (h *recordingHandler) Handle(_ context.Context, data []byte, _ time.Time) {
	h.mu.Lock()
	h.msgs = append(h.msgs, append([]byte(nil), data...))
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

type openGate struct{}

func (openGate) Gate(context.Context) error { return nil }

type staticResub struct{ tickers []string }

func (s staticResub) ResubscribeList() []string { return s.tickers }

// echoSubscribeServer acks every command with a subscribed response and then
// emits the given data messages.
func echoSubscribeServer(t *testing.T, dataMsgs []string) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		sid := int64(0)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				t.Logf("bad command: %v", err)
				continue
			}
			sid++
			ack := fmt.Sprintf(`{"id":%d,"type":"subscribed","msg":{"sid":%d,"channel":"test"}}`, cmd.ID, sid)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
				return
			}
			// After the orderbook subscription (third command), emit data.
			if sid == 3 {
				for _, msg := range dataMsgs {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
						return
					}
				}
			}
		}
	}
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.ReconnectBaseWait = 10 * time.Millisecond
	cfg.ReconnectMaxWait = 50 * time.Millisecond
	cfg.SubscribeTimeout = 2 * time.Second
	return cfg
}

func TestManager_SubscribesAndHandlesData(t *testing.T) {
	dataMsgs := []string{
		`{"type":"orderbook_snapshot","seq":1,"msg":{"market_ticker":"MKT-A","yes":[[50,10]],"no":[],"ts":1700000000}}`,
		`{"type":"orderbook_delta","seq":2,"msg":{"market_ticker":"MKT-A","price":50,"delta":-5,"side":"yes","ts":1700000001}}`,
	}
	server := mockWSServer(t, echoSubscribeServer(t, dataMsgs))
	defer server.Close()

	handler := &recordingHandler{}
	m := NewManager(testManagerConfig(wsURL(server)), handler, openGate{}, staticResub{tickers: []string{"MKT-A"}}, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	deadline := time.After(3 * time.Second)
	for handler.count() < len(dataMsgs) {
		select {
		case <-deadline:
			t.Fatalf("handler saw %d messages, want %d", handler.count(), len(dataMsgs))
		case <-time.After(10 * time.Millisecond):
		}
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	for i, want := range dataMsgs {
		if string(handler.msgs[i]) != want {
			t.Errorf("message %d: got %q, want %q", i, handler.msgs[i], want)
		}
	}
}

func TestManager_FatalOnAuthReject(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer rejecting.Close()

	handler := &recordingHandler{}
	m := NewManager(testManagerConfig(wsURL(rejecting)), handler, openGate{}, staticResub{}, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	select {
	case err := <-m.Fatal():
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected *AuthError, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no fatal error reported")
	}
}

func TestManager_TryParseResponse(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil, nil, nil, nil)

	tests := []struct {
		name string
		data string
		want bool
	}{
		{"subscribed response", `{"id":1,"type":"subscribed","msg":{"sid":42}}`, true},
		{"error response", `{"id":2,"type":"error","msg":{"code":"bad","message":"nope"}}`, true},
		{"data message", `{"type":"orderbook_delta","sid":1,"seq":100,"msg":{}}`, false},
		{"not json", `garbage`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := m.tryParseResponse([]byte(tt.data))
			if got != tt.want {
				t.Errorf("tryParseResponse(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestManager_CommandError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"structured", `{"code":"rate_limited","message":"slow down"}`, "rate_limited: slow down"},
		{"bare string payload", `"boom"`, `feed error: "boom"`},
		{"empty object", `{}`, "feed error: {}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Response{ID: 1, Type: "error", Msg: json.RawMessage(tt.msg)}
			err := commandError(resp)
			if err == nil || err.Error() != tt.want {
				t.Errorf("commandError() = %v, want %q", err, tt.want)
			}
		})
	}
}
