package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/talkbuddy/pkg/core/turn"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/sessions"
	"github.com/vango-go/talkbuddy/pkg/store"
)

type fakeStore struct{}

func (fakeStore) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	return store.Conversation{}, store.ErrNotFound
}

func (fakeStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	return nil, nil
}

func (fakeStore) AddParentNote(ctx context.Context, note store.ParentNote) (store.ParentNote, error) {
	return note, nil
}

func (fakeStore) EndConversation(ctx context.Context, conversationID, reason string) error {
	return nil
}

func (fakeStore) Ping(ctx context.Context) error { return nil }

type fakeTurns struct{}

func (fakeTurns) Go(ctx context.Context, in turn.Input, timeout time.Duration) {}

func (fakeTurns) Open(ctx context.Context, in turn.OpenInput) (turn.Result, error) {
	return turn.Result{Response: protocol.TurnResponse{ConversationID: "c1"}}, nil
}

func testConfig() config.Config {
	return config.Config{
		AuthMode:             config.AuthModeDisabled,
		MaxBodyBytes:         1 << 10,
		CORSAllowedOrigins:   map[string]struct{}{},
		LivePingInterval:     time.Minute,
		LivePingTimeout:      time.Minute,
		LiveMaxPayload:       1 << 20,
		LiveHandshakeTimeout: time.Second,
		LiveWriteTimeout:     time.Second,
		LiveOutboundQueue:    8,
		ReadHeaderTimeout:    time.Second,
		ReadTimeout:          time.Second,
		HandlerTimeout:       time.Second,
	}
}

func newTestServer() *Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(testConfig(), logger, Dependencies{
		Registry: sessions.NewRegistry(fakeStore{}, logger),
		Turns:    fakeTurns{},
		Store:    fakeStore{},
	})
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "no route for GET /does-not-exist") {
		t.Fatalf("body does not name the route: %q", rr.Body.String())
	}
}

func TestServer_HealthRoutes(t *testing.T) {
	s := newTestServer()
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%q", path, rr.Code, rr.Body.String())
		}
	}
}

func TestServer_ConversationsRoute_Reachable(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{"childId":"kid_1"}`))
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-TalkBuddy-Version"); got != "1" {
		t.Fatalf("version header=%q", got)
	}
}

func TestServer_SocketRoute_Handshakes(t *testing.T) {
	srv := httptest.NewServer(newTestServer().Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, open, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read open: %v", err)
	}
	if !strings.HasPrefix(string(open), "0{") {
		t.Fatalf("open=%q", open)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ack, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !strings.HasPrefix(string(ack), "40{") {
		t.Fatalf("ack=%q", ack)
	}
}
