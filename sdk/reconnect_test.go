package talkbuddy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/core/adventure"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
)

func fastBackoff(attempts uint64) func() retry.Backoff {
	return func() retry.Backoff {
		return retry.WithMaxRetries(attempts, retry.BackoffFunc(func() (time.Duration, bool) {
			return 5 * time.Millisecond, false
		}))
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) seen(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

// joinAndAck completes a connection up to the conversation:joined ack.
func joinAndAck(ws *websocket.Conn, joins *atomic.Int32) bool {
	if _, err := serverOpen(ws, time.Minute, time.Minute); err != nil {
		return false
	}
	if serverAck(ws, "sock") != nil {
		return false
	}
	f, err := serverRead(ws)
	if err != nil || f.Event != protocol.EventConversationJoin {
		return false
	}
	var req protocol.JoinRequest
	if protocol.DecodeData(f.Data, &req) != nil {
		return false
	}
	joins.Add(1)
	return serverEmit(ws, protocol.EventConversationJoined, protocol.Joined{ConversationID: req.ConversationID, SessionID: "sock"}) == nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoff_Schedule(t *testing.T) {
	b := DefaultBackoff(5)
	var got []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		got = append(got, d)
		if len(got) > 10 {
			t.Fatal("backoff never stopped")
		}
	}
	want := []time.Duration{300 * time.Millisecond, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestConversationClient_RejoinsAfterDrop(t *testing.T) {
	var conns, joins atomic.Int32
	srv := fakeGateway(t, func(ws *websocket.Conn, r *http.Request) {
		n := conns.Add(1)
		if !joinAndAck(ws, &joins) {
			return
		}
		if n == 1 {
			// Drop the first connection without a close handshake.
			return
		}
		drain(ws)
	})

	states := &stateLog{}
	client, err := NewConversationClient(ClientOptions{
		URL:  srv.URL,
		Join: JoinOptions{ConversationID: "conv-1", ChildID: "child-1"},
		Reconnect: ReconnectConfig{
			Backoff: fastBackoff(3),
			OnState: states.record,
		},
	})
	if err != nil {
		t.Fatalf("NewConversationClient: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventually(t, "second join", func() bool { return joins.Load() == 2 })
	eventually(t, "reconnected state", func() bool {
		return client.State() == StateConnected && !client.ctrl.IsReconnecting()
	})
	if !states.seen(StateError) {
		t.Fatal("drop was never reported as StateError")
	}
	if got := conns.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}

	joinedEvents := 0
	timeout := time.After(3 * time.Second)
	for joinedEvents < 2 {
		select {
		case ev := <-client.Events():
			if ev.Name == protocol.EventConversationJoined {
				joinedEvents++
			}
		case <-timeout:
			t.Fatalf("saw %d joined events, want 2", joinedEvents)
		}
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitDone(t, client.Done(), "controller stop")
	if err := client.Err(); err != nil {
		t.Fatalf("Err after Close = %v, want nil", err)
	}
	if client.State() != StateDisconnected {
		t.Fatalf("State = %v, want disconnected", client.State())
	}
}

func TestConversationClient_GivesUpAfterMaxAttempts(t *testing.T) {
	var conns, joins atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := fakeGatewayHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		joinAndAck(ws, &joins)
	})

	states := &stateLog{}
	client, err := NewConversationClient(ClientOptions{
		URL:  srv.URL,
		Join: JoinOptions{ConversationID: "conv-1", ChildID: "child-1"},
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     fastBackoff(3),
			OnState:     states.record,
		},
	})
	if err != nil {
		t.Fatalf("NewConversationClient: %v", err)
	}
	defer client.Close()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, client.Done(), "reconnect exhaustion")

	if err := client.Err(); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Err = %v, want ErrReconnectExhausted", err)
	}
	if client.State() != StateDisconnected {
		t.Fatalf("State = %v, want disconnected", client.State())
	}
	// One initial connection plus three refused attempts.
	if got := conns.Load(); got != 4 {
		t.Fatalf("upgrade attempts = %d, want 4", got)
	}
	if !states.seen(StateError) {
		t.Fatal("expected StateError during the cycle")
	}
	if err := client.SendText("hello?"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText after give-up = %v, want ErrNotConnected", err)
	}
}

func TestConversationClient_JoinRejectionIsTerminal(t *testing.T) {
	tests := []struct {
		code     string
		wantType core.ErrorType
	}{
		{code: "session_not_found", wantType: core.ErrSessionNotFound},
		{code: "permission_denied", wantType: core.ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			var conns atomic.Int32
			srv := fakeGateway(t, func(ws *websocket.Conn, r *http.Request) {
				conns.Add(1)
				if _, err := serverOpen(ws, time.Minute, time.Minute); err != nil {
					return
				}
				if serverAck(ws, "sock") != nil {
					return
				}
				if _, err := serverRead(ws); err != nil {
					return
				}
				_ = serverEmit(ws, protocol.EventConversationError, protocol.ErrorPayload{
					Code:    tt.code,
					Message: "join refused",
				})
				drain(ws)
			})

			states := &stateLog{}
			client, err := NewConversationClient(ClientOptions{
				URL:  srv.URL,
				Join: JoinOptions{ConversationID: "conv-1", ChildID: "child-1"},
				Reconnect: ReconnectConfig{
					Backoff: fastBackoff(3),
					OnState: states.record,
				},
			})
			if err != nil {
				t.Fatalf("NewConversationClient: %v", err)
			}
			defer client.Close()

			err = client.Start(context.Background())
			var apiErr *Error
			if !errors.As(err, &apiErr) || apiErr.Type != tt.wantType {
				t.Fatalf("Start = %v, want %s", err, tt.wantType)
			}
			if got := conns.Load(); got != 1 {
				t.Fatalf("connections = %d, want 1", got)
			}
			if !states.seen(StateError) {
				t.Fatalf("states = %v, want an error state", states.states)
			}
			if got := client.State(); got != StateDisconnected {
				t.Fatalf("State = %v, want disconnected", got)
			}
		})
	}
}

func TestConversationClient_ConnectRefusalIsTerminal(t *testing.T) {
	srv := fakeGateway(t, func(ws *websocket.Conn, r *http.Request) {
		if _, err := serverOpen(ws, time.Minute, time.Minute); err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, protocol.EncodeConnectError("authentication required"))
		drain(ws)
	})

	client, err := NewConversationClient(ClientOptions{
		URL:       srv.URL,
		Join:      JoinOptions{ConversationID: "conv-1", ChildID: "child-1"},
		Reconnect: ReconnectConfig{Backoff: fastBackoff(3)},
	})
	if err != nil {
		t.Fatalf("NewConversationClient: %v", err)
	}
	defer client.Close()

	var ce *ConnectError
	if err := client.Start(context.Background()); !errors.As(err, &ce) {
		t.Fatalf("Start = %v, want *ConnectError", err)
	}
}

func TestConversationClient_SendsOnCurrentConnection(t *testing.T) {
	var joins atomic.Int32
	received := make(chan protocol.Frame, 4)
	srv := fakeGateway(t, func(ws *websocket.Conn, r *http.Request) {
		if !joinAndAck(ws, &joins) {
			return
		}
		for {
			f, err := serverRead(ws)
			if err != nil {
				return
			}
			if f.Message == protocol.MessageEvent {
				received <- f
			}
		}
	})

	client, err := NewConversationClient(ClientOptions{
		URL:  srv.URL,
		Join: JoinOptions{ConversationID: "conv-1", ChildID: "child-1"},
	})
	if err != nil {
		t.Fatalf("NewConversationClient: %v", err)
	}
	defer client.Close()
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := client.SendVoice([]byte("RIFF"), "wav"); err != nil {
		t.Fatalf("SendVoice: %v", err)
	}
	if err := client.SendGameResult(adventure.GameResult{Round: 2, Score: 3, Total: 4, StarEarned: true}); err != nil {
		t.Fatalf("SendGameResult: %v", err)
	}

	f := <-received
	var voice protocol.VoiceMessage
	if f.Event != protocol.EventConversationVoice || protocol.DecodeData(f.Data, &voice) != nil {
		t.Fatalf("first event = %s %s", f.Event, f.Data)
	}
	if diff := cmp.Diff(protocol.VoiceMessage{Audio: "UklGRg==", Format: "wav"}, voice); diff != "" {
		t.Fatalf("voice mismatch (-want +got):\n%s", diff)
	}

	f = <-received
	var text protocol.TextMessage
	if f.Event != protocol.EventConversationText || protocol.DecodeData(f.Data, &text) != nil {
		t.Fatalf("second event = %s %s", f.Event, f.Data)
	}
	want := adventure.GameResult{Round: 2, Score: 3, Total: 4, StarEarned: true}.Tag()
	if text.Text != want {
		t.Fatalf("game result text = %q, want %q", text.Text, want)
	}
}

func TestNewConversationClient_Validates(t *testing.T) {
	if _, err := NewConversationClient(ClientOptions{Join: JoinOptions{ConversationID: "c"}}); err == nil {
		t.Fatal("expected error without url")
	}
	if _, err := NewConversationClient(ClientOptions{URL: "http://localhost"}); err == nil {
		t.Fatal("expected error without conversation id")
	}
}
