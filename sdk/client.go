package talkbuddy

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/talkbuddy/pkg/core/adventure"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
)

// JoinOptions names the conversation to keep joined.
type JoinOptions struct {
	ConversationID string
	ChildID        string
	ParentID       string
	Locale         string
}

type ClientOptions struct {
	URL        string
	Credential Credential
	Join       JoinOptions
	MaxPayload int
	Dialer     *websocket.Dialer
	Reconnect  ReconnectConfig
	Logger     *slog.Logger
}

// ConversationClient is a child-side client: one joined conversation kept
// alive across reconnects.
type ConversationClient struct {
	ctrl *ReconnectController
}

func NewConversationClient(opts ClientOptions) (*ConversationClient, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("talkbuddy: url is required")
	}
	if strings.TrimSpace(opts.Join.ConversationID) == "" {
		return nil, fmt.Errorf("talkbuddy: conversation id is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("conversation_id", opts.Join.ConversationID)
	if opts.Reconnect.Logger == nil {
		opts.Reconnect.Logger = log
	}

	dialOpts := DialOptions{
		URL:        opts.URL,
		Credential: opts.Credential,
		MaxPayload: opts.MaxPayload,
		Dialer:     opts.Dialer,
		Logger:     log,
	}
	dial := func(ctx context.Context) (*Conn, error) { return Dial(ctx, dialOpts) }
	join := protocol.JoinRequest{
		ConversationID: opts.Join.ConversationID,
		ChildID:        opts.Join.ChildID,
		ParentID:       opts.Join.ParentID,
		Locale:         opts.Join.Locale,
	}
	return &ConversationClient{ctrl: NewReconnectController(dial, join, opts.Reconnect)}, nil
}

// Start connects and blocks until the conversation is joined, the
// controller gives up, or ctx ends. The connection outlives ctx; use Close.
func (c *ConversationClient) Start(ctx context.Context) error {
	c.ctrl.Start(context.WithoutCancel(ctx))
	select {
	case <-c.ctrl.Joined():
		return nil
	case <-c.ctrl.Done():
		if err := c.ctrl.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		_ = c.ctrl.Close()
		return ctx.Err()
	}
}

// SendText sends a typed or tapped utterance.
func (c *ConversationClient) SendText(text string) error {
	return c.ctrl.Emit(protocol.EventConversationText, protocol.TextMessage{Text: text})
}

// SendVoice sends one recorded utterance. format is the container, e.g. "m4a".
func (c *ConversationClient) SendVoice(audio []byte, format string) error {
	return c.ctrl.Emit(protocol.EventConversationVoice, protocol.VoiceMessage{
		Audio:  base64.StdEncoding.EncodeToString(audio),
		Format: format,
	})
}

// SendGameResult reports a finished mini-game round through the text
// channel so the avatar can narrate it.
func (c *ConversationClient) SendGameResult(r adventure.GameResult) error {
	return c.SendText(r.Tag())
}

// Leave leaves the conversation room. The connection stays open.
func (c *ConversationClient) Leave() error {
	return c.ctrl.Emit(protocol.EventConversationLeave, struct{}{})
}

func (c *ConversationClient) Events() <-chan Event { return c.ctrl.Events() }

func (c *ConversationClient) State() State { return c.ctrl.State() }

func (c *ConversationClient) Done() <-chan struct{} { return c.ctrl.Done() }

// Err is the terminal error once Done is closed: ErrReconnectExhausted, a
// *ConnectError, or a session_not_found *Error from the join.
func (c *ConversationClient) Err() error { return c.ctrl.Err() }

func (c *ConversationClient) Close() error { return c.ctrl.Close() }

// AudioDuration reads the duration carried by a conversation:audio event.
func AudioDuration(ev Event) (time.Duration, bool) {
	if ev.Name != protocol.EventConversationAudio {
		return 0, false
	}
	var ready protocol.AudioReady
	if err := ev.Decode(&ready); err != nil || ready.Duration <= 0 {
		return 0, false
	}
	return time.Duration(ready.Duration * float64(time.Second)), true
}
