package talkbuddy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
)

// DefaultMaxAttempts bounds one reconnect cycle.
const DefaultMaxAttempts = 5

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DialFunc opens one connection. Dial with fixed options is the usual one.
type DialFunc func(ctx context.Context) (*Conn, error)

// DefaultBackoff waits 300ms before the first attempt and k seconds before
// attempt k, for at most maxAttempts attempts.
func DefaultBackoff(maxAttempts int) retry.Backoff {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var mu sync.Mutex
	attempt := 0
	schedule := retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		if attempt == 1 {
			return 300 * time.Millisecond, false
		}
		return time.Duration(attempt) * time.Second, false
	})
	return retry.WithMaxRetries(uint64(maxAttempts), schedule)
}

type ReconnectConfig struct {
	MaxAttempts int
	// Backoff builds the schedule for one reconnect cycle. Defaults to
	// DefaultBackoff(MaxAttempts).
	Backoff func() retry.Backoff
	// OnState is called on every state change, from the controller's
	// goroutine.
	OnState func(State)
	Logger  *slog.Logger
}

// ReconnectController keeps one conversation joined across transport
// failures. Each successful dial replays exactly the join request; in-flight
// events from the failed connection are not replayed.
type ReconnectController struct {
	dial DialFunc
	join protocol.JoinRequest
	cfg  ReconnectConfig
	log  *slog.Logger

	events chan Event
	joined chan struct{}
	done   chan struct{}

	mu           sync.Mutex
	state        State
	conn         *Conn
	reconnecting bool
	joinedOnce   bool
	closing      bool
	cancel       context.CancelFunc
	err          error
}

func NewReconnectController(dial DialFunc, join protocol.JoinRequest, cfg ReconnectConfig) *ReconnectController {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == nil {
		max := cfg.MaxAttempts
		cfg.Backoff = func() retry.Backoff { return DefaultBackoff(max) }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ReconnectController{
		dial:   dial,
		join:   join,
		cfg:    cfg,
		log:    log,
		events: make(chan Event, eventBufferSize),
		joined: make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateDisconnected,
	}
}

// Start connects and joins in the background. Use Joined to wait for the
// first conversation:joined.
func (c *ReconnectController) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Joined is closed on the first conversation:joined ack.
func (c *ReconnectController) Joined() <-chan struct{} { return c.joined }

// Done is closed once the controller stops for good.
func (c *ReconnectController) Done() <-chan struct{} { return c.done }

// Events merges server events from every connection the controller opens.
func (c *ReconnectController) Events() <-chan Event { return c.events }

func (c *ReconnectController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReconnecting is true from the first failure of a cycle until the
// rejoin is acknowledged.
func (c *ReconnectController) IsReconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

// Err is the terminal error once Done is closed. It wraps
// ErrReconnectExhausted when the attempt cap was hit.
func (c *ReconnectController) Err() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Emit sends on the current connection.
func (c *ReconnectController) Emit(event string, data any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	return conn.Emit(event, data)
}

// Close stops reconnecting and closes the current connection.
func (c *ReconnectController) Close() error {
	c.mu.Lock()
	c.closing = true
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		<-c.done
	}
	return nil
}

func (c *ReconnectController) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	var backoff retry.Backoff
	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	for {
		if err != nil {
			if c.stopped(ctx) {
				c.finish(nil)
				return
			}
			if !retryable(err) {
				c.finish(err)
				return
			}
			c.markFailure(err)
			if backoff == nil {
				backoff = c.cfg.Backoff()
			}
			conn, err = c.redial(ctx, backoff)
			continue
		}

		c.attach(conn)
		if err = conn.Emit(protocol.EventConversationJoin, c.join); err != nil {
			c.detach()
			_ = conn.Close()
			continue
		}
		ackErr := c.pump(ctx, conn)
		c.detach()
		if ackErr != nil {
			_ = conn.Close()
			c.finish(ackErr)
			return
		}
		if !c.reconnectingNow() {
			backoff = nil
		}
		err = conn.Err()
		if err == nil {
			err = ErrServerDisconnected
		}
	}
}

// redial waits out the backoff and dials until a connection succeeds or the
// cycle's attempts run out.
func (c *ReconnectController) redial(ctx context.Context, backoff retry.Backoff) (*Conn, error) {
	for {
		delay, stop := backoff.Next()
		if stop {
			return nil, ErrReconnectExhausted
		}
		c.setState(StateError)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if !retryable(err) || c.stopped(ctx) {
			return nil, err
		}
		c.log.Info("reconnect attempt failed", "error", err)
	}
}

// pump forwards events until conn ends. A join rejected with
// session_not_found or permission_denied is terminal.
func (c *ReconnectController) pump(ctx context.Context, conn *Conn) error {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		case ev, ok := <-conn.Events():
			if !ok {
				return nil
			}
			switch ev.Name {
			case protocol.EventConversationJoined:
				c.markJoined()
			case protocol.EventConversationError:
				var p protocol.ErrorPayload
				if ev.Decode(&p) == nil && !c.hasJoined() {
					if err := joinRejection(p); err != nil {
						c.forward(ev)
						c.setState(StateError)
						return err
					}
				}
			}
			c.forward(ev)
		}
	}
}

// joinRejection maps the join refusals a rejoin cannot fix.
func joinRejection(p protocol.ErrorPayload) error {
	switch p.Code {
	case "session_not_found":
		return core.NewSessionNotFoundError(p.Message)
	case "permission_denied":
		return core.NewPermissionError(p.Message)
	}
	return nil
}

func (c *ReconnectController) forward(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping event, consumer is not keeping up", "event", ev.Name)
	}
}

// markFailure starts a reconnect cycle. Reports during a running cycle are
// ignored and return false.
func (c *ReconnectController) markFailure(err error) bool {
	c.mu.Lock()
	changed := c.state != StateError
	c.state = StateError
	started := !c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	if changed {
		c.notify(StateError)
	}
	if started {
		c.log.Warn("connection lost, reconnecting", "conversation_id", c.join.ConversationID, "error", err)
	}
	return started
}

func (c *ReconnectController) markJoined() {
	c.mu.Lock()
	wasReconnecting := c.reconnecting
	c.reconnecting = false
	first := !c.joinedOnce
	c.joinedOnce = true
	c.mu.Unlock()
	if first {
		close(c.joined)
	}
	if wasReconnecting {
		c.log.Info("rejoined conversation", "conversation_id", c.join.ConversationID)
	}
}

func (c *ReconnectController) hasJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinedOnce && !c.reconnecting
}

func (c *ReconnectController) reconnectingNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

func (c *ReconnectController) attach(conn *Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.notify(StateConnected)
}

func (c *ReconnectController) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *ReconnectController) stopped(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing || ctx.Err() != nil
}

func (c *ReconnectController) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notify(s)
	}
}

func (c *ReconnectController) notify(s State) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *ReconnectController) finish(err error) {
	if errors.Is(err, ErrReconnectExhausted) {
		c.log.Error("giving up on reconnect", "conversation_id", c.join.ConversationID, "attempts", c.cfg.MaxAttempts)
	}
	c.mu.Lock()
	c.err = err
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()
	c.notify(StateDisconnected)
}
