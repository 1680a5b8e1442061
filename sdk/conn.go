// Package talkbuddy is the Go client for the talkbuddy live gateway: a
// Socket.IO-compatible connection, a reconnect controller that rejoins the
// conversation after transport failures, and a typewriter that paces avatar
// text against its audio.
package talkbuddy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/talkbuddy/pkg/gateway/live/heartbeat"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	eventBufferSize         = 256
)

// Credential is presented once per connection, in the upgrade query and in
// the connect packet. There is no process-wide token.
type Credential struct {
	Token string
}

type DialOptions struct {
	// URL is the gateway base URL (http, https, ws or wss). The /socket.io/
	// path is used when URL has none.
	URL        string
	Credential Credential
	// MaxPayload bounds inbound frames; defaults to the server's advertised
	// limit.
	MaxPayload       int
	HandshakeTimeout time.Duration
	Header           http.Header
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

// Event is one server event.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event body into v.
func (e Event) Decode(v any) error {
	return protocol.DecodeData(e.Data, v)
}

// Conn is one live connection. It answers server pings and fails with
// ErrHeartbeatTimeout once they stop.
type Conn struct {
	ws      *websocket.Conn
	sid     string
	open    protocol.OpenPayload
	monitor *heartbeat.Monitor
	log     *slog.Logger
	maxIn   int

	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial opens the socket, completes the Engine.IO open and the Socket.IO
// connect, and starts the read loop.
func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	endpoint, err := socketURL(opts.URL, opts.Credential)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ws, resp, err := dialer.DialContext(dialCtx, endpoint, opts.Header)
	if err != nil {
		te := &TransportError{Op: "GET", URL: endpoint, Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return nil, te
	}

	c := &Conn{
		ws:     ws,
		log:    log,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
	if err := c.handshake(opts, timeout); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.maxIn = opts.MaxPayload
	if c.maxIn <= 0 {
		c.maxIn = int(c.open.MaxPayload)
	}
	if c.maxIn > 0 {
		ws.SetReadLimit(int64(c.maxIn) + 1024)
	}

	c.monitor = heartbeat.New(heartbeat.Config{
		Interval: time.Duration(c.open.PingInterval) * time.Millisecond,
		Timeout:  time.Duration(c.open.PingTimeout) * time.Millisecond,
	}, nil)
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.watchHeartbeat(runCtx)
	go c.readLoop()
	return c, nil
}

func (c *Conn) handshake(opts DialOptions, timeout time.Duration) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	f, err := c.readFrame()
	if err != nil {
		return &TransportError{Op: "read open", Err: err}
	}
	if f.Packet != protocol.PacketOpen {
		return fmt.Errorf("talkbuddy: expected open packet, got %s", f.Packet)
	}
	if err := json.Unmarshal(f.Payload, &c.open); err != nil {
		return fmt.Errorf("talkbuddy: decode open packet: %w", err)
	}

	var auth any
	if tok := strings.TrimSpace(opts.Credential.Token); tok != "" {
		auth = protocol.ConnectAuth{Token: tok}
	}
	connect, err := protocol.EncodeConnect(auth)
	if err != nil {
		return err
	}
	if err := c.write(connect); err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	for {
		f, err := c.readFrame()
		if err != nil {
			return &TransportError{Op: "read connect ack", Err: err}
		}
		switch {
		case f.Packet == protocol.PacketPing:
			if err := c.write(protocol.EncodePong()); err != nil {
				return &TransportError{Op: "pong", Err: err}
			}
		case f.Packet == protocol.PacketClose:
			return &TransportError{Op: "connect", Err: ErrServerDisconnected}
		case f.HasMessage && f.Message == protocol.MessageConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			_ = protocol.DecodeData(f.Data, &ack)
			c.sid = ack.SID
			return nil
		case f.HasMessage && f.Message == protocol.MessageConnectError:
			var body struct {
				Message string `json:"message"`
			}
			_ = protocol.DecodeData(f.Data, &body)
			return &ConnectError{Message: body.Message}
		}
	}
}

func (c *Conn) readFrame() (protocol.Frame, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		f, err := protocol.Decode(data, c.maxIn)
		if err != nil {
			c.log.Debug("dropping malformed frame", "error", err)
			continue
		}
		return f, nil
	}
}

// SessionID is the id the server assigned in its connect ack.
func (c *Conn) SessionID() string { return c.sid }

// PingInterval is the heartbeat interval the server advertised.
func (c *Conn) PingInterval() time.Duration {
	return time.Duration(c.open.PingInterval) * time.Millisecond
}

// Events yields server events until the connection ends.
func (c *Conn) Events() <-chan Event {
	if c == nil {
		return nil
	}
	return c.events
}

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Emit sends one event.
func (c *Conn) Emit(event string, data any) error {
	if c == nil {
		return ErrNotConnected
	}
	if c.closed.Load() {
		return ErrClosed
	}
	frame, err := protocol.EncodeEvent(event, data)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return &TransportError{Op: "emit " + event, Err: err}
	}
	return nil
}

func (c *Conn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a Socket.IO disconnect and closes the socket. A Conn closed
// this way ends with a nil Err.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.write(protocol.EncodeDisconnect())
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal connection error once Done is closed.
func (c *Conn) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) watchHeartbeat(ctx context.Context) {
	if err := c.monitor.Run(ctx); errors.Is(err, heartbeat.ErrPeerDead) {
		c.log.Warn("server heartbeat missed", "session_id", c.sid, "last_seen", c.monitor.LastSeen())
		c.setErr(ErrHeartbeatTimeout)
		_ = c.ws.Close()
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)
	defer c.cancel()

	for {
		f, err := c.readFrame()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setErr(ErrServerDisconnected)
				return
			}
			c.setErr(&TransportError{Op: "read", Err: err})
			return
		}
		c.monitor.Observe()

		switch f.Packet {
		case protocol.PacketPing:
			if err := c.write(protocol.EncodePong()); err != nil {
				c.setErr(&TransportError{Op: "pong", Err: err})
				_ = c.ws.Close()
				return
			}
		case protocol.PacketClose:
			c.setErr(ErrServerDisconnected)
			_ = c.ws.Close()
			return
		case protocol.PacketMessage:
			switch f.Message {
			case protocol.MessageEvent:
				c.emit(Event{Name: f.Event, Data: f.Data})
			case protocol.MessageDisconnect:
				c.setErr(ErrServerDisconnected)
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Avoid deadlocking the read loop if the caller stops consuming.
		c.log.Warn("dropping event, consumer is not keeping up", "event", ev.Name)
	}
}

func socketURL(raw string, cred Credential) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("talkbuddy: invalid gateway url %q", raw)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("talkbuddy: unsupported url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", protocol.EngineVersion)
	q.Set("transport", "websocket")
	if tok := strings.TrimSpace(cred.Token); tok != "" {
		q.Set("token", tok)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
