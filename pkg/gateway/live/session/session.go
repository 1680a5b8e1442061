// Package session runs one live Socket.IO connection: handshake, heartbeat,
// inbound event dispatch and the outbound writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/core/turn"
	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/heartbeat"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/sessions"
	"github.com/vango-go/talkbuddy/pkg/gateway/ratelimit"
	"github.com/vango-go/talkbuddy/pkg/store"
)

const outboundPriorityQueueSize = 8

var (
	errBackpressure     = errors.New("live outbound backpressure")
	errHandshakeTimeout = errors.New("live handshake timed out")
	errClientClosed     = errors.New("client closed the connection")
)

// TurnRunner starts a turn in the background. *turn.Pipeline implements it.
type TurnRunner interface {
	Go(ctx context.Context, in turn.Input, timeout time.Duration)
}

// Store is the slice of the conversation store the connection needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	AddParentNote(ctx context.Context, note store.ParentNote) (store.ParentNote, error)
	EndConversation(ctx context.Context, conversationID, reason string) error
}

// PromptInvalidator drops a cached system prompt after guidance changes.
type PromptInvalidator interface {
	Invalidate(ctx context.Context, conversationID string) error
}

type Config struct {
	PingInterval          time.Duration
	PingTimeout           time.Duration
	MaxPayload            int
	HandshakeTimeout      time.Duration
	WriteTimeout          time.Duration
	OutboundQueueSize     int
	MaxEventsPerSecond    int
	MaxTurnBytesPerSecond int64
	InboundBurstSeconds   int
	TurnTimeout           time.Duration
	RecentMessages        int
	StoreTimeout          time.Duration
}

type Dependencies struct {
	Conn      *websocket.Conn
	SessionID string
	// Credential is what the upgrade request carried, if anything. A token in
	// the connect packet replaces it.
	Credential        *auth.Credential
	Verifier          *auth.Verifier
	RequireCredential bool
	PrincipalKey      string

	Registry *sessions.Registry
	Turns    TurnRunner
	Store    Store
	Prompts  PromptInvalidator
	Limiter  *ratelimit.Limiter

	Config Config
	Logger *slog.Logger
	Now    func() time.Time
}

type LiveSession struct {
	conn         *websocket.Conn
	sessionID    string
	cred         *auth.Credential
	verifier     *auth.Verifier
	requireCred  bool
	principalKey string

	registry *sessions.Registry
	turns    TurnRunner
	store    Store
	prompts  PromptInvalidator
	limiter  *ratelimit.Limiter

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	inbound *inboundLimiter
	monitor *heartbeat.Monitor

	closeOnce sync.Once
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if deps.Turns == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = heartbeat.DefaultInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = heartbeat.DefaultTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if cfg.RecentMessages <= 0 {
		cfg.RecentMessages = 20
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		sessionID:        deps.SessionID,
		cred:             deps.Credential,
		verifier:         deps.Verifier,
		requireCred:      deps.RequireCredential,
		principalKey:     deps.PrincipalKey,
		registry:         deps.Registry,
		turns:            deps.Turns,
		store:            deps.Store,
		prompts:          deps.Prompts,
		limiter:          deps.Limiter,
		cfg:              cfg,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(cfg.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		inbound:          newInboundLimiter(deps.Now, cfg.MaxEventsPerSecond, cfg.MaxTurnBytesPerSecond, cfg.InboundBurstSeconds),
	}, nil
}

// Run serves the connection until the client leaves, the heartbeat lapses,
// or Cancel is called. It closes the socket before returning.
func (s *LiveSession) Run() error {
	defer s.cancel()

	// Frames past the payload limit are read and then rejected by Decode;
	// anything far beyond it kills the read.
	s.conn.SetReadLimit(int64(s.cfg.MaxPayload) + 1024)

	if err := s.handshake(); err != nil {
		_ = s.conn.Close()
		if errors.Is(err, errHandshakeTimeout) || errors.Is(err, errClientClosed) {
			s.logger.Debug("live handshake abandoned", "error", err)
			return nil
		}
		return err
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	unregister := s.registry.Register(s.sessionID, s)
	defer unregister()

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.outboundPriority,
			normal:       s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	s.monitor = heartbeat.New(heartbeat.Config{Interval: s.cfg.PingInterval, Timeout: s.cfg.PingTimeout}, func() error {
		return s.enqueuePriority(outboundFrame{payload: protocol.EncodePing()})
	})
	heartbeatErrCh := make(chan error, 1)
	go func() { heartbeatErrCh <- s.monitor.Run(s.ctx) }()

	readCh := make(chan inboundFrame, 16)
	go s.readLoop(readCh)

	flushAndClose := func() {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	s.logger.Info("live session started", "role", roleOf(s.cred), "subject", s.cred.Subject)
	defer s.logger.Info("live session ended")

	for {
		select {
		case <-s.ctx.Done():
			flushAndClose()
			return nil

		case err := <-heartbeatErrCh:
			if errors.Is(err, heartbeat.ErrPeerDead) {
				s.logger.Info("live peer missed heartbeat", "deadline", s.monitor.Deadline())
			}
			flushAndClose()
			return nil

		case err, ok := <-writerErrCh:
			if ok && err != nil {
				s.logger.Warn("live writer failed", "error", err)
			}
			s.cancel()
			_ = s.conn.Close()
			return nil

		case in, ok := <-readCh:
			if !ok {
				flushAndClose()
				return nil
			}
			if in.err != nil {
				if !websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.logger.Debug("live read ended", "error", in.err)
				}
				flushAndClose()
				return nil
			}
			if done := s.handleFrame(in); done {
				flushAndClose()
				return nil
			}
		}
	}
}

// handleFrame processes one inbound frame and reports whether the client
// asked to disconnect.
func (s *LiveSession) handleFrame(in inboundFrame) bool {
	if in.messageType != websocket.TextMessage {
		s.logger.Debug("live binary frame dropped", "bytes", len(in.data))
		return false
	}
	s.monitor.Observe()
	s.registry.Touch(s.sessionID)

	frame, err := protocol.Decode(in.data, s.cfg.MaxPayload)
	if err != nil {
		s.logger.Warn("live frame dropped", "error", err, "bytes", len(in.data))
		return false
	}

	switch frame.Packet {
	case protocol.PacketPing:
		_ = s.enqueuePriority(outboundFrame{payload: protocol.EncodePong()})
	case protocol.PacketPong, protocol.PacketNoop:
	case protocol.PacketClose:
		return true
	case protocol.PacketMessage:
		switch frame.Message {
		case protocol.MessageDisconnect:
			return true
		case protocol.MessageEvent:
			if !s.inbound.Allow(len(in.data)) {
				s.emitError(frame.Event, core.NewRateLimitError("too many events", 1))
				return false
			}
			ev, err := ParseEvent(frame.Event, frame.Data)
			if err != nil {
				s.emitError(frame.Event, err)
				return false
			}
			s.Dispatch(s.ctx, ev)
		case protocol.MessageConnect:
			// Already connected; repeat the acknowledgement.
			s.sendConnectAck()
		default:
			s.logger.Debug("live message ignored", "message_type", frame.Message)
		}
	default:
		s.logger.Debug("live packet ignored", "packet", frame.Packet.String())
	}
	return false
}

func (s *LiveSession) handshake() error {
	open, err := protocol.EncodeOpen(protocol.OpenPayload{
		SID:          s.sessionID,
		PingInterval: s.cfg.PingInterval.Milliseconds(),
		PingTimeout:  s.cfg.PingTimeout.Milliseconds(),
		MaxPayload:   int64(s.cfg.MaxPayload),
	})
	if err != nil {
		return err
	}
	if err := s.writeDirect(open); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = s.conn.SetReadDeadline(deadline)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errHandshakeTimeout
			}
			return fmt.Errorf("%w: %v", errClientClosed, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := protocol.Decode(data, s.cfg.MaxPayload)
		if err != nil {
			s.logger.Debug("live handshake frame dropped", "error", err)
			continue
		}
		if frame.Packet == protocol.PacketClose {
			return errClientClosed
		}
		if frame.Packet != protocol.PacketMessage || frame.Message != protocol.MessageConnect {
			continue
		}
		if frame.Namespace != "" && frame.Namespace != "/" {
			_ = s.writeDirect(protocol.EncodeConnectError("invalid namespace"))
			return core.NewProtocolError("invalid_namespace", "unsupported namespace "+frame.Namespace)
		}

		var body protocol.ConnectAuth
		if err := protocol.DecodeData(frame.Data, &body); err != nil {
			_ = s.writeDirect(protocol.EncodeConnectError("invalid connect payload"))
			return core.NewProtocolError("bad_connect", err.Error())
		}
		if err := s.authenticate(body.Token); err != nil {
			msg := err.Error()
			if ce, ok := core.AsError(err); ok {
				msg = ce.Message
			}
			_ = s.writeDirect(protocol.EncodeConnectError(msg))
			return err
		}
		ack, err := protocol.EncodeConnect(map[string]string{"sid": s.sessionID})
		if err != nil {
			return err
		}
		return s.writeDirect(ack)
	}
}

// authenticate settles the connection's credential. A connect-packet token
// takes precedence over whatever the upgrade request carried.
func (s *LiveSession) authenticate(token string) error {
	token = strings.TrimSpace(token)
	if token != "" && s.verifier != nil {
		cred, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.Info("live credential rejected", "error", err)
			return core.NewAuthenticationError("invalid credential")
		}
		s.cred = cred
	}
	if s.cred == nil {
		if s.requireCred {
			return core.NewAuthenticationError("authentication required")
		}
		s.cred = auth.Guest()
	}
	if s.principalKey == "" {
		s.principalKey = ratelimit.PrincipalKeyFromSubject(s.cred.Subject)
	}
	return nil
}

func (s *LiveSession) sendConnectAck() {
	ack, err := protocol.EncodeConnect(map[string]string{"sid": s.sessionID})
	if err == nil {
		_ = s.enqueuePriority(outboundFrame{payload: ack})
	}
}

// writeDirect writes before the outbound writer starts.
func (s *LiveSession) writeDirect(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// Emit queues one event for this connection. A full queue means the client
// cannot keep up; the connection is closed.
func (s *LiveSession) Emit(event string, data any) error {
	payload, err := protocol.EncodeEvent(event, data)
	if err != nil {
		return err
	}
	if err := s.enqueueNormal(outboundFrame{payload: payload}); err != nil {
		s.logger.Warn("live outbound queue full; closing", "event", event)
		s.Cancel()
		return err
	}
	return nil
}

// Warn sends a retryable conversation:error ahead of queued events.
func (s *LiveSession) Warn(code, message string) error {
	payload, err := protocol.EncodeEvent(protocol.EventConversationError, protocol.ErrorPayload{
		Code:      code,
		Message:   message,
		Retryable: true,
	})
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{payload: payload})
}

// Cancel disconnects the client. Safe to call more than once.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.closeOnce.Do(func() {
		_ = s.enqueuePriority(outboundFrame{payload: protocol.EncodeDisconnect()})
		s.cancel()
	})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	if s.ctx.Err() != nil {
		return nil
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func roleOf(c *auth.Credential) string {
	switch {
	case c == nil:
		return ""
	case c.Trusted:
		return "operator"
	case c.Role == "":
		return "guest"
	default:
		return string(c.Role)
	}
}
