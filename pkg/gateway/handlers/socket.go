package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
	"github.com/vango-go/talkbuddy/pkg/gateway/lifecycle"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/session"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/sessions"
	"github.com/vango-go/talkbuddy/pkg/gateway/mw"
	"github.com/vango-go/talkbuddy/pkg/gateway/principal"
	"github.com/vango-go/talkbuddy/pkg/gateway/ratelimit"
)

// SocketHandler serves /socket.io/. Only the Engine.IO v4 websocket
// transport is accepted; long-polling clients get a 400.
type SocketHandler struct {
	Config    config.Config
	Verifier  *auth.Verifier
	Registry  *sessions.Registry
	Turns     session.TurnRunner
	Store     session.Store
	Prompts   session.PromptInvalidator
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, 529)
		return
	}

	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "unsupported protocol version", Param: "EIO", Code: "unsupported_protocol_version"}, http.StatusBadRequest)
		return
	}
	if q.Get("transport") != "websocket" {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "only the websocket transport is supported", Param: "transport", Code: "transport_unknown"}, http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "websocket upgrade required", Code: "bad_handshake"}, http.StatusBadRequest)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	cred, coreErr := h.resolveCredential(r)
	if coreErr != nil {
		writeCoreErrorJSON(w, reqID, coreErr, http.StatusUnauthorized)
		return
	}
	p := principal.ForCredential(cred, r, h.Config)

	if h.Limiter != nil {
		dec := h.Limiter.AcquireConnection(p.Key, time.Now())
		if !dec.Allowed {
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrRateLimit, Message: "too many active connections"}, http.StatusTooManyRequests)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sessionID, "request_id", reqID)

	var verifier *auth.Verifier
	if h.Config.AuthMode != config.AuthModeDisabled {
		verifier = h.Verifier
	}

	s, err := session.New(session.Dependencies{
		Conn:              conn,
		SessionID:         sessionID,
		Credential:        cred,
		Verifier:          verifier,
		RequireCredential: h.Config.AuthMode == config.AuthModeRequired,
		PrincipalKey:      p.Key,
		Registry:          h.Registry,
		Turns:             h.Turns,
		Store:             h.Store,
		Prompts:           h.Prompts,
		Limiter:           h.Limiter,
		Logger:            logger,
		Config:            h.sessionConfig(),
	})
	if err != nil {
		logger.Error("live session init failed", "error", err)
		return
	}
	if err := s.Run(); err != nil {
		logger.Warn("live session ended with error", "error", err)
	}
}

func (h SocketHandler) sessionConfig() session.Config {
	c := h.Config
	return session.Config{
		PingInterval:          c.LivePingInterval,
		PingTimeout:           c.LivePingTimeout,
		MaxPayload:            c.LiveMaxPayload,
		HandshakeTimeout:      c.LiveHandshakeTimeout,
		WriteTimeout:          c.LiveWriteTimeout,
		OutboundQueueSize:     c.LiveOutboundQueue,
		MaxEventsPerSecond:    c.LiveMaxEventsPerSecond,
		MaxTurnBytesPerSecond: c.LiveMaxTurnBytesPerSecond,
		InboundBurstSeconds:   c.LiveInboundBurstSeconds,
		TurnTimeout:           c.TranscribeTimeout + c.GenerateTimeout + c.SynthesizeTimeout + c.PersistTimeout,
		StoreTimeout:          c.PersistTimeout,
	}
}

// resolveCredential reads an optional token from the query string or the
// Authorization header. A missing token is not an error here: the connect
// packet may still carry one.
func (h SocketHandler) resolveCredential(r *http.Request) (*auth.Credential, *core.Error) {
	if h.Config.AuthMode == config.AuthModeDisabled {
		return auth.Anonymous(), nil
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token, _ = auth.ParseBearer(r)
	}
	if token == "" {
		return nil, nil
	}
	if h.Verifier == nil {
		return nil, &core.Error{Type: core.ErrAuthentication, Message: "credential verifier is not configured"}
	}
	cred, err := h.Verifier.Verify(token)
	if err != nil {
		return nil, &core.Error{Type: core.ErrAuthentication, Message: "invalid credential", Param: "token"}
	}
	return cred, nil
}

func (h SocketHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
