package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
	"github.com/vango-go/talkbuddy/pkg/gateway/handlers"
	"github.com/vango-go/talkbuddy/pkg/gateway/lifecycle"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/session"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/sessions"
	"github.com/vango-go/talkbuddy/pkg/gateway/mw"
	"github.com/vango-go/talkbuddy/pkg/gateway/ratelimit"
)

// Turns runs live turns and opens conversations. *turn.Pipeline implements it.
type Turns interface {
	session.TurnRunner
	handlers.ConversationOpener
}

// Store is what the HTTP surface needs from persistence.
type Store interface {
	session.Store
	handlers.Pinger
}

type Dependencies struct {
	Verifier  *auth.Verifier
	Registry  *sessions.Registry
	Turns     Turns
	Store     Store
	Prompts   session.PromptInvalidator
	Lifecycle *lifecycle.Lifecycle
	// Limiter is built from the config when nil.
	Limiter *ratelimit.Limiter
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Limiter == nil {
		deps.Limiter = NewLimiter(cfg)
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}

	s.routes()
	return s
}

// NewLimiter maps the gateway config onto the per-principal limiter.
func NewLimiter(cfg config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		RPS:                   cfg.LimitRPS,
		Burst:                 cfg.LimitBurst,
		MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
		MaxConnections:        cfg.LiveMaxConnsPerPrincipal,
		TurnRPS:               cfg.LiveTurnRPS,
		TurnBurst:             cfg.LiveTurnBurst,
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", handlers.NotFound)
	s.mux.Handle("/healthz", handlers.HealthHandler{})

	ready := handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.deps.Lifecycle}
	if s.deps.Store != nil {
		ready.Store = s.deps.Store
	}
	s.mux.Handle("/readyz", ready)

	if s.deps.Turns == nil || s.deps.Store == nil || s.deps.Registry == nil {
		s.logger.Warn("live routes disabled: turns, store and registry are required")
		return
	}

	s.mux.Handle("/socket.io/", handlers.SocketHandler{
		Config:    s.cfg,
		Verifier:  s.deps.Verifier,
		Registry:  s.deps.Registry,
		Turns:     s.deps.Turns,
		Store:     s.deps.Store,
		Prompts:   s.deps.Prompts,
		Limiter:   s.deps.Limiter,
		Lifecycle: s.deps.Lifecycle,
		Logger:    s.logger,
	})
	s.mux.Handle("/v1/conversations", handlers.ConversationsHandler{
		Config: s.cfg,
		Opener: s.deps.Turns,
		Logger: s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.deps.Limiter, h)
	h = mw.Auth(s.cfg, s.deps.Verifier, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
