package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/talkbuddy/pkg/core/dialogue"
	"github.com/vango-go/talkbuddy/pkg/core/prompt"
	"github.com/vango-go/talkbuddy/pkg/core/turn"
	"github.com/vango-go/talkbuddy/pkg/core/voice/stt"
	"github.com/vango-go/talkbuddy/pkg/core/voice/tts"
	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
	"github.com/vango-go/talkbuddy/pkg/gateway/lifecycle"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/sessions"
	gatewayserver "github.com/vango-go/talkbuddy/pkg/gateway/server"
	"github.com/vango-go/talkbuddy/pkg/media"
	"github.com/vango-go/talkbuddy/pkg/store/sqlstore"
)

// waiter is satisfied by *turn.Pipeline.
type waiter interface {
	Wait(ctx context.Context) error
}

// app is a fully wired gateway plus what shutdown needs to drain it.
type app struct {
	handler   http.Handler
	lifecycle *lifecycle.Lifecycle
	registry  *sessions.Registry
	turns     waiter
	closers   []func() error
}

func (a *app) close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sqlstore.Store, error) {
	dialect, err := sqlstore.ParseDialect(cfg.StoreDriver)
	if err != nil {
		return nil, err
	}
	st, err := sqlstore.Open(ctx, dialect, cfg.StoreDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{lifecycle: &lifecycle.Lifecycle{}}
	defer func() {
		if err != nil {
			a.close(logger)
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.Close)
	if cfg.MigrateOnStart {
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	var cache prompt.Cache = prompt.NewMemoryCache()
	if cfg.RedisURL != "" {
		rc, err := prompt.NewRedisCache(cfg.RedisURL, "")
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		a.closers = append(a.closers, rc.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = rc.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		cache = rc
	}
	catalog, err := prompt.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	prompts, err := prompt.NewBuilder(prompt.BuilderConfig{
		Source:  st,
		Cache:   cache,
		Catalog: catalog,
		TTL:     cfg.PromptCacheTTL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	generator, err := dialogue.NewGemini(ctx, dialogue.GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
	if err != nil {
		return nil, err
	}

	var transcriber stt.Provider
	if cfg.CartesiaAPIKey != "" {
		transcriber = stt.NewCartesia(cfg.CartesiaAPIKey)
	} else {
		logger.Warn("no speech-to-text key configured, voice turns will fail")
	}

	synthesizer, err := buildSynthesizer(cfg, logger)
	if err != nil {
		return nil, err
	}

	uploader, err := buildUploader(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.registry = sessions.NewRegistry(st, logger)
	deps := turn.Dependencies{
		Store:       st,
		Transcriber: transcriber,
		Generator:   generator,
		Prompts:     prompts,
		Uploader:    uploader,
		Broadcaster: a.registry,
		Logger:      logger,
		Config: turn.Config{
			HistoryLimit:        cfg.HistoryLimit,
			MinAudioBytes:       cfg.MinAudioBytes,
			MinAudioDuration:    cfg.MinAudioDuration,
			AudioBytesPerSecond: cfg.AudioBytesPerSecond,
			TranscribeTimeout:   cfg.TranscribeTimeout,
			GenerateTimeout:     cfg.GenerateTimeout,
			SynthesizeTimeout:   cfg.SynthesizeTimeout,
			PersistTimeout:      cfg.PersistTimeout,
		},
	}
	if synthesizer != nil {
		deps.Synthesizer = synthesizer
	}
	pipeline, err := turn.New(deps)
	if err != nil {
		return nil, err
	}
	a.turns = pipeline

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Verifier:  verifier,
		Registry:  a.registry,
		Turns:     pipeline,
		Store:     st,
		Prompts:   prompts,
		Lifecycle: a.lifecycle,
	})
	a.handler = gw.Handler()
	return a, nil
}

// buildSynthesizer returns nil when no TTS key is configured; replies are
// then text only.
func buildSynthesizer(cfg config.Config, logger *slog.Logger) (*tts.Router, error) {
	var providers []tts.Provider
	if cfg.CartesiaAPIKey != "" {
		providers = append(providers, tts.NewCartesia(cfg.CartesiaAPIKey))
	}
	if cfg.ElevenLabsAPIKey != "" {
		providers = append(providers, tts.NewElevenLabs(cfg.ElevenLabsAPIKey))
	}
	if len(providers) == 0 {
		logger.Warn("no text-to-speech key configured, replies will be text only")
		return nil, nil
	}
	configured := make(map[string]bool, len(providers))
	for _, p := range providers {
		configured[p.Name()] = true
	}

	routes, err := tts.ParseRoutes(cfg.TTSRoutes)
	if err != nil {
		return nil, err
	}
	for locale, route := range routes {
		routes[locale] = availableRoute(route, configured)
	}
	def := availableRoute(tts.Route{Primary: cfg.TTSDefault, Fallback: cfg.TTSFallback}, configured)
	return tts.NewRouter(providers, routes, def, logger)
}

// availableRoute drops providers that have no key.
func availableRoute(r tts.Route, configured map[string]bool) tts.Route {
	if !configured[r.Fallback] {
		r.Fallback = ""
	}
	if !configured[r.Primary] {
		r.Primary, r.Fallback = r.Fallback, ""
	}
	return r
}

func buildUploader(cfg config.Config) (media.Uploader, error) {
	if cfg.S3Bucket == "" {
		return media.Inline{}, nil
	}
	return media.NewS3Uploader(media.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PublicBaseURL:   cfg.S3PublicBaseURL,
		PathStyle:       cfg.S3PathStyle,
	})
}

func buildVerifier(cfg config.Config, logger *slog.Logger) (*auth.Verifier, error) {
	if cfg.AuthMode == config.AuthModeDisabled {
		return nil, nil
	}
	if cfg.JWTSecret == "" {
		if cfg.AuthMode == config.AuthModeRequired {
			return nil, errors.New("TALKBUDDY_JWT_SECRET is required when auth is required")
		}
		logger.Warn("auth is optional and no jwt secret is configured, every client is a guest")
		return nil, nil
	}
	return auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
}

// drain warns live sessions, waits for them to leave, then cancels the rest
// and waits for background turn work.
func (a *app) drain(ctx context.Context, logger *slog.Logger) {
	a.lifecycle.SetDraining(true)
	warned := a.registry.WarnAll("server_draining", "the server is restarting, please reconnect shortly")
	logger.Info("draining live sessions", "sessions", warned)

	if !a.registry.Wait(ctx) {
		canceled := a.registry.CancelAll()
		logger.Warn("grace period over, canceling live sessions", "sessions", canceled)
	}
	if a.turns != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.turns.Wait(waitCtx); err != nil {
			logger.Warn("background turn work did not finish", "error", err)
		}
	}
}
