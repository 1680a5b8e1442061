package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// JWTSecret signs and verifies connection credentials (HS256).
	JWTSecret string
	JWTIssuer string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live socket (/socket.io/).
	LivePingInterval          time.Duration
	LivePingTimeout           time.Duration
	LiveMaxPayload            int
	LiveHandshakeTimeout      time.Duration
	LiveWriteTimeout          time.Duration
	LiveOutboundQueue         int
	LiveMaxConnsPerPrincipal  int
	LiveTurnRPS               float64
	LiveTurnBurst             int
	LiveMaxTurnBytesPerSecond int64
	LiveMaxEventsPerSecond    int
	LiveInboundBurstSeconds   int

	// In-memory limits (per principal) for the REST surface.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Turn pipeline.
	HistoryLimit        int
	MinAudioBytes       int
	MinAudioDuration    time.Duration
	AudioBytesPerSecond int
	TranscribeTimeout   time.Duration
	GenerateTimeout     time.Duration
	SynthesizeTimeout   time.Duration
	PersistTimeout      time.Duration

	// Providers.
	GeminiAPIKey     string
	GeminiModel      string
	CartesiaAPIKey   string
	ElevenLabsAPIKey string
	TTSRoutes        string
	TTSDefault       string
	TTSFallback      string

	// Storage.
	StoreDriver    string
	StoreDSN       string
	MigrateOnStart bool

	// Prompt cache and phrase catalog.
	RedisURL       string
	PromptCacheTTL time.Duration
	CatalogPath    string

	// Media (optional; audio is inlined when no bucket is configured).
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3PublicBaseURL   string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PathStyle       bool

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("TALKBUDDY_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("TALKBUDDY_AUTH_MODE", string(AuthModeRequired))),
		JWTSecret:                  envOr("TALKBUDDY_JWT_SECRET", ""),
		JWTIssuer:                  envOr("TALKBUDDY_JWT_ISSUER", "talkbuddy"),
		TrustProxyHeaders:          envBoolOr("TALKBUDDY_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("TALKBUDDY_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:         make(map[string]struct{}),
		LivePingInterval:           envDurationOr("TALKBUDDY_LIVE_PING_INTERVAL", 25*time.Second),
		LivePingTimeout:            envDurationOr("TALKBUDDY_LIVE_PING_TIMEOUT", 20*time.Second),
		LiveMaxPayload:             envIntOr("TALKBUDDY_LIVE_MAX_PAYLOAD", 12<<20), // 12 MiB
		LiveHandshakeTimeout:       envDurationOr("TALKBUDDY_LIVE_HANDSHAKE_TIMEOUT", 10*time.Second),
		LiveWriteTimeout:           envDurationOr("TALKBUDDY_LIVE_WRITE_TIMEOUT", 10*time.Second),
		LiveOutboundQueue:          envIntOr("TALKBUDDY_LIVE_OUTBOUND_QUEUE", 64),
		LiveMaxConnsPerPrincipal:   envIntOr("TALKBUDDY_LIVE_MAX_CONNS_PER_PRINCIPAL", 4),
		LiveTurnRPS:                envFloat64Or("TALKBUDDY_LIVE_TURN_RPS", 0.5),
		LiveTurnBurst:              envIntOr("TALKBUDDY_LIVE_TURN_BURST", 3),
		LiveMaxTurnBytesPerSecond:  envInt64Or("TALKBUDDY_LIVE_MAX_TURN_BPS", 2<<20),
		LiveMaxEventsPerSecond:     envIntOr("TALKBUDDY_LIVE_MAX_EVENTS_PER_SECOND", 20),
		LiveInboundBurstSeconds:    envIntOr("TALKBUDDY_LIVE_INBOUND_BURST_SECONDS", 5),
		LimitRPS:                   envFloat64Or("TALKBUDDY_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                 envIntOr("TALKBUDDY_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentRequests: envIntOr("TALKBUDDY_MAX_CONCURRENT_REQUESTS", 8),
		HistoryLimit:               envIntOr("TALKBUDDY_HISTORY_LIMIT", 50),
		MinAudioBytes:              envIntOr("TALKBUDDY_MIN_AUDIO_BYTES", 1024),
		MinAudioDuration:           envDurationOr("TALKBUDDY_MIN_AUDIO_DURATION", 300*time.Millisecond),
		AudioBytesPerSecond:        envIntOr("TALKBUDDY_AUDIO_BYTES_PER_SECOND", 16000),
		TranscribeTimeout:          envDurationOr("TALKBUDDY_TRANSCRIBE_TIMEOUT", 15*time.Second),
		GenerateTimeout:            envDurationOr("TALKBUDDY_GENERATE_TIMEOUT", 20*time.Second),
		SynthesizeTimeout:          envDurationOr("TALKBUDDY_SYNTHESIZE_TIMEOUT", 20*time.Second),
		PersistTimeout:             envDurationOr("TALKBUDDY_PERSIST_TIMEOUT", 5*time.Second),
		GeminiAPIKey:               envOr("TALKBUDDY_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		GeminiModel:                envOr("TALKBUDDY_GEMINI_MODEL", "gemini-2.5-flash"),
		CartesiaAPIKey:             envOr("TALKBUDDY_CARTESIA_API_KEY", os.Getenv("CARTESIA_API_KEY")),
		ElevenLabsAPIKey:           envOr("TALKBUDDY_ELEVENLABS_API_KEY", os.Getenv("ELEVENLABS_API_KEY")),
		TTSRoutes:                  envOr("TALKBUDDY_TTS_ROUTES", ""),
		TTSDefault:                 envOr("TALKBUDDY_TTS_DEFAULT", "cartesia"),
		TTSFallback:                envOr("TALKBUDDY_TTS_FALLBACK", "elevenlabs"),
		StoreDriver:                envOr("TALKBUDDY_STORE_DRIVER", "sqlite"),
		StoreDSN:                   envOr("TALKBUDDY_STORE_DSN", "file:talkbuddy.db?_pragma=busy_timeout(5000)"),
		MigrateOnStart:             envBoolOr("TALKBUDDY_MIGRATE_ON_START", true),
		RedisURL:                   envOr("TALKBUDDY_REDIS_URL", ""),
		PromptCacheTTL:             envDurationOr("TALKBUDDY_PROMPT_CACHE_TTL", 2*time.Hour),
		CatalogPath:                envOr("TALKBUDDY_CATALOG_PATH", ""),
		S3Bucket:                   envOr("TALKBUDDY_S3_BUCKET", ""),
		S3Region:                   envOr("TALKBUDDY_S3_REGION", "us-east-1"),
		S3Endpoint:                 envOr("TALKBUDDY_S3_ENDPOINT", ""),
		S3PublicBaseURL:            envOr("TALKBUDDY_S3_PUBLIC_BASE_URL", ""),
		S3AccessKeyID:              envOr("TALKBUDDY_S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:          envOr("TALKBUDDY_S3_SECRET_ACCESS_KEY", ""),
		S3PathStyle:                envBoolOr("TALKBUDDY_S3_PATH_STYLE", false),
		ReadHeaderTimeout:          envDurationOr("TALKBUDDY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("TALKBUDDY_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:             envDurationOr("TALKBUDDY_TOTAL_REQUEST_TIMEOUT", time.Minute),
		ShutdownGracePeriod:        envDurationOr("TALKBUDDY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("TALKBUDDY_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, origin := range splitCSV(os.Getenv("TALKBUDDY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.StoreDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("TALKBUDDY_STORE_DRIVER must be one of postgres|sqlite")
	}
	if strings.TrimSpace(cfg.StoreDSN) == "" {
		return Config{}, fmt.Errorf("TALKBUDDY_STORE_DSN must not be empty")
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.LivePingInterval <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_PING_INTERVAL must be > 0")
	}
	if cfg.LivePingTimeout <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_PING_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxPayload <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_MAX_PAYLOAD must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveOutboundQueue <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.LiveMaxConnsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_MAX_CONNS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.LiveTurnRPS < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_TURN_RPS must be >= 0")
	}
	if cfg.LiveTurnBurst < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_TURN_BURST must be >= 0")
	}
	if cfg.LiveMaxTurnBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_MAX_TURN_BPS must be >= 0")
	}
	if cfg.LiveMaxEventsPerSecond < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_MAX_EVENTS_PER_SECOND must be >= 0")
	}
	if (cfg.LiveMaxTurnBytesPerSecond > 0 || cfg.LiveMaxEventsPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("TALKBUDDY_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound limits are enabled")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_HISTORY_LIMIT must be > 0")
	}
	if cfg.MinAudioBytes < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_MIN_AUDIO_BYTES must be >= 0")
	}
	if cfg.MinAudioDuration < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_MIN_AUDIO_DURATION must be >= 0")
	}
	if cfg.AudioBytesPerSecond <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_AUDIO_BYTES_PER_SECOND must be > 0")
	}
	for key, d := range map[string]time.Duration{
		"TALKBUDDY_TRANSCRIBE_TIMEOUT": cfg.TranscribeTimeout,
		"TALKBUDDY_GENERATE_TIMEOUT":   cfg.GenerateTimeout,
		"TALKBUDDY_SYNTHESIZE_TIMEOUT": cfg.SynthesizeTimeout,
		"TALKBUDDY_PERSIST_TIMEOUT":    cfg.PersistTimeout,
		"TALKBUDDY_PROMPT_CACHE_TTL":   cfg.PromptCacheTTL,
	} {
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0", key)
		}
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("TALKBUDDY_MAX_CONCURRENT_REQUESTS must be >= 0")
	}

	if cfg.AuthMode != AuthModeDisabled && len(cfg.JWTSecret) < 32 {
		return Config{}, fmt.Errorf("TALKBUDDY_JWT_SECRET must be at least 32 bytes when TALKBUDDY_AUTH_MODE=%s", cfg.AuthMode)
	}
	if cfg.S3Bucket != "" && strings.TrimSpace(cfg.S3Region) == "" {
		return Config{}, fmt.Errorf("TALKBUDDY_S3_REGION must be set when TALKBUDDY_S3_BUCKET is set")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
