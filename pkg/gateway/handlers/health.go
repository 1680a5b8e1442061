package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/talkbuddy/pkg/gateway/config"
	"github.com/vango-go/talkbuddy/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger reports whether a dependency (the store) is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config    config.Config
	Store     Pinger
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		AuthMode      string   `json:"auth_mode"`
		StoreDriver   string   `json:"store_driver"`
		LimitsEnabled bool     `json:"limits_enabled"`
		Draining      bool     `json:"draining,omitempty"`
		DrainingSince string   `json:"draining_since,omitempty"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode != config.AuthModeDisabled && h.Config.JWTSecret == "" {
		issues = append(issues, "auth enabled but no jwt secret configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.LivePingInterval <= 0 || h.Config.LivePingTimeout <= 0 {
		issues = append(issues, "live ping interval and timeout must be > 0")
	}
	if h.Config.LiveMaxPayload <= 0 {
		issues = append(issues, "live max payload must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.Store.Ping(ctx); err != nil {
			issues = append(issues, "store unreachable")
		}
		cancel()
	}

	draining := h.Lifecycle.IsDraining()
	var drainingSince string
	if draining {
		issues = append(issues, "draining")
		if t := h.Lifecycle.DrainingSince(); !t.IsZero() {
			drainingSince = t.UTC().Format(time.RFC3339)
		}
	}

	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		h.Config.LimitMaxConcurrentRequests > 0 ||
		h.Config.LiveMaxConnsPerPrincipal > 0

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		AuthMode:      string(h.Config.AuthMode),
		StoreDriver:   h.Config.StoreDriver,
		LimitsEnabled: limitsEnabled,
		Draining:      draining,
		DrainingSince: drainingSince,
		Issues:        issues,
	})
}
