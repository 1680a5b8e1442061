package mw

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
)

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsMaxAge         = "600"
)

var corsAllowedHeaders = strings.Join([]string{"Authorization", "Content-Type", "X-Request-ID", apiVersionHeader}, ", ")

var corsExposedHeaders = strings.Join([]string{"X-Request-ID", apiVersionHeader, "Retry-After"}, ", ")

// originPolicy matches exact origins and "scheme://*.domain" patterns, which
// admit any subdomain of domain but not domain itself.
type originPolicy struct {
	exact    map[string]struct{}
	wildcard []originPattern
}

type originPattern struct {
	scheme string
	suffix string
}

func newOriginPolicy(origins map[string]struct{}) originPolicy {
	p := originPolicy{exact: make(map[string]struct{}, len(origins))}
	for origin := range origins {
		scheme, host, ok := strings.Cut(origin, "://*.")
		if ok && scheme != "" && host != "" {
			p.wildcard = append(p.wildcard, originPattern{scheme: scheme, suffix: "." + strings.ToLower(host)})
			continue
		}
		p.exact[origin] = struct{}{}
	}
	return p
}

func (p originPolicy) enabled() bool { return len(p.exact) > 0 || len(p.wildcard) > 0 }

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	if len(p.wildcard) == 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || u.Path != "" {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, w := range p.wildcard {
		if u.Scheme == w.scheme && strings.HasSuffix(host, w.suffix) {
			return true
		}
	}
	return false
}

// CORS serves the parent dashboard. The socket endpoint is reached by native
// apps and never answers a preflight.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	policy := newOriginPolicy(cfg.CORSAllowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		if isPreflight(r) {
			if isSocketPath(r.URL.Path) || !policy.allows(origin) {
				reqID, _ := RequestIDFrom(r.Context())
				writeJSONError(w, http.StatusForbidden, &core.Error{
					Type:      core.ErrPermission,
					Message:   "origin not allowed",
					Code:      "cors_denied",
					RequestID: reqID,
				})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if policy.enabled() && policy.allows(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}
