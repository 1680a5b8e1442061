// Package principal decides whose budget a request or live connection
// spends: a family, a single credential, or a client address.
package principal

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
	"github.com/vango-go/talkbuddy/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindFamily     Kind = "family"
	KindCredential Kind = "credential"
	KindIP         Kind = "ip"
	KindAnon       Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the parent id, subject or IP. It must not be logged.
	Raw string
	// Key is the hashed identifier the limiter buckets by.
	Key string
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

// proxyHeaders are consulted in order when the gateway trusts its proxy.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// Resolve identifies the caller of a REST request from the credential the
// auth middleware attached.
func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}
	cred, _ := auth.CredentialFrom(r.Context())
	return ForCredential(cred, r, cfg)
}

// ForCredential identifies a socket connection after its handshake. A
// parent's dashboard and their children's devices share one family budget.
// Guests and trusted callers carry no stable identity and are keyed by
// client address.
func ForCredential(cred *auth.Credential, r *http.Request, cfg config.Config) Resolved {
	if cred != nil && !cred.Trusted && cred.Role != "" {
		if parentID := strings.TrimSpace(cred.ParentID); parentID != "" {
			return Resolved{Kind: KindFamily, Raw: parentID, Key: ratelimit.PrincipalKeyFromSubject("family:" + parentID)}
		}
		if sub := strings.TrimSpace(cred.Subject); sub != "" {
			return Resolved{Kind: KindCredential, Raw: sub, Key: ratelimit.PrincipalKeyFromSubject(sub)}
		}
	}
	ip := clientIP(r, cfg.TrustProxyHeaders)
	if ip == "" {
		return anonymous
	}
	return Resolved{Kind: KindIP, Raw: ip, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if r == nil {
		return ""
	}
	if trustProxy {
		for _, name := range proxyHeaders {
			v := r.Header.Get(name)
			if name == "X-Forwarded-For" {
				// Left-most entry is the client.
				v, _, _ = strings.Cut(v, ",")
			}
			if ip := parseAddr(v); ip != "" {
				return ip
			}
		}
	}
	return parseAddr(r.RemoteAddr)
}

// parseAddr accepts "ip", "ip:port" and "[v6]:port".
func parseAddr(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().String()
	}
	if a, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return a.Unmap().String()
	}
	return ""
}
