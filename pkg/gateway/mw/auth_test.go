package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func credentialEcho(t *testing.T, got **auth.Credential) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got, _ = auth.CredentialFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuth_RequiredRejectsMissingBearer(t *testing.T) {
	v, _ := auth.NewVerifier(testSecret, "talkbuddy")
	var got *auth.Credential
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, v, credentialEcho(t, &got))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_ValidTokenAttachesCredential(t *testing.T) {
	v, _ := auth.NewVerifier(testSecret, "talkbuddy")
	tok, err := v.Issue(auth.Credential{Subject: "u1", Role: auth.RoleParent, ParentID: "parent_1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	var got *auth.Credential
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, v, credentialEcho(t, &got))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got == nil || got.ParentID != "parent_1" {
		t.Fatalf("credential=%+v", got)
	}
}

func TestAuth_InvalidTokenRejectedEvenWhenOptional(t *testing.T) {
	v, _ := auth.NewVerifier(testSecret, "talkbuddy")
	var got *auth.Credential
	h := Auth(config.Config{AuthMode: config.AuthModeOptional}, v, credentialEcho(t, &got))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer nope")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/conversations", nil))
	if rr.Code != http.StatusNoContent || got != nil {
		t.Fatalf("optional without token: status=%d cred=%+v", rr.Code, got)
	}
}

func TestAuth_DisabledAttachesAnonymous(t *testing.T) {
	var got *auth.Credential
	h := Auth(config.Config{AuthMode: config.AuthModeDisabled}, nil, credentialEcho(t, &got))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/conversations", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
	if got == nil || !got.Trusted {
		t.Fatalf("credential=%+v, want anonymous", got)
	}
}

func TestAuth_SocketUpgradeBypass(t *testing.T) {
	v, _ := auth.NewVerifier(testSecret, "talkbuddy")
	var got *auth.Credential
	h := Auth(config.Config{AuthMode: config.AuthModeRequired}, v, credentialEcho(t, &got))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
