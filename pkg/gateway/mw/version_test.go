package mw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/talkbuddy/pkg/core"
)

func versionedRequest(method, target string, headers ...string) *http.Request {
	req := httptest.NewRequest(method, target, nil).WithContext(WithRequestID(context.Background(), "req_test"))
	for _, h := range headers {
		req.Header.Add(apiVersionHeader, h)
	}
	return req
}

func TestAPIVersion(t *testing.T) {
	tests := []struct {
		name      string
		req       *http.Request
		wantParam string // empty when the request passes
	}{
		{name: "unpinned rest", req: versionedRequest(http.MethodPost, "/v1/conversations")},
		{name: "pinned current", req: versionedRequest(http.MethodPost, "/v1/conversations", "1")},
		{name: "whitespace and duplicates", req: versionedRequest(http.MethodPost, "/v1/conversations", " 1 ", "1, 1")},
		{name: "retired rest revision", req: versionedRequest(http.MethodPost, "/v1/conversations", "2"), wantParam: apiVersionHeader},
		{name: "mixed revisions", req: versionedRequest(http.MethodPost, "/v1/conversations", "1,2"), wantParam: apiVersionHeader},
		{name: "health ignores header", req: versionedRequest(http.MethodGet, "/healthz", "2")},
		{name: "preflight ignores header", req: versionedRequest(http.MethodOptions, "/v1/conversations", "2")},
		{name: "unpinned socket", req: versionedRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket")},
		{name: "socket pinned current", req: versionedRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket&v=1")},
		{name: "socket ignores header", req: versionedRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket", "2")},
		{name: "socket retired revision", req: versionedRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket&v=0"), wantParam: apiVersionQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := APIVersion(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, tt.req)

			if tt.wantParam == "" {
				if rr.Code != http.StatusNoContent {
					t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
				}
				return
			}
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400", rr.Code)
			}
			var env struct {
				Error core.Error `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			e := env.Error
			if e.Type != core.ErrInvalidRequest || e.Code != "unsupported_version" || e.Param != tt.wantParam || e.RequestID != "req_test" {
				t.Fatalf("error=%+v", e)
			}
			if !strings.Contains(e.Message, "supported: 1") {
				t.Fatalf("message=%q should list supported revisions", e.Message)
			}
		})
	}
}

func TestAPIVersion_StampsResponseHeader(t *testing.T) {
	h := APIVersion(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/conversations", nil))
	if got := rr.Header().Get(apiVersionHeader); got != currentAPIVersion {
		t.Fatalf("%s=%q, want %q", apiVersionHeader, got, currentAPIVersion)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := rr.Header().Get(apiVersionHeader); got != "" {
		t.Fatalf("health endpoint should not be stamped, got %q", got)
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/socket.io/", nil)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "WebSocket")
	if !isWebSocketUpgrade(req) {
		t.Fatal("keep-alive, Upgrade should be an upgrade")
	}
	req.Header.Set("Connection", "keep-alive")
	if isWebSocketUpgrade(req) {
		t.Fatal("missing upgrade token")
	}
}
