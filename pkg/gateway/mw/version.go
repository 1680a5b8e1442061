package mw

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/vango-go/talkbuddy/pkg/core"
)

const (
	apiVersionHeader  = "X-TalkBuddy-Version"
	apiVersionQuery   = "v"
	currentAPIVersion = "1"
)

// supportedAPIVersions lists every revision still served, oldest first.
var supportedAPIVersions = []string{currentAPIVersion}

// APIVersion rejects clients pinned to a revision the gateway no longer
// serves. REST calls pin with the X-TalkBuddy-Version header; socket
// upgrades pin with the v query parameter, since native socket clients
// cannot always set headers. Unpinned clients get the current revision.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isV1Path(r.URL.Path) {
			w.Header().Set(apiVersionHeader, currentAPIVersion)
		}
		pinned, param := pinnedVersions(r)
		for _, v := range pinned {
			if slices.Contains(supportedAPIVersions, v) {
				continue
			}
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusBadRequest, &core.Error{
				Type:      core.ErrInvalidRequest,
				Message:   fmt.Sprintf("unsupported API version %q (supported: %s)", v, strings.Join(supportedAPIVersions, ", ")),
				Param:     param,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pinnedVersions returns the revisions the request asks for and where it
// named them.
func pinnedVersions(r *http.Request) ([]string, string) {
	switch {
	case r.Method == http.MethodOptions:
		return nil, ""
	case isSocketPath(r.URL.Path):
		return splitCSVValues(r.URL.Query()[apiVersionQuery]), apiVersionQuery
	case isV1Path(r.URL.Path):
		return splitCSVValues(r.Header.Values(apiVersionHeader)), apiVersionHeader
	default:
		return nil, ""
	}
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func isSocketPath(path string) bool {
	return path == "/socket.io" || strings.HasPrefix(path, "/socket.io/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !slices.ContainsFunc(splitCSVValues(r.Header.Values("Connection")), func(tok string) bool {
		return strings.EqualFold(tok, "upgrade")
	}) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func splitCSVValues(values []string) []string {
	var out []string
	for _, value := range values {
		for part := range strings.SplitSeq(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
