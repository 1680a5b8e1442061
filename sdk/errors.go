package talkbuddy

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/vango-go/talkbuddy/pkg/core"
)

// Error is the gateway's typed error, as carried by conversation:error.
type Error = core.Error

const (
	ErrTransport       = core.ErrTransport
	ErrProtocol        = core.ErrProtocol
	ErrSessionNotFound = core.ErrSessionNotFound
	ErrPipelineStage   = core.ErrPipelineStage
	ErrAuthentication  = core.ErrAuthentication
	ErrPermission      = core.ErrPermission
	ErrRateLimit       = core.ErrRateLimit
)

var (
	// ErrHeartbeatTimeout ends a Conn whose server stopped pinging.
	ErrHeartbeatTimeout = errors.New("talkbuddy: heartbeat timeout")
	// ErrServerDisconnected ends a Conn the server closed or disconnected.
	ErrServerDisconnected = errors.New("talkbuddy: server disconnected")
	// ErrReconnectExhausted is terminal: the controller gave up after its
	// attempt cap and will not retry again.
	ErrReconnectExhausted = errors.New("talkbuddy: reconnect attempts exhausted")
	ErrNotConnected       = errors.New("talkbuddy: not connected")
	ErrClosed             = errors.New("talkbuddy: closed")
)

// TransportError represents connection-level failures (DNS, timeouts,
// connection reset, TLS handshake, failed upgrade) while talking to the
// gateway. They trigger a reconnect.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from rejections the server made on purpose (*ConnectError, *Error).
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.StatusCode != 0:
		return fmt.Sprintf("transport error during %s %s (status %d): %v", e.Op, redactURL(e.URL), e.StatusCode, e.Err)
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConnectError is the server refusing the Socket.IO connect (44). Retrying
// with the same credential will not help.
type ConnectError struct {
	Message string
}

func (e *ConnectError) Error() string {
	return "talkbuddy: connect refused: " + e.Message
}

// redactURL drops user info and the credential query parameter.
func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	q := parsed.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

// retryable reports whether err should start or continue a reconnect cycle.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		// Refused upgrades are retried only for overload and gateway statuses.
		switch te.StatusCode {
		case 0, 429, 502, 503, 504, 529:
			return true
		default:
			return false
		}
	}
	return errors.Is(err, ErrHeartbeatTimeout) || errors.Is(err, ErrServerDisconnected)
}
