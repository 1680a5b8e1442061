package core

import (
	"errors"
	"fmt"
)

// Error is the gateway's typed error. It is what reaches clients in
// conversation:error and parent:error payloads, and what logs carry.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	Param      string    `json:"param,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrTransport         ErrorType = "transport_error"
	ErrProtocol          ErrorType = "protocol_error"
	ErrSessionNotFound   ErrorType = "session_not_found"
	ErrPipelineStage     ErrorType = "pipeline_stage_failure"
	ErrSynthesis         ErrorType = "synthesis_failure"
	ErrInvalidStateDelta ErrorType = "invalid_state_delta"
	ErrInvalidRequest    ErrorType = "invalid_request_error"
	ErrAuthentication    ErrorType = "authentication_error"
	ErrPermission        ErrorType = "permission_error"
	ErrRateLimit         ErrorType = "rate_limit_error"
	ErrNotFound          ErrorType = "not_found_error"
	ErrOverloaded        ErrorType = "overloaded_error"
	ErrAPI               ErrorType = "api_error"
)

// Pipeline stage names used in Error.Stage.
const (
	StageValidate   = "validate"
	StageTranscribe = "transcribe"
	StageContext    = "context"
	StageGenerate   = "generate"
	StageMerge      = "merge"
	StageSynthesize = "synthesize"
	StagePersist    = "persist"
)

// NewTransportError reports a lost connection or failed write/read.
func NewTransportError(err error) *Error {
	return &Error{Type: ErrTransport, Message: errText(err), cause: err}
}

// NewProtocolError reports a malformed frame.
func NewProtocolError(code, message string) *Error {
	return &Error{Type: ErrProtocol, Code: code, Message: message}
}

// NewSessionNotFoundError reports an unknown or inactive conversation/session.
func NewSessionNotFoundError(message string) *Error {
	return &Error{Type: ErrSessionNotFound, Code: "session_not_found", Message: message}
}

// NewStageFailure wraps a recoverable turn failure at the named stage.
func NewStageFailure(stage string, err error) *Error {
	return &Error{Type: ErrPipelineStage, Stage: stage, Code: stage + "_failed", Message: errText(err), cause: err}
}

// NewSynthesisFailure is logged when all TTS providers fail; the turn degrades to text.
func NewSynthesisFailure(err error) *Error {
	return &Error{Type: ErrSynthesis, Stage: StageSynthesize, Message: errText(err), cause: err}
}

// NewInvalidStateDelta wraps a rejected adventure delta.
func NewInvalidStateDelta(err error) *Error {
	return &Error{Type: ErrInvalidStateDelta, Stage: StageMerge, Message: errText(err), cause: err}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string) *Error {
	return &Error{Type: ErrPermission, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: &retryAfter}
}

// NewOverloadedError reports a server that is draining or saturated.
func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrOverloaded, Code: "server_draining", Message: message}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsRetryable reports whether the client may simply try the same action again.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrPipelineStage, ErrTransport, ErrRateLimit, ErrOverloaded, ErrAPI:
		return true
	default:
		return false
	}
}

// WireCode is the code sent to socket clients: Code when set, otherwise
// one derived from Type.
func (e *Error) WireCode() string {
	if e.Code != "" {
		return e.Code
	}
	switch e.Type {
	case ErrSessionNotFound:
		return "session_not_found"
	case ErrPermission:
		return "permission_denied"
	case ErrAuthentication:
		return "authentication_failed"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrRateLimit:
		return "rate_limited"
	case ErrOverloaded:
		return "overloaded"
	case ErrProtocol:
		return "protocol_error"
	default:
		return "internal_error"
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
