package session

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
)

// Event is one decoded client event. The concrete types below are the only
// implementations; Dispatch switches over them.
type Event interface {
	EventName() string
}

type JoinEvent struct{ protocol.JoinRequest }

type VoiceEvent struct {
	Audio  []byte
	Format string
}

type TextEvent struct{ Text string }

type LeaveEvent struct{}

type MonitorEvent struct{ ConversationID string }

type InterveneEvent struct {
	ConversationID string
	Message        string
	Kind           string
}

type StopMonitorEvent struct{}

type EndConversationEvent struct {
	ConversationID string
	Reason         string
}

type ActiveSessionsEvent struct{ ParentID string }

// UnknownEvent carries any event name this server does not handle.
type UnknownEvent struct {
	Name string
	Data json.RawMessage
}

func (JoinEvent) EventName() string            { return protocol.EventConversationJoin }
func (VoiceEvent) EventName() string           { return protocol.EventConversationVoice }
func (TextEvent) EventName() string            { return protocol.EventConversationText }
func (LeaveEvent) EventName() string           { return protocol.EventConversationLeave }
func (MonitorEvent) EventName() string         { return protocol.EventParentMonitor }
func (InterveneEvent) EventName() string       { return protocol.EventParentIntervene }
func (StopMonitorEvent) EventName() string     { return protocol.EventParentStopMonitor }
func (EndConversationEvent) EventName() string { return protocol.EventParentEndConversation }
func (ActiveSessionsEvent) EventName() string  { return protocol.EventParentGetActiveSessions }
func (e UnknownEvent) EventName() string       { return e.Name }

// ParseEvent decodes an event body into its typed form. Payload errors are
// *core.Error values of type invalid_request.
func ParseEvent(name string, data json.RawMessage) (Event, error) {
	switch name {
	case protocol.EventConversationJoin:
		var req protocol.JoinRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		req.ConversationID = strings.TrimSpace(req.ConversationID)
		if req.ConversationID == "" {
			return nil, core.NewInvalidRequestError("conversationId is required")
		}
		return JoinEvent{req}, nil

	case protocol.EventConversationVoice:
		var msg protocol.VoiceMessage
		if err := decode(data, &msg); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(msg.Audio)
		if i := strings.Index(raw, ";base64,"); i >= 0 {
			raw = raw[i+len(";base64,"):]
		}
		audio, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, core.NewInvalidRequestError("audio must be base64 encoded")
		}
		return VoiceEvent{Audio: audio, Format: strings.ToLower(strings.TrimSpace(msg.Format))}, nil

	case protocol.EventConversationText:
		var msg protocol.TextMessage
		if err := decode(data, &msg); err != nil {
			return nil, err
		}
		return TextEvent{Text: msg.Text}, nil

	case protocol.EventConversationLeave:
		return LeaveEvent{}, nil

	case protocol.EventParentMonitor:
		var req protocol.MonitorRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.ConversationID) == "" {
			return nil, core.NewInvalidRequestError("conversationId is required")
		}
		return MonitorEvent{ConversationID: strings.TrimSpace(req.ConversationID)}, nil

	case protocol.EventParentIntervene:
		var req protocol.InterventionRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		kind := strings.ToLower(strings.TrimSpace(req.Kind))
		if kind == "" {
			kind = protocol.InterventionMessage
		}
		if kind != protocol.InterventionMessage && kind != protocol.InterventionGuidance {
			return nil, core.NewInvalidRequestError("kind must be message or guidance")
		}
		if strings.TrimSpace(req.ConversationID) == "" {
			return nil, core.NewInvalidRequestError("conversationId is required")
		}
		if strings.TrimSpace(req.Message) == "" {
			return nil, core.NewInvalidRequestError("message is required")
		}
		return InterveneEvent{
			ConversationID: strings.TrimSpace(req.ConversationID),
			Message:        strings.TrimSpace(req.Message),
			Kind:           kind,
		}, nil

	case protocol.EventParentStopMonitor:
		return StopMonitorEvent{}, nil

	case protocol.EventParentEndConversation:
		var req protocol.EndConversationRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.ConversationID) == "" {
			return nil, core.NewInvalidRequestError("conversationId is required")
		}
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "ended_by_parent"
		}
		return EndConversationEvent{ConversationID: strings.TrimSpace(req.ConversationID), Reason: reason}, nil

	case protocol.EventParentGetActiveSessions:
		var req protocol.ActiveSessionsRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return ActiveSessionsEvent{ParentID: strings.TrimSpace(req.ParentID)}, nil

	default:
		return UnknownEvent{Name: name, Data: data}, nil
	}
}

func decode(data json.RawMessage, v any) error {
	if err := protocol.DecodeData(data, v); err != nil {
		return core.NewInvalidRequestError(err.Error())
	}
	return nil
}

// isParentEvent routes failures to parent:error instead of conversation:error.
func isParentEvent(name string) bool {
	return strings.HasPrefix(name, "parent:")
}
