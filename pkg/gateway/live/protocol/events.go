package protocol

import (
	"time"

	"github.com/vango-go/talkbuddy/pkg/core/adventure"
)

// Client to server events.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationVoice = "conversation:voice"
	EventConversationText  = "conversation:text"
	EventConversationLeave = "conversation:leave"

	EventParentMonitor           = "parent:monitor"
	EventParentIntervene         = "parent:intervene"
	EventParentStopMonitor       = "parent:stop_monitor"
	EventParentEndConversation   = "parent:end_conversation"
	EventParentGetActiveSessions = "parent:get_active_sessions"
)

// Server to client events.
const (
	EventConversationJoined             = "conversation:joined"
	EventConversationProcessing         = "conversation:processing"
	EventConversationResponse           = "conversation:response"
	EventConversationAudio              = "conversation:audio"
	EventConversationParentIntervention = "conversation:parent_intervention"
	EventConversationEndedByParent      = "conversation:ended_by_parent"
	EventConversationError              = "conversation:error"
	EventConversationLeft               = "conversation:left"

	EventParentMonitorStarted    = "parent:monitor_started"
	EventParentMessageUpdate     = "parent:message_update"
	EventParentInterventionSent  = "parent:intervention_sent"
	EventParentConversationEnded = "parent:conversation_ended"
	EventParentActiveSessions    = "parent:active_sessions"
	EventParentError             = "parent:error"
	EventParentMonitorStopped    = "parent:monitor_stopped"
)

// Processing statuses.
const (
	StatusTranscribing = "transcribing"
	StatusThinking     = "thinking"
)

// Intervention kinds.
const (
	InterventionMessage  = "message"
	InterventionGuidance = "guidance"
)

type JoinRequest struct {
	ConversationID string `json:"conversationId"`
	ChildID        string `json:"childId"`
	ParentID       string `json:"parentId,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

// VoiceMessage carries one recorded utterance, base64 encoded.
type VoiceMessage struct {
	Audio  string `json:"audio"`
	Format string `json:"format,omitempty"`
}

type TextMessage struct {
	Text string `json:"text"`
}

type MonitorRequest struct {
	ConversationID string `json:"conversationId"`
}

type InterventionRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	Kind           string `json:"kind,omitempty"`
}

type EndConversationRequest struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason,omitempty"`
}

type Joined struct {
	ConversationID string           `json:"conversationId"`
	SessionID      string           `json:"sessionId"`
	Adventure      *adventure.State `json:"adventure,omitempty"`
	Phase          string           `json:"phase,omitempty"`
}

type Processing struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

// MessageView is a persisted or transient message as shown to clients.
type MessageView struct {
	ID        string         `json:"id,omitempty"`
	Role      string         `json:"role"`
	Text      string         `json:"text"`
	Emotion   string         `json:"emotion,omitempty"`
	AudioURL  *string        `json:"audioUrl"`
	AudioData *string        `json:"audioData"`
	Duration  float64        `json:"duration,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type TurnResponse struct {
	ConversationID string           `json:"conversationId"`
	Transcript     string           `json:"transcript,omitempty"`
	ChildMessage   *MessageView     `json:"childMessage,omitempty"`
	AvatarMessage  MessageView      `json:"avatarMessage"`
	Adventure      *adventure.State `json:"adventure,omitempty"`
	Phase          string           `json:"phase,omitempty"`
	Fallback       bool             `json:"fallback,omitempty"`
}

// Redacted drops audio bytes and model metadata before mirroring to a parent.
func (r TurnResponse) Redacted() TurnResponse {
	out := r
	out.AvatarMessage = redactView(r.AvatarMessage)
	if r.ChildMessage != nil {
		child := redactView(*r.ChildMessage)
		out.ChildMessage = &child
	}
	return out
}

func redactView(v MessageView) MessageView {
	v.AudioData = nil
	v.Metadata = nil
	return v
}

type AudioReady struct {
	ConversationID string  `json:"conversationId"`
	MessageID      string  `json:"messageId"`
	AudioURL       *string `json:"audioUrl"`
	AudioData      *string `json:"audioData"`
	Duration       float64 `json:"duration,omitempty"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ParentIntervention struct {
	ConversationID string    `json:"conversationId"`
	Message        string    `json:"message"`
	SentAt         time.Time `json:"sentAt"`
}

type ConversationEnded struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason,omitempty"`
}

type MonitorStarted struct {
	ConversationID string        `json:"conversationId"`
	ChildOnline    bool          `json:"childOnline"`
	RecentMessages []MessageView `json:"recentMessages"`
}

type SessionInfo struct {
	SessionID      string    `json:"sessionId"`
	ConversationID string    `json:"conversationId"`
	ChildID        string    `json:"childId"`
	Locale         string    `json:"locale,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	IsMonitoring   bool      `json:"isMonitoring"`
}

// ActiveSessionsRequest names a parent only for operator connections; a
// parent credential always lists its own sessions.
type ActiveSessionsRequest struct {
	ParentID string `json:"parentId,omitempty"`
}

type InterventionSent struct {
	ConversationID string    `json:"conversationId"`
	Kind           string    `json:"kind"`
	SentAt         time.Time `json:"sentAt"`
}

type MonitorStopped struct {
	ConversationID string `json:"conversationId"`
}

type ActiveSessions struct {
	Sessions []SessionInfo `json:"sessions"`
}

type Left struct {
	ConversationID string `json:"conversationId"`
}
