package session

import (
	"context"
	"errors"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/core/adventure"
	"github.com/vango-go/talkbuddy/pkg/core/turn"
	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/sessions"
	"github.com/vango-go/talkbuddy/pkg/store"
)

// Dispatch handles one client event. Failures are reported to the client as
// parent:error for parent events and conversation:error otherwise.
func (s *LiveSession) Dispatch(ctx context.Context, ev Event) {
	var err error
	switch e := ev.(type) {
	case JoinEvent:
		err = s.join(ctx, e)
	case VoiceEvent:
		err = s.startTurn(turn.Input{Audio: e.Audio, AudioFormat: e.Format})
	case TextEvent:
		err = s.startTurn(turn.Input{Text: e.Text})
	case LeaveEvent:
		err = s.leave()
	case MonitorEvent:
		err = s.monitorConversation(ctx, e)
	case InterveneEvent:
		err = s.intervene(ctx, e)
	case StopMonitorEvent:
		err = s.stopMonitor()
	case EndConversationEvent:
		err = s.endConversation(ctx, e)
	case ActiveSessionsEvent:
		err = s.activeSessions(e)
	case UnknownEvent:
		s.logger.Debug("live event ignored", "event", e.Name)
	default:
		s.logger.Warn("live event has no handler", "event", ev.EventName())
	}
	if err != nil {
		s.emitError(ev.EventName(), err)
	}
}

func (s *LiveSession) join(ctx context.Context, e JoinEvent) error {
	req := e.JoinRequest
	switch {
	case s.cred.Trusted:
	case s.cred.Role == auth.RoleChild:
		if req.ChildID != "" && req.ChildID != s.cred.ChildID {
			return core.NewPermissionError("credential belongs to another child")
		}
		req.ChildID = s.cred.ChildID
	case s.cred.Role == auth.RoleParent:
		req.ParentID = s.cred.ParentID
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	sess, err := s.registry.Join(ctx, s.sessionID, req)
	if err != nil {
		return err
	}
	joined := protocol.Joined{ConversationID: sess.ConversationID, SessionID: s.sessionID}
	if conv, err := s.store.GetConversation(ctx, sess.ConversationID); err == nil {
		state := conv.Adventure
		joined.Adventure = &state
		joined.Phase = adventure.PhaseOf(state).String()
	} else {
		s.logger.Warn("load adventure for join failed", "conversation_id", sess.ConversationID, "error", err)
	}
	s.logger.Info("child joined conversation", "conversation_id", sess.ConversationID, "child_id", sess.ChildID, "monitored", sess.IsMonitoring, "room_size", s.registry.RoomSize(sess.ConversationID))
	return s.Emit(protocol.EventConversationJoined, joined)
}

func (s *LiveSession) startTurn(in turn.Input) error {
	sess, err := s.registry.Lookup(s.sessionID)
	if err != nil || sess.Role != sessions.RoleChild {
		return core.NewProtocolError("not_joined", "join a conversation first")
	}
	if d := s.limiter.AllowTurn(s.principalKey, s.now()); !d.Allowed {
		return core.NewRateLimitError("too many turns, slow down", d.RetryAfter)
	}
	in.Origin = turn.Origin{
		ConnectionID:   s.sessionID,
		ConversationID: sess.ConversationID,
		ChildID:        sess.ChildID,
		ParentID:       sess.ParentID,
		Locale:         sess.Locale,
	}
	s.turns.Go(s.ctx, in, s.cfg.TurnTimeout)
	return nil
}

func (s *LiveSession) leave() error {
	sess, ok := s.registry.Leave(s.sessionID)
	if ok {
		s.logger.Info("left conversation", "conversation_id", sess.ConversationID, "role", string(sess.Role))
	}
	return s.Emit(protocol.EventConversationLeft, protocol.Left{ConversationID: sess.ConversationID})
}

func (s *LiveSession) monitorConversation(ctx context.Context, e MonitorEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	conv, err := s.ownedConversation(ctx, e.ConversationID)
	if err != nil {
		return err
	}
	if _, err := s.registry.Observe(ctx, s.sessionID, conv.ParentID, conv.ID); err != nil {
		return err
	}
	msgs, err := s.store.RecentMessages(ctx, conv.ID, s.cfg.RecentMessages)
	if err != nil {
		s.registry.StopObserving(s.sessionID)
		return core.NewAPIError("load recent messages: " + err.Error())
	}
	views := make([]protocol.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView(m))
	}
	s.logger.Info("parent monitoring conversation", "conversation_id", conv.ID)
	return s.Emit(protocol.EventParentMonitorStarted, protocol.MonitorStarted{
		ConversationID: conv.ID,
		ChildOnline:    s.registry.ChildOnline(conv.ID),
		RecentMessages: views,
	})
}

func (s *LiveSession) intervene(ctx context.Context, e InterveneEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	conv, err := s.ownedConversation(ctx, e.ConversationID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	switch e.Kind {
	case protocol.InterventionGuidance:
		// Guidance only reaches the avatar's prompt; the room sees nothing.
		if _, err := s.store.AddParentNote(ctx, store.ParentNote{
			ConversationID: conv.ID,
			Kind:           store.NoteGuidance,
			Text:           e.Message,
			CreatedAt:      now,
		}); err != nil {
			return core.NewAPIError("store guidance: " + err.Error())
		}
		if s.prompts != nil {
			if err := s.prompts.Invalidate(ctx, conv.ID); err != nil {
				s.logger.Warn("prompt invalidation failed", "conversation_id", conv.ID, "error", err)
			}
		}
	default:
		s.registry.Broadcast(conv.ID, protocol.EventConversationParentIntervention, protocol.ParentIntervention{
			ConversationID: conv.ID,
			Message:        e.Message,
			SentAt:         now,
		})
	}
	s.logger.Info("parent intervention", "conversation_id", conv.ID, "kind", e.Kind)
	return s.Emit(protocol.EventParentInterventionSent, protocol.InterventionSent{
		ConversationID: conv.ID,
		Kind:           e.Kind,
		SentAt:         now,
	})
}

func (s *LiveSession) stopMonitor() error {
	if !s.cred.IsParent() {
		return core.NewPermissionError("parent credential required")
	}
	sess, _ := s.registry.StopObserving(s.sessionID)
	return s.Emit(protocol.EventParentMonitorStopped, protocol.MonitorStopped{ConversationID: sess.ConversationID})
}

func (s *LiveSession) endConversation(ctx context.Context, e EndConversationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	conv, err := s.ownedConversation(ctx, e.ConversationID)
	if err != nil {
		return err
	}
	if err := s.store.EndConversation(ctx, conv.ID, e.Reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.NewSessionNotFoundError("conversation not found")
		}
		return core.NewAPIError("end conversation: " + err.Error())
	}
	ended := protocol.ConversationEnded{ConversationID: conv.ID, Reason: e.Reason}
	delivered := s.registry.Broadcast(conv.ID, protocol.EventConversationEndedByParent, ended)
	removed := s.registry.EndConversation(conv.ID)
	s.logger.Info("parent ended conversation", "conversation_id", conv.ID, "reason", e.Reason, "notified", delivered, "removed_sessions", len(removed))
	return s.Emit(protocol.EventParentConversationEnded, ended)
}

func (s *LiveSession) activeSessions(e ActiveSessionsEvent) error {
	if !s.cred.IsParent() {
		return core.NewPermissionError("parent credential required")
	}
	parentID := s.cred.ParentID
	if s.cred.Trusted {
		parentID = e.ParentID
	} else if e.ParentID != "" && e.ParentID != parentID {
		return core.NewPermissionError("sessions belong to another parent")
	}
	if parentID == "" {
		return core.NewInvalidRequestError("parentId is required")
	}
	list := s.registry.ActiveSessions(parentID)
	infos := make([]protocol.SessionInfo, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sess.Info())
	}
	return s.Emit(protocol.EventParentActiveSessions, protocol.ActiveSessions{Sessions: infos})
}

// ownedConversation loads an active conversation the credential may act on
// as its parent.
func (s *LiveSession) ownedConversation(ctx context.Context, id string) (store.Conversation, error) {
	if !s.cred.IsParent() {
		return store.Conversation{}, core.NewPermissionError("parent credential required")
	}
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, core.NewSessionNotFoundError("conversation not found")
	}
	if err != nil {
		return store.Conversation{}, core.NewAPIError("conversation lookup failed: " + err.Error())
	}
	if !s.cred.OwnsParent(conv.ParentID) {
		return store.Conversation{}, core.NewPermissionError("conversation belongs to another parent")
	}
	if !conv.Active() {
		return store.Conversation{}, core.NewSessionNotFoundError("conversation has ended")
	}
	return conv, nil
}

func (s *LiveSession) emitError(event string, err error) {
	ce, ok := core.AsError(err)
	if !ok {
		ce = core.NewAPIError(err.Error())
	}
	payload := protocol.ErrorPayload{
		Code:      ce.WireCode(),
		Message:   ce.Message,
		Retryable: ce.IsRetryable(),
	}
	if ce.Type == core.ErrAPI {
		s.logger.Error("live event failed", "event", event, "error", err)
		payload.Message = "something went wrong"
	} else {
		s.logger.Info("live event rejected", "event", event, "code", payload.Code, "error", err)
	}
	name := protocol.EventConversationError
	if isParentEvent(event) {
		name = protocol.EventParentError
	}
	_ = s.Emit(name, payload)
}

// messageView renders a stored message for a parent: the audio URL stays,
// model metadata does not.
func messageView(m store.Message) protocol.MessageView {
	v := protocol.MessageView{
		ID:        m.ID,
		Role:      string(m.Role),
		Text:      m.Text,
		Emotion:   m.Emotion,
		CreatedAt: m.CreatedAt,
	}
	if m.AudioURL != "" {
		u := m.AudioURL
		v.AudioURL = &u
	}
	return v
}
