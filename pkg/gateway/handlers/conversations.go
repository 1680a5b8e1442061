package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/core/turn"
	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
	"github.com/vango-go/talkbuddy/pkg/gateway/mw"
)

// ConversationOpener starts a conversation and returns its greeting.
// *turn.Pipeline implements it.
type ConversationOpener interface {
	Open(ctx context.Context, in turn.OpenInput) (turn.Result, error)
}

type openConversationRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	ChildID        string `json:"childId"`
	ParentID       string `json:"parentId,omitempty"`
	AvatarID       string `json:"avatarId,omitempty"`
	MissionID      string `json:"missionId,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

// ConversationsHandler serves POST /v1/conversations.
type ConversationsHandler struct {
	Config config.Config
	Opener ConversationOpener
	Logger *slog.Logger
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Opener == nil {
		writeCoreErrorJSON(w, reqID, core.NewAPIError("conversation opener is not configured"), http.StatusInternalServerError)
		return
	}

	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	var req openConversationRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, reqID, err)
			return
		}
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid request body: "+err.Error()), http.StatusBadRequest)
		return
	}

	cred, _ := auth.CredentialFrom(r.Context())
	in, err := openInputFor(cred, req)
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	ctx := r.Context()
	if h.Config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.HandlerTimeout)
		defer cancel()
	}
	res, err := h.Opener.Open(ctx, in)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("open conversation failed", "request_id", reqID, "child_id", in.ChildID, "error", err)
		}
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Response)
}

// openInputFor applies the caller's credential to the request. Children may
// only open their own conversations and parents only attach themselves.
func openInputFor(cred *auth.Credential, req openConversationRequest) (turn.OpenInput, error) {
	in := turn.OpenInput{
		ConversationID: strings.TrimSpace(req.ConversationID),
		ChildID:        strings.TrimSpace(req.ChildID),
		ParentID:       strings.TrimSpace(req.ParentID),
		AvatarID:       strings.TrimSpace(req.AvatarID),
		MissionID:      strings.TrimSpace(req.MissionID),
		Locale:         strings.TrimSpace(req.Locale),
	}
	switch {
	case cred == nil:
		if in.ParentID != "" {
			return turn.OpenInput{}, core.NewPermissionError("a parent credential is required to set parentId")
		}
	case cred.Trusted:
	case cred.Role == auth.RoleChild:
		if in.ChildID != "" && in.ChildID != cred.ChildID {
			return turn.OpenInput{}, core.NewPermissionError("credential belongs to another child")
		}
		in.ChildID = cred.ChildID
		in.ParentID = cred.ParentID
	case cred.Role == auth.RoleParent:
		if in.ParentID != "" && in.ParentID != cred.ParentID {
			return turn.OpenInput{}, core.NewPermissionError("credential belongs to another parent")
		}
		in.ParentID = cred.ParentID
	default:
		if in.ParentID != "" {
			return turn.OpenInput{}, core.NewPermissionError("a parent credential is required to set parentId")
		}
	}
	if in.ChildID == "" {
		return turn.OpenInput{}, &core.Error{Type: core.ErrInvalidRequest, Message: "childId is required", Param: "childId"}
	}
	return in, nil
}
