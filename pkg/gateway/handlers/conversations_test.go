package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/core/turn"
	"github.com/vango-go/talkbuddy/pkg/gateway/auth"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
)

type fakeOpener struct {
	got turn.OpenInput
	err error
}

func (f *fakeOpener) Open(ctx context.Context, in turn.OpenInput) (turn.Result, error) {
	f.got = in
	if f.err != nil {
		return turn.Result{}, f.err
	}
	return turn.Result{Response: protocol.TurnResponse{
		ConversationID: "c1",
		AvatarMessage:  protocol.MessageView{ID: "m1", Role: "avatar", Text: "Hi!"},
	}}, nil
}

func postConversation(h http.Handler, cred *auth.Credential, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(body))
	if cred != nil {
		req = req.WithContext(auth.WithCredential(req.Context(), cred))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestConversationsHandler_OpensForChildCredential(t *testing.T) {
	opener := &fakeOpener{}
	h := ConversationsHandler{Config: config.Config{MaxBodyBytes: 1 << 10}, Opener: opener}

	cred := &auth.Credential{Subject: "kid_1", Role: auth.RoleChild, ChildID: "kid_1", ParentID: "parent_1"}
	rr := postConversation(h, cred, `{"avatarId":"fox","locale":"en-US"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	want := turn.OpenInput{ChildID: "kid_1", ParentID: "parent_1", AvatarID: "fox", Locale: "en-US"}
	if diff := cmp.Diff(want, opener.got); diff != "" {
		t.Fatalf("open input mismatch (-want +got):\n%s", diff)
	}

	var resp protocol.TurnResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ConversationID != "c1" || resp.AvatarMessage.Text != "Hi!" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestConversationsHandler_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		cred   *auth.Credential
		body   string
		opener *fakeOpener
		want   int
	}{
		{"other child", &auth.Credential{Role: auth.RoleChild, ChildID: "kid_1"}, `{"childId":"kid_2"}`, &fakeOpener{}, http.StatusForbidden},
		{"other parent", &auth.Credential{Role: auth.RoleParent, ParentID: "p1"}, `{"childId":"kid_1","parentId":"p2"}`, &fakeOpener{}, http.StatusForbidden},
		{"guest sets parent", nil, `{"childId":"kid_1","parentId":"p1"}`, &fakeOpener{}, http.StatusForbidden},
		{"missing child", auth.Anonymous(), `{}`, &fakeOpener{}, http.StatusBadRequest},
		{"unknown field", auth.Anonymous(), `{"childId":"kid_1","bogus":1}`, &fakeOpener{}, http.StatusBadRequest},
		{"malformed", auth.Anonymous(), `{`, &fakeOpener{}, http.StatusBadRequest},
		{"too large", auth.Anonymous(), `{"childId":"` + strings.Repeat("k", 2048) + `"}`, &fakeOpener{}, http.StatusRequestEntityTooLarge},
		{"stage failure", auth.Anonymous(), `{"childId":"kid_1"}`, &fakeOpener{err: core.NewStageFailure(core.StageGenerate, errors.New("upstream down"))}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := ConversationsHandler{Config: config.Config{MaxBodyBytes: 1 << 10}, Opener: tc.opener}
			rr := postConversation(h, tc.cred, tc.body)
			if rr.Code != tc.want {
				t.Fatalf("status=%d want %d body=%q", rr.Code, tc.want, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), `"error"`) {
				t.Fatalf("body=%q", rr.Body.String())
			}
		})
	}
}

func TestConversationsHandler_MethodNotAllowed(t *testing.T) {
	h := ConversationsHandler{Opener: &fakeOpener{}}
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rr.Code)
	}
}
