package turn

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/core/adventure"
	"github.com/vango-go/talkbuddy/pkg/core/dialogue"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
	"github.com/vango-go/talkbuddy/pkg/store"
)

// OpenInput starts a new conversation. ConversationID is generated when empty.
type OpenInput struct {
	ConversationID string
	ChildID        string
	ParentID       string
	AvatarID       string
	MissionID      string
	Locale         string
}

// Open generates the greeting and persists the conversation together with it.
// The result carries text only; audio follows as conversation:audio once
// synthesis finishes.
func (p *Pipeline) Open(ctx context.Context, in OpenInput) (Result, error) {
	if strings.TrimSpace(in.ChildID) == "" {
		return Result{}, core.NewInvalidRequestError("childId is required")
	}
	conv := store.Conversation{
		ID:        in.ConversationID,
		ChildID:   in.ChildID,
		ParentID:  in.ParentID,
		AvatarID:  in.AvatarID,
		MissionID: in.MissionID,
		Locale:    in.Locale,
		Status:    store.StatusActive,
		Adventure: adventure.Initial(),
	}
	if conv.ID == "" {
		conv.ID = store.NewConversationID()
	}

	cc, err := p.deps.Store.ProfileContext(ctx, conv)
	if err != nil {
		return Result{}, core.NewStageFailure(core.StageContext, err)
	}
	if conv.Locale == "" {
		conv.Locale = cc.Child.Locale
		cc.Conversation.Locale = conv.Locale
	}
	pr := p.deps.Prompts.Build(cc)
	entry := p.deps.Prompts.Catalog().For(conv.Locale)

	gctx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	reply, err := p.deps.Generator.Generate(gctx, dialogue.Request{
		System:    pr.System,
		Utterance: entry.Opening,
		Locale:    conv.Locale,
	})
	cancel()
	if err != nil {
		return Result{}, core.NewStageFailure(core.StageGenerate, err)
	}
	if reply.Adventure != nil {
		if next, err := adventure.Merge(conv.Adventure, *reply.Adventure); err == nil {
			conv.Adventure = next
		} else {
			p.log.Warn("opening adventure delta rejected", "conversation_id", conv.ID, "error", core.NewInvalidStateDelta(err))
		}
	}

	conv, opening, err := p.deps.Store.CreateConversation(ctx, conv, store.Message{
		ID:        store.NewMessageID(),
		Role:      store.RoleAvatar,
		Text:      reply.Text,
		Emotion:   reply.Emotion,
		Metadata:  reply.Metadata,
		CreatedAt: p.deps.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Result{}, core.NewInvalidRequestError("conversation already exists")
		}
		return Result{}, core.NewStageFailure(core.StagePersist, err)
	}
	p.log.Info("conversation opened", "conversation_id", conv.ID, "child_id", conv.ChildID, "locale", conv.Locale)

	p.background.Add(1)
	go func() {
		defer p.background.Done()
		p.openingAudio(context.WithoutCancel(ctx), conv, opening, pr.VoiceID, reply)
	}()

	state := conv.Adventure
	return Result{Response: protocol.TurnResponse{
		ConversationID: conv.ID,
		AvatarMessage:  viewOf(opening, nil),
		Adventure:      &state,
		Phase:          adventure.PhaseOf(state).String(),
	}}, nil
}

func (p *Pipeline) openingAudio(ctx context.Context, conv store.Conversation, opening store.Message, voice string, reply dialogue.Reply) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SynthesizeTimeout+p.cfg.PersistTimeout)
	defer cancel()

	audio := p.synthesize(ctx, conv.ID, opening.ID, conv.Locale, voice, reply)
	if audio == nil {
		return
	}
	if audio.url != "" {
		if err := p.deps.Store.AttachAudio(ctx, opening.ID, audio.url); err != nil {
			p.log.Warn("attach opening audio failed", "conversation_id", conv.ID, "message_id", opening.ID, "error", err)
		}
	}
	ready := protocol.AudioReady{
		ConversationID: conv.ID,
		MessageID:      opening.ID,
		Duration:       audio.duration,
	}
	if audio.url != "" {
		u := audio.url
		ready.AudioURL = &u
	}
	if audio.data != "" {
		d := audio.data
		ready.AudioData = &d
	}
	p.deps.Broadcaster.Broadcast(conv.ID, protocol.EventConversationAudio, ready)
}

// Go runs a turn in the background on a context that ignores ctx's
// cancellation, so the result still reaches the room after the originating
// connection drops. Wait covers it.
func (p *Pipeline) Go(ctx context.Context, in Input, timeout time.Duration) {
	ctx = context.WithoutCancel(ctx)
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		_, _ = p.Run(ctx, in)
	}()
}

// Wait blocks until background work (opening audio and turns started with
// Go) finishes or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
