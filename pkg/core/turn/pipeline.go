// Package turn runs one conversational exchange end to end: transcription,
// prompt assembly, dialogue generation, adventure merge, synthesis,
// persistence and broadcast.
package turn

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/core/adventure"
	"github.com/vango-go/talkbuddy/pkg/core/dialogue"
	"github.com/vango-go/talkbuddy/pkg/core/prompt"
	"github.com/vango-go/talkbuddy/pkg/core/voice/stt"
	"github.com/vango-go/talkbuddy/pkg/core/voice/tts"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
	"github.com/vango-go/talkbuddy/pkg/media"
	"github.com/vango-go/talkbuddy/pkg/store"
)

// Broadcaster fans events out to a conversation's room and its observer.
type Broadcaster interface {
	// Broadcast delivers to every connection in the room and returns how many
	// received it.
	Broadcast(conversationID, event string, data any) int
	// Mirror delivers to the parent observer linked to the conversation.
	Mirror(conversationID, event string, data any) bool
}

type Synthesizer interface {
	Synthesize(ctx context.Context, locale, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error)
}

type Prompts interface {
	For(ctx context.Context, conversationID string) (prompt.Prompt, error)
	Build(cc store.ConversationContext) prompt.Prompt
	Catalog() *prompt.Catalog
}

type Config struct {
	HistoryLimit        int
	MinAudioBytes       int
	MinAudioDuration    time.Duration
	AudioBytesPerSecond int

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	PersistTimeout    time.Duration

	AudioFormat     string
	AudioSampleRate int
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.MinAudioBytes <= 0 {
		c.MinAudioBytes = 1024
	}
	if c.MinAudioDuration <= 0 {
		c.MinAudioDuration = 300 * time.Millisecond
	}
	if c.AudioBytesPerSecond <= 0 {
		c.AudioBytesPerSecond = 16000
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 15 * time.Second
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 20 * time.Second
	}
	if c.SynthesizeTimeout <= 0 {
		c.SynthesizeTimeout = 20 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.AudioFormat == "" {
		c.AudioFormat = "mp3"
	}
	return c
}

type Dependencies struct {
	Store       store.Store
	Transcriber stt.Provider
	Generator   dialogue.Generator
	Synthesizer Synthesizer
	Prompts     Prompts
	Uploader    media.Uploader
	Broadcaster Broadcaster
	Config      Config
	Logger      *slog.Logger
	Now         func() time.Time
}

// Origin identifies who a turn belongs to.
type Origin struct {
	ConnectionID   string
	ConversationID string
	ChildID        string
	ParentID       string
	Locale         string
}

// Input is one child utterance: Text, or Audio in AudioFormat.
type Input struct {
	Origin      Origin
	Text        string
	Audio       []byte
	AudioFormat string
}

type Result struct {
	Response protocol.TurnResponse
	Fallback bool
}

type Pipeline struct {
	deps Dependencies
	cfg  Config
	log  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*convLock

	background sync.WaitGroup
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func New(deps Dependencies) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("turn: store is required")
	case deps.Generator == nil:
		return nil, errors.New("turn: generator is required")
	case deps.Prompts == nil:
		return nil, errors.New("turn: prompts are required")
	case deps.Broadcaster == nil:
		return nil, errors.New("turn: broadcaster is required")
	}
	if deps.Uploader == nil {
		deps.Uploader = media.Inline{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		deps:  deps,
		cfg:   deps.Config.withDefaults(),
		log:   deps.Logger,
		locks: make(map[string]*convLock),
	}, nil
}

// Run executes one turn. On failure exactly one conversation:error is
// broadcast to the room and nothing is persisted.
func (p *Pipeline) Run(ctx context.Context, in Input) (Result, error) {
	start := p.deps.Now()
	res, err := p.run(ctx, in)
	log := p.log.With("conversation_id", in.Origin.ConversationID, "connection_id", in.Origin.ConnectionID)
	if err != nil {
		p.fail(in.Origin, err)
		log.Warn("turn failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return Result{}, err
	}
	log.Info("turn completed", "fallback", res.Fallback, "phase", res.Response.Phase, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, in Input) (Result, error) {
	o := in.Origin
	conv, err := p.deps.Store.GetConversation(ctx, o.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, core.NewSessionNotFoundError("conversation not found")
		}
		return Result{}, core.NewStageFailure(core.StageValidate, err)
	}
	if !conv.Active() {
		return Result{}, core.NewSessionNotFoundError("conversation has ended")
	}
	if o.Locale == "" {
		o.Locale = conv.Locale
	}
	entry := p.deps.Prompts.Catalog().For(o.Locale)

	// 1. Validate
	utterance := strings.TrimSpace(in.Text)
	voice := len(in.Audio) > 0
	if voice && p.tooShort(in.Audio) {
		return p.fallback(o, entry.DidntCatch), nil
	}
	if !voice && utterance == "" {
		return p.fallback(o, entry.DidntCatch), nil
	}

	// 2. Transcribe
	if voice {
		if p.deps.Transcriber == nil {
			return Result{}, core.NewStageFailure(core.StageTranscribe, errors.New("no transcriber configured"))
		}
		p.processing(o.ConversationID, protocol.StatusTranscribing)
		tctx, cancel := context.WithTimeout(ctx, p.cfg.TranscribeTimeout)
		tr, err := p.deps.Transcriber.Transcribe(tctx, bytes.NewReader(in.Audio), stt.TranscribeOptions{
			Language: baseLanguage(o.Locale),
			Format:   in.AudioFormat,
		})
		cancel()
		if err != nil {
			return Result{}, core.NewStageFailure(core.StageTranscribe, err)
		}
		utterance = strings.TrimSpace(tr.Text)
		if utterance == "" {
			return p.fallback(o, entry.DidntCatch), nil
		}
	}

	// 3. Assemble context
	p.processing(o.ConversationID, protocol.StatusThinking)
	pr, err := p.deps.Prompts.For(ctx, o.ConversationID)
	if err != nil {
		return Result{}, core.NewStageFailure(core.StageContext, err)
	}
	history, err := p.deps.Store.RecentMessages(ctx, o.ConversationID, p.cfg.HistoryLimit)
	if err != nil {
		return Result{}, core.NewStageFailure(core.StageContext, err)
	}

	childText := utterance
	modelUtterance := utterance
	var childMeta map[string]any
	result, hasResult := adventure.ParseGameResult(utterance)
	if hasResult {
		childMeta = map[string]any{"gameResult": result}
		if rest := adventure.StripGameResult(utterance); rest != "" {
			modelUtterance = result.Narration() + " " + rest
		} else {
			modelUtterance = result.Narration()
		}
	}

	// 4. Generate
	gctx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	reply, err := p.deps.Generator.Generate(gctx, dialogue.Request{
		System:    pr.System,
		History:   toDialogueTurns(history),
		Utterance: modelUtterance,
		Locale:    o.Locale,
	})
	cancel()
	if err != nil {
		return Result{}, core.NewStageFailure(core.StageGenerate, err)
	}
	if prompt.LeaksGuidance(reply.Text, pr.Guidance) {
		p.log.Warn("reply quoted parent guidance; redirecting", "conversation_id", o.ConversationID)
		reply.Text = entry.Redirect
		reply.Emotion = dialogue.EmotionNeutral
	}

	unlock := p.lock(o.ConversationID)
	defer unlock()

	// 5. Merge. The state is re-read under the lock.
	current, err := p.deps.Store.GetConversation(ctx, o.ConversationID)
	if err != nil {
		return Result{}, core.NewStageFailure(core.StageMerge, err)
	}
	delta := adventure.Delta{}
	if reply.Adventure != nil {
		delta = *reply.Adventure
	}
	if hasResult {
		if current.Adventure.HasResult(result.Round) {
			// Replayed tag; the model's star count would double count it.
			delta.StarsEarned = nil
		} else {
			r := result
			delta.GameResult = &r
		}
	}
	state := current.Adventure
	if !delta.IsZero() {
		next, err := adventure.Merge(current.Adventure, delta)
		if err != nil {
			p.log.Warn("adventure delta rejected", "conversation_id", o.ConversationID, "error", core.NewInvalidStateDelta(err))
		} else {
			state = next
		}
	}

	// 6 and 7 run concurrently: synthesize and persist.
	now := p.deps.Now().UTC()
	childMsg := store.Message{ID: store.NewMessageID(), Text: childText, Metadata: childMeta, CreatedAt: now}
	avatarMsg := store.Message{ID: store.NewMessageID(), Text: reply.Text, Emotion: reply.Emotion, Metadata: reply.Metadata, CreatedAt: now}

	var (
		audio *audioOut
		turn  store.Turn
	)
	g, gctx2 := errgroup.WithContext(ctx)
	g.Go(func() error {
		audio = p.synthesize(gctx2, o.ConversationID, avatarMsg.ID, o.Locale, pr.VoiceID, reply)
		return nil
	})
	g.Go(func() error {
		pctx, cancel := context.WithTimeout(gctx2, p.cfg.PersistTimeout)
		defer cancel()
		t, err := p.deps.Store.AppendTurn(pctx, o.ConversationID, childMsg, avatarMsg, state)
		if err != nil {
			return core.NewStageFailure(core.StagePersist, err)
		}
		turn = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if audio != nil && audio.url != "" {
		if err := p.deps.Store.AttachAudio(ctx, turn.Avatar.ID, audio.url); err != nil {
			p.log.Warn("attach audio failed", "conversation_id", o.ConversationID, "message_id", turn.Avatar.ID, "error", err)
		} else {
			turn.Avatar.AudioURL = audio.url
		}
	}

	// 8. Broadcast
	childView := viewOf(turn.Child, nil)
	resp := protocol.TurnResponse{
		ConversationID: o.ConversationID,
		ChildMessage:   &childView,
		AvatarMessage:  viewOf(turn.Avatar, audio),
		Adventure:      &state,
		Phase:          adventure.PhaseOf(state).String(),
	}
	if voice {
		resp.Transcript = utterance
	}
	p.deps.Broadcaster.Broadcast(o.ConversationID, protocol.EventConversationResponse, resp)
	p.deps.Broadcaster.Mirror(o.ConversationID, protocol.EventParentMessageUpdate, resp.Redacted())
	return Result{Response: resp}, nil
}

func (p *Pipeline) tooShort(audio []byte) bool {
	if len(audio) < p.cfg.MinAudioBytes {
		return true
	}
	dur := time.Duration(float64(len(audio)) / float64(p.cfg.AudioBytesPerSecond) * float64(time.Second))
	return dur < p.cfg.MinAudioDuration
}

// fallback answers without any external call and persists nothing.
func (p *Pipeline) fallback(o Origin, phrase string) Result {
	resp := protocol.TurnResponse{
		ConversationID: o.ConversationID,
		AvatarMessage: protocol.MessageView{
			Role:      string(store.RoleAvatar),
			Text:      phrase,
			Emotion:   dialogue.EmotionNeutral,
			CreatedAt: p.deps.Now().UTC(),
		},
		Fallback: true,
	}
	p.deps.Broadcaster.Broadcast(o.ConversationID, protocol.EventConversationResponse, resp)
	return Result{Response: resp, Fallback: true}
}

func (p *Pipeline) fail(o Origin, err error) {
	payload := protocol.ErrorPayload{Code: "turn_failed", Retryable: true}
	if ce, ok := core.AsError(err); ok {
		if ce.Code != "" {
			payload.Code = ce.Code
		}
		payload.Retryable = ce.IsRetryable()
	}
	payload.Message = p.deps.Prompts.Catalog().For(o.Locale).Oops
	p.deps.Broadcaster.Broadcast(o.ConversationID, protocol.EventConversationError, payload)
}

func (p *Pipeline) processing(conversationID, status string) {
	p.deps.Broadcaster.Broadcast(conversationID, protocol.EventConversationProcessing, protocol.Processing{
		ConversationID: conversationID,
		Status:         status,
	})
}

type audioOut struct {
	url      string
	data     string
	duration float64
}

// synthesize returns nil when every provider failed; the turn goes out as
// text only.
func (p *Pipeline) synthesize(ctx context.Context, conversationID, messageID, locale, voice string, reply dialogue.Reply) *audioOut {
	if p.deps.Synthesizer == nil || strings.TrimSpace(reply.Text) == "" {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SynthesizeTimeout)
	defer cancel()
	syn, err := p.deps.Synthesizer.Synthesize(sctx, locale, reply.Text, tts.SynthesizeOptions{
		Voice:      voice,
		Emotion:    reply.Emotion,
		Format:     p.cfg.AudioFormat,
		SampleRate: p.cfg.AudioSampleRate,
	})
	if err != nil {
		p.log.Warn("synthesis failed; sending text only", "conversation_id", conversationID, "error", core.NewSynthesisFailure(err))
		return nil
	}
	out := &audioOut{duration: syn.Duration}
	key := media.AudioKey(conversationID, messageID, syn.Format, p.deps.Now())
	url, err := p.deps.Uploader.Upload(sctx, key, syn.Audio, syn.ContentType())
	if err != nil {
		p.log.Warn("audio upload failed; inlining", "conversation_id", conversationID, "error", err)
	}
	if url != "" && err == nil {
		out.url = url
	} else {
		out.data = base64.StdEncoding.EncodeToString(syn.Audio)
	}
	return out
}

func (p *Pipeline) lock(conversationID string) func() {
	p.locksMu.Lock()
	l := p.locks[conversationID]
	if l == nil {
		l = &convLock{}
		p.locks[conversationID] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, conversationID)
		}
		p.locksMu.Unlock()
	}
}

func toDialogueTurns(msgs []store.Message) []dialogue.Turn {
	out := make([]dialogue.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == store.RoleParent {
			continue
		}
		text := m.Text
		if r, ok := adventure.ParseGameResult(text); ok {
			text = r.Narration()
		}
		out = append(out, dialogue.Turn{FromChild: m.Role == store.RoleChild, Text: text})
	}
	return out
}

func viewOf(m store.Message, audio *audioOut) protocol.MessageView {
	v := protocol.MessageView{
		ID:        m.ID,
		Role:      string(m.Role),
		Text:      m.Text,
		Emotion:   m.Emotion,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
	if m.AudioURL != "" {
		u := m.AudioURL
		v.AudioURL = &u
	}
	if audio != nil {
		if audio.data != "" {
			d := audio.data
			v.AudioData = &d
		}
		v.Duration = audio.duration
	}
	return v
}

func baseLanguage(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return strings.ToLower(locale)
}
