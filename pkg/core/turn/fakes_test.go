package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/talkbuddy/pkg/core/adventure"
	"github.com/vango-go/talkbuddy/pkg/core/dialogue"
	"github.com/vango-go/talkbuddy/pkg/core/voice/stt"
	"github.com/vango-go/talkbuddy/pkg/core/voice/tts"
	"github.com/vango-go/talkbuddy/pkg/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memStore struct {
	mu       sync.Mutex
	convs    map[string]store.Conversation
	messages map[string][]store.Message
	notes    map[string][]store.ParentNote
	audio    map[string]string
	appends  int
	appendFn func() error
}

func newMemStore() *memStore {
	return &memStore{
		convs:    map[string]store.Conversation{},
		messages: map[string][]store.Message{},
		notes:    map[string][]store.ParentNote{},
		audio:    map[string]string{},
	}
}

func (m *memStore) seed(conv store.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.Status == "" {
		conv.Status = store.StatusActive
	}
	if conv.Adventure.InteractionType == "" {
		conv.Adventure = adventure.Initial()
	}
	m.convs[conv.ID] = conv
}

func (m *memStore) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) CreateConversation(_ context.Context, conv store.Conversation, opening store.Message) (store.Conversation, store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conv.ID]; ok {
		return store.Conversation{}, store.Message{}, store.ErrConflict
	}
	m.convs[conv.ID] = conv
	opening.ConversationID = conv.ID
	opening.Seq = 1
	m.messages[conv.ID] = append(m.messages[conv.ID], opening)
	return conv, opening, nil
}

func (m *memStore) RecentMessages(_ context.Context, id string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[id]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]store.Message(nil), msgs...), nil
}

func (m *memStore) AppendTurn(_ context.Context, id string, child, avatar store.Message, state adventure.State) (store.Turn, error) {
	if m.appendFn != nil {
		if err := m.appendFn(); err != nil {
			return store.Turn{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return store.Turn{}, store.ErrNotFound
	}
	seq := int64(len(m.messages[id]))
	child.ConversationID, child.Role, child.Seq = id, store.RoleChild, seq+1
	avatar.ConversationID, avatar.Role, avatar.Seq = id, store.RoleAvatar, seq+2
	m.messages[id] = append(m.messages[id], child, avatar)
	conv.Adventure = state
	m.convs[id] = conv
	m.appends++
	return store.Turn{Child: child, Avatar: avatar, Adventure: state}, nil
}

func (m *memStore) AttachAudio(_ context.Context, messageID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio[messageID] = url
	return nil
}

func (m *memStore) ConversationContext(ctx context.Context, id string) (store.ConversationContext, error) {
	conv, err := m.GetConversation(ctx, id)
	if err != nil {
		return store.ConversationContext{}, err
	}
	cc, _ := m.ProfileContext(ctx, conv)
	m.mu.Lock()
	cc.Notes = append([]store.ParentNote(nil), m.notes[id]...)
	m.mu.Unlock()
	return cc, nil
}

func (m *memStore) ProfileContext(_ context.Context, conv store.Conversation) (store.ConversationContext, error) {
	return store.ConversationContext{
		Conversation: conv,
		Child:        store.Child{ID: conv.ChildID, Name: "Mina", Age: 6, Locale: "en-US"},
		Avatar:       store.Avatar{Name: "Pip", VoiceID: "voice-pip"},
	}, nil
}

func (m *memStore) AddParentNote(_ context.Context, n store.ParentNote) (store.ParentNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[n.ConversationID] = append(m.notes[n.ConversationID], n)
	return n, nil
}

func (m *memStore) EndConversation(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status, c.EndReason = store.StatusEnded, reason
	m.convs[id] = c
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) stored(id string) []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Message(nil), m.messages[id]...)
}

func (m *memStore) messageCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[id])
}

type sent struct {
	conversationID string
	event          string
	data           any
}

type recorder struct {
	mu        sync.Mutex
	broadcast []sent
	mirrored  []sent
	notify    chan sent
}

func newRecorder() *recorder { return &recorder{notify: make(chan sent, 64)} }

func (r *recorder) Broadcast(id, event string, data any) int {
	r.mu.Lock()
	r.broadcast = append(r.broadcast, sent{id, event, data})
	r.mu.Unlock()
	r.notify <- sent{id, event, data}
	return 1
}

func (r *recorder) Mirror(id, event string, data any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrored = append(r.mirrored, sent{id, event, data})
	return true
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.broadcast))
	for _, s := range r.broadcast {
		out = append(out, s.event)
	}
	return out
}

func (r *recorder) last(event string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.broadcast) - 1; i >= 0; i-- {
		if r.broadcast[i].event == event {
			return r.broadcast[i].data, true
		}
	}
	return nil, false
}

type scriptedGenerator struct {
	mu    sync.Mutex
	reply dialogue.Reply
	err   error
	reqs  []dialogue.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req dialogue.Request) (dialogue.Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	return g.reply, g.err
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Transcribe(_ context.Context, audio io.Reader, _ stt.TranscribeOptions) (*stt.Transcript, error) {
	f.calls++
	_, _ = io.Copy(io.Discard, audio)
	if f.err != nil {
		return nil, f.err
	}
	return &stt.Transcript{Text: f.text}, nil
}

type fakeSynth struct {
	err   error
	delay time.Duration
}

func (f *fakeSynth) Synthesize(ctx context.Context, _, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Synthesis{Audio: []byte("audio:" + text), Format: opts.Format, Duration: 1.5, Provider: "fake"}, nil
}

type urlUploader struct {
	keys []string
	err  error
}

func (u *urlUploader) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.keys = append(u.keys, key)
	return "https://cdn.test/" + key, nil
}

var errBoom = errors.New("boom")
