// Package store defines the persistence contract the live gateway needs:
// conversations, their messages, adventure state, and parent notes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/vango-go/talkbuddy/pkg/core/adventure"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type ConversationStatus string

const (
	StatusActive ConversationStatus = "active"
	StatusEnded  ConversationStatus = "ended"
)

type Role string

const (
	RoleChild  Role = "child"
	RoleAvatar Role = "avatar"
	RoleParent Role = "parent"
)

type NoteKind string

const (
	// NoteQuestion is something the parent wants the avatar to ask about.
	NoteQuestion NoteKind = "question"
	// NoteGuidance steers the avatar and is never disclosed to the child.
	NoteGuidance NoteKind = "guidance"
)

type Conversation struct {
	ID        string
	ChildID   string
	ParentID  string
	AvatarID  string
	MissionID string
	Locale    string
	Status    ConversationStatus
	Adventure adventure.State
	CreatedAt time.Time
	EndedAt   *time.Time
	EndReason string
}

func (c Conversation) Active() bool { return c.Status == StatusActive }

type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           Role
	Text           string
	Emotion        string
	AudioURL       string
	Metadata       map[string]any
	CreatedAt      time.Time
}

type ParentNote struct {
	ID             string
	ConversationID string
	Kind           NoteKind
	Text           string
	CreatedAt      time.Time
}

type Child struct {
	ID        string
	ParentID  string
	Name      string
	Age       int
	Interests []string
	Locale    string
}

type Avatar struct {
	ID      string
	Name    string
	Persona string
	VoiceID string
}

type Mission struct {
	ID    string
	Title string
	Goal  string
}

// ConversationContext is everything the prompt builder layers together.
type ConversationContext struct {
	Conversation Conversation
	Child        Child
	Avatar       Avatar
	Mission      *Mission
	Notes        []ParentNote
}

// Turn is one persisted exchange.
type Turn struct {
	Child     Message
	Avatar    Message
	Adventure adventure.State
}

// Store is implemented by sqlstore for Postgres and SQLite.
type Store interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// CreateConversation inserts the conversation and its opening avatar
	// message in one transaction.
	CreateConversation(ctx context.Context, conv Conversation, opening Message) (Conversation, Message, error)
	// RecentMessages returns up to limit messages in chronological order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// AppendTurn writes the child and avatar messages and the adventure
	// state atomically. Neither message is visible without the other.
	AppendTurn(ctx context.Context, conversationID string, child, avatar Message, state adventure.State) (Turn, error)
	AttachAudio(ctx context.Context, messageID, audioURL string) error
	ConversationContext(ctx context.Context, conversationID string) (ConversationContext, error)
	// ProfileContext loads the profiles referenced by a conversation that
	// may not exist yet. Notes are left empty.
	ProfileContext(ctx context.Context, conv Conversation) (ConversationContext, error)
	AddParentNote(ctx context.Context, note ParentNote) (ParentNote, error)
	EndConversation(ctx context.Context, conversationID, reason string) error
	Close() error
}

// NewMessageID returns a sortable message id.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

func NewConversationID() string {
	return uuid.NewString()
}
