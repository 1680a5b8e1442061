package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/talkbuddy/pkg/store"
)

// ConversationContext loads the conversation with its child, avatar, mission
// and parent notes. Missing profile rows yield zero values; profile CRUD
// lives outside this service.
func (s *Store) ConversationContext(ctx context.Context, conversationID string) (store.ConversationContext, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return store.ConversationContext{}, err
	}
	out, err := s.ProfileContext(ctx, conv)
	if err != nil {
		return store.ConversationContext{}, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, conversation_id, kind, text, created_at FROM parent_notes
		WHERE conversation_id = ? ORDER BY id ASC`), conversationID)
	if err != nil {
		return store.ConversationContext{}, fmt.Errorf("query parent notes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			n         store.ParentNote
			kind      string
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.ConversationID, &kind, &n.Text, &createdAt); err != nil {
			return store.ConversationContext{}, fmt.Errorf("scan parent note: %w", err)
		}
		n.Kind = store.NoteKind(kind)
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return store.ConversationContext{}, fmt.Errorf("parse note created_at: %w", err)
		}
		out.Notes = append(out.Notes, n)
	}
	if err := rows.Err(); err != nil {
		return store.ConversationContext{}, fmt.Errorf("iterate parent notes: %w", err)
	}
	return out, nil
}

// AddParentNote stores a question or confidential guidance for a conversation.
func (s *Store) AddParentNote(ctx context.Context, note store.ParentNote) (store.ParentNote, error) {
	if note.ID == "" {
		note.ID = store.NewMessageID()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	if note.Kind == "" {
		note.Kind = store.NoteGuidance
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO parent_notes (id, conversation_id, kind, text, created_at)
		VALUES (?, ?, ?, ?, ?)`), note.ID, note.ConversationID, string(note.Kind), note.Text, formatTime(note.CreatedAt))
	if err != nil {
		return store.ParentNote{}, fmt.Errorf("insert parent note: %w", err)
	}
	return note, nil
}

// UpsertChild writes a child profile. Used by seeding and tests.
func (s *Store) UpsertChild(ctx context.Context, c store.Child) error {
	interests, err := json.Marshal(c.Interests)
	if err != nil {
		return fmt.Errorf("marshal interests: %w", err)
	}
	if c.Interests == nil {
		interests = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO children (id, parent_id, name, age, interests_json, locale)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET parent_id = excluded.parent_id, name = excluded.name, age = excluded.age,
			interests_json = excluded.interests_json, locale = excluded.locale`),
		c.ID, c.ParentID, c.Name, c.Age, string(interests), c.Locale)
	if err != nil {
		return fmt.Errorf("upsert child: %w", err)
	}
	return nil
}

func (s *Store) UpsertAvatar(ctx context.Context, a store.Avatar) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO avatars (id, name, persona, voice_id) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, persona = excluded.persona, voice_id = excluded.voice_id`),
		a.ID, a.Name, a.Persona, a.VoiceID)
	if err != nil {
		return fmt.Errorf("upsert avatar: %w", err)
	}
	return nil
}

func (s *Store) UpsertMission(ctx context.Context, m store.Mission) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO missions (id, title, goal) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, goal = excluded.goal`),
		m.ID, m.Title, m.Goal)
	if err != nil {
		return fmt.Errorf("upsert mission: %w", err)
	}
	return nil
}

// ProfileContext loads the child, avatar and mission referenced by conv,
// which need not be persisted yet.
func (s *Store) ProfileContext(ctx context.Context, conv store.Conversation) (store.ConversationContext, error) {
	out := store.ConversationContext{Conversation: conv}

	var interests string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, parent_id, name, age, interests_json, locale FROM children WHERE id = ?`), conv.ChildID).
		Scan(&out.Child.ID, &out.Child.ParentID, &out.Child.Name, &out.Child.Age, &interests, &out.Child.Locale)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		out.Child = store.Child{ID: conv.ChildID, ParentID: conv.ParentID}
	case err != nil:
		return store.ConversationContext{}, fmt.Errorf("load child: %w", err)
	default:
		if interests != "" {
			if err := json.Unmarshal([]byte(interests), &out.Child.Interests); err != nil {
				return store.ConversationContext{}, fmt.Errorf("decode interests: %w", err)
			}
		}
	}

	if conv.AvatarID != "" {
		err = s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, persona, voice_id FROM avatars WHERE id = ?`), conv.AvatarID).
			Scan(&out.Avatar.ID, &out.Avatar.Name, &out.Avatar.Persona, &out.Avatar.VoiceID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return store.ConversationContext{}, fmt.Errorf("load avatar: %w", err)
		}
	}

	if conv.MissionID != "" {
		var m store.Mission
		err = s.db.QueryRowContext(ctx, s.rebind(`SELECT id, title, goal FROM missions WHERE id = ?`), conv.MissionID).
			Scan(&m.ID, &m.Title, &m.Goal)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return store.ConversationContext{}, fmt.Errorf("load mission: %w", err)
		default:
			out.Mission = &m
		}
	}

	return out, nil
}
