package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vango-go/talkbuddy/pkg/core/adventure"
	"github.com/vango-go/talkbuddy/pkg/store"
)

const conversationColumns = `id, child_id, parent_id, avatar_id, mission_id, locale, status,
	adventure_json, created_at, ended_at, end_reason`

const messageColumns = `id, conversation_id, seq, role, text, emotion, audio_url, metadata_json, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func scanConversation(row rowScanner) (store.Conversation, error) {
	var (
		c            store.Conversation
		status       string
		adventureRaw string
		createdAt    string
		endedAt      sql.NullString
	)
	if err := row.Scan(&c.ID, &c.ChildID, &c.ParentID, &c.AvatarID, &c.MissionID, &c.Locale,
		&status, &adventureRaw, &createdAt, &endedAt, &c.EndReason); err != nil {
		return store.Conversation{}, err
	}
	c.Status = store.ConversationStatus(status)
	c.Adventure = adventure.Initial()
	if strings.TrimSpace(adventureRaw) != "" && adventureRaw != "{}" {
		if err := json.Unmarshal([]byte(adventureRaw), &c.Adventure); err != nil {
			return store.Conversation{}, fmt.Errorf("decode adventure state: %w", err)
		}
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("parse created_at: %w", err)
	}
	c.CreatedAt = ts
	if endedAt.Valid {
		ended, err := parseTime(endedAt.String)
		if err != nil {
			return store.Conversation{}, fmt.Errorf("parse ended_at: %w", err)
		}
		c.EndedAt = &ended
	}
	return c, nil
}

func scanMessage(row rowScanner) (store.Message, error) {
	var (
		m           store.Message
		role        string
		metadataRaw string
		createdAt   string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Text, &m.Emotion, &m.AudioURL,
		&metadataRaw, &createdAt); err != nil {
		return store.Message{}, err
	}
	m.Role = store.Role(role)
	if strings.TrimSpace(metadataRaw) != "" && metadataRaw != "{}" {
		if err := json.Unmarshal([]byte(metadataRaw), &m.Metadata); err != nil {
			return store.Message{}, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return store.Message{}, fmt.Errorf("parse created_at: %w", err)
	}
	m.CreatedAt = ts
	return m, nil
}

// GetConversation fetches one conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Conversation{}, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// CreateConversation inserts a conversation together with its opening message.
func (s *Store) CreateConversation(ctx context.Context, conv store.Conversation, opening store.Message) (store.Conversation, store.Message, error) {
	now := time.Now().UTC()
	if conv.ID == "" {
		conv.ID = store.NewConversationID()
	}
	if conv.Status == "" {
		conv.Status = store.StatusActive
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.Adventure.InteractionType == "" {
		conv.Adventure = adventure.Initial()
	}
	adventureJSON, err := json.Marshal(conv.Adventure)
	if err != nil {
		return store.Conversation{}, store.Message{}, fmt.Errorf("marshal adventure: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Conversation{}, store.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO conversations (
		id, child_id, parent_id, avatar_id, mission_id, locale, status, adventure_json, created_at, end_reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')`),
		conv.ID, conv.ChildID, conv.ParentID, conv.AvatarID, conv.MissionID, conv.Locale,
		string(conv.Status), string(adventureJSON), formatTime(conv.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conversation{}, store.Message{}, fmt.Errorf("conversation %s: %w", conv.ID, store.ErrConflict)
		}
		return store.Conversation{}, store.Message{}, fmt.Errorf("insert conversation: %w", err)
	}

	opening.ConversationID = conv.ID
	opening.Seq = 1
	if opening.Role == "" {
		opening.Role = store.RoleAvatar
	}
	if err := s.insertMessage(ctx, tx, &opening, now); err != nil {
		return store.Conversation{}, store.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Conversation{}, store.Message{}, fmt.Errorf("commit: %w", err)
	}
	return conv, opening, nil
}

func (s *Store) insertMessage(ctx context.Context, tx *sql.Tx, m *store.Message, now time.Time) error {
	if m.ID == "" {
		m.ID = store.NewMessageID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	metadata := "{}"
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, m.Seq, string(m.Role), m.Text, m.Emotion, m.AudioURL, metadata, formatTime(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", m.ID, store.ErrConflict)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// AppendTurn persists one exchange atomically.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, child, avatar store.Message, state adventure.State) (store.Turn, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return store.Turn{}, fmt.Errorf("marshal adventure: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`), conversationID).Scan(&maxSeq); err != nil {
		return store.Turn{}, fmt.Errorf("next seq: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET adventure_json = ? WHERE id = ?`), string(stateJSON), conversationID)
	if err != nil {
		return store.Turn{}, fmt.Errorf("update adventure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Turn{}, fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}

	now := time.Now().UTC()
	child.ConversationID = conversationID
	child.Role = store.RoleChild
	child.Seq = maxSeq.Int64 + 1
	avatar.ConversationID = conversationID
	avatar.Role = store.RoleAvatar
	avatar.Seq = maxSeq.Int64 + 2
	if avatar.CreatedAt.IsZero() {
		avatar.CreatedAt = now
	}
	if err := s.insertMessage(ctx, tx, &child, now); err != nil {
		return store.Turn{}, err
	}
	if err := s.insertMessage(ctx, tx, &avatar, now); err != nil {
		return store.Turn{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Turn{}, fmt.Errorf("commit: %w", err)
	}
	return store.Turn{Child: child, Avatar: avatar, Adventure: state}, nil
}

// AttachAudio records the audio reference of an already persisted message.
func (s *Store) AttachAudio(ctx context.Context, messageID, audioURL string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages SET audio_url = ? WHERE id = ?`), audioURL, messageID)
	if err != nil {
		return fmt.Errorf("attach audio: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return nil
}

// EndConversation marks the conversation ended. Ending twice is a no-op.
func (s *Store) EndConversation(ctx context.Context, conversationID, reason string) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.Active() {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET status = ?, ended_at = ?, end_reason = ?
		WHERE id = ? AND status = ?`),
		string(store.StatusEnded), formatTime(time.Now()), reason, conversationID, string(store.StatusActive))
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}
