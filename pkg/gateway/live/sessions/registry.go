// Package sessions maps live connections to conversations. Each conversation
// has a room of child connections plus at most one parent observer.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/talkbuddy/pkg/core"
	"github.com/vango-go/talkbuddy/pkg/gateway/live/protocol"
	"github.com/vango-go/talkbuddy/pkg/store"
)

type Role string

const (
	RoleChild  Role = "child"
	RoleParent Role = "parent"
)

type Session struct {
	ConnectionID        string
	ConversationID      string
	ChildID             string
	ParentID            string
	Locale              string
	Role                Role
	ConnectedAt         time.Time
	LastActivityAt      time.Time
	IsMonitoring        bool
	MonitorConnectionID string
}

// Info renders the session for parent:active_sessions.
func (s Session) Info() protocol.SessionInfo {
	return protocol.SessionInfo{
		SessionID:      s.ConnectionID,
		ConversationID: s.ConversationID,
		ChildID:        s.ChildID,
		Locale:         s.Locale,
		ConnectedAt:    s.ConnectedAt,
		LastActivityAt: s.LastActivityAt,
		IsMonitoring:   s.IsMonitoring,
	}
}

type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
}

type Registry struct {
	lookup ConversationLookup
	log    *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	peers     map[string]*trackedPeer
	sessions  map[string]*Session
	rooms     map[string]map[string]struct{}
	children  map[string]string
	observers map[string]string
	wg        sync.WaitGroup

	keys keyedMutex
}

func NewRegistry(lookup ConversationLookup, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		lookup:    lookup,
		log:       logger,
		now:       time.Now,
		peers:     make(map[string]*trackedPeer),
		sessions:  make(map[string]*Session),
		rooms:     make(map[string]map[string]struct{}),
		children:  make(map[string]string),
		observers: make(map[string]string),
		keys:      keyedMutex{locks: make(map[string]*keyedEntry)},
	}
}

func (r *Registry) conversation(ctx context.Context, id string) (store.Conversation, error) {
	if id == "" {
		return store.Conversation{}, core.NewInvalidRequestError("conversationId is required")
	}
	conv, err := r.lookup.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, core.NewSessionNotFoundError("conversation not found")
	}
	if err != nil {
		return store.Conversation{}, core.NewAPIError("conversation lookup failed: " + err.Error())
	}
	if !conv.Active() {
		return store.Conversation{}, core.NewSessionNotFoundError("conversation has ended")
	}
	return conv, nil
}

// Join attaches connID to a conversation as its child session. Joining the
// same conversation twice is a no-op; another connection's child session for
// the conversation is evicted and its monitor link moves to connID.
func (r *Registry) Join(ctx context.Context, connID string, req protocol.JoinRequest) (Session, error) {
	unlock := r.keys.lock(connID)
	defer unlock()

	conv, err := r.conversation(ctx, req.ConversationID)
	if err != nil {
		return Session{}, err
	}
	if req.ChildID != "" && conv.ChildID != "" && req.ChildID != conv.ChildID {
		return Session{}, core.NewPermissionError("conversation belongs to another child")
	}
	if req.ParentID != "" && conv.ParentID != "" && req.ParentID != conv.ParentID {
		return Session{}, core.NewPermissionError("conversation belongs to another parent")
	}

	now := r.now()
	var evicted Peer
	var evictedSession Session

	r.mu.Lock()
	if cur := r.sessions[connID]; cur != nil {
		if cur.Role == RoleChild && cur.ConversationID == conv.ID {
			cur.LastActivityAt = now
			if req.Locale != "" {
				cur.Locale = req.Locale
			}
			out := *cur
			r.mu.Unlock()
			return out, nil
		}
		r.leaveLocked(connID)
	}

	monitor := r.observers[conv.ID]
	if staleID, ok := r.children[conv.ID]; ok && staleID != connID {
		if stale := r.sessions[staleID]; stale != nil {
			if stale.MonitorConnectionID != "" {
				monitor = stale.MonitorConnectionID
			}
			evictedSession = *stale
		}
		r.leaveLocked(staleID)
		if e := r.peers[staleID]; e != nil {
			evicted = e.peer
		}
	}

	locale := req.Locale
	if locale == "" {
		locale = conv.Locale
	}
	childID := req.ChildID
	if childID == "" {
		childID = conv.ChildID
	}
	s := &Session{
		ConnectionID:   connID,
		ConversationID: conv.ID,
		ChildID:        childID,
		ParentID:       conv.ParentID,
		Locale:         locale,
		Role:           RoleChild,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	r.sessions[connID] = s
	r.addToRoomLocked(conv.ID, connID)
	r.children[conv.ID] = connID
	if monitor != "" {
		if err := r.linkMonitorLocked(connID, monitor); err != nil {
			r.log.Warn("monitor link failed", "conversation_id", conv.ID, "error", err)
		}
	}
	out := *s
	r.mu.Unlock()

	if evictedSession.ConnectionID != "" {
		r.log.Info("evicted stale child session", "conversation_id", conv.ID, "stale_connection_id", evictedSession.ConnectionID, "connection_id", connID)
		if evicted != nil {
			_ = evicted.Emit(protocol.EventConversationLeft, protocol.Left{ConversationID: conv.ID})
		}
	}
	return out, nil
}

// Observe attaches a parent connection as the conversation's observer and
// links the child session if one is online.
func (r *Registry) Observe(ctx context.Context, parentConnID, parentID, conversationID string) (Session, error) {
	unlock := r.keys.lock(parentConnID)
	defer unlock()

	conv, err := r.conversation(ctx, conversationID)
	if err != nil {
		return Session{}, err
	}
	if conv.ParentID != "" && conv.ParentID != parentID {
		return Session{}, core.NewPermissionError("conversation belongs to another parent")
	}

	now := r.now()
	r.mu.Lock()
	if cur := r.sessions[parentConnID]; cur != nil {
		if cur.Role == RoleParent && cur.ConversationID == conv.ID {
			cur.LastActivityAt = now
			out := *cur
			r.mu.Unlock()
			return out, nil
		}
		r.leaveLocked(parentConnID)
	}
	if prev, ok := r.observers[conv.ID]; ok && prev != parentConnID {
		r.leaveLocked(prev)
	}

	s := &Session{
		ConnectionID:   parentConnID,
		ConversationID: conv.ID,
		ChildID:        conv.ChildID,
		ParentID:       parentID,
		Locale:         conv.Locale,
		Role:           RoleParent,
		ConnectedAt:    now,
		LastActivityAt: now,
		IsMonitoring:   true,
	}
	r.sessions[parentConnID] = s
	r.observers[conv.ID] = parentConnID
	childConn, childOnline := r.children[conv.ID]
	out := *s
	r.mu.Unlock()

	if childOnline {
		// The child may leave in between; it relinks on its next join.
		if err := r.LinkMonitor(childConn, parentConnID); err != nil {
			r.log.Debug("monitor link skipped", "conversation_id", conv.ID, "error", err)
		}
	}
	return out, nil
}

// LinkMonitor links an existing child session to an existing parent session
// so the child's turns are mirrored to it.
func (r *Registry) LinkMonitor(childConnID, parentConnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linkMonitorLocked(childConnID, parentConnID)
}

// linkMonitorLocked points a child session at the parent connection that
// mirrors it. Both sessions must exist.
func (r *Registry) linkMonitorLocked(childConnID, parentConnID string) error {
	child := r.sessions[childConnID]
	parent := r.sessions[parentConnID]
	if child == nil || child.Role != RoleChild {
		return core.NewSessionNotFoundError("child session not found")
	}
	if parent == nil || parent.Role != RoleParent {
		return core.NewSessionNotFoundError("parent session not found")
	}
	child.MonitorConnectionID = parentConnID
	child.IsMonitoring = true
	return nil
}

// StopObserving detaches a parent observer.
func (r *Registry) StopObserving(parentConnID string) (Session, bool) {
	unlock := r.keys.lock(parentConnID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[parentConnID]
	if s == nil || s.Role != RoleParent {
		return Session{}, false
	}
	out := *s
	r.leaveLocked(parentConnID)
	return out, true
}

func (r *Registry) Lookup(connID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[connID]
	if s == nil {
		return Session{}, core.NewSessionNotFoundError("no active session on this connection")
	}
	return *s, nil
}

// Touch records activity on the connection's session, if any.
func (r *Registry) Touch(connID string) {
	now := r.now()
	r.mu.Lock()
	if s := r.sessions[connID]; s != nil {
		s.LastActivityAt = now
	}
	r.mu.Unlock()
}

// Leave removes the connection's session and every link that names it.
func (r *Registry) Leave(connID string) (Session, bool) {
	unlock := r.keys.lock(connID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[connID]
	if s == nil {
		return Session{}, false
	}
	out := *s
	r.leaveLocked(connID)
	return out, true
}

func (r *Registry) leaveLocked(connID string) {
	s := r.sessions[connID]
	if s == nil {
		return
	}
	delete(r.sessions, connID)
	convID := s.ConversationID
	switch s.Role {
	case RoleChild:
		if room := r.rooms[convID]; room != nil {
			delete(room, connID)
			if len(room) == 0 {
				delete(r.rooms, convID)
			}
		}
		if r.children[convID] == connID {
			delete(r.children, convID)
		}
	case RoleParent:
		if r.observers[convID] == connID {
			delete(r.observers, convID)
		}
		for _, other := range r.sessions {
			if other.MonitorConnectionID == connID {
				other.MonitorConnectionID = ""
				other.IsMonitoring = false
			}
		}
	}
}

func (r *Registry) addToRoomLocked(convID, connID string) {
	room := r.rooms[convID]
	if room == nil {
		room = make(map[string]struct{})
		r.rooms[convID] = room
	}
	room[connID] = struct{}{}
}

// Broadcast delivers to every connection in the room at call time.
func (r *Registry) Broadcast(conversationID, event string, data any) int {
	r.mu.RLock()
	targets := make([]Peer, 0, len(r.rooms[conversationID]))
	for connID := range r.rooms[conversationID] {
		if e := r.peers[connID]; e != nil && e.peer != nil {
			targets = append(targets, e.peer)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, p := range targets {
		if err := p.Emit(event, data); err != nil {
			r.log.Debug("broadcast emit failed", "conversation_id", conversationID, "event", event, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Mirror sends to the parent observer linked to the conversation.
func (r *Registry) Mirror(conversationID, event string, data any) bool {
	r.mu.RLock()
	target := r.observers[conversationID]
	if child := r.sessions[r.children[conversationID]]; child != nil && child.MonitorConnectionID != "" {
		target = child.MonitorConnectionID
	}
	var p Peer
	if e := r.peers[target]; target != "" && e != nil {
		p = e.peer
	}
	r.mu.RUnlock()

	if p == nil {
		return false
	}
	if err := p.Emit(event, data); err != nil {
		r.log.Debug("mirror emit failed", "conversation_id", conversationID, "event", event, "error", err)
		return false
	}
	return true
}

func (r *Registry) EmitTo(connID, event string, data any) error {
	p := r.peer(connID)
	if p == nil {
		return core.NewSessionNotFoundError("connection not found")
	}
	return p.Emit(event, data)
}

// ChildOnline reports whether the conversation has a child session.
func (r *Registry) ChildOnline(conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.children[conversationID]
	return ok
}

// RoomSize counts the connections that receive the conversation's broadcasts.
func (r *Registry) RoomSize(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[conversationID])
}

// ActiveSessions lists the child sessions of a parent's children, oldest first.
func (r *Registry) ActiveSessions(parentID string) []Session {
	r.mu.RLock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if s.Role == RoleChild && s.ParentID == parentID {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// EndConversation empties the room and drops the observer. It returns the
// removed sessions.
func (r *Registry) EndConversation(conversationID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for connID := range r.rooms[conversationID] {
		ids = append(ids, connID)
	}
	if obs, ok := r.observers[conversationID]; ok {
		ids = append(ids, obs)
	}
	removed := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s := r.sessions[id]; s != nil {
			removed = append(removed, *s)
		}
		r.leaveLocked(id)
	}
	return removed
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes mutations per connection id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
