package sessions

import (
	"context"
	"sync"
)

// Peer is the registry's handle on one live connection.
type Peer interface {
	Emit(event string, data any) error
	Cancel()
	Warn(code, message string) error
}

type trackedPeer struct {
	peer Peer
	once sync.Once
}

// Register tracks a live connection for delivery and drain. The returned
// func removes any session the connection holds and stops tracking it.
func (r *Registry) Register(connID string, p Peer) (unregister func()) {
	if r == nil {
		return func() {}
	}

	entry := &trackedPeer{peer: p}

	r.mu.Lock()
	old := r.peers[connID]
	r.peers[connID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.untrack(connID, old)
	}

	return func() {
		r.Leave(connID)
		r.untrack(connID, entry)
	}
}

func (r *Registry) untrack(connID string, entry *trackedPeer) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		r.mu.Lock()
		if r.peers[connID] == entry {
			delete(r.peers, connID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) peer(connID string) Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.peers[connID]; e != nil {
		return e.peer
	}
	return nil
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// WarnAll sends a best-effort warning to every connection.
func (r *Registry) WarnAll(code, message string) (sent int) {
	if r == nil {
		return 0
	}
	for _, p := range r.snapshotPeers() {
		_ = p.Warn(code, message)
		sent++
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}
	for _, p := range r.snapshotPeers() {
		p.Cancel()
		canceled++
	}
	return canceled
}

func (r *Registry) snapshotPeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, e := range r.peers {
		if e != nil && e.peer != nil {
			out = append(out, e.peer)
		}
	}
	return out
}

// Wait blocks until every registered connection has unregistered. It
// returns false if ctx ends first.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
