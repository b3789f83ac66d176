package session

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend implements Store in process memory.
//
// Transactions are optimistic: reads are served from committed state while
// recording the version of every session they touched, and commit fails with
// ErrConflict if any of those versions moved. No lock is held while the
// transaction function runs.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nodes    map[string]*Node
	// bySession lists node ids per session in insertion order.
	bySession map[string][]string
	// versions counts committed writes per session (record and nodes).
	versions map[string]uint64
	closed   bool
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions:  make(map[string]*Session),
		nodes:     make(map[string]*Node),
		bySession: make(map[string][]string),
		versions:  make(map[string]uint64),
	}
}

// memoryReader serves transactional reads and records the read set.
type memoryReader struct {
	b *MemoryBackend
	// seen maps session id to the version observed.
	seen map[string]uint64
	// missingNodes holds node ids observed as absent.
	missingNodes map[string]struct{}
}

func (r *memoryReader) observe(sessionID string) {
	if _, ok := r.seen[sessionID]; !ok {
		r.seen[sessionID] = r.b.versions[sessionID]
	}
}

func (r *memoryReader) getSession(_ context.Context, id string) (*Session, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	if r.b.closed {
		return nil, ErrStorageClosed
	}
	r.observe(id)
	s, ok := r.b.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *memoryReader) getNode(_ context.Context, id string) (*Node, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	if r.b.closed {
		return nil, ErrStorageClosed
	}
	n, ok := r.b.nodes[id]
	if !ok {
		r.missingNodes[id] = struct{}{}
		return nil, ErrNodeNotFound
	}
	r.observe(n.SessionID)
	return n.Clone(), nil
}

func (r *memoryReader) sessionNodes(_ context.Context, sessionID string) ([]*Node, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	if r.b.closed {
		return nil, ErrStorageClosed
	}
	r.observe(sessionID)
	return r.b.sessionNodesLocked(sessionID), nil
}

func (b *MemoryBackend) sessionNodesLocked(sessionID string) []*Node {
	ids := b.bySession[sessionID]
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.nodes[id].Clone())
	}
	sortNodes(out)
	return out
}

// RunInTransaction implements Store.
func (b *MemoryBackend) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r := &memoryReader{b: b, seen: make(map[string]uint64), missingNodes: make(map[string]struct{})}
	tx := newStagedTx(r)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.commit(r, tx)
}

func (b *MemoryBackend) commit(r *memoryReader, tx *stagedTx) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	for id, v := range r.seen {
		if b.versions[id] != v {
			return fmt.Errorf("session %s changed: %w", id, ErrConflict)
		}
	}
	for id := range r.missingNodes {
		if _, ok := b.nodes[id]; ok {
			return fmt.Errorf("node %s appeared: %w", id, ErrConflict)
		}
	}
	for _, s := range tx.created {
		if _, ok := b.sessions[s.ID]; ok {
			return fmt.Errorf("session %s exists: %w", s.ID, ErrConflict)
		}
	}
	for _, n := range tx.nodes {
		if _, ok := b.nodes[n.ID]; ok {
			return fmt.Errorf("node %s exists: %w", n.ID, ErrConflict)
		}
	}

	for _, s := range tx.created {
		b.sessions[s.ID] = s.Clone()
		b.versions[s.ID]++
	}
	for _, s := range tx.updatedSessions() {
		b.sessions[s.ID] = s.Clone()
		b.versions[s.ID]++
	}
	for _, n := range tx.nodes {
		b.nodes[n.ID] = n.Clone()
		b.bySession[n.SessionID] = append(b.bySession[n.SessionID], n.ID)
		b.versions[n.SessionID]++
	}
	return nil
}

// GetSession implements Store.
func (b *MemoryBackend) GetSession(_ context.Context, id string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	s, ok := b.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// ListSessions implements Store.
func (b *MemoryBackend) ListSessions(_ context.Context, userID string, opts ListOptions) ([]*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	var out []*Session
	for _, s := range b.sessions {
		if s.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	sortSessions(out)
	return paginate(out, opts), nil
}

// SessionNodes implements Store.
func (b *MemoryBackend) SessionNodes(_ context.Context, sessionID string) ([]*Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	return b.sessionNodesLocked(sessionID), nil
}

// Ping implements Store.
func (b *MemoryBackend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close implements Store.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
