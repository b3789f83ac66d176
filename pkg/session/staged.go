package session

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// txReader is the committed-state read path a backend exposes to stagedTx.
type txReader interface {
	getSession(ctx context.Context, id string) (*Session, error)
	getNode(ctx context.Context, id string) (*Node, error)
	sessionNodes(ctx context.Context, sessionID string) ([]*Node, error)
}

// stagedTx buffers writes until commit and overlays them on reads. Backends
// supply the read path and apply the buffered writes atomically.
type stagedTx struct {
	r txReader

	created  []*Session
	updated  map[string]*Session
	nodes    []*Node
	byNodeID map[string]*Node
}

func newStagedTx(r txReader) *stagedTx {
	return &stagedTx{
		r:        r,
		updated:  make(map[string]*Session),
		byNodeID: make(map[string]*Node),
	}
}

func (t *stagedTx) pendingSession(id string) *Session {
	if s, ok := t.updated[id]; ok {
		return s
	}
	for _, s := range t.created {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (t *stagedTx) GetSession(ctx context.Context, id string) (*Session, error) {
	if s := t.pendingSession(id); s != nil {
		return s.Clone(), nil
	}
	return t.r.getSession(ctx, id)
}

func (t *stagedTx) GetNode(ctx context.Context, id string) (*Node, error) {
	if n, ok := t.byNodeID[id]; ok {
		return n.Clone(), nil
	}
	return t.r.getNode(ctx, id)
}

func (t *stagedTx) SessionNodes(ctx context.Context, sessionID string) ([]*Node, error) {
	nodes, err := t.r.sessionNodes(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, n := range t.nodes {
		if n.SessionID == sessionID {
			nodes = append(nodes, n.Clone())
		}
	}
	sortNodes(nodes)
	return nodes, nil
}

func (t *stagedTx) ChildNodes(ctx context.Context, sessionID, parentID string) ([]*Node, error) {
	nodes, err := t.SessionNodes(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(nodes, func(n *Node) bool { return n.ParentID != parentID }), nil
}

func (t *stagedTx) CountNodes(ctx context.Context, sessionID string, role Role, typ NodeType) (int, error) {
	nodes, err := t.SessionNodes(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range nodes {
		if n.Role == role && n.Type == typ {
			count++
		}
	}
	return count, nil
}

func (t *stagedTx) CreateSession(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("create session: missing id")
	}
	if t.pendingSession(s.ID) != nil {
		return fmt.Errorf("create session %s: %w", s.ID, ErrConflict)
	}
	t.created = append(t.created, s.Clone())
	return nil
}

func (t *stagedTx) UpdateSession(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("update session: missing id")
	}
	for i, c := range t.created {
		if c.ID == s.ID {
			t.created[i] = s.Clone()
			return nil
		}
	}
	if _, ok := t.updated[s.ID]; !ok {
		if _, err := t.r.getSession(ctx, s.ID); err != nil {
			return err
		}
	}
	t.updated[s.ID] = s.Clone()
	return nil
}

func (t *stagedTx) InsertNode(_ context.Context, n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("insert node: missing id")
	}
	if _, ok := t.byNodeID[n.ID]; ok {
		return fmt.Errorf("insert node %s: %w", n.ID, ErrConflict)
	}
	c := n.Clone()
	t.nodes = append(t.nodes, c)
	t.byNodeID[n.ID] = c
	return nil
}

// updatedSessions returns the staged replacements in a stable order.
func (t *stagedTx) updatedSessions() []*Session {
	out := make([]*Session, 0, len(t.updated))
	for _, s := range t.updated {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// sortNodes orders nodes oldest first. Equal timestamps keep their relative order.
func sortNodes(nodes []*Node) {
	slices.SortStableFunc(nodes, func(a, b *Node) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// sortSessions orders sessions newest first.
func sortSessions(sessions []*Session) {
	slices.SortStableFunc(sessions, func(a, b *Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
