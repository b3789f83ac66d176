package session

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNodeNotFound is returned when a node doesn't exist.
	ErrNodeNotFound = errors.New("node not found")
	// ErrConflict is returned when a transaction lost a race with a concurrent
	// writer, or tried to create a record whose id is already taken.
	ErrConflict = errors.New("transaction conflict")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// Store persists sessions and nodes.
// Implementations must be safe for concurrent use.
type Store interface {
	// RunInTransaction runs fn with a transaction. Writes made through tx
	// become visible atomically when fn returns nil, and are discarded
	// otherwise. If a concurrent transaction invalidated anything fn read,
	// nothing is written and ErrConflict is returned. fn is never retried.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns the user's sessions, newest first.
	ListSessions(ctx context.Context, userID string, opts ListOptions) ([]*Session, error)

	// SessionNodes returns every node of a session, oldest first.
	SessionNodes(ctx context.Context, sessionID string) ([]*Node, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// Tx is the view of the store inside a transaction. Reads observe the
// transaction's own pending writes.
type Tx interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	GetNode(ctx context.Context, id string) (*Node, error)
	// SessionNodes returns the session's nodes, oldest first.
	SessionNodes(ctx context.Context, sessionID string) ([]*Node, error)
	// ChildNodes returns the nodes of sessionID whose parent is parentID.
	ChildNodes(ctx context.Context, sessionID, parentID string) ([]*Node, error)
	// CountNodes counts the session's nodes with the given role and type.
	CountNodes(ctx context.Context, sessionID string, role Role, typ NodeType) (int, error)

	// CreateSession stages a new session. Commit fails with ErrConflict
	// if the id is taken.
	CreateSession(ctx context.Context, s *Session) error
	// UpdateSession stages a replacement of an existing session.
	UpdateSession(ctx context.Context, s *Session) error
	// InsertNode stages a new node. Commit fails with ErrConflict if the
	// id is taken.
	InsertNode(ctx context.Context, n *Node) error
}

// ListOptions provides pagination for session listing.
type ListOptions struct {
	// Limit caps the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

func paginate[T any](items []T, opts ListOptions) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
