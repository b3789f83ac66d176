package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore collection names.
const (
	SessionsCollection = "sessions"
	NodesCollection    = "nodes"
)

// FirestoreBackend implements Store on Google Cloud Firestore.
//
// Queries rely on the composite indexes in deploy/firestore/firestore.indexes.json:
//   - sessions(user_id ASC, created_at DESC) for listing
//   - nodes(session_id ASC, created_at ASC) for chain walks and counts
//
// Firestore transactions require every read to happen before the first write.
// Writes are buffered by the transaction and applied once fn has returned,
// and the transaction runs a single attempt so fn is never replayed.
type FirestoreBackend struct {
	client *firestore.Client
	mu     sync.RWMutex
	closed bool
}

// FirestoreConfig contains configuration for the Firestore backend.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreOption configures a FirestoreBackend.
type FirestoreOption func(*FirestoreConfig)

// WithProjectID sets the GCP project ID.
func WithProjectID(projectID string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.ProjectID = projectID
	}
}

// WithCredentialsFile sets the path to service account credentials.
func WithCredentialsFile(path string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.CredentialsFile = path
	}
}

// NewFirestoreBackend connects to Firestore. Without WithCredentialsFile,
// Application Default Credentials are used; FIRESTORE_EMULATOR_HOST is
// honoured by the client library.
func NewFirestoreBackend(ctx context.Context, opts ...FirestoreOption) (*FirestoreBackend, error) {
	config := &FirestoreConfig{}
	for _, opt := range opts {
		opt(config)
	}

	if config.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreBackendFromClient(client), nil
}

// NewFirestoreBackendFromClient wraps an existing client.
func NewFirestoreBackendFromClient(client *firestore.Client) *FirestoreBackend {
	return &FirestoreBackend{client: client}
}

func (b *FirestoreBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *FirestoreBackend) sessions() *firestore.CollectionRef {
	return b.client.Collection(SessionsCollection)
}

func (b *FirestoreBackend) nodes() *firestore.CollectionRef {
	return b.client.Collection(NodesCollection)
}

func (b *FirestoreBackend) sessionNodesQuery(sessionID string) firestore.Query {
	return b.nodes().Where("session_id", "==", sessionID).OrderBy("created_at", firestore.Asc)
}

type firestoreReader struct {
	b  *FirestoreBackend
	tx *firestore.Transaction
}

func (r *firestoreReader) getSession(_ context.Context, id string) (*Session, error) {
	snap, err := r.tx.Get(r.b.sessions().Doc(id))
	if err != nil {
		return nil, mapFirestoreError(err, ErrSessionNotFound)
	}
	var s Session
	if err := snap.DataTo(&s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *firestoreReader) getNode(_ context.Context, id string) (*Node, error) {
	snap, err := r.tx.Get(r.b.nodes().Doc(id))
	if err != nil {
		return nil, mapFirestoreError(err, ErrNodeNotFound)
	}
	var n Node
	if err := snap.DataTo(&n); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return &n, nil
}

func (r *firestoreReader) sessionNodes(_ context.Context, sessionID string) ([]*Node, error) {
	return collectNodes(r.tx.Documents(r.b.sessionNodesQuery(sessionID)))
}

// RunInTransaction implements Store.
func (b *FirestoreBackend) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		staged := newStagedTx(&firestoreReader{b: b, tx: ftx})
		if err := fn(ctx, staged); err != nil {
			return err
		}
		for _, s := range staged.created {
			if err := ftx.Create(b.sessions().Doc(s.ID), s); err != nil {
				return fmt.Errorf("create session: %w", err)
			}
		}
		for _, s := range staged.updatedSessions() {
			if err := ftx.Set(b.sessions().Doc(s.ID), s); err != nil {
				return fmt.Errorf("update session: %w", err)
			}
		}
		for _, n := range staged.nodes {
			if err := ftx.Create(b.nodes().Doc(n.ID), n); err != nil {
				return fmt.Errorf("insert node: %w", err)
			}
		}
		return nil
	}, firestore.MaxAttempts(1))
	return mapFirestoreError(err, nil)
}

// GetSession implements Store.
func (b *FirestoreBackend) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := b.sessions().Doc(id).Get(ctx)
	if err != nil {
		return nil, mapFirestoreError(err, ErrSessionNotFound)
	}
	var s Session
	if err := snap.DataTo(&s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// ListSessions implements Store.
func (b *FirestoreBackend) ListSessions(ctx context.Context, userID string, opts ListOptions) ([]*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	q := b.sessions().Where("user_id", "==", userID).OrderBy("created_at", firestore.Desc)
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	sessions := []*Session{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		var s Session
		if err := doc.DataTo(&s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// SessionNodes implements Store.
func (b *FirestoreBackend) SessionNodes(ctx context.Context, sessionID string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return collectNodes(b.sessionNodesQuery(sessionID).Documents(ctx))
}

// Ping reads at most one session document.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	iter := b.sessions().Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close releases the Firestore client.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

func collectNodes(iter *firestore.DocumentIterator) ([]*Node, error) {
	defer iter.Stop()

	nodes := []*Node{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load nodes: %w", err)
		}
		var n Node
		if err := doc.DataTo(&n); err != nil {
			return nil, fmt.Errorf("decode node: %w", err)
		}
		nodes = append(nodes, &n)
	}
	sortNodes(nodes)
	return nodes, nil
}

// mapFirestoreError translates gRPC status codes into package errors.
// notFound may be nil when a missing document is not expected.
func mapFirestoreError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	// Errors produced by our own code inside the transaction pass through.
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNodeNotFound) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		if notFound != nil {
			return notFound
		}
	case codes.AlreadyExists, codes.Aborted:
		return fmt.Errorf("%v: %w", err, ErrConflict)
	}
	return err
}
