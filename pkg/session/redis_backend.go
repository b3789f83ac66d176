package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Store using Redis.
// It provides distributed session storage suitable for multi-node deployments.
//
// Transactions use WATCH/MULTI: every key a transaction reads is watched and
// the buffered writes are applied in a single MULTI/EXEC. A concurrent write
// to a watched key aborts the commit with ErrConflict.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "promptly:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "promptly:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

// Key helpers
func (b *RedisBackend) sessionKey(id string) string {
	return b.prefix + "session:" + id
}

func (b *RedisBackend) sessionNodesKey(sessionID string) string {
	return b.prefix + "session:" + sessionID + ":nodes"
}

func (b *RedisBackend) nodeKey(id string) string {
	return b.prefix + "node:" + id
}

func (b *RedisBackend) userIndexKey(userID string) string {
	return b.prefix + "user:" + userID + ":sessions"
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// redisReads is the read subset shared by *redis.Client and *redis.Tx.
type redisReads interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// redisReader reads through a WATCH-ing connection.
type redisReader struct {
	b  *RedisBackend
	tx *redis.Tx
}

func (r *redisReader) getSession(ctx context.Context, id string) (*Session, error) {
	key := r.b.sessionKey(id)
	if err := r.tx.Watch(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("watch session: %w", err)
	}
	return loadJSON[Session](ctx, r.tx, key, ErrSessionNotFound)
}

func (r *redisReader) getNode(ctx context.Context, id string) (*Node, error) {
	key := r.b.nodeKey(id)
	if err := r.tx.Watch(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("watch node: %w", err)
	}
	return loadJSON[Node](ctx, r.tx, key, ErrNodeNotFound)
}

func (r *redisReader) sessionNodes(ctx context.Context, sessionID string) ([]*Node, error) {
	if err := r.tx.Watch(ctx, r.b.sessionNodesKey(sessionID)).Err(); err != nil {
		return nil, fmt.Errorf("watch nodes: %w", err)
	}
	return r.b.loadSessionNodes(ctx, r.tx, sessionID)
}

// RunInTransaction implements Store.
func (b *RedisBackend) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.client.Watch(ctx, func(rtx *redis.Tx) error {
		staged := newStagedTx(&redisReader{b: b, tx: rtx})
		if err := fn(ctx, staged); err != nil {
			return err
		}
		return b.commit(ctx, rtx, staged)
	})
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redis transaction aborted: %w", ErrConflict)
	}
	return err
}

func (b *RedisBackend) commit(ctx context.Context, rtx *redis.Tx, staged *stagedTx) error {
	// New ids must still be free; watching them makes a racing insert abort EXEC.
	var fresh []string
	for _, s := range staged.created {
		fresh = append(fresh, b.sessionKey(s.ID))
	}
	for _, n := range staged.nodes {
		fresh = append(fresh, b.nodeKey(n.ID))
	}
	if len(fresh) > 0 {
		if err := rtx.Watch(ctx, fresh...).Err(); err != nil {
			return fmt.Errorf("watch new keys: %w", err)
		}
		exists, err := rtx.Exists(ctx, fresh...).Result()
		if err != nil {
			return fmt.Errorf("check new keys: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("id already taken: %w", ErrConflict)
		}
	}

	writes := make(map[string][]byte)
	sessions := append(slices.Clone(staged.created), staged.updatedSessions()...)
	for _, s := range sessions {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		writes[b.sessionKey(s.ID)] = data
	}
	nodeData := make([][]byte, len(staged.nodes))
	for i, n := range staged.nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node: %w", err)
		}
		nodeData[i] = data
	}

	_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, data := range writes {
			pipe.Set(ctx, key, data, 0)
		}
		for _, s := range staged.created {
			pipe.ZAdd(ctx, b.userIndexKey(s.UserID), redis.Z{
				Score:  float64(s.CreatedAt.UnixMicro()),
				Member: s.ID,
			})
		}
		for i, n := range staged.nodes {
			pipe.Set(ctx, b.nodeKey(n.ID), nodeData[i], 0)
			pipe.ZAdd(ctx, b.sessionNodesKey(n.SessionID), redis.Z{
				Score:  float64(n.CreatedAt.UnixMicro()),
				Member: n.ID,
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("commit: %w", err)
	}
	return err
}

// GetSession implements Store.
func (b *RedisBackend) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return loadJSON[Session](ctx, b.client, b.sessionKey(id), ErrSessionNotFound)
}

// ListSessions implements Store.
func (b *RedisBackend) ListSessions(ctx context.Context, userID string, opts ListOptions) ([]*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	stop := int64(-1)
	if opts.Limit > 0 {
		stop = int64(opts.Offset + opts.Limit - 1)
	}
	ids, err := b.client.ZRevRange(ctx, b.userIndexKey(userID), int64(opts.Offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := b.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, s)
	}
	sortSessions(sessions)
	return sessions, nil
}

// SessionNodes implements Store.
func (b *RedisBackend) SessionNodes(ctx context.Context, sessionID string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.loadSessionNodes(ctx, b.client, sessionID)
}

func (b *RedisBackend) loadSessionNodes(ctx context.Context, c redisReads, sessionID string) ([]*Node, error) {
	ids, err := c.ZRange(ctx, b.sessionNodesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	if len(ids) == 0 {
		return []*Node{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.nodeKey(id)
	}
	values, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}

	nodes := make([]*Node, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var n Node
		if err := json.Unmarshal([]byte(s), &n); err != nil {
			return nil, fmt.Errorf("unmarshal node: %w", err)
		}
		nodes = append(nodes, &n)
	}
	sortNodes(nodes)
	return nodes, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

func loadJSON[T any](ctx context.Context, c redisReads, key string, notFound error) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &v, nil
}
