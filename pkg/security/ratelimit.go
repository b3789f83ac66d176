package security

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// DefaultRate is applied when no rate is configured.
const DefaultRate = "60/minute"

// Rate is a number of requests allowed per period.
type Rate struct {
	Limit  int
	Period time.Duration
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Period)
}

var ratePeriods = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseRate parses "<n>/<second|minute|hour|day>".
func ParseRate(s string) (Rate, error) {
	n, unit, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q: want <n>/<unit>", s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil || limit <= 0 {
		return Rate{}, fmt.Errorf("invalid rate %q: count must be a positive integer", s)
	}
	period, ok := ratePeriods[strings.TrimSuffix(strings.ToLower(strings.TrimSpace(unit)), "s")]
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q: unknown unit %q", s, unit)
	}
	return Rate{Limit: limit, Period: period}, nil
}

// RateDecision is the outcome of one rate limit check.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter rate limits requests per client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// ClientKey identifies the caller for rate limiting: "user:<id>" for
// authenticated callers, "ip:<addr>" otherwise.
func ClientKey(principal *Principal, ip string) string {
	if principal != nil && principal.ID != "" {
		return "user:" + principal.ID
	}
	return "ip:" + ip
}

// MemoryLimiter is a per-process token bucket limiter.
type MemoryLimiter struct {
	rate    Rate
	now     func() time.Time
	mu      sync.RWMutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewMemoryLimiter creates a limiter that refills r.Limit tokens per r.Period.
func NewMemoryLimiter(r Rate) *MemoryLimiter {
	return &MemoryLimiter{
		rate:    r,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (RateDecision, error) {
	now := l.now()
	c := l.client(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now

	res := c.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return RateDecision{Limit: l.rate.Limit, RetryAfter: delay}, nil
	}
	return RateDecision{
		Allowed:   true,
		Limit:     l.rate.Limit,
		Remaining: int(c.limiter.TokensAt(now)),
	}, nil
}

func (l *MemoryLimiter) client(key string) *clientLimiter {
	l.mu.RLock()
	c, ok := l.clients[key]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[key]; ok {
		return c
	}
	every := l.rate.Period / time.Duration(l.rate.Limit)
	c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(every), l.rate.Limit)}
	l.clients[key] = c
	return c
}

// Prune drops clients idle for longer than idle and returns how many were removed.
func (l *MemoryLimiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, c := range l.clients {
		c.mu.Lock()
		stale := c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if stale {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *MemoryLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

// RedisLimiter is a fixed-window limiter shared by every replica.
type RedisLimiter struct {
	client redis.Cmdable
	rate   Rate
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter storing counters under prefix.
func NewRedisLimiter(client redis.Cmdable, r Rate, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "promptly:ratelimit:"
	}
	return &RedisLimiter{client: client, rate: r, prefix: prefix, now: time.Now}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	now := l.now()
	window := now.UnixNano() / int64(l.rate.Period)
	windowEnd := time.Unix(0, (window+1)*int64(l.rate.Period))
	counter := fmt.Sprintf("%s%s:%d", l.prefix, key, window)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, counter)
		pipe.Expire(ctx, counter, l.rate.Period)
		return nil
	})
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	count := int(incr.Val())
	if count > l.rate.Limit {
		return RateDecision{Limit: l.rate.Limit, RetryAfter: windowEnd.Sub(now)}, nil
	}
	return RateDecision{Allowed: true, Limit: l.rate.Limit, Remaining: l.rate.Limit - count}, nil
}
