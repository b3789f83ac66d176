package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    Rate
		wantErr bool
	}{
		{"60/minute", Rate{60, time.Minute}, false},
		{"10/seconds", Rate{10, time.Second}, false},
		{" 5 / Hour ", Rate{5, time.Hour}, false},
		{"100/day", Rate{100, 24 * time.Hour}, false},
		{"0/minute", Rate{}, true},
		{"ten/minute", Rate{}, true},
		{"60/fortnight", Rate{}, true},
		{"60", Rate{}, true},
	}
	for _, tt := range tests {
		got, err := ParseRate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClientKey(t *testing.T) {
	if got := ClientKey(&Principal{ID: "u1"}, "10.0.0.1"); got != "user:u1" {
		t.Errorf("ClientKey() = %q", got)
	}
	if got := ClientKey(nil, "10.0.0.1"); got != "ip:10.0.0.1" {
		t.Errorf("ClientKey() = %q", got)
	}
}

func TestMemoryLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(Rate{Limit: 2, Period: time.Second})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := range 2 {
		d, err := l.Allow(ctx, "user:a")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v, %v", i, d, err)
		}
	}
	d, _ := l.Allow(ctx, "user:a")
	if d.Allowed {
		t.Fatal("third request in burst should be limited")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 500*time.Millisecond {
		t.Errorf("RetryAfter = %v", d.RetryAfter)
	}

	if d, _ := l.Allow(ctx, "user:b"); !d.Allowed {
		t.Error("clients are limited independently")
	}

	now = now.Add(500 * time.Millisecond)
	if d, _ := l.Allow(ctx, "user:a"); !d.Allowed {
		t.Error("token should have refilled")
	}
}

func TestMemoryLimiter_Prune(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(Rate{Limit: 10, Period: time.Minute})
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "old")
	now = now.Add(time.Hour)
	_, _ = l.Allow(context.Background(), "fresh")

	if removed := l.Prune(30 * time.Minute); removed != 1 {
		t.Errorf("Prune() = %d, want 1", removed)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	l := NewRedisLimiter(client, Rate{Limit: 3, Period: time.Minute}, "")
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := range 3 {
		d, err := l.Allow(ctx, "ip:1.2.3.4")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed || d.Remaining != 2-i {
			t.Fatalf("request %d: %+v", i, d)
		}
	}

	d, err := l.Allow(ctx, "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("fourth request should be limited")
	}
	if d.RetryAfter != 50*time.Second {
		t.Errorf("RetryAfter = %v, want 50s", d.RetryAfter)
	}

	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 {
		t.Errorf("counter has no expiry")
	}

	now = now.Add(time.Minute)
	if d, _ := l.Allow(ctx, "ip:1.2.3.4"); !d.Allowed {
		t.Error("next window should allow again")
	}
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	if _, err := NewRedisLimiter(client, Rate{Limit: 1, Period: time.Second}, "").Allow(context.Background(), "k"); err == nil {
		t.Error("expected error when redis is down")
	}
}
