package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name   string
		checks []*HealthCheck
		want   HealthStatus
	}{
		{
			name: "no checks",
			want: HealthStatusHealthy,
		},
		{
			name:   "passing store",
			checks: []*HealthCheck{StoreCheck("store", func(context.Context) error { return nil })},
			want:   HealthStatusHealthy,
		},
		{
			name: "failing optional dependency",
			checks: []*HealthCheck{
				StoreCheck("store", func(context.Context) error { return nil }),
				ExternalServiceCheck("blob", func(context.Context) error { return errors.New("down") }),
			},
			want: HealthStatusDegraded,
		},
		{
			name:   "failing store",
			checks: []*HealthCheck{StoreCheck("store", func(context.Context) error { return errors.New("closed") })},
			want:   HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("test")
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			resp := hc.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, "test", resp.Version)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline")
}

func TestServerRoutes(t *testing.T) {
	InitMetrics()

	hc := NewHealthChecker("v1")
	healthy := true
	hc.RegisterCheck(StoreCheck("store", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("unreachable")
	}))
	srv := NewServer(":0", hc)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthStatusHealthy, resp.Status)

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	RecordTurn("question", 10*time.Millisecond)
	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "promptly_turns_total")

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)
}
