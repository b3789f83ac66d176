package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/promptly/pkg/config"
	"github.com/aixgo-dev/promptly/pkg/security"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestServe(t *testing.T) {
	cfg := config.Default()
	cfg.Completion.Backend = "mock"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())

	ls := &listeners{api: listen(t), ops: listen(t)}
	apiURL := "http://" + ls.api.Addr().String()
	opsURL := "http://" + ls.ops.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), ls)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(opsURL + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body := `{"starterPrompt":"Write a haiku","maxQuestions":2,"targetModel":"gpt-4","settings":{}}`
	resp, err := http.Post(apiURL+"/sessions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Turn struct {
			FinalPrompt string `json:"finalPrompt"`
		} `json:"turn"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "Mock final prompt.", created.Turn.FinalPrompt)

	resp, err = http.Get(opsURL + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metrics), "promptly_sessions_created_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestNewJanitor_InvalidSchedule(t *testing.T) {
	lim, err := newLimiter(config.Config{RateLimit: security.RateLimitConfig{
		Enabled: true,
		Rate:    "10/minute",
		Backend: security.RateLimitMemory,
	}})
	require.NoError(t, err)

	_, err = newJanitor(security.RateLimitConfig{PruneSchedule: "every tuesday"}, lim, slog.Default())
	assert.Error(t, err)

	c, err := newJanitor(security.RateLimitConfig{PruneSchedule: "@every 1m"}, lim, slog.Default())
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)
}

func TestNewLimiter_Disabled(t *testing.T) {
	lim, err := newLimiter(config.Config{})
	require.NoError(t, err)
	assert.Nil(t, lim)
}
