package provider

import (
	"context"
	"sync"
)

// MockReply is one scripted completion outcome.
type MockReply struct {
	Text string
	Err  error
}

// MockCompleter replays scripted replies for tests and local development.
// Once the script runs out it keeps answering with Fallback.
type MockCompleter struct {
	Fallback MockReply

	mu      sync.Mutex
	replies []MockReply
	prompts []string
}

// NewMockCompleter creates a mock that returns replies in order.
func NewMockCompleter(replies ...MockReply) *MockCompleter {
	return &MockCompleter{
		replies:  replies,
		Fallback: MockReply{Text: `{"finalPrompt":"Mock final prompt."}`},
	}
}

// Complete implements Completer.
func (m *MockCompleter) Complete(ctx context.Context, prompt string, _ Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TimeoutError{Provider: m.Name(), Err: err}
	}

	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	reply := m.Fallback
	if len(m.replies) > 0 {
		reply, m.replies = m.replies[0], m.replies[1:]
	}
	m.mu.Unlock()

	if reply.Err != nil {
		return nil, reply.Err
	}
	return NewTextResult(reply.Text), nil
}

// Enqueue appends replies to the script.
func (m *MockCompleter) Enqueue(replies ...MockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
}

// Prompts returns every prompt received so far.
func (m *MockCompleter) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Name implements Completer.
func (m *MockCompleter) Name() string { return "mock" }

// Close implements Completer.
func (m *MockCompleter) Close() error { return nil }
