package claude

import (
	"context"
	"encoding/json"
	"sync"
)

// MockEngine is a test double for Engine that replays scripted messages.
type MockEngine struct {
	mu sync.Mutex

	messages []json.RawMessage
	err      error
	block    bool

	calls []MockQuery

	// Started is closed the first time Query begins streaming.
	Started   chan struct{}
	startOnce sync.Once
}

// MockQuery records the arguments of one Query call.
type MockQuery struct {
	Prompt  Prompt
	Options QueryOptions
}

// NewMockEngine creates a mock engine that emits msgs and then completes.
func NewMockEngine(msgs ...string) *MockEngine {
	m := &MockEngine{Started: make(chan struct{})}
	for _, s := range msgs {
		m.messages = append(m.messages, json.RawMessage(s))
	}
	return m
}

// FailWith makes every query end with err after the scripted messages.
func (m *MockEngine) FailWith(err error) *MockEngine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// BlockUntilCancelled makes every query hang after the scripted messages
// until its context is cancelled, then end with the context's cause.
func (m *MockEngine) BlockUntilCancelled() *MockEngine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = true
	return m
}

// Calls returns the recorded queries.
func (m *MockEngine) Calls() []MockQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]MockQuery, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Query replays the script.
func (m *MockEngine) Query(ctx context.Context, prompt Prompt, opts QueryOptions) <-chan Message {
	m.mu.Lock()
	m.calls = append(m.calls, MockQuery{Prompt: prompt, Options: opts})
	msgs := append([]json.RawMessage(nil), m.messages...)
	err := m.err
	block := m.block
	m.mu.Unlock()

	ch := make(chan Message)
	go func() {
		defer close(ch)
		m.startOnce.Do(func() { close(m.Started) })

		for _, raw := range msgs {
			if !send(ctx, ch, Message{Raw: raw}) {
				return
			}
		}
		if block {
			<-ctx.Done()
			send(ctx, ch, Message{Err: context.Cause(ctx)})
			return
		}
		if err != nil {
			send(ctx, ch, Message{Err: err})
		}
	}()
	return ch
}

var _ Engine = (*MockEngine)(nil)
var _ Engine = (*CLIEngine)(nil)
