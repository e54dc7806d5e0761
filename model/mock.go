package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MockModel is a scripted in-memory Model for tests and examples.
//
// By default it streams the script chunks in order, reports usage when
// Usage is set and finishes with "stop". Responder, when set, derives the
// chunks from the request instead.
type MockModel struct {
	info Info

	mu        sync.Mutex
	chunks    []string
	responder func(Request) []string
	usage     *TokenUsage
	failAfter int
	failErr   error
	delay     time.Duration
	block     bool
	requests  []Request

	calls atomic.Int32
}

// MockOption configures a MockModel.
type MockOption func(m *MockModel)

// WithChunks sets the streamed chunks.
func WithChunks(chunks ...string) MockOption {
	return func(m *MockModel) { m.chunks = chunks }
}

// WithResponder derives chunks from each request.
func WithResponder(fn func(Request) []string) MockOption {
	return func(m *MockModel) { m.responder = fn }
}

// WithUsage makes the mock report usage on the final chunk.
func WithUsage(prompt, completion int) MockOption {
	return func(m *MockModel) { m.usage = &TokenUsage{PromptTokens: prompt, CompletionTokens: completion} }
}

// WithError fails the call with err after n chunks have been sent.
func WithError(n int, err error) MockOption {
	return func(m *MockModel) {
		m.failAfter = n
		m.failErr = err
	}
}

// WithDelay pauses before each chunk.
func WithDelay(d time.Duration) MockOption {
	return func(m *MockModel) { m.delay = d }
}

// WithBlock makes the mock block after its chunks until ctx is done.
func WithBlock() MockOption {
	return func(m *MockModel) { m.block = true }
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string, opts ...MockOption) *MockModel {
	m := &MockModel{info: Info{Name: name, Provider: "mock"}, failAfter: -1}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Configure replaces parts of the script.
func (m *MockModel) Configure(opts ...MockOption) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range opts {
		o(m)
	}
}

// Calls returns the number of Generate invocations.
func (m *MockModel) Calls() int { return int(m.calls.Load()) }

// Requests returns copies of the received requests in call order.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	m.calls.Add(1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	chunks := m.chunks
	if m.responder != nil {
		chunks = m.responder(req)
	} else if chunks == nil {
		chunks = echoChunks(req.LastUserText())
	}
	usage := m.usage
	failAfter, failErr := m.failAfter, m.failErr
	delay, block := m.delay, m.block
	m.mu.Unlock()

	out := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var full strings.Builder
		for i, c := range chunks {
			if failAfter == i {
				errCh <- failErr
				return
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- Response{Text: c, Partial: true}:
				full.WriteString(c)
			}
		}
		if failAfter >= len(chunks) {
			errCh <- failErr
			return
		}
		if block {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}
		final := Response{Text: full.String(), FinishReason: "stop"}
		if usage != nil {
			u := *usage
			final.Usage = &u
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case out <- final:
		}
	}()

	return out, errCh
}

func echoChunks(text string) []string {
	words := strings.Fields(fmt.Sprintf("Mock response to: %s", text))
	out := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}
