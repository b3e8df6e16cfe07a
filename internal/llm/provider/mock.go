package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

func init() {
	RegisterFactory("mock", func(config map[string]any) (Provider, error) {
		return NewMockProvider("mock"), nil
	})
}

// MockProvider is a scripted provider for tests and dry runs. Each
// CreateStreaming call consumes the next scripted entry: an error if one is
// queued at that position, otherwise a chunk script. The session engine
// calls it from its own goroutine, so tracking is mutex-guarded.
type MockProvider struct {
	name string

	mu sync.Mutex

	// Scripts to play back, one per request
	StreamScripts [][]*StreamChunk
	Errors        []error

	// Track calls
	StreamCalls []ChatRequest

	currentIndex int
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:          name,
		StreamScripts: [][]*StreamChunk{},
		Errors:        []error{},
		StreamCalls:   []ChatRequest{},
	}
}

// CreateStreaming implements Provider
func (m *MockProvider) CreateStreaming(ctx context.Context, request ChatRequest) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StreamCalls = append(m.StreamCalls, request)

	if m.currentIndex < len(m.Errors) && m.Errors[m.currentIndex] != nil {
		err := m.Errors[m.currentIndex]
		m.currentIndex++
		return nil, err
	}

	var chunks []*StreamChunk
	if m.currentIndex < len(m.StreamScripts) {
		chunks = m.StreamScripts[m.currentIndex]
		m.currentIndex++
	} else {
		chunks = TextChunks("Hello! ", "How can ", "I help?")
	}

	return &MockStream{chunks: chunks, ctx: ctx}, nil
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// AddStreamChunks queues a chunk script to play back
func (m *MockProvider) AddStreamChunks(chunks []*StreamChunk) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamScripts = append(m.StreamScripts, chunks)
	m.Errors = append(m.Errors, nil)
	return m
}

// AddError queues an error to return
func (m *MockProvider) AddError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, err)
	m.StreamScripts = append(m.StreamScripts, nil)
	return m
}

// Calls returns a copy of the recorded requests
func (m *MockProvider) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.StreamCalls))
	copy(out, m.StreamCalls)
	return out
}

// Reset clears scripts and recorded calls
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamScripts = [][]*StreamChunk{}
	m.Errors = []error{}
	m.StreamCalls = []ChatRequest{}
	m.currentIndex = 0
}

// MockStream plays back a scripted chunk sequence
type MockStream struct {
	chunks       []*StreamChunk
	ctx          context.Context
	currentIndex int
	closed       bool
}

// Recv implements Stream
func (s *MockStream) Recv() (*StreamChunk, error) {
	if s.closed {
		return nil, errors.New("stream closed")
	}
	if s.ctx != nil && s.ctx.Err() != nil {
		return nil, s.ctx.Err()
	}

	if s.currentIndex >= len(s.chunks) {
		return nil, errors.New("no more chunks")
	}

	chunk := s.chunks[s.currentIndex]
	s.currentIndex++
	return chunk, nil
}

// Close implements Stream
func (s *MockStream) Close() error {
	if s.closed {
		return errors.New("stream already closed")
	}
	s.closed = true
	return nil
}

// Script helpers

// TextChunks builds a script that streams the given fragments and finishes
// with "stop" on the last one.
func TextChunks(parts ...string) []*StreamChunk {
	chunks := make([]*StreamChunk, 0, len(parts))
	for i, p := range parts {
		chunk := &StreamChunk{Delta: p}
		if i == len(parts)-1 {
			chunk.FinishReason = FinishReasonStop
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		chunks = append(chunks, &StreamChunk{FinishReason: FinishReasonStop})
	}
	return chunks
}

// ToolCallChunks builds a script that streams one tool call with the given
// arguments and finishes with "tool_calls".
func ToolCallChunks(id, name string, args any) []*StreamChunk {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return []*StreamChunk{
		{ToolCallDeltas: []ToolCallDelta{{Index: 0, ID: id, Type: "function", FunctionName: name}}},
		{ToolCallDeltas: []ToolCallDelta{{Index: 0, ArgumentDelta: string(raw)}}},
		{FinishReason: FinishReasonToolCalls},
	}
}
