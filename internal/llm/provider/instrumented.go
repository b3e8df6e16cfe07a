package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/deshartman/crelay-payments-sub000/internal/observability"
	metrics "github.com/deshartman/crelay-payments-sub000/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedProvider wraps a Provider with automatic observability:
// spans per generation, stream timing (including time to first chunk, the
// number a voice caller actually hears), and token usage when reported.
type InstrumentedProvider struct {
	provider Provider
	enabled  bool
}

// InstrumentedConfig contains configuration for instrumented providers
type InstrumentedConfig struct {
	// Enabled controls whether instrumentation is active
	Enabled bool
}

// NewInstrumentedProvider wraps a provider with automatic observability
func NewInstrumentedProvider(provider Provider, config *InstrumentedConfig) *InstrumentedProvider {
	if config == nil {
		config = &InstrumentedConfig{Enabled: true}
	}

	return &InstrumentedProvider{
		provider: provider,
		enabled:  config.Enabled,
	}
}

// CreateStreaming creates a streaming response with instrumentation
func (p *InstrumentedProvider) CreateStreaming(ctx context.Context, request ChatRequest) (Stream, error) {
	if !p.enabled {
		return p.provider.CreateStreaming(ctx, request)
	}

	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.streaming", p.provider.Name()),
		trace.WithAttributes(
			attribute.String("llm.provider", p.provider.Name()),
			attribute.String("llm.model", request.Model),
			attribute.Int("llm.messages_count", len(request.Messages)),
			attribute.Int("llm.tools_count", len(request.Tools)),
			attribute.Bool("llm.streaming", true),
		),
	)

	startTime := time.Now()
	stream, err := p.provider.CreateStreaming(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("llm.success", false))
		span.End()
		metrics.RecordLLMRequest(p.provider.Name(), request.Model, time.Since(startTime), false)
		return nil, err
	}

	return &instrumentedStream{
		stream:    stream,
		span:      span,
		provider:  p.provider.Name(),
		model:     request.Model,
		startTime: startTime,
	}, nil
}

// Name returns the underlying provider name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

// instrumentedStream wraps a Stream with observability
type instrumentedStream struct {
	stream      Stream
	span        trace.Span
	provider    string
	model       string
	startTime   time.Time
	firstChunk  time.Time
	chunksCount int
	failed      bool
}

// Recv receives the next chunk and tracks metrics
func (s *instrumentedStream) Recv() (*StreamChunk, error) {
	chunk, err := s.stream.Recv()

	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.failed = true
			s.span.RecordError(err)
		}
		return chunk, err
	}

	s.chunksCount++
	if s.firstChunk.IsZero() {
		s.firstChunk = time.Now()
		s.span.SetAttributes(
			attribute.Int64("llm.streaming.first_chunk_ms", time.Since(s.startTime).Milliseconds()),
		)
		metrics.RecordLLMFirstChunk(s.provider, time.Since(s.startTime))
	}

	if chunk.Usage != nil {
		s.span.SetAttributes(
			attribute.Int("llm.usage.prompt_tokens", chunk.Usage.PromptTokens),
			attribute.Int("llm.usage.completion_tokens", chunk.Usage.CompletionTokens),
			attribute.Int("llm.usage.total_tokens", chunk.Usage.TotalTokens),
		)
		metrics.RecordLLMTokens(s.provider, chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
	}

	if chunk.FinishReason != "" {
		s.span.SetAttributes(attribute.String("llm.finish_reason", chunk.FinishReason))
	}

	return chunk, nil
}

// Close closes the stream and finalizes metrics
func (s *instrumentedStream) Close() error {
	err := s.stream.Close()

	duration := time.Since(s.startTime)
	s.span.SetAttributes(
		attribute.Int("llm.streaming.chunks_total", s.chunksCount),
		attribute.Int64("llm.streaming.duration_ms", duration.Milliseconds()),
		attribute.Bool("llm.success", !s.failed),
	)
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()

	metrics.RecordLLMRequest(s.provider, s.model, duration, !s.failed && err == nil)

	return err
}

// WrapProvider wraps a provider with instrumentation if not already wrapped
func WrapProvider(provider Provider) Provider {
	// Don't double-wrap
	if _, ok := provider.(*InstrumentedProvider); ok {
		return provider
	}

	return NewInstrumentedProvider(provider, &InstrumentedConfig{Enabled: true})
}

// UnwrapProvider returns the underlying provider if wrapped, otherwise returns the provider as-is
func UnwrapProvider(provider Provider) Provider {
	if instrumented, ok := provider.(*InstrumentedProvider); ok {
		return instrumented.provider
	}
	return provider
}
