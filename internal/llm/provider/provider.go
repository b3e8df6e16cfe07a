// Package provider defines the streaming LLM contract used by the
// conversation engine, plus implementations for OpenAI, Gemini / Vertex AI
// and Amazon Bedrock. Implementations are construction-time pluggable via
// the factory registry and runtime-selectable via the instance registry.
package provider

import (
	"context"
	"encoding/json"
)

// Provider is the interface a streaming LLM backend implements.
type Provider interface {
	// CreateStreaming starts a streaming chat completion. The returned
	// Stream yields chunks until io.EOF.
	CreateStreaming(ctx context.Context, request ChatRequest) (Stream, error)

	// Name returns the provider name (e.g. "openai", "bedrock")
	Name() string
}

// Message roles as they appear in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message, including tool round trips: an
// assistant message may carry ToolCalls, and a follow-up tool message
// carries the matching ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`         // tool name, for role "tool"
	ToolCallID string     `json:"tool_call_id,omitempty"` // links a tool result to its call
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // calls issued by the assistant
}

// Tool represents a function the model may call during a turn.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema for arguments
}

// ChatRequest represents one streaming generation request.
type ChatRequest struct {
	// Messages is the conversation history, oldest first
	Messages []Message `json:"messages"`

	// Model is the model to use (e.g. "gpt-4o-mini", "gemini-2.0-flash")
	Model string `json:"model,omitempty"`

	// Temperature controls randomness (0.0-2.0)
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens is the maximum number of tokens to generate
	MaxTokens int `json:"max_tokens,omitempty"`

	// Tools available for the model to call
	Tools []Tool `json:"tools,omitempty"`

	// Additional provider-specific options
	Extra map[string]any `json:"extra,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall represents a function call made by the model
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall represents a function call
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Stream represents a streaming response
type Stream interface {
	// Recv receives the next chunk. Returns io.EOF when the stream ends.
	Recv() (*StreamChunk, error)

	// Close closes the stream
	Close() error
}

// StreamChunk represents a chunk in a streaming response
type StreamChunk struct {
	// Delta is the incremental content
	Delta string `json:"delta"`

	// FinishReason if this is the last content chunk
	FinishReason string `json:"finish_reason,omitempty"`

	// ToolCallDeltas if tools are being called
	ToolCallDeltas []ToolCallDelta `json:"tool_call_deltas,omitempty"`

	// Usage if the provider reports token counts on the stream
	Usage *Usage `json:"usage,omitempty"`
}

// ToolCallDelta represents an incremental tool call update
type ToolCallDelta struct {
	Index         int    `json:"index"`
	ID            string `json:"id,omitempty"`
	Type          string `json:"type,omitempty"`
	FunctionName  string `json:"function_name,omitempty"`
	ArgumentDelta string `json:"argument_delta,omitempty"`
}

// Finish reasons normalized across providers.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonLength    = "length"
)

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Type          string `json:"type,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeAuthentication  = "authentication_error"
	ErrorCodeRateLimit       = "rate_limit_exceeded"
	ErrorCodeQuotaExceeded   = "quota_exceeded"
	ErrorCodeServerError     = "server_error"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeModelNotFound   = "model_not_found"
	ErrorCodeContentFiltered = "content_filtered"
	ErrorCodeUnknown         = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableError(code),
	}
}

// isRetryableError classifies an error code. A live voice turn is never
// retried, but callers use the flag for logging and alerting.
func isRetryableError(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}
