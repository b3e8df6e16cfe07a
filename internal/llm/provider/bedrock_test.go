package provider

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

func TestBedrockBuildInput(t *testing.T) {
	p := &BedrockProvider{}

	input, err := p.buildInput(ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "You take payments."},
			{Role: RoleUser, Content: "Pay my bill"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{
				ID:   "tooluse_1",
				Type: "function",
				Function: FunctionCall{
					Name:      "start-payment",
					Arguments: json.RawMessage(`{"amount":10}`),
				},
			}}},
			{Role: RoleTool, ToolCallID: "tooluse_1", Content: `{"success":true}`},
		},
		Temperature: 0.5,
		MaxTokens:   512,
		Tools: []Tool{{
			Name:        "start-payment",
			Description: "Begin a payment capture",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	}, "amazon.nova-pro-v1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if aws.ToString(input.ModelId) != "amazon.nova-pro-v1:0" {
		t.Errorf("model = %s", aws.ToString(input.ModelId))
	}
	if aws.ToInt32(input.InferenceConfig.MaxTokens) != 512 {
		t.Errorf("max tokens = %d", aws.ToInt32(input.InferenceConfig.MaxTokens))
	}

	if len(input.System) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(input.System))
	}
	sys, ok := input.System[0].(*brtypes.SystemContentBlockMemberText)
	if !ok || sys.Value != "You take payments." {
		t.Errorf("system block = %+v", input.System[0])
	}

	if len(input.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(input.Messages))
	}

	assistant := input.Messages[1]
	if assistant.Role != brtypes.ConversationRoleAssistant {
		t.Errorf("assistant role = %s", assistant.Role)
	}
	toolUse, ok := assistant.Content[0].(*brtypes.ContentBlockMemberToolUse)
	if !ok {
		t.Fatalf("expected tool use block, got %T", assistant.Content[0])
	}
	if aws.ToString(toolUse.Value.ToolUseId) != "tooluse_1" || aws.ToString(toolUse.Value.Name) != "start-payment" {
		t.Errorf("tool use = %+v", toolUse.Value)
	}
	if toolUse.Value.Input == nil {
		t.Errorf("tool use input document missing")
	}

	toolResult, ok := input.Messages[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("expected tool result block, got %T", input.Messages[2].Content[0])
	}
	if aws.ToString(toolResult.Value.ToolUseId) != "tooluse_1" {
		t.Errorf("tool result id = %s", aws.ToString(toolResult.Value.ToolUseId))
	}

	if input.ToolConfig == nil || len(input.ToolConfig.Tools) != 1 {
		t.Fatalf("tool config = %+v", input.ToolConfig)
	}
	spec, ok := input.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	if !ok || aws.ToString(spec.Value.Name) != "start-payment" {
		t.Errorf("tool spec = %+v", input.ToolConfig.Tools[0])
	}
}

func TestBedrockBuildInputBadSchema(t *testing.T) {
	p := &BedrockProvider{}

	_, err := p.buildInput(ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []Tool{{Name: "broken", Parameters: json.RawMessage(`{not json`)}},
	}, "amazon.nova-pro-v1:0")
	if err == nil {
		t.Fatalf("expected error for invalid schema")
	}
	provErr, ok := err.(*ProviderError)
	if !ok || provErr.Code != ErrorCodeInvalidRequest {
		t.Errorf("error = %v", err)
	}
}

func TestWrapBedrockError(t *testing.T) {
	tests := []struct {
		err      error
		wantCode string
	}{
		{&brtypes.AccessDeniedException{Message: aws.String("no")}, ErrorCodeAuthentication},
		{&brtypes.ThrottlingException{Message: aws.String("slow down")}, ErrorCodeRateLimit},
		{&brtypes.ValidationException{Message: aws.String("bad input")}, ErrorCodeInvalidRequest},
		{&brtypes.ResourceNotFoundException{Message: aws.String("missing")}, ErrorCodeModelNotFound},
		{&brtypes.ModelTimeoutException{Message: aws.String("timed out")}, ErrorCodeTimeout},
		{&brtypes.ServiceQuotaExceededException{Message: aws.String("quota")}, ErrorCodeQuotaExceeded},
		{&brtypes.InternalServerException{Message: aws.String("oops")}, ErrorCodeServerError},
	}

	for _, tt := range tests {
		wrapped := wrapBedrockError(tt.err)
		provErr, ok := wrapped.(*ProviderError)
		if !ok {
			t.Fatalf("%T: expected ProviderError", tt.err)
		}
		if provErr.Code != tt.wantCode {
			t.Errorf("%T: code = %s, want %s", tt.err, provErr.Code, tt.wantCode)
		}
	}
}

func TestBedrockStreamRecv(t *testing.T) {
	events := make(chan brtypes.ConverseStreamOutput, 8)
	events <- &brtypes.ConverseStreamOutputMemberMessageStart{}
	events <- &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "One moment"},
		},
	}
	events <- &brtypes.ConverseStreamOutputMemberContentBlockStart{
		Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &brtypes.ContentBlockStartMemberToolUse{
				Value: brtypes.ToolUseBlockStart{
					Name:      aws.String("end-call"),
					ToolUseId: aws.String("tooluse_abc"),
				},
			},
		},
	}
	events <- &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta: &brtypes.ContentBlockDeltaMemberToolUse{
				Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"reason":"done"}`)},
			},
		},
	}
	events <- &brtypes.ConverseStreamOutputMemberContentBlockStop{}
	events <- &brtypes.ConverseStreamOutputMemberMessageStop{
		Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse},
	}

	s := &bedrockStream{events: events, toolOrdinals: make(map[int32]int)}

	chunk, err := s.Recv() // skips messageStart, returns text
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk.Delta != "One moment" {
		t.Errorf("delta = %q", chunk.Delta)
	}

	chunk, err = s.Recv() // tool use start
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunk.ToolCallDeltas) != 1 || chunk.ToolCallDeltas[0].FunctionName != "end-call" {
		t.Fatalf("tool start chunk = %+v", chunk)
	}
	if chunk.ToolCallDeltas[0].ID != "tooluse_abc" {
		t.Errorf("tool use id = %s", chunk.ToolCallDeltas[0].ID)
	}

	chunk, err = s.Recv() // tool argument delta
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk.ToolCallDeltas[0].ArgumentDelta != `{"reason":"done"}` {
		t.Errorf("argument delta = %s", chunk.ToolCallDeltas[0].ArgumentDelta)
	}
	if chunk.ToolCallDeltas[0].Index != 0 {
		t.Errorf("argument delta index = %d, want 0 (same ordinal as start)", chunk.ToolCallDeltas[0].Index)
	}

	chunk, err = s.Recv() // skips contentBlockStop, returns messageStop
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk.FinishReason != FinishReasonToolCalls {
		t.Errorf("finish reason = %q, want %q", chunk.FinishReason, FinishReasonToolCalls)
	}

	// After done flag set, Recv reports EOF without touching the channel.
	s.done = true
	if _, err := s.Recv(); err != io.EOF {
		t.Errorf("expected EOF after done, got %v", err)
	}
}
