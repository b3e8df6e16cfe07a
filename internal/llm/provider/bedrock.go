package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const bedrockDefaultModel = "amazon.nova-pro-v1:0"

func init() {
	RegisterFactory("bedrock", func(config map[string]any) (Provider, error) {
		region := stringOpt(config, "region")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		return NewBedrockProvider(awsCfg), nil
	})
}

// BedrockProvider implements Provider on the Amazon Bedrock Converse API,
// which normalizes streaming and tool use across the models Bedrock hosts.
type BedrockProvider struct {
	client *bedrockruntime.Client
}

// NewBedrockProvider creates a Bedrock provider from an AWS config.
func NewBedrockProvider(cfg aws.Config) *BedrockProvider {
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg)}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// CreateStreaming starts a ConverseStream call
func (p *BedrockProvider) CreateStreaming(ctx context.Context, req ChatRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = bedrockDefaultModel
	}

	input, err := p.buildInput(req, model)
	if err != nil {
		return nil, err
	}

	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapBedrockError(err)
	}

	stream := out.GetStream()
	return &bedrockStream{
		stream:       stream,
		events:       stream.Events(),
		toolOrdinals: make(map[int32]int),
	}, nil
}

func (p *BedrockProvider) buildInput(req ChatRequest, model string) (*bedrockruntime.ConverseStreamInput, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		InferenceConfig: &brtypes.InferenceConfiguration{},
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			input.System = append(input.System, &brtypes.SystemContentBlockMemberText{Value: m.Content})

		case RoleTool:
			input.Messages = append(input.Messages, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolResult{
						Value: brtypes.ToolResultBlock{
							ToolUseId: aws.String(m.ToolCallID),
							Content: []brtypes.ToolResultContentBlock{
								&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
							},
						},
					},
				},
			})

		case RoleAssistant:
			var blocks []brtypes.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil {
					args = map[string]any{}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Function.Name),
						Input:     document.NewLazyDocument(args),
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			input.Messages = append(input.Messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})

		default:
			input.Messages = append(input.Messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}

	if len(req.Tools) > 0 {
		toolConfig := &brtypes.ToolConfiguration{}
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, NewProviderError("bedrock", ErrorCodeInvalidRequest,
					fmt.Sprintf("tool %s: invalid parameters schema: %v", t.Name, err), err)
			}
			spec := brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			}
			if t.Description != "" {
				spec.Description = aws.String(t.Description)
			}
			toolConfig.Tools = append(toolConfig.Tools, &brtypes.ToolMemberToolSpec{Value: spec})
		}
		input.ToolConfig = toolConfig
	}

	return input, nil
}

func wrapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	code := ErrorCodeUnknown
	var (
		accessDenied *brtypes.AccessDeniedException
		throttled    *brtypes.ThrottlingException
		validation   *brtypes.ValidationException
		notFound     *brtypes.ResourceNotFoundException
		modelTimeout *brtypes.ModelTimeoutException
		quota        *brtypes.ServiceQuotaExceededException
		internal     *brtypes.InternalServerException
		unavailable  *brtypes.ServiceUnavailableException
	)
	switch {
	case errors.As(err, &accessDenied):
		code = ErrorCodeAuthentication
	case errors.As(err, &throttled):
		code = ErrorCodeRateLimit
	case errors.As(err, &validation):
		code = ErrorCodeInvalidRequest
	case errors.As(err, &notFound):
		code = ErrorCodeModelNotFound
	case errors.As(err, &modelTimeout):
		code = ErrorCodeTimeout
	case errors.As(err, &quota):
		code = ErrorCodeQuotaExceeded
	case errors.As(err, &internal), errors.As(err, &unavailable):
		code = ErrorCodeServerError
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrorCodeTimeout
	}

	return NewProviderError("bedrock", code, err.Error(), err)
}

// bedrockStream adapts the ConverseStream event stream to the Stream
// interface. Tool-use blocks are announced by a ContentBlockStart carrying
// the tool name and id, then argument JSON arrives as deltas on the same
// block index, so the stream tracks block index -> tool call ordinal.
type bedrockStream struct {
	stream       *bedrockruntime.ConverseStreamEventStream
	events       <-chan brtypes.ConverseStreamOutput
	toolOrdinals map[int32]int
	nextOrdinal  int
	sawToolUse   bool
	done         bool
}

func (s *bedrockStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		event, ok := <-s.events
		if !ok {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return nil, wrapBedrockError(err)
			}
			return nil, io.EOF
		}

		switch e := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			toolUse, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
			if !ok {
				continue
			}
			ordinal := s.nextOrdinal
			s.nextOrdinal++
			s.sawToolUse = true
			s.toolOrdinals[aws.ToInt32(e.Value.ContentBlockIndex)] = ordinal
			return &StreamChunk{ToolCallDeltas: []ToolCallDelta{{
				Index:        ordinal,
				ID:           aws.ToString(toolUse.Value.ToolUseId),
				Type:         "function",
				FunctionName: aws.ToString(toolUse.Value.Name),
			}}}, nil

		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := e.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				return &StreamChunk{Delta: delta.Value}, nil
			case *brtypes.ContentBlockDeltaMemberToolUse:
				ordinal := s.toolOrdinals[aws.ToInt32(e.Value.ContentBlockIndex)]
				return &StreamChunk{ToolCallDeltas: []ToolCallDelta{{
					Index:         ordinal,
					ArgumentDelta: aws.ToString(delta.Value.Input),
				}}}, nil
			}

		case *brtypes.ConverseStreamOutputMemberMessageStop:
			chunk := &StreamChunk{FinishReason: FinishReasonStop}
			switch e.Value.StopReason {
			case brtypes.StopReasonToolUse:
				chunk.FinishReason = FinishReasonToolCalls
			case brtypes.StopReasonMaxTokens:
				chunk.FinishReason = FinishReasonLength
			default:
				if s.sawToolUse {
					chunk.FinishReason = FinishReasonToolCalls
				}
			}
			return chunk, nil

		case *brtypes.ConverseStreamOutputMemberMetadata:
			// Arrives after messageStop; surface usage on its own chunk.
			if e.Value.Usage == nil {
				continue
			}
			return &StreamChunk{Usage: &Usage{
				PromptTokens:     int(aws.ToInt32(e.Value.Usage.InputTokens)),
				CompletionTokens: int(aws.ToInt32(e.Value.Usage.OutputTokens)),
				TotalTokens:      int(aws.ToInt32(e.Value.Usage.TotalTokens)),
			}}, nil
		}
	}
}

func (s *bedrockStream) Close() error {
	s.done = true
	return s.stream.Close()
}
