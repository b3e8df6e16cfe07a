package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel  = "gemini-2.0-flash"
	geminiClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := stringOpt(config, "api_key")
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}

		return NewGeminiProvider(GeminiConfig{APIKey: apiKey})
	})

	RegisterFactory("vertexai", func(config map[string]any) (Provider, error) {
		projectID := stringOpt(config, "project_id")
		if projectID == "" {
			projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}
		if projectID == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT not set")
		}

		location := stringOpt(config, "location")
		if location == "" {
			location = os.Getenv("VERTEX_AI_LOCATION")
		}
		if location == "" {
			location = "us-central1"
		}

		return NewGeminiProvider(GeminiConfig{ProjectID: projectID, Location: location, Vertex: true})
	})
}

// GeminiConfig selects the Gen AI SDK backend: API-key access to the Gemini
// API, or ADC-authenticated Vertex AI when Vertex is set.
type GeminiConfig struct {
	APIKey    string
	ProjectID string
	Location  string
	Vertex    bool
}

// GeminiProvider implements Provider for Google Gemini using the Gen AI SDK.
// One implementation serves both backends; only client construction differs.
type GeminiProvider struct {
	client *genai.Client
	name   string
}

// NewGeminiProvider creates a Gemini provider for the configured backend.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	name := "gemini"
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Vertex {
		name = "vertexai"
		clientConfig = &genai.ClientConfig{
			Project:  cfg.ProjectID,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", name, err)
	}

	return &GeminiProvider{client: client, name: name}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return p.name
}

// CreateStreaming creates a streaming response
func (p *GeminiProvider) CreateStreaming(ctx context.Context, req ChatRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = geminiDefaultModel
	}

	config := &genai.GenerateContentConfig{}
	config.Temperature = genai.Ptr(float32(req.Temperature))
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents, systemInstruction := p.buildContents(req.Messages)
	if systemInstruction != nil {
		config.SystemInstruction = systemInstruction
	}
	if len(req.Tools) > 0 {
		config.Tools = p.buildTools(req.Tools)
	}

	// The SDK exposes streaming as an iter.Seq2; bridge it onto channels so
	// the Stream interface can pull chunks one Recv at a time.
	respChan := make(chan *genai.GenerateContentResponse, 10)
	errChan := make(chan error, 1)

	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(respChan)
		defer close(errChan)

		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, model, contents, config) {
			if err != nil {
				select {
				case errChan <- p.wrapError(err):
				case <-streamCtx.Done():
				}
				return
			}
			select {
			case respChan <- resp:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return &geminiStream{
		respChan: respChan,
		errChan:  errChan,
		ctx:      streamCtx,
		cancel:   cancel,
	}, nil
}

// buildContents converts messages to Gen AI content format. A system message
// becomes the system instruction; assistant tool calls become FunctionCall
// parts and tool results become FunctionResponse parts, so multi-turn tool
// loops survive the round trip.
func (p *GeminiProvider) buildContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var systemInstruction *genai.Content
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			systemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Content}},
			}

		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Function.Arguments, &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Args: args,
					},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})

		case RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"output": m.Content}
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     m.Name,
						Response: response,
					},
				}},
			})

		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	return contents, systemInstruction
}

// buildTools converts tools to Gen AI tool format
func (p *GeminiProvider) buildTools(tools []Tool) []*genai.Tool {
	funcDecls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var params *genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		funcDecls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// wrapError converts Gen AI errors to ProviderError. The SDK surfaces API
// failures as flat errors, so classification is by message content.
func (p *GeminiProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}

	code := ErrorCodeUnknown
	errMsg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errMsg, "authentication") || strings.Contains(errMsg, "credential") || strings.Contains(errMsg, "api key") || strings.Contains(errMsg, "403") || strings.Contains(errMsg, "401"):
		code = ErrorCodeAuthentication
	case strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "429") || strings.Contains(errMsg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(errMsg, "not found") || strings.Contains(errMsg, "404"):
		code = ErrorCodeModelNotFound
	case strings.Contains(errMsg, "invalid") || strings.Contains(errMsg, "400"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(errMsg, "500") || strings.Contains(errMsg, "503") || strings.Contains(errMsg, "server"):
		code = ErrorCodeServerError
	}

	return &ProviderError{
		Provider:      p.name,
		Code:          code,
		Message:       err.Error(),
		IsRetryable:   isRetryableError(code),
		OriginalError: err,
	}
}

// geminiStream implements Stream on the channel bridge
type geminiStream struct {
	respChan <-chan *genai.GenerateContentResponse
	errChan  <-chan error
	ctx      context.Context
	cancel   context.CancelFunc
	toolIdx  int
	done     bool
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	// Check for errors first (non-blocking) so a failed stream surfaces its
	// error instead of a bare EOF.
	select {
	case err := <-s.errChan:
		s.done = true
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	default:
	}

	select {
	case <-s.ctx.Done():
		s.done = true
		return nil, s.ctx.Err()
	case err := <-s.errChan:
		s.done = true
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	case resp, ok := <-s.respChan:
		if !ok {
			s.done = true
			return nil, io.EOF
		}
		return s.convert(resp), nil
	}
}

func (s *geminiStream) convert(resp *genai.GenerateContentResponse) *StreamChunk {
	chunk := &StreamChunk{}

	if resp.UsageMetadata != nil {
		chunk.Usage = &Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	if len(resp.Candidates) == 0 {
		return chunk
	}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				chunk.Delta += part.Text
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d_%s", s.toolIdx, part.FunctionCall.Name)
				}
				args, _ := json.Marshal(part.FunctionCall.Args)
				chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, ToolCallDelta{
					Index:         s.toolIdx,
					ID:            id,
					Type:          "function",
					FunctionName:  part.FunctionCall.Name,
					ArgumentDelta: string(args),
				})
				s.toolIdx++
			}
		}
	}

	if candidate.FinishReason != "" {
		if len(chunk.ToolCallDeltas) > 0 || s.toolIdx > 0 {
			chunk.FinishReason = FinishReasonToolCalls
		} else if candidate.FinishReason == genai.FinishReasonMaxTokens {
			chunk.FinishReason = FinishReasonLength
		} else {
			chunk.FinishReason = FinishReasonStop
		}
	}

	return chunk
}

func (s *geminiStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true

	if s.cancel != nil {
		s.cancel()
	}

	// Drain so the producing goroutine can exit.
	go func() {
		for range s.respChan {
		}
	}()

	return nil
}
