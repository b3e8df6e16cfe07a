package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// LangfuseClient reports LLM generations to Langfuse over its ingestion
// API. This covers what the OTLP trace export does not: model inputs and
// outputs, token usage, and turn-level metadata.
type LangfuseClient struct {
	baseURL    string
	publicKey  string
	secretKey  string
	httpClient *http.Client
	enabled    bool
}

// LangfuseConfig contains configuration for Langfuse ingestion.
type LangfuseConfig struct {
	// BaseURL is the Langfuse API endpoint (defaults to cloud.langfuse.com).
	BaseURL string

	// PublicKey is the Langfuse public key.
	PublicKey string

	// SecretKey is the Langfuse secret key.
	SecretKey string

	// Enabled controls whether ingestion is active.
	Enabled bool
}

// Generation represents one LLM generation event.
type Generation struct {
	ID              string         `json:"id,omitempty"`
	Name            string         `json:"name,omitempty"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         time.Time      `json:"endTime,omitempty"`
	Model           string         `json:"model"`
	ModelParameters map[string]any `json:"modelParameters,omitempty"`
	Input           any            `json:"input,omitempty"`
	Output          any            `json:"output,omitempty"`
	Usage           *LangfuseUsage `json:"usage,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Level           string         `json:"level,omitempty"` // "DEBUG", "DEFAULT", "WARNING", "ERROR"
	StatusMessage   string         `json:"statusMessage,omitempty"`
	TraceID         string         `json:"traceId,omitempty"`
}

// LangfuseUsage represents token usage for one generation.
type LangfuseUsage struct {
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
	TotalTokens      int    `json:"totalTokens,omitempty"`
	Unit             string `json:"unit,omitempty"`
}

var (
	// DefaultLangfuseClient is the global Langfuse client instance.
	DefaultLangfuseClient *LangfuseClient
	langfuseInitOnce      sync.Once
)

// InitLangfuse initializes the global Langfuse client from environment
// variables. Without LANGFUSE_PUBLIC_KEY and LANGFUSE_SECRET_KEY the
// client stays disabled and TrackTurn is a no-op.
func InitLangfuse() {
	config := LangfuseConfig{
		BaseURL:   getEnv("LANGFUSE_BASE_URL", "https://cloud.langfuse.com"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
		Enabled:   getEnv("LANGFUSE_ENABLED", "true") == "true",
	}
	if config.PublicKey == "" || config.SecretKey == "" {
		config.Enabled = false
	}

	langfuseInitOnce.Do(func() {
		DefaultLangfuseClient = NewLangfuseClient(config)
		if config.Enabled {
			log.Printf("[Observability] langfuse ingestion enabled (%s)", config.BaseURL)
		}
	})
}

// NewLangfuseClient creates a new Langfuse client.
func NewLangfuseClient(config LangfuseConfig) *LangfuseClient {
	return &LangfuseClient{
		baseURL:   config.BaseURL,
		publicKey: config.PublicKey,
		secretKey: config.SecretKey,
		enabled:   config.Enabled,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether the client will send events.
func (c *LangfuseClient) Enabled() bool {
	return c != nil && c.enabled
}

// TrackGeneration sends one generation event to the ingestion API.
func (c *LangfuseClient) TrackGeneration(ctx context.Context, gen *Generation) error {
	if !c.Enabled() {
		return nil
	}

	payload := map[string]any{
		"type": "generation-create",
		"body": gen,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}

	url := fmt.Sprintf("%s/api/public/ingestion", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.publicKey, c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send generation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("langfuse API returned status %d", resp.StatusCode)
	}
	return nil
}

// Close closes the Langfuse client.
func (c *LangfuseClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// TrackTurn reports a completed generation turn to the global client
// without blocking the caller. Failures are logged, never surfaced; the
// conversation must not stall on telemetry.
func TrackTurn(gen *Generation) {
	client := DefaultLangfuseClient
	if !client.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.TrackGeneration(ctx, gen); err != nil {
			log.Printf("[Observability] langfuse track: %v", err)
		}
	}()
}

// Builders for generation events

// NewGeneration creates a generation event starting now.
func NewGeneration(name, model string, startTime time.Time) *Generation {
	return &Generation{
		Name:      name,
		Model:     model,
		StartTime: startTime,
		Level:     "DEFAULT",
	}
}

// WithInput attaches the model input.
func (g *Generation) WithInput(input any) *Generation {
	g.Input = input
	return g
}

// WithOutput attaches the model output.
func (g *Generation) WithOutput(output any) *Generation {
	g.Output = output
	return g
}

// WithUsage attaches token usage.
func (g *Generation) WithUsage(promptTokens, completionTokens int) *Generation {
	g.Usage = &LangfuseUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Unit:             "TOKENS",
	}
	return g
}

// WithMetadata attaches turn metadata.
func (g *Generation) WithMetadata(metadata map[string]any) *Generation {
	g.Metadata = metadata
	return g
}

// WithTraceID groups the generation under a trace. The relay uses the
// session ID so all turns of one call land on one trace.
func (g *Generation) WithTraceID(traceID string) *Generation {
	g.TraceID = traceID
	return g
}

// WithError marks the generation as failed.
func (g *Generation) WithError(err error) *Generation {
	g.Level = "ERROR"
	if err != nil {
		g.StatusMessage = err.Error()
	}
	return g
}

// Finish stamps the end time.
func (g *Generation) Finish() *Generation {
	g.EndTime = time.Now()
	return g
}
