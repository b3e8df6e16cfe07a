// Package crelay assembles and runs the conversation relay: the
// websocket server the telephony gateway dials into, the streaming LLM
// sessions behind it, and the ops surface beside them. This package
// owns configuration loading and the service lifecycle; cmd/crelay is
// the CLI shell around it.
package crelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deshartman/crelay-payments-sub000/internal/llm/provider"
	"github.com/deshartman/crelay-payments-sub000/internal/observability"
	"github.com/deshartman/crelay-payments-sub000/internal/relay"
	"github.com/deshartman/crelay-payments-sub000/internal/session"
	"github.com/deshartman/crelay-payments-sub000/internal/telephony"
	"github.com/deshartman/crelay-payments-sub000/internal/tools"
	"github.com/deshartman/crelay-payments-sub000/pkg/assets"
	"github.com/deshartman/crelay-payments-sub000/pkg/callparams"
	metrics "github.com/deshartman/crelay-payments-sub000/pkg/observability"
	"github.com/deshartman/crelay-payments-sub000/pkg/security"
)

// Version is the service version, stamped at release time via
// -ldflags "-X github.com/deshartman/crelay-payments-sub000.Version=...".
var Version = "dev"

// shutdownGrace bounds how long Run waits for active calls and open
// listeners once shutdown begins.
const shutdownGrace = 15 * time.Second

// Config represents the top-level service configuration (crelay.yaml).
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty"`
	Ops           OpsConfig           `yaml:"ops,omitempty"`
	Provider      ProviderConfig      `yaml:"provider"`
	Assets        AssetsConfig        `yaml:"assets,omitempty"`
	Telephony     TelephonyConfig     `yaml:"telephony,omitempty"`
	Cache         CacheConfig         `yaml:"cache,omitempty"`
	Limits        LimitsConfig        `yaml:"limits,omitempty"`
	Defaults      DefaultsConfig      `yaml:"defaults,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// ServerConfig configures the gateway-facing HTTP server.
type ServerConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr"`

	// WSPath is the websocket route the gateway dials.
	// Default: "/conversation-relay".
	WSPath string `yaml:"ws_path"`

	// CallPath is the outbound origination route. Default: "/calls".
	CallPath string `yaml:"call_path"`
}

// OpsConfig configures the operational server: Prometheus metrics,
// health probes and session administration.
type OpsConfig struct {
	// Addr is the listen address. Default: ":9090".
	Addr string `yaml:"addr"`

	// GRPCAddr additionally serves the standard gRPC health service
	// when set. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	// Name selects the provider factory.
	// Options: "openai", "gemini", "vertexai", "bedrock", "mock".
	Name string `yaml:"name"`

	// Model is the model identifier sent on every generation.
	// Default: "gpt-4o-mini" when Name is "openai".
	Model string `yaml:"model"`

	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// Options is handed verbatim to the provider factory (api_key,
	// base_url, project, region). Providers also read their usual
	// environment variables, so this is rarely needed.
	Options map[string]any `yaml:"options,omitempty"`
}

// AssetsConfig configures where conversation profiles load from.
type AssetsConfig struct {
	// Source selects the loader. Options: "file", "firestore".
	// Default: "file".
	Source string `yaml:"source"`

	// Dir is the profile directory for the file source.
	// Default: "./profiles".
	Dir string `yaml:"dir"`

	// ProjectID and Collection locate profiles for the firestore
	// source. Collection defaults inside the loader.
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`

	// CredentialsFile optionally points at a service account key for
	// the firestore source.
	CredentialsFile string `yaml:"credentials_file"`

	// DefaultProfile is the profile used when the call names none.
	// Default: "default".
	DefaultProfile string `yaml:"default_profile"`
}

// TelephonyConfig configures the REST client behind call control and
// outbound dialing.
type TelephonyConfig struct {
	// AccountSID and AuthToken fall back to TWILIO_ACCOUNT_SID and
	// TWILIO_AUTH_TOKEN when empty.
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string `yaml:"base_url"`

	// CallerID is the origination number used when POST /calls names
	// no from.
	CallerID string `yaml:"caller_id"`

	// AnswerURL is the webhook the gateway fetches call instructions
	// from when an outbound call connects. Empty disables origination.
	AnswerURL string `yaml:"answer_url"`

	// DryRun swaps the REST client for an in-memory fake that accepts
	// every operation. Useful for local development and CI.
	DryRun bool `yaml:"dry_run"`
}

// CacheConfig configures the origination parameter stash consumed by
// call setup.
type CacheConfig struct {
	// Backend selects the store. Options: "memory", "redis".
	// Default: "memory".
	Backend string `yaml:"backend"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Prefix namespaces redis keys. Defaults inside the store.
	Prefix string `yaml:"prefix"`

	// TTL bounds how long stashed parameters wait for their call.
	// Default: "5m".
	TTL Duration `yaml:"ttl"`
}

// LimitsConfig bounds the service.
type LimitsConfig struct {
	// MaxSessions caps concurrent calls. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// SetupPerMinute caps websocket establishment per remote host.
	// Zero disables the limit.
	SetupPerMinute float64 `yaml:"setup_per_minute"`

	// ToolRate caps executions per second of each tool across all
	// sessions. Zero disables the limit.
	ToolRate float64 `yaml:"tool_rate"`

	// MaxCallDuration ends calls that outlive it. Zero disables the
	// reaper.
	MaxCallDuration Duration `yaml:"max_call_duration"`
}

// DefaultsConfig seeds per-call behavior.
type DefaultsConfig struct {
	// Language and TTSLanguage are pushed to the gateway as a language
	// frame when a call is established. Empty leaves the gateway's own
	// defaults alone.
	Language    string `yaml:"language"`
	TTSLanguage string `yaml:"tts_language"`

	// Interruptible marks spoken text as stoppable by caller speech.
	// Default: true.
	Interruptible *bool `yaml:"interruptible"`
}

// ObservabilityConfig controls trace export. OTEL_* and LANGFUSE_*
// environment variables refine the exporter; see internal/observability.
type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`

	// OTLPEndpoint overrides the default trace endpoint when the
	// OTEL_EXPORTER_OTLP_ENDPOINT variable is unset.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Duration supports "90s" style values in YAML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (c *Config) interruptible() bool {
	return c.Defaults.Interruptible == nil || *c.Defaults.Interruptible
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = relay.DefaultWSPath
	}
	if c.Server.CallPath == "" {
		c.Server.CallPath = relay.DefaultCallPath
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = ":9090"
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	if c.Provider.Model == "" && c.Provider.Name == "openai" {
		c.Provider.Model = "gpt-4o-mini"
	}
	if c.Assets.Source == "" {
		c.Assets.Source = "file"
	}
	if c.Assets.Source == "file" && c.Assets.Dir == "" {
		c.Assets.Dir = "./profiles"
	}
	if c.Assets.DefaultProfile == "" {
		c.Assets.DefaultProfile = "default"
	}
	if c.Telephony.AccountSID == "" {
		c.Telephony.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if c.Telephony.AuthToken == "" {
		c.Telephony.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL.Duration == 0 {
		c.Cache.TTL = Duration{relay.DefaultParamsTTL}
	}
	if c.Defaults.Interruptible == nil {
		t := true
		c.Defaults.Interruptible = &t
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Provider.Name == "" {
		return errors.New("provider.name is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required for provider %q", c.Provider.Name)
	}
	switch c.Assets.Source {
	case "file":
		if c.Assets.Dir == "" {
			return errors.New("assets.dir is required for the file source")
		}
	case "firestore":
		if c.Assets.ProjectID == "" {
			return errors.New("assets.project_id is required for the firestore source")
		}
	default:
		return fmt.Errorf("unknown assets.source %q (want file or firestore)", c.Assets.Source)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q (want memory or redis)", c.Cache.Backend)
	}
	if c.Cache.TTL.Duration < 0 {
		return errors.New("cache.ttl cannot be negative")
	}
	if c.Limits.MaxSessions < 0 {
		return errors.New("limits.max_sessions cannot be negative")
	}
	if c.Limits.SetupPerMinute < 0 {
		return errors.New("limits.setup_per_minute cannot be negative")
	}
	if c.Limits.ToolRate < 0 {
		return errors.New("limits.tool_rate cannot be negative")
	}
	if c.Limits.MaxCallDuration.Duration < 0 {
		return errors.New("limits.max_call_duration cannot be negative")
	}
	return nil
}

// FileReader reads files. Abstracted so config loading is testable.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path comes from operator input
}

// ConfigLoader loads service configuration from a file through the safe
// YAML parser.
type ConfigLoader struct {
	fileReader FileReader
	yamlParser *security.SafeYAMLParser
}

// NewConfigLoader creates a config loader with default security limits.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(security.DefaultYAMLLimits()),
	}
}

// LoadConfig reads, defaults and validates a service configuration.
func (cl *ConfigLoader) LoadConfig(path string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := cl.yamlParser.UnmarshalYAML(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadConfig loads the service configuration from a YAML file on disk.
func LoadConfig(path string) (*Config, error) {
	return NewConfigLoader(&OSFileReader{}).LoadConfig(path)
}

// DefaultConfig returns the configuration an empty file would produce.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// BuildProvider constructs the configured LLM provider wrapped with
// stream instrumentation.
func BuildProvider(cfg ProviderConfig) (provider.Provider, error) {
	p, err := provider.New(cfg.Name, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
	}
	return provider.WrapProvider(p), nil
}

// BuildAssetLoader constructs the configured profile source.
func BuildAssetLoader(ctx context.Context, cfg AssetsConfig) (assets.Loader, error) {
	switch cfg.Source {
	case "file":
		return assets.NewFileLoader(cfg.Dir)
	case "firestore":
		return assets.NewFirestoreLoader(ctx, assets.FirestoreConfig{
			ProjectID:       cfg.ProjectID,
			Collection:      cfg.Collection,
			CredentialsFile: cfg.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown assets.source %q", cfg.Source)
	}
}

// BuildParamStore constructs the configured origination parameter stash.
func BuildParamStore(cfg CacheConfig) (callparams.Store, error) {
	switch cfg.Backend {
	case "memory":
		return callparams.NewMemoryStore(), nil
	case "redis":
		return callparams.NewRedisStore(callparams.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown cache.backend %q", cfg.Backend)
	}
}

// BuildTelephonyClient constructs the configured call-control client.
func BuildTelephonyClient(cfg TelephonyConfig) (telephony.Client, error) {
	if cfg.DryRun {
		return telephony.NewDryRunClient(), nil
	}
	return telephony.NewRESTClient(cfg.AccountSID, cfg.AuthToken, cfg.BaseURL)
}

// buildToolConfig wires the shared tool rate limiter and timeout budget
// every session's router runs under.
func buildToolConfig(cfg LimitsConfig) tools.RouterConfig {
	rc := tools.RouterConfig{
		Timeouts: security.NewTimeoutManager(tools.DefaultToolTimeout),
	}
	if cfg.ToolRate > 0 {
		burst := int(cfg.ToolRate)
		if burst < 1 {
			burst = 1
		}
		limiter := security.NewToolRateLimiter()
		for _, name := range tools.Default().Names() {
			limiter.SetToolLimit(name, cfg.ToolRate, burst)
		}
		rc.RateLimiter = limiter
	}
	return rc
}

// Run starts the relay and ops servers and blocks until ctx is canceled
// or a listener fails. On shutdown it stops accepting calls, ends the
// active sessions and drains both servers within shutdownGrace.
func Run(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("crelay: nil config")
	}

	if cfg.Observability.Enabled {
		if cfg.Observability.OTLPEndpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
			// InitFromEnv reads the endpoint from the environment only.
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observability.OTLPEndpoint)
		}
		if err := observability.InitFromEnv(); err != nil {
			log.Printf("[Crelay] tracing disabled: %v", err)
		}
	}
	observability.InitLangfuse()
	metrics.InitMetrics()

	llm, err := BuildProvider(cfg.Provider)
	if err != nil {
		return err
	}

	loader, err := BuildAssetLoader(ctx, cfg.Assets)
	if err != nil {
		return fmt.Errorf("assets: %w", err)
	}

	params, err := BuildParamStore(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer params.Close()

	phone, err := BuildTelephonyClient(cfg.Telephony)
	if err != nil {
		return fmt.Errorf("telephony: %w", err)
	}

	registry := session.NewRegistry(cfg.Limits.MaxSessions, cfg.Limits.MaxCallDuration.Duration)
	registry.StartReaper()

	relaySrv, err := relay.NewServer(relay.Config{
		WSPath:          cfg.Server.WSPath,
		CallPath:        cfg.Server.CallPath,
		Provider:        llm,
		Model:           cfg.Provider.Model,
		Temperature:     cfg.Provider.Temperature,
		MaxTokens:       cfg.Provider.MaxTokens,
		Assets:          loader,
		DefaultProfile:  cfg.Assets.DefaultProfile,
		Registry:        registry,
		Telephony:       phone,
		Params:          params,
		CallerID:        cfg.Telephony.CallerID,
		AnswerURL:       cfg.Telephony.AnswerURL,
		ParamsTTL:       cfg.Cache.TTL.Duration,
		Language:        cfg.Defaults.Language,
		TTSLanguage:     cfg.Defaults.TTSLanguage,
		Interruptible:   cfg.interruptible(),
		SetupsPerMinute: cfg.Limits.SetupPerMinute,
		Tools:           buildToolConfig(cfg.Limits),
	})
	if err != nil {
		return err
	}

	health := metrics.NewHealthChecker(Version)
	health.RegisterCheck(metrics.ProfileSourceCheck(func(ctx context.Context) error {
		_, err := loader.Load(ctx, cfg.Assets.DefaultProfile)
		return err
	}))
	if pinger, ok := params.(interface{ Ping(context.Context) error }); ok {
		health.RegisterCheck(metrics.CacheCheck(pinger.Ping))
	}

	ops := metrics.NewServer(metrics.ServerConfig{
		Addr:     cfg.Ops.Addr,
		GRPCAddr: cfg.Ops.GRPCAddr,
		Health:   health,
		Admin:    registry,
	})

	gateway := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           relaySrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("[Crelay] %s listening on %s (ws %s, calls %s), provider %s model %s",
			Version, cfg.Server.Addr, cfg.Server.WSPath, cfg.Server.CallPath,
			cfg.Provider.Name, cfg.Provider.Model)
		if err := gateway.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := ops.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Printf("[Crelay] shutting down")

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		// New connections first, then live calls, then the ops surface
		// so probes see the drain.
		if err := gateway.Shutdown(stopCtx); err != nil {
			log.Printf("[Crelay] gateway shutdown: %v", err)
		}
		registry.Close(stopCtx)
		if err := ops.Shutdown(stopCtx); err != nil {
			log.Printf("[Crelay] ops shutdown: %v", err)
		}
		if err := observability.Shutdown(stopCtx); err != nil {
			log.Printf("[Crelay] tracing shutdown: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// RunFromFile loads the configuration at path and runs the service.
func RunFromFile(ctx context.Context, path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return Run(ctx, cfg)
}
