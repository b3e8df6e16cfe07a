// Package assets loads conversation profiles: the per-call bundle of
// system context, silence watchdog settings, and tool manifest that a
// session is configured from at setup and on mid-call reload.
package assets

import (
	"context"
	"fmt"
)

// Profile configures one conversation. The setup custom parameter
// "profile" selects which one a session runs with.
type Profile struct {
	Name    string `yaml:"name" firestore:"name"`
	Context string `yaml:"context" firestore:"context"`

	// ListenMode suppresses all synthesized speech for the session.
	// Tool invocations still run.
	ListenMode bool `yaml:"listenMode" firestore:"listenMode"`

	Silence SilenceConfig `yaml:"silence" firestore:"silence"`
	Tools   []ToolConfig  `yaml:"tools" firestore:"tools"`
}

// SilenceConfig drives the session watchdog.
type SilenceConfig struct {
	Enabled          bool     `yaml:"enabled" firestore:"enabled"`
	SecondsThreshold int      `yaml:"secondsThreshold" firestore:"secondsThreshold"`
	Messages         []string `yaml:"messages" firestore:"messages"`
}

// ToolConfig activates one tool for the profile. Description and
// DeliveryClass override the registered defaults when set; Settings are
// passed opaquely to the handler factory.
type ToolConfig struct {
	Name          string         `yaml:"name" firestore:"name"`
	Description   string         `yaml:"description,omitempty" firestore:"description"`
	Parameters    map[string]any `yaml:"parameters,omitempty" firestore:"parameters"`
	DeliveryClass string         `yaml:"deliveryClass,omitempty" firestore:"deliveryClass"`
	Settings      map[string]any `yaml:"settings,omitempty" firestore:"settings"`
}

// DefaultSilenceThreshold is applied when a profile enables the
// watchdog without naming a threshold.
const DefaultSilenceThreshold = 5

// Loader resolves a profile key to a profile.
type Loader interface {
	Load(ctx context.Context, key string) (*Profile, error)
}

// applyDefaults fills derivable fields after a load.
func applyDefaults(p *Profile, key string) {
	if p.Name == "" {
		p.Name = key
	}
	if p.Silence.Enabled && p.Silence.SecondsThreshold <= 0 {
		p.Silence.SecondsThreshold = DefaultSilenceThreshold
	}
}

// Validate rejects profiles a session cannot run with.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Silence.Enabled && p.Silence.SecondsThreshold <= 0 {
		return fmt.Errorf("profile %s: silence threshold must be positive when enabled", p.Name)
	}
	for i, tool := range p.Tools {
		if tool.Name == "" {
			return fmt.Errorf("profile %s: tool entry %d has no name", p.Name, i)
		}
	}
	return nil
}
