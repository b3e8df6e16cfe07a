// Package security holds the parsing and throttling guards the relay puts
// between untrusted input and itself: bounded YAML parsing for agent
// profiles and config, connection-level rate limiting, and per-tool
// execution limits.
package security

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits defines resource limits for YAML parsing
type YAMLLimits struct {
	MaxFileSize  int64 // Maximum input size in bytes (default: 1MB)
	MaxDepth     int   // Maximum nesting depth (default: 20)
	MaxNodes     int   // Maximum number of nodes (default: 10000)
	MaxKeyLength int   // Maximum key length in bytes (default: 1024)
	MaxValueSize int64 // Maximum value size in bytes (default: 256KB)
}

// DefaultYAMLLimits returns limits sized for agent profiles and service
// config, which are small files; anything near these numbers is hostile or
// broken.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1024 * 1024, // 1MB
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 1024,
		MaxValueSize: 256 * 1024, // 256KB
	}
}

// SafeYAMLParser provides YAML parsing with resource limits
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser creates a new YAML parser with the given limits
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// UnmarshalYAML safely unmarshals YAML data, validating structure limits
// before decoding into the target.
func (p *SafeYAMLParser) UnmarshalYAML(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML input size %d bytes exceeds maximum %d bytes", len(data), p.limits.MaxFileSize)
	}

	var rootNode yaml.Node
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&rootNode); err != nil {
		return fmt.Errorf("YAML parse error: %w", err)
	}

	validator := &yamlValidator{limits: p.limits}
	if err := validator.validateNode(&rootNode, 0); err != nil {
		return err
	}

	return yaml.Unmarshal(data, v)
}

// UnmarshalYAMLFromReader safely unmarshals YAML from a reader with size limits
func (p *SafeYAMLParser) UnmarshalYAMLFromReader(r io.Reader, v any) error {
	limitedReader := io.LimitedReader{
		R: r,
		N: p.limits.MaxFileSize + 1, // one extra byte to detect overflow
	}

	data, err := io.ReadAll(&limitedReader)
	if err != nil {
		return fmt.Errorf("failed to read YAML: %w", err)
	}

	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML input exceeds maximum size %d bytes", p.limits.MaxFileSize)
	}

	return p.UnmarshalYAML(data, v)
}

// yamlValidator walks the node tree enforcing structure limits
type yamlValidator struct {
	limits    YAMLLimits
	nodeCount int
}

func (v *yamlValidator) validateNode(node *yaml.Node, depth int) error {
	if depth > v.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, v.limits.MaxDepth)
	}

	v.nodeCount++
	if v.nodeCount > v.limits.MaxNodes {
		return fmt.Errorf("YAML node count %d exceeds maximum %d", v.nodeCount, v.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := v.validateNode(child, depth); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("invalid YAML mapping: odd number of elements")
		}

		for i := 0; i < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			valueNode := node.Content[i+1]

			if len(keyNode.Value) > v.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(keyNode.Value), v.limits.MaxKeyLength)
			}

			if err := v.validateNode(keyNode, depth+1); err != nil {
				return err
			}
			if err := v.validateNode(valueNode, depth+1); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := v.validateNode(child, depth+1); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		if int64(len(node.Value)) > v.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(node.Value), v.limits.MaxValueSize)
		}

	case yaml.AliasNode:
		// Anchor expansion is where YAML bombs live; the node budget above
		// still applies to the expansion target.
		if node.Alias != nil {
			if err := v.validateNode(node.Alias, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}
