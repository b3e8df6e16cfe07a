// Package tools routes model-invoked tool calls: a process-wide registry
// of handler factories, and a per-session router built from the profile
// manifest that validates arguments, applies rate limits and timeouts,
// and stamps each result with its delivery class.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
	"github.com/deshartman/crelay-payments-sub000/internal/telephony"
)

// DeliveryClass says when a tool's outgoing frame may be written.
type DeliveryClass string

const (
	// DeliveryImmediate frames go out as soon as the tool returns.
	DeliveryImmediate DeliveryClass = "immediate"
	// DeliveryDelayed frames are buffered until the generation's final
	// token has been written.
	DeliveryDelayed DeliveryClass = "delayed"
	// DeliveryNone tools produce no outgoing frame.
	DeliveryNone DeliveryClass = "none"
)

// ParseDeliveryClass maps a profile string onto a delivery class.
// Empty input is not an error; it means "use the registered default".
func ParseDeliveryClass(s string) (DeliveryClass, error) {
	switch DeliveryClass(s) {
	case DeliveryImmediate, DeliveryDelayed, DeliveryNone:
		return DeliveryClass(s), nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown delivery class: %q", s)
	}
}

// Args provides type-safe access to tool arguments
type Args map[string]any

// String returns a string argument
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer argument
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// Float returns a float argument
func (a Args) Float(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0.0
}

// Bool returns a boolean argument
func (a Args) Bool(key string) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return false
}

// BoolOr returns a boolean argument, or def when absent
func (a Args) BoolOr(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

// Map returns a map argument
func (a Args) Map(key string) map[string]any {
	if v, ok := a[key].(map[string]any); ok {
		return v
	}
	return nil
}

// Result is what a tool execution produced. Class is stamped by the
// router from the tool's binding, never by the handler.
type Result struct {
	Success  bool
	Message  string
	Outgoing protocol.Outbound
	Class    DeliveryClass
}

// Content renders the result as the tool-role message fed back to the
// model.
func (r *Result) Content() string {
	payload := struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{Success: r.Success, Message: r.Message}

	b, err := json.Marshal(payload)
	if err != nil {
		return `{"success":false,"message":"internal encoding error"}`
	}
	return string(b)
}

// Handler executes one tool call with validated arguments.
type Handler func(ctx context.Context, args Args) (*Result, error)

// Factory binds a handler to its per-session dependencies.
type Factory func(deps Deps) Handler

// CallInfo identifies the call a session is serving.
type CallInfo struct {
	CallSID string
	From    string
	To      string
}

// Deps are the per-session dependencies a factory closes over.
// Settings holds the profile's opaque per-tool settings block.
type Deps struct {
	Call      CallInfo
	Telephony telephony.Client
	Settings  map[string]any
}

// Definition registers one tool: its manifest entry plus the factory
// that produces the session handler.
type Definition struct {
	Name        string
	Description string
	Class       DeliveryClass
	Schema      Schema
	Factory     Factory
}

// Registry holds tool definitions by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition, overwriting any previous one of the same
// name.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// Register adds a definition to the default registry.
func Register(def Definition) {
	defaultRegistry.Register(def)
}

// Default returns the process-wide registry the built-ins register
// into.
func Default() *Registry {
	return defaultRegistry
}
