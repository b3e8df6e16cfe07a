package tools

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/deshartman/crelay-payments-sub000/internal/llm/provider"
	"github.com/deshartman/crelay-payments-sub000/pkg/assets"
	metrics "github.com/deshartman/crelay-payments-sub000/pkg/observability"
	"github.com/deshartman/crelay-payments-sub000/pkg/security"
)

// DefaultToolTimeout bounds a single handler execution unless the
// timeout manager says otherwise.
const DefaultToolTimeout = 10 * time.Second

// RouterConfig carries the throttling knobs shared across a process.
// Nil fields fall back to unthrottled execution with the default
// timeout.
type RouterConfig struct {
	RateLimiter *security.ToolRateLimiter
	Timeouts    *security.TimeoutManager
}

type boundTool struct {
	name        string
	description string
	class       DeliveryClass
	schema      Schema
	handler     Handler
}

// Router executes tool calls for one session. It is built once at
// setup (and rebuilt on profile reload) from the profile's tool
// manifest.
type Router struct {
	tools    map[string]*boundTool
	order    []string
	limiter  *security.ToolRateLimiter
	timeouts *security.TimeoutManager
}

// NewRouter binds the profile's tool entries against the registry.
// Unknown names and invalid overrides are logged and skipped rather
// than failing the session.
func NewRouter(reg *Registry, configs []assets.ToolConfig, deps Deps, config RouterConfig) *Router {
	router := &Router{
		tools:    make(map[string]*boundTool, len(configs)),
		limiter:  config.RateLimiter,
		timeouts: config.Timeouts,
	}
	if router.timeouts == nil {
		router.timeouts = security.NewTimeoutManager(DefaultToolTimeout)
	}

	for _, tc := range configs {
		def, ok := reg.Lookup(tc.Name)
		if !ok {
			log.Printf("[Tools] unknown tool %q in profile, skipping", tc.Name)
			continue
		}
		if _, dup := router.tools[tc.Name]; dup {
			log.Printf("[Tools] duplicate tool %q in profile, skipping", tc.Name)
			continue
		}

		bound := &boundTool{
			name:        def.Name,
			description: def.Description,
			class:       def.Class,
			schema:      def.Schema,
		}

		if tc.Description != "" {
			bound.description = tc.Description
		}
		if class, err := ParseDeliveryClass(tc.DeliveryClass); err != nil {
			log.Printf("[Tools] tool %q: %v, keeping %q", tc.Name, err, def.Class)
		} else if class != "" {
			bound.class = class
		}
		if len(tc.Parameters) > 0 {
			schema, err := parseSchema(tc.Parameters)
			if err != nil {
				log.Printf("[Tools] tool %q: invalid parameters override: %v, keeping defaults", tc.Name, err)
			} else {
				bound.schema = schema
			}
		}

		toolDeps := deps
		toolDeps.Settings = tc.Settings
		bound.handler = def.Factory(toolDeps)

		router.tools[tc.Name] = bound
		router.order = append(router.order, tc.Name)
	}

	return router
}

// Has reports whether the router can execute name.
func (r *Router) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns the bound tool names in manifest order.
func (r *Router) Names() []string {
	return append([]string(nil), r.order...)
}

// Manifest renders the bound tools for the provider request.
func (r *Router) Manifest() []provider.Tool {
	manifest := make([]provider.Tool, 0, len(r.order))
	for _, name := range r.order {
		bound := r.tools[name]
		manifest = append(manifest, provider.Tool{
			Name:        bound.name,
			Description: bound.description,
			Parameters:  bound.schema.JSONSchema(),
		})
	}
	return manifest
}

// Execute runs one tool call. It never returns nil: every failure
// (unknown tool, bad arguments, rate limit, handler error) comes back
// as an unsuccessful result the caller folds into the conversation, so
// a misbehaving model hears about the failure instead of stalling the
// call.
func (r *Router) Execute(ctx context.Context, name string, rawArgs json.RawMessage) *Result {
	start := time.Now()

	bound, ok := r.tools[name]
	if !ok {
		return r.failed(name, start, "unknown tool: "+name)
	}

	args := Args{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return r.failed(name, start, "invalid arguments: "+err.Error())
		}
	}

	if err := bound.schema.ValidateArgs(args); err != nil {
		return r.failed(name, start, "invalid arguments: "+err.Error())
	}

	if r.limiter != nil && !r.limiter.Allow(name) {
		return r.failed(name, start, "rate limit exceeded for "+name)
	}

	execCtx, cancel := r.timeouts.WithTimeout(ctx, name)
	defer cancel()

	result, err := bound.handler(execCtx, args)
	if err != nil {
		return r.failed(name, start, err.Error())
	}
	if result == nil {
		result = &Result{Success: true}
	}

	result.Class = bound.class
	metrics.RecordToolExecution(name, time.Since(start), result.Success)
	return result
}

func (r *Router) failed(name string, start time.Time, message string) *Result {
	log.Printf("[Tools] %s failed: %s", name, message)
	metrics.RecordToolExecution(name, time.Since(start), false)
	return &Result{
		Success: false,
		Message: message,
		Class:   DeliveryNone,
	}
}
