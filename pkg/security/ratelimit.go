package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps session setup per caller and overall. The transport
// consults it before upgrading a connection, keyed by remote address.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*rate.Limiter
	mu             sync.RWMutex

	// Configuration
	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		clientLimiters:    make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks both the global and the per-client limit
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}

	limiter := rl.getClientLimiter(clientID)
	return limiter.Allow()
}

// Wait blocks until a request can be made
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}

	limiter := rl.getClientLimiter(clientID)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}

	return nil
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.clientLimiters[clientID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.clientLimiters[clientID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.clientLimiters[clientID] = limiter
	return limiter
}

// ToolRateLimiter caps executions per tool name. A model stuck in a loop of
// send-dtmf or send-sms calls hits this before it hits the caller.
type ToolRateLimiter struct {
	toolLimiters map[string]*rate.Limiter
	mu           sync.RWMutex
}

// NewToolRateLimiter creates a new tool-specific rate limiter
func NewToolRateLimiter() *ToolRateLimiter {
	return &ToolRateLimiter{
		toolLimiters: make(map[string]*rate.Limiter),
	}
}

// SetToolLimit configures the rate limit for a specific tool
func (trl *ToolRateLimiter) SetToolLimit(toolName string, requestsPerSecond float64, burst int) {
	trl.mu.Lock()
	defer trl.mu.Unlock()
	trl.toolLimiters[toolName] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Allow checks if a tool execution should proceed. Tools without a
// configured limit are always allowed.
func (trl *ToolRateLimiter) Allow(toolName string) bool {
	trl.mu.RLock()
	limiter, exists := trl.toolLimiters[toolName]
	trl.mu.RUnlock()

	if !exists {
		return true
	}

	return limiter.Allow()
}

// Wait blocks until a tool execution can proceed
func (trl *ToolRateLimiter) Wait(ctx context.Context, toolName string) error {
	trl.mu.RLock()
	limiter, exists := trl.toolLimiters[toolName]
	trl.mu.RUnlock()

	if !exists {
		return nil
	}

	return limiter.Wait(ctx)
}

// TimeoutManager holds per-tool execution deadlines. A slow tool must not
// stall a live call, so every handler runs under WithTimeout.
type TimeoutManager struct {
	defaultTimeout time.Duration
	toolTimeouts   map[string]time.Duration
	mu             sync.RWMutex
}

// NewTimeoutManager creates a new timeout manager
func NewTimeoutManager(defaultTimeout time.Duration) *TimeoutManager {
	return &TimeoutManager{
		defaultTimeout: defaultTimeout,
		toolTimeouts:   make(map[string]time.Duration),
	}
}

// SetToolTimeout sets a specific timeout for a tool
func (tm *TimeoutManager) SetToolTimeout(toolName string, timeout time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.toolTimeouts[toolName] = timeout
}

// GetTimeout returns the timeout for a specific tool
func (tm *TimeoutManager) GetTimeout(toolName string) time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if timeout, exists := tm.toolTimeouts[toolName]; exists {
		return timeout
	}

	return tm.defaultTimeout
}

// WithTimeout creates a context with the appropriate timeout for a tool
func (tm *TimeoutManager) WithTimeout(ctx context.Context, toolName string) (context.Context, context.CancelFunc) {
	timeout := tm.GetTimeout(toolName)
	return context.WithTimeout(ctx, timeout)
}
