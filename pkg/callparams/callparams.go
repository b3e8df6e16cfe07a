// Package callparams carries per-call parameters across the gap between
// call origination and the websocket that follows it. When an outbound
// call is placed over REST, the caller may attach a profile name and
// custom parameters; the gateway does not echo these on the websocket
// setup message, so they are stashed here keyed by call SID and consumed
// when the session for that call starts.
package callparams

import (
	"context"
	"errors"
	"time"
)

// Params is the payload stashed for a single call.
type Params struct {
	// Profile selects the conversation profile for the session.
	Profile string `json:"profile,omitempty"`
	// Parameters are merged into the session's custom parameters.
	Parameters map[string]string `json:"parameters,omitempty"`
}

var (
	// ErrNotFound is returned by Take when no parameters are stashed for
	// the call, or when they expired or were already consumed.
	ErrNotFound = errors.New("call parameters not found")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("callparams store is closed")
)

// Store stashes call parameters between origination and session start.
type Store interface {
	// Put stashes params under callSID. A non-positive ttl means the
	// entry never expires. Putting twice for the same call replaces the
	// earlier entry.
	Put(ctx context.Context, callSID string, params Params, ttl time.Duration) error
	// Take retrieves and removes the entry for callSID. Each entry can
	// be taken at most once.
	Take(ctx context.Context, callSID string) (Params, error)
	// Close releases resources held by the store.
	Close() error
}
