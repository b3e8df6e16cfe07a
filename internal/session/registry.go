package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
	metrics "github.com/deshartman/crelay-payments-sub000/pkg/observability"
)

var (
	// ErrRegistryFull means the configured session cap is reached.
	ErrRegistryFull = errors.New("session capacity reached")
	// ErrDuplicateCall means a session already exists for the call SID.
	ErrDuplicateCall = errors.New("session already exists for call")
)

// minReapInterval floors how often the reaper sweeps.
const minReapInterval = 30 * time.Second

// Registry tracks every live session by call SID and enforces the
// session cap and maximum call duration. It implements the ops server's
// session admin surface.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	maxDuration time.Duration
	cron        *cron.Cron
}

// NewRegistry builds a registry. maxSessions of zero means unlimited;
// maxDuration of zero disables the reaper.
func NewRegistry(maxSessions int, maxDuration time.Duration) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		maxDuration: maxDuration,
	}
}

// Create registers and starts a session for the call. The session
// deregisters itself when its loop exits, before any caller-supplied
// OnClose runs.
func (r *Registry) Create(cfg Config, setup *protocol.SetupMessage) (*Session, error) {
	if setup == nil || setup.CallSid == "" {
		return nil, errors.New("registry: setup with callSid is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, ErrRegistryFull
	}
	if _, exists := r.sessions[setup.CallSid]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, setup.CallSid)
	}

	parentClose := cfg.OnClose
	cfg.OnClose = func(s *Session, reason string) {
		r.remove(s.ID())
		if parentClose != nil {
			parentClose(s, reason)
		}
	}

	s, err := New(cfg, setup)
	if err != nil {
		return nil, err
	}
	r.sessions[setup.CallSid] = s

	metrics.RecordSessionStart(cfg.Profile.Name)
	metrics.SetActiveSessions(len(r.sessions))
	return s, nil
}

// Get returns the live session for a call SID.
func (r *Registry) Get(callSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callSID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions snapshots every live session for the ops surface.
func (r *Registry) Sessions() []metrics.SessionInfo {
	live := r.snapshot()
	infos := make([]metrics.SessionInfo, 0, len(live))
	for _, s := range live {
		infos = append(infos, s.Info())
	}
	return infos
}

// EndSession asks one session to end its call. Delivery is async.
func (r *Registry) EndSession(id, reason string) error {
	s, ok := r.Get(id)
	if !ok {
		return metrics.ErrSessionNotFound
	}
	if err := s.End(reason); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return metrics.ErrSessionNotFound
		}
		return err
	}
	return nil
}

// SetSessionSilence toggles one session's silence watchdog.
func (r *Registry) SetSessionSilence(id string, enabled bool) error {
	s, ok := r.Get(id)
	if !ok {
		return metrics.ErrSessionNotFound
	}
	if err := s.SetSilence(enabled); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return metrics.ErrSessionNotFound
		}
		return err
	}
	return nil
}

// StartReaper begins periodic sweeps for calls that exceeded the
// duration cap. No-op when the cap is unset or the reaper already runs.
func (r *Registry) StartReaper() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxDuration <= 0 || r.cron != nil {
		return
	}

	interval := r.maxDuration / 6
	if interval < minReapInterval {
		interval = minReapInterval
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), r.reap); err != nil {
		log.Printf("[Registry] reaper schedule failed: %v", err)
		return
	}
	c.Start()
	r.cron = c
	log.Printf("[Registry] reaper sweeping every %s, max call duration %s", interval, r.maxDuration)
}

// reap ends every session that has outlived the duration cap.
func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.maxDuration)
	for _, s := range r.snapshot() {
		if s.startedAt.Before(cutoff) {
			log.Printf("[Registry] reaping session %s after %s", s.ID(), r.maxDuration)
			metrics.RecordSessionReaped()
			_ = s.End("max-duration")
		}
	}
}

// Close stops the reaper, ends every live session and waits for their
// loops to exit or the context to expire.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	r.mu.Unlock()

	live := r.snapshot()
	for _, s := range live {
		_ = s.End("shutdown")
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) remove(callSID string) {
	r.mu.Lock()
	delete(r.sessions, callSID)
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.SetActiveSessions(n)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
