package session

import (
	"time"

	"github.com/deshartman/crelay-payments-sub000/pkg/assets"
)

// WatchdogAction is the outcome of one watchdog tick.
type WatchdogAction int

const (
	// WatchdogIdle means the tick decided nothing.
	WatchdogIdle WatchdogAction = iota
	// WatchdogRemind means a reminder message should be spoken.
	WatchdogRemind
	// WatchdogEnd means the call should be terminated as unresponsive.
	// The accompanying message, if any, is spoken before the end frame.
	WatchdogEnd
)

// Watchdog escalates through a configured reminder sequence while the
// caller stays silent, then signals termination. It is a pure state
// machine: the session loop drives it with Tick and it never touches the
// wire itself, so every transition is testable with a synthetic clock.
type Watchdog struct {
	enabled      bool
	threshold    time.Duration
	messages     []string
	lastActivity time.Time
	index        int
	running      bool
}

// NewWatchdog builds a watchdog from profile silence configuration. The
// watchdog exists even when cfg.Enabled is false so a silence-control
// tool can arm it mid-call.
func NewWatchdog(cfg assets.SilenceConfig, now time.Time) *Watchdog {
	threshold := time.Duration(cfg.SecondsThreshold) * time.Second
	if threshold <= 0 {
		threshold = time.Duration(assets.DefaultSilenceThreshold) * time.Second
	}
	return &Watchdog{
		enabled:      cfg.Enabled,
		threshold:    threshold,
		messages:     cfg.Messages,
		lastActivity: now,
		running:      true,
	}
}

// Tick advances the state machine. Each reminder re-arms a fresh full
// threshold window. The last configured message is not a plain reminder:
// it accompanies the end signal, so a sequence of N messages escalates
// through N-1 reminders and terminates on the Nth firing.
func (w *Watchdog) Tick(now time.Time) (WatchdogAction, string) {
	if !w.running || !w.enabled {
		return WatchdogIdle, ""
	}
	if now.Sub(w.lastActivity) < w.threshold {
		return WatchdogIdle, ""
	}

	if w.index < len(w.messages)-1 {
		msg := w.messages[w.index]
		w.index++
		w.lastActivity = now
		return WatchdogRemind, msg
	}

	var msg string
	if w.index < len(w.messages) {
		msg = w.messages[w.index]
		w.index++
	}
	w.enabled = false
	return WatchdogEnd, msg
}

// Reset restores the full escalation budget: timestamp to now and the
// message cursor back to the start. One qualifying exchange fully
// un-escalates the sequence.
func (w *Watchdog) Reset(now time.Time) {
	if !w.running {
		return
	}
	w.lastActivity = now
	w.index = 0
}

// SetEnabled arms or disarms silence detection. Arming starts a fresh
// window and escalation sequence.
func (w *Watchdog) SetEnabled(enabled bool, now time.Time) {
	if !w.running {
		return
	}
	w.enabled = enabled
	if enabled {
		w.lastActivity = now
		w.index = 0
	}
}

// Enabled reports whether silence detection is currently armed.
func (w *Watchdog) Enabled() bool {
	return w.running && w.enabled
}

// Configure replaces threshold and messages, used on mid-call profile
// switches. The escalation state restarts.
func (w *Watchdog) Configure(cfg assets.SilenceConfig, now time.Time) {
	if !w.running {
		return
	}
	threshold := time.Duration(cfg.SecondsThreshold) * time.Second
	if threshold <= 0 {
		threshold = time.Duration(assets.DefaultSilenceThreshold) * time.Second
	}
	w.threshold = threshold
	w.messages = cfg.Messages
	w.enabled = cfg.Enabled
	w.lastActivity = now
	w.index = 0
}

// Cleanup permanently stops the watchdog. Safe to call repeatedly and
// before the watchdog ever fired.
func (w *Watchdog) Cleanup() {
	w.running = false
	w.enabled = false
}
