package session

import (
	"testing"
	"time"

	"github.com/deshartman/crelay-payments-sub000/pkg/assets"
)

func silenceConfig(threshold int, messages ...string) assets.SilenceConfig {
	return assets.SilenceConfig{Enabled: true, SecondsThreshold: threshold, Messages: messages}
}

func TestWatchdog_EscalatesThenEnds(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(silenceConfig(5, "Still there?", "Ending call now."), start)

	if action, _ := w.Tick(start.Add(4 * time.Second)); action != WatchdogIdle {
		t.Fatalf("expected idle before threshold, got %v", action)
	}

	action, msg := w.Tick(start.Add(5 * time.Second))
	if action != WatchdogRemind || msg != "Still there?" {
		t.Fatalf("expected reminder at threshold, got %v %q", action, msg)
	}

	// The reminder re-armed a full window.
	if action, _ := w.Tick(start.Add(9 * time.Second)); action != WatchdogIdle {
		t.Fatalf("expected idle inside re-armed window, got %v", action)
	}

	action, msg = w.Tick(start.Add(10 * time.Second))
	if action != WatchdogEnd || msg != "Ending call now." {
		t.Fatalf("expected end with final message, got %v %q", action, msg)
	}

	if action, _ := w.Tick(start.Add(15 * time.Second)); action != WatchdogIdle {
		t.Fatalf("watchdog must stay quiet after ending, got %v", action)
	}
}

func TestWatchdog_ResetRestoresEscalation(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(silenceConfig(5, "first", "second", "third"), start)

	if action, msg := w.Tick(start.Add(5 * time.Second)); action != WatchdogRemind || msg != "first" {
		t.Fatalf("expected first reminder, got %v %q", action, msg)
	}
	if action, msg := w.Tick(start.Add(10 * time.Second)); action != WatchdogRemind || msg != "second" {
		t.Fatalf("expected second reminder, got %v %q", action, msg)
	}

	w.Reset(start.Add(11 * time.Second))

	if action, _ := w.Tick(start.Add(15 * time.Second)); action != WatchdogIdle {
		t.Fatalf("expected idle after reset, got %v", action)
	}
	if action, msg := w.Tick(start.Add(16 * time.Second)); action != WatchdogRemind || msg != "first" {
		t.Fatalf("reset must restart the sequence, got %v %q", action, msg)
	}
}

func TestWatchdog_DisabledNeverFires(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(assets.SilenceConfig{Enabled: false, SecondsThreshold: 1, Messages: []string{"hello?"}}, start)

	if action, _ := w.Tick(start.Add(1 * time.Hour)); action != WatchdogIdle {
		t.Fatalf("disabled watchdog fired: %v", action)
	}
}

func TestWatchdog_NoMessagesEndsSilently(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(silenceConfig(5), start)

	action, msg := w.Tick(start.Add(5 * time.Second))
	if action != WatchdogEnd {
		t.Fatalf("expected end on first firing with no messages, got %v", action)
	}
	if msg != "" {
		t.Fatalf("expected no farewell message, got %q", msg)
	}
}

func TestWatchdog_SingleMessageAccompaniesEnd(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(silenceConfig(5, "Goodbye."), start)

	action, msg := w.Tick(start.Add(5 * time.Second))
	if action != WatchdogEnd || msg != "Goodbye." {
		t.Fatalf("expected end with farewell, got %v %q", action, msg)
	}
}

func TestWatchdog_DefaultThreshold(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(assets.SilenceConfig{Enabled: true, Messages: []string{"there?"}}, start)

	before := time.Duration(assets.DefaultSilenceThreshold)*time.Second - time.Millisecond
	if action, _ := w.Tick(start.Add(before)); action != WatchdogIdle {
		t.Fatalf("fired before default threshold: %v", action)
	}
	if action, _ := w.Tick(start.Add(time.Duration(assets.DefaultSilenceThreshold) * time.Second)); action == WatchdogIdle {
		t.Fatal("expected firing at default threshold")
	}
}

func TestWatchdog_SetEnabled(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(assets.SilenceConfig{Enabled: false, SecondsThreshold: 2, Messages: []string{"ping", "bye"}}, start)

	armed := start.Add(10 * time.Second)
	w.SetEnabled(true, armed)
	if !w.Enabled() {
		t.Fatal("watchdog should be armed")
	}

	if action, _ := w.Tick(armed.Add(1 * time.Second)); action != WatchdogIdle {
		t.Fatalf("fired inside fresh window, got %v", action)
	}
	if action, msg := w.Tick(armed.Add(2 * time.Second)); action != WatchdogRemind || msg != "ping" {
		t.Fatalf("expected reminder after arming, got %v %q", action, msg)
	}

	w.SetEnabled(false, armed.Add(3*time.Second))
	if action, _ := w.Tick(armed.Add(1 * time.Hour)); action != WatchdogIdle {
		t.Fatalf("disarmed watchdog fired: %v", action)
	}
}

func TestWatchdog_ConfigureRestartsEscalation(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(silenceConfig(5, "old one", "old two"), start)

	if action, _ := w.Tick(start.Add(5 * time.Second)); action != WatchdogRemind {
		t.Fatalf("expected reminder, got %v", action)
	}

	switched := start.Add(6 * time.Second)
	w.Configure(silenceConfig(2, "new one", "new two"), switched)

	if action, msg := w.Tick(switched.Add(2 * time.Second)); action != WatchdogRemind || msg != "new one" {
		t.Fatalf("expected restarted sequence with new messages, got %v %q", action, msg)
	}
}

func TestWatchdog_CleanupIdempotent(t *testing.T) {
	start := time.Now()
	w := NewWatchdog(silenceConfig(1, "hello?"), start)

	w.Cleanup()
	w.Cleanup()

	if action, _ := w.Tick(start.Add(1 * time.Hour)); action != WatchdogIdle {
		t.Fatalf("cleaned-up watchdog fired: %v", action)
	}

	// Post-cleanup mutations must be harmless no-ops.
	w.Reset(start.Add(2 * time.Hour))
	w.SetEnabled(true, start.Add(2*time.Hour))
	if w.Enabled() {
		t.Fatal("cleanup must be final")
	}
	if action, _ := w.Tick(start.Add(3 * time.Hour)); action != WatchdogIdle {
		t.Fatalf("cleaned-up watchdog re-armed: %v", action)
	}
}
