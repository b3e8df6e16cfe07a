package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/deshartman/crelay-payments-sub000/internal/llm/provider"
	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
	"github.com/deshartman/crelay-payments-sub000/pkg/assets"
	metrics "github.com/deshartman/crelay-payments-sub000/pkg/observability"
)

func registryConfig(t *testing.T, sender *fakeSender) Config {
	t.Helper()
	return Config{
		Provider:     provider.NewMockProvider("mock"),
		Model:        "test-model",
		Router:       testRouter(t),
		Profile:      &assets.Profile{Name: "default"},
		Sender:       sender,
		TickInterval: time.Hour,
	}
}

func setupFor(callSID string) *protocol.SetupMessage {
	return &protocol.SetupMessage{CallSid: callSID, From: "+15550100", To: "+15550200"}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry(0, 0)
	sender := newFakeSender()

	s, err := r.Create(registryConfig(t, sender), setupFor("CA001"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})

	got, ok := r.Get("CA001")
	if !ok || got != s {
		t.Fatal("Get did not return the created session")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	infos := r.Sessions()
	if len(infos) != 1 || infos[0].CallSID != "CA001" || infos[0].Profile != "default" {
		t.Fatalf("Sessions() wrong: %+v", infos)
	}
}

func TestRegistry_DuplicateCallRejected(t *testing.T) {
	r := NewRegistry(0, 0)

	s, err := r.Create(registryConfig(t, newFakeSender()), setupFor("CA001"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})

	if _, err := r.Create(registryConfig(t, newFakeSender()), setupFor("CA001")); !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("duplicate Create = %v, want ErrDuplicateCall", err)
	}
}

func TestRegistry_CapacityEnforced(t *testing.T) {
	r := NewRegistry(1, 0)

	s, err := r.Create(registryConfig(t, newFakeSender()), setupFor("CA001"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := r.Create(registryConfig(t, newFakeSender()), setupFor("CA002")); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("over-capacity Create = %v, want ErrRegistryFull", err)
	}

	// Capacity frees up when a session closes.
	s.Close()
	<-s.Done()
	s2, err := r.Create(registryConfig(t, newFakeSender()), setupFor("CA002"))
	if err != nil {
		t.Fatalf("Create after close: %v", err)
	}
	t.Cleanup(func() {
		s2.Close()
		<-s2.Done()
	})
}

func TestRegistry_RemovesOnClose(t *testing.T) {
	r := NewRegistry(0, 0)

	cfg := registryConfig(t, newFakeSender())
	closed := make(chan string, 1)
	cfg.OnClose = func(_ *Session, reason string) { closed <- reason }

	s, err := r.Create(cfg, setupFor("CA001"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.Close()
	<-s.Done()

	if r.Count() != 0 {
		t.Fatalf("Count = %d after close, want 0", r.Count())
	}
	if _, ok := r.Get("CA001"); ok {
		t.Fatal("closed session still registered")
	}

	// The caller's own OnClose still ran, after deregistration.
	select {
	case reason := <-closed:
		if reason != "transport" {
			t.Fatalf("close reason %q, want transport", reason)
		}
	default:
		t.Fatal("wrapped OnClose never ran")
	}
}

func TestRegistry_EndSession(t *testing.T) {
	r := NewRegistry(0, 0)

	if err := r.EndSession("missing", "x"); !errors.Is(err, metrics.ErrSessionNotFound) {
		t.Fatalf("EndSession(missing) = %v, want ErrSessionNotFound", err)
	}

	sender := newFakeSender()
	s, err := r.Create(registryConfig(t, sender), setupFor("CA001"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.EndSession("CA001", "operator"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	end, ok := sender.next(t).(*protocol.EndMessage)
	if !ok || !strings.Contains(end.HandoffData, "operator") {
		t.Fatalf("expected operator end frame, got %#v", end)
	}
	<-s.Done()
	if r.Count() != 0 {
		t.Fatalf("ended session still registered")
	}
}

func TestRegistry_SetSessionSilence(t *testing.T) {
	r := NewRegistry(0, 0)

	if err := r.SetSessionSilence("missing", true); !errors.Is(err, metrics.ErrSessionNotFound) {
		t.Fatalf("SetSessionSilence(missing) = %v, want ErrSessionNotFound", err)
	}

	sender := newFakeSender()
	s, err := r.Create(registryConfig(t, sender), setupFor("CA001"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})

	if err := r.SetSessionSilence("CA001", true); err != nil {
		t.Fatalf("SetSessionSilence: %v", err)
	}
	sil, ok := sender.next(t).(*protocol.SilenceMessage)
	if !ok || !sil.Enabled {
		t.Fatalf("expected enable frame, got %#v", sil)
	}
}

func TestRegistry_ReapEndsExpiredSessions(t *testing.T) {
	r := NewRegistry(0, 50*time.Millisecond)

	oldSender := newFakeSender()
	old, err := r.Create(registryConfig(t, oldSender), setupFor("CA001"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	freshSender := newFakeSender()
	fresh, err := r.Create(registryConfig(t, freshSender), setupFor("CA002"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		fresh.Close()
		<-fresh.Done()
	})

	r.reap()

	end, ok := oldSender.next(t).(*protocol.EndMessage)
	if !ok || !strings.Contains(end.HandoffData, "max-duration") {
		t.Fatalf("expected max-duration end frame, got %#v", end)
	}
	<-old.Done()

	if fresh.State() != StateActive {
		t.Fatal("reaper ended a session inside its duration budget")
	}
	if frames := freshSender.all(); len(frames) != 0 {
		t.Fatalf("fresh session received frames: %#v", frames)
	}
}

func TestRegistry_StartReaperIdempotent(t *testing.T) {
	r := NewRegistry(0, time.Minute)

	r.StartReaper()
	if r.cron == nil {
		t.Fatal("reaper not started")
	}
	first := r.cron
	r.StartReaper()
	if r.cron != first {
		t.Fatal("second StartReaper replaced the scheduler")
	}

	r.Close(context.Background())
	if r.cron != nil {
		t.Fatal("Close did not stop the reaper")
	}

	// Without a duration cap the reaper never starts.
	unlimited := NewRegistry(0, 0)
	unlimited.StartReaper()
	if unlimited.cron != nil {
		t.Fatal("reaper started without a duration cap")
	}
}

func TestRegistry_CloseEndsEverything(t *testing.T) {
	r := NewRegistry(0, 0)

	senders := map[string]*fakeSender{
		"CA001": newFakeSender(),
		"CA002": newFakeSender(),
	}
	for sid, sender := range senders {
		if _, err := r.Create(registryConfig(t, sender), setupFor(sid)); err != nil {
			t.Fatalf("Create %s: %v", sid, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Close(ctx)

	for sid, sender := range senders {
		end, ok := sender.next(t).(*protocol.EndMessage)
		if !ok || !strings.Contains(end.HandoffData, "shutdown") {
			t.Fatalf("%s: expected shutdown end frame, got %#v", sid, end)
		}
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d after Close, want 0", r.Count())
	}
}
