// Package session implements the per-call conversation loop. Each live
// call gets one Session whose single goroutine serializes gateway frames,
// model stream events, watchdog ticks and admin commands, so session
// state never needs a lock on the hot path. The Engine owns history and
// streaming generations; the Watchdog escalates on caller silence; the
// Registry tracks every live session by call SID.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/deshartman/crelay-payments-sub000/internal/llm/provider"
	"github.com/deshartman/crelay-payments-sub000/internal/observability"
	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
	"github.com/deshartman/crelay-payments-sub000/internal/tools"
	"github.com/deshartman/crelay-payments-sub000/pkg/assets"
	metrics "github.com/deshartman/crelay-payments-sub000/pkg/observability"
)

// ErrSessionClosed is returned by session commands once the loop has
// shut down.
var ErrSessionClosed = errors.New("session closed")

// mailboxSize bounds how many events can queue ahead of the loop before
// producers block.
const mailboxSize = 256

// State is the session lifecycle phase.
type State int

const (
	// StateInit covers construction, before the setup frame is applied.
	StateInit State = iota
	// StateActive is normal conversation.
	StateActive
	// StateTerminating means an end frame went out and the loop is
	// draining.
	StateTerminating
	// StateClosed is final.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender delivers outbound frames to the gateway. The session calls it
// from its own goroutine only; implementations serialize writes
// themselves if they have other producers.
type Sender interface {
	Send(frame protocol.Outbound) error
}

// Config assembles a session's collaborators.
type Config struct {
	Provider    provider.Provider
	Model       string
	Temperature float64
	MaxTokens   int

	Router  *tools.Router
	Profile *assets.Profile
	Sender  Sender

	// Interruptible is stamped on every spoken text frame.
	Interruptible bool

	// TickInterval overrides the watchdog polling cadence. Zero means
	// one second.
	TickInterval time.Duration

	// OnClose runs exactly once from the session goroutine after the
	// loop exits.
	OnClose func(s *Session, reason string)

	// OnGenerationError is invoked once per failed generation. The
	// session itself stays open; nothing is spoken about the failure.
	OnGenerationError func(err error)
}

type queuedPrompt struct {
	role    string
	content string
}

type adminEnd struct{ reason string }

type adminSilence struct{ enabled bool }

type assetsUpdate struct {
	profile *assets.Profile
	router  *tools.Router
}

// Session is one live call. Fields below infoMu are shared with
// observers; everything else belongs to the run goroutine.
type Session struct {
	callSID   string
	startedAt time.Time

	sender            Sender
	interruptible     bool
	onClose           func(*Session, string)
	onGenerationError func(error)

	engine   *Engine
	watchdog *Watchdog

	ctx        context.Context
	cancelLoop context.CancelFunc
	mailbox    chan any
	done       chan struct{}
	tickEvery  time.Duration

	queue           []queuedPrompt
	pendingTerminal protocol.Outbound
	turnTokens      int
	lastUserInput   string
	closeReason     string

	infoMu      sync.Mutex
	state       State
	turns       int
	from        string
	to          string
	profileName string
}

// New builds a session from the gateway's setup frame and starts its
// loop. The setup is consumed here: a second setup frame arriving later
// on the wire is ignored.
func New(cfg Config, setup *protocol.SetupMessage) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("session: tool router is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("session: sender is required")
	}
	if cfg.Profile == nil {
		return nil, errors.New("session: profile is required")
	}
	if setup == nil || setup.CallSid == "" {
		return nil, errors.New("session: setup with callSid is required")
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = time.Second
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		callSID:           setup.CallSid,
		startedAt:         now,
		sender:            cfg.Sender,
		interruptible:     cfg.Interruptible,
		onClose:           cfg.OnClose,
		onGenerationError: cfg.OnGenerationError,
		ctx:               ctx,
		cancelLoop:        cancel,
		mailbox:           make(chan any, mailboxSize),
		done:              make(chan struct{}),
		tickEvery:         tick,
		state:             StateInit,
		from:              setup.From,
		to:                setup.To,
		profileName:       cfg.Profile.Name,
	}
	s.engine = NewEngine(EngineConfig{
		Provider:     cfg.Provider,
		Router:       cfg.Router,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Instructions: cfg.Profile.Context,
		ListenMode:   cfg.Profile.ListenMode,
		CallSID:      setup.CallSid,
		Profile:      cfg.Profile.Name,
	})
	s.watchdog = NewWatchdog(cfg.Profile.Silence, now)

	s.setState(StateActive)
	log.Printf("[Session %s] established: %s -> %s profile=%s direction=%s",
		s.callSID, setup.From, setup.To, cfg.Profile.Name, setup.Direction)

	go s.run()
	return s, nil
}

// ID returns the call SID the session is keyed by.
func (s *Session) ID() string { return s.callSID }

// HandleInbound hands one decoded gateway frame to the loop. It blocks
// until the frame is queued or the session is closing.
func (s *Session) HandleInbound(msg any) {
	select {
	case s.mailbox <- msg:
	case <-s.ctx.Done():
	}
}

// End asks the session to send an end frame and terminate. Delivery is
// asynchronous.
func (s *Session) End(reason string) error {
	if reason == "" {
		reason = "admin"
	}
	select {
	case s.mailbox <- adminEnd{reason: reason}:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// SetSilence arms or disarms the silence watchdog and forwards the
// matching control frame to the gateway.
func (s *Session) SetSilence(enabled bool) error {
	select {
	case s.mailbox <- adminSilence{enabled: enabled}:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// UpdateAssets swaps the profile (and optionally the tool router)
// mid-call. Takes effect from the next generation.
func (s *Session) UpdateAssets(profile *assets.Profile, router *tools.Router) error {
	if profile == nil {
		return errors.New("session: profile is required")
	}
	select {
	case s.mailbox <- assetsUpdate{profile: profile, router: router}:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// Close tears the session down without sending anything, for when the
// transport is already gone. Idempotent.
func (s *Session) Close() {
	s.cancelLoop()
}

// Done closes when the loop has fully exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// History returns a copy of the conversation so far.
func (s *Session) History() []provider.Message { return s.engine.History() }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.state
}

// Info snapshots the session for the ops surface.
func (s *Session) Info() metrics.SessionInfo {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return metrics.SessionInfo{
		ID:        s.callSID,
		CallSID:   s.callSID,
		From:      s.from,
		To:        s.to,
		Profile:   s.profileName,
		State:     s.state.String(),
		StartedAt: s.startedAt,
		Turns:     s.turns,
	}
}

func (s *Session) setState(state State) {
	s.infoMu.Lock()
	s.state = state
	s.infoMu.Unlock()
}

func (s *Session) currentState() State {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.state
}

func (s *Session) profile() string {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.profileName
}

// emit delivers an engine event to the loop without blocking past
// shutdown.
func (s *Session) emit(ev any) {
	select {
	case s.mailbox <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()
	defer s.finalize()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.mailbox:
			s.dispatch(ev)
		case now := <-ticker.C:
			s.handleTick(now)
		}
	}
}

// finalize runs exactly once when the loop exits.
func (s *Session) finalize() {
	s.watchdog.Cleanup()
	s.setState(StateClosed)

	reason := s.closeReason
	if reason == "" {
		reason = "transport"
	}
	duration := time.Since(s.startedAt)
	metrics.RecordSessionEnd(s.profile(), reason, duration)
	log.Printf("[Session %s] closed: reason=%s duration=%s turns=%d",
		s.callSID, reason, duration.Round(time.Millisecond), s.turnCount())

	if s.onClose != nil {
		s.onClose(s, reason)
	}
	close(s.done)
}

func (s *Session) dispatch(ev any) {
	switch ev := ev.(type) {
	case *protocol.SetupMessage:
		log.Printf("[Session %s] duplicate setup ignored", s.callSID)

	case *protocol.PromptMessage:
		s.watchdog.Reset(time.Now())
		s.startOrQueue(provider.RoleUser, ev.VoicePrompt)

	case *protocol.DTMFMessage:
		s.watchdog.Reset(time.Now())
		s.startOrQueue(provider.RoleUser, fmt.Sprintf("Caller pressed keypad digit %s.", ev.Digit))

	case *protocol.InterruptMessage:
		s.handleInterrupt(ev)

	case *protocol.InfoMessage:
		log.Printf("[Session %s] gateway info: %s", s.callSID, ev.Description)

	case *protocol.GatewayErrorMessage:
		log.Printf("[Session %s] gateway error: %s", s.callSID, ev.Description)

	case tokenEvent:
		s.handleToken(ev)

	case toolFrameEvent:
		s.handleToolFrame(ev)

	case roundEvent:
		if ev.seq == s.engine.Seq() {
			s.engine.appendEntries(ev.entries)
		}

	case turnDoneEvent:
		s.handleTurnDone(ev)

	case adminEnd:
		if s.currentState() != StateActive {
			return
		}
		log.Printf("[Session %s] ending call: %s", s.callSID, ev.reason)
		s.send(protocol.NewEndWithReason(ev.reason))
		s.beginTermination(ev.reason)

	case adminSilence:
		if s.currentState() != StateActive {
			return
		}
		s.watchdog.SetEnabled(ev.enabled, time.Now())
		s.send(protocol.NewSilence(ev.enabled))

	case assetsUpdate:
		s.applyAssets(ev)

	default:
		log.Printf("[Session %s] dropping unhandled event %T", s.callSID, ev)
	}
}

// startOrQueue begins a generation for one caller utterance, or queues
// it behind the one already in flight.
func (s *Session) startOrQueue(role, content string) {
	if s.currentState() != StateActive {
		return
	}
	if strings.TrimSpace(content) == "" {
		return
	}
	if s.engine.InFlight() {
		s.queue = append(s.queue, queuedPrompt{role: role, content: content})
		return
	}
	s.beginTurn(role, content)
}

func (s *Session) beginTurn(role, content string) {
	s.turnTokens = 0
	s.lastUserInput = content
	s.bumpTurns()
	s.engine.Generate(s.ctx, role, content, s.emit)
}

func (s *Session) startNextQueued() {
	if s.currentState() != StateActive || len(s.queue) == 0 {
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.beginTurn(next.role, next.content)
}

// handleInterrupt flags the in-flight generation, rewrites history to
// the utterance the caller actually heard, and discards any pending
// terminal frame. An interrupt is not caller input: only prompts and
// digits reset the silence window.
func (s *Session) handleInterrupt(ev *protocol.InterruptMessage) {
	if s.currentState() != StateActive {
		return
	}
	log.Printf("[Session %s] caller interrupted after %dms", s.callSID, ev.DurationUntilInterruptMs)
	s.engine.Interrupt()
	s.engine.RecordInterruption(ev.UtteranceUntilInterrupt)
	s.pendingTerminal = nil
}

func (s *Session) handleToken(ev tokenEvent) {
	if ev.seq != s.engine.Seq() || s.engine.Interrupted() {
		return
	}
	if s.currentState() != StateActive {
		return
	}
	s.send(protocol.NewText(ev.text, false, s.interruptible))
	s.turnTokens++
}

// handleToolFrame routes a tool-produced frame by its delivery class.
// Silence control frames additionally arm or disarm the local watchdog
// before going out.
func (s *Session) handleToolFrame(ev toolFrameEvent) {
	if ev.seq != s.engine.Seq() || s.currentState() != StateActive {
		return
	}
	if sil, ok := ev.frame.(*protocol.SilenceMessage); ok {
		s.watchdog.SetEnabled(sil.Enabled, time.Now())
	}

	switch ev.class {
	case tools.DeliveryImmediate:
		s.send(ev.frame)
	case tools.DeliveryDelayed:
		if s.pendingTerminal != nil {
			log.Printf("[Session %s] tool %s replaced pending terminal frame", s.callSID, ev.tool)
		}
		s.pendingTerminal = ev.frame
	case tools.DeliveryNone:
		// Result reaches the model through history only.
	default:
		log.Printf("[Session %s] tool %s produced frame with unknown class %q, dropping", s.callSID, ev.tool, ev.class)
	}
}

func (s *Session) handleTurnDone(ev turnDoneEvent) {
	if ev.seq != s.engine.Seq() {
		return
	}
	interrupted := s.engine.Interrupted()
	s.engine.finishTurn(ev.seq)

	switch {
	case interrupted:
		s.pendingTerminal = nil
		metrics.RecordGeneration("interrupted")
		log.Printf("[Session %s] generation %d interrupted", s.callSID, ev.seq)

	case ev.err != nil:
		metrics.RecordGeneration("error")
		log.Printf("[Session %s] generation %d failed: %v", s.callSID, ev.seq, ev.err)
		if s.onGenerationError != nil {
			s.onGenerationError(ev.err)
		}
		s.finishUtterance()
		s.flushPendingTerminal()

	default:
		s.engine.AppendAssistant(ev.text)
		metrics.RecordGeneration("ok")
		s.trackTurn(ev)
		s.finishUtterance()
		s.flushPendingTerminal()
	}

	s.startNextQueued()
}

// finishUtterance sends the terminal text marker that flushes gateway
// TTS. A turn that streamed no tokens (listen mode, pure tool turns)
// sends nothing.
func (s *Session) finishUtterance() {
	if s.turnTokens == 0 || s.currentState() != StateActive {
		return
	}
	s.send(protocol.NewText("", true, s.interruptible))
}

// flushPendingTerminal delivers the frame a delayed-class tool parked,
// now that the utterance is complete on the gateway side.
func (s *Session) flushPendingTerminal() {
	frame := s.pendingTerminal
	if frame == nil {
		return
	}
	s.pendingTerminal = nil
	if s.currentState() != StateActive {
		return
	}
	s.send(frame)
	if end, ok := frame.(*protocol.EndMessage); ok {
		s.beginTermination(endReason(end))
	}
}

// endReason extracts the reasonCode a tool put in the end frame's
// handoff payload.
func endReason(end *protocol.EndMessage) string {
	if end.HandoffData != "" {
		var payload struct {
			ReasonCode string `json:"reasonCode"`
		}
		if err := json.Unmarshal([]byte(end.HandoffData), &payload); err == nil && payload.ReasonCode != "" {
			return payload.ReasonCode
		}
	}
	return "tool"
}

func (s *Session) handleTick(now time.Time) {
	if s.currentState() != StateActive {
		return
	}
	action, msg := s.watchdog.Tick(now)
	switch action {
	case WatchdogRemind:
		metrics.RecordWatchdogFiring("message")
		log.Printf("[Session %s] silence reminder: %q", s.callSID, msg)
		s.send(protocol.NewText(msg, true, s.interruptible))

	case WatchdogEnd:
		metrics.RecordWatchdogFiring("end")
		log.Printf("[Session %s] caller unresponsive, ending call", s.callSID)
		if msg != "" {
			s.send(protocol.NewText(msg, true, s.interruptible))
		}
		s.send(protocol.NewEndWithReason("unresponsive"))
		s.beginTermination("unresponsive")
	}
}

// beginTermination transitions to TERMINATING and stops the loop. The
// end frame, when one applies, has already been sent.
func (s *Session) beginTermination(reason string) {
	state := s.currentState()
	if state == StateTerminating || state == StateClosed {
		return
	}
	s.setState(StateTerminating)
	s.closeReason = reason
	s.cancelLoop()
}

func (s *Session) applyAssets(u assetsUpdate) {
	s.engine.UpdateContext(u.profile.Context, u.profile.ListenMode)
	if u.router != nil {
		s.engine.UpdateTools(u.router)
	}
	s.watchdog.Configure(u.profile.Silence, time.Now())

	s.infoMu.Lock()
	s.profileName = u.profile.Name
	s.infoMu.Unlock()
	log.Printf("[Session %s] switched to profile %s", s.callSID, u.profile.Name)
}

func (s *Session) trackTurn(ev turnDoneEvent) {
	gen := observability.NewGeneration("conversation.turn", s.engine.model, ev.started).
		WithTraceID(s.callSID).
		WithInput(s.lastUserInput).
		WithOutput(ev.text).
		WithMetadata(map[string]any{
			"callSid": s.callSID,
			"profile": s.profile(),
			"rounds":  ev.rounds,
		})
	if ev.usage != nil {
		gen.WithUsage(ev.usage.PromptTokens, ev.usage.CompletionTokens)
	}
	observability.TrackTurn(gen.Finish())
}

// send writes one frame to the gateway. A dead transport tears the
// session down.
func (s *Session) send(frame protocol.Outbound) {
	if err := s.sender.Send(frame); err != nil {
		log.Printf("[Session %s] send %s failed: %v", s.callSID, frame.OutboundKind(), err)
		s.cancelLoop()
		return
	}
	metrics.RecordFrame("out", frame.OutboundKind())
}

func (s *Session) bumpTurns() {
	s.infoMu.Lock()
	s.turns++
	s.infoMu.Unlock()
}

func (s *Session) turnCount() int {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.turns
}
