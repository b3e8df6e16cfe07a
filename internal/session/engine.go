package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deshartman/crelay-payments-sub000/internal/llm/provider"
	"github.com/deshartman/crelay-payments-sub000/internal/observability"
	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
	"github.com/deshartman/crelay-payments-sub000/internal/tools"
)

// maxToolRounds caps model-tool-model cycles within one logical turn so a
// looping model cannot spin against the router forever.
const maxToolRounds = 8

// tokenEvent carries one text delta from the live model stream.
type tokenEvent struct {
	seq  uint64
	text string
}

// toolFrameEvent carries a gateway frame produced by a tool, tagged with
// the delivery class the session routes it by.
type toolFrameEvent struct {
	seq   uint64
	tool  string
	class tools.DeliveryClass
	frame protocol.Outbound
}

// roundEvent folds one completed tool round (the assistant entry that
// requested the calls plus every tool result) back into history.
type roundEvent struct {
	seq     uint64
	entries []provider.Message
}

// turnDoneEvent closes out a generation. text is the final round's
// content; on error it holds whatever streamed before the failure.
type turnDoneEvent struct {
	seq     uint64
	text    string
	err     error
	usage   *provider.Usage
	started time.Time
	rounds  int
}

// EngineConfig carries everything a conversation engine needs to drive
// generations for one session.
type EngineConfig struct {
	Provider     provider.Provider
	Router       *tools.Router
	Model        string
	Temperature  float64
	MaxTokens    int
	Instructions string
	ListenMode   bool
	CallSID      string
	Profile      string
}

// Engine owns the conversation history and runs streaming generations
// against the model provider. All methods except History are invoked
// from the session's event loop; each Generate launches one goroutine
// that reports back through emitted events, so at most one generation is
// ever in flight.
type Engine struct {
	provider provider.Provider
	router   *tools.Router

	model       string
	temperature float64
	maxTokens   int

	callSID string
	profile string

	instructions string
	listenMode   bool

	histMu  sync.Mutex
	history []provider.Message

	seq         uint64
	inFlight    bool
	interrupted bool
	cancel      context.CancelFunc
}

// NewEngine builds an engine with empty history.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		provider:     cfg.Provider,
		router:       cfg.Router,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		callSID:      cfg.CallSID,
		profile:      cfg.Profile,
		instructions: cfg.Instructions,
		listenMode:   cfg.ListenMode,
	}
}

// Generate appends the user-side entry, advances the generation
// sequence and launches the streaming turn. Events from superseded
// generations identify themselves by a stale seq.
func (e *Engine) Generate(parent context.Context, role, content string, emit func(any)) uint64 {
	e.appendHistory(provider.Message{Role: role, Content: content})

	e.seq++
	e.interrupted = false
	e.inFlight = true

	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel

	seq := e.seq
	messages := e.snapshot()
	manifest := e.router.Manifest()
	listen := e.listenMode

	go e.runTurn(ctx, seq, messages, manifest, listen, emit)
	return seq
}

// Interrupt flags the active generation and cancels its context. The
// turn goroutine still delivers its turnDoneEvent, which clears
// inFlight via finishTurn.
func (e *Engine) Interrupt() {
	if !e.inFlight {
		return
	}
	e.interrupted = true
	if e.cancel != nil {
		e.cancel()
	}
}

// finishTurn releases the turn's context once its done event arrives.
// Stale seqs are ignored.
func (e *Engine) finishTurn(seq uint64) {
	if seq != e.seq {
		return
	}
	e.inFlight = false
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// InFlight reports whether a generation is currently running.
func (e *Engine) InFlight() bool { return e.inFlight }

// Interrupted reports whether the current generation was interrupted.
func (e *Engine) Interrupted() bool { return e.interrupted }

// Seq returns the current generation sequence number.
func (e *Engine) Seq() uint64 { return e.seq }

// UpdateContext swaps instructions and listen mode; takes effect on the
// next generation.
func (e *Engine) UpdateContext(instructions string, listenMode bool) {
	e.instructions = instructions
	e.listenMode = listenMode
}

// UpdateTools swaps the tool router; takes effect on the next
// generation.
func (e *Engine) UpdateTools(router *tools.Router) {
	e.router = router
}

// AppendAssistant records the assistant's final (or truncated) text.
func (e *Engine) AppendAssistant(text string) {
	if text == "" {
		return
	}
	e.appendHistory(provider.Message{Role: provider.RoleAssistant, Content: text})
}

// RecordInterruption rewrites history so the assistant's last utterance
// matches what the caller actually heard before barging in. When the
// interrupted turn never landed in history (it was still streaming), the
// truncated utterance is appended instead.
func (e *Engine) RecordInterruption(utterance string) {
	if utterance == "" {
		return
	}
	e.histMu.Lock()
	defer e.histMu.Unlock()
	if n := len(e.history); n > 0 {
		last := &e.history[n-1]
		if last.Role == provider.RoleAssistant && len(last.ToolCalls) == 0 {
			last.Content = utterance
			return
		}
	}
	e.history = append(e.history, provider.Message{Role: provider.RoleAssistant, Content: utterance})
}

// appendEntries folds tool-round entries into history in order.
func (e *Engine) appendEntries(entries []provider.Message) {
	e.appendHistory(entries...)
}

func (e *Engine) appendHistory(msgs ...provider.Message) {
	e.histMu.Lock()
	e.history = append(e.history, msgs...)
	e.histMu.Unlock()
}

// History returns a copy of the conversation so far, without the system
// entry.
func (e *Engine) History() []provider.Message {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	out := make([]provider.Message, len(e.history))
	copy(out, e.history)
	return out
}

// snapshot assembles the full request transcript: instructions first,
// then every accumulated entry.
func (e *Engine) snapshot() []provider.Message {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	msgs := make([]provider.Message, 0, len(e.history)+1)
	if e.instructions != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: e.instructions})
	}
	return append(msgs, e.history...)
}

// runTurn drives one logical turn: stream a round, execute any tool
// calls, fold results, stream again, until the model answers without
// tools or the round cap trips.
func (e *Engine) runTurn(ctx context.Context, seq uint64, messages []provider.Message, manifest []provider.Tool, listen bool, emit func(any)) {
	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "session.generate",
		observability.SessionAttributes(e.callSID, e.callSID, e.profile))
	defer span.End()

	var turnUsage *provider.Usage

	for rounds := 1; rounds <= maxToolRounds; rounds++ {
		text, calls, usage, err := e.streamRound(ctx, seq, messages, manifest, listen, emit)
		turnUsage = mergeUsage(turnUsage, usage)
		if err != nil {
			span.RecordError(err)
			emit(turnDoneEvent{seq: seq, text: text, err: err, usage: turnUsage, started: started, rounds: rounds})
			return
		}
		if len(calls) == 0 {
			emit(turnDoneEvent{seq: seq, text: text, usage: turnUsage, started: started, rounds: rounds})
			return
		}

		assistant := provider.Message{Role: provider.RoleAssistant, Content: text, ToolCalls: calls}
		entries := make([]provider.Message, 0, len(calls)+1)
		entries = append(entries, assistant)
		messages = append(messages, assistant)

		for _, call := range calls {
			res := e.router.Execute(ctx, call.Function.Name, call.Function.Arguments)
			if res.Outgoing != nil {
				emit(toolFrameEvent{seq: seq, tool: call.Function.Name, class: res.Class, frame: res.Outgoing})
			}
			toolMsg := provider.Message{
				Role:       provider.RoleTool,
				Content:    res.Content(),
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			}
			entries = append(entries, toolMsg)
			messages = append(messages, toolMsg)
		}
		emit(roundEvent{seq: seq, entries: entries})

		if err := ctx.Err(); err != nil {
			emit(turnDoneEvent{seq: seq, err: err, usage: turnUsage, started: started, rounds: rounds})
			return
		}
	}

	err := fmt.Errorf("generation exceeded %d tool rounds", maxToolRounds)
	span.RecordError(err)
	emit(turnDoneEvent{seq: seq, err: err, usage: turnUsage, started: started, rounds: maxToolRounds})
}

// streamRound consumes one streaming call. Text deltas are emitted as
// they arrive unless listening; tool call fragments are assembled by
// index. The stream is done when a finish reason has been seen (some
// providers trail a usage-only chunk before EOF, so reads continue until
// the stream actually ends).
func (e *Engine) streamRound(ctx context.Context, seq uint64, messages []provider.Message, manifest []provider.Tool, listen bool, emit func(any)) (string, []provider.ToolCall, *provider.Usage, error) {
	req := provider.ChatRequest{
		Messages:    messages,
		Model:       e.model,
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		Tools:       manifest,
	}

	stream, err := e.provider.CreateStreaming(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}
	defer stream.Close()

	var (
		text    strings.Builder
		usage   *provider.Usage
		finish  string
		pending = map[int]*toolCallDraft{}
	)

	for {
		if err := ctx.Err(); err != nil {
			return text.String(), nil, usage, err
		}
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || finish != "" {
				break
			}
			return text.String(), nil, usage, err
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			if !listen {
				emit(tokenEvent{seq: seq, text: chunk.Delta})
			}
		}
		for _, d := range chunk.ToolCallDeltas {
			draft := pending[d.Index]
			if draft == nil {
				draft = &toolCallDraft{}
				pending[d.Index] = draft
			}
			if d.ID != "" {
				draft.id = d.ID
			}
			if d.FunctionName != "" {
				draft.name = d.FunctionName
			}
			draft.args.WriteString(d.ArgumentDelta)
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	return text.String(), assembleCalls(pending), usage, nil
}

type toolCallDraft struct {
	id   string
	name string
	args strings.Builder
}

// assembleCalls orders accumulated drafts by stream index and drops
// fragments that never received a function name.
func assembleCalls(pending map[int]*toolCallDraft) []provider.ToolCall {
	if len(pending) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(pending))
	for i := range pending {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	calls := make([]provider.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		d := pending[i]
		if d.name == "" {
			continue
		}
		args := d.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		calls = append(calls, provider.ToolCall{
			ID:   d.id,
			Type: "function",
			Function: provider.FunctionCall{
				Name:      d.name,
				Arguments: json.RawMessage(args),
			},
		})
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

func mergeUsage(total, round *provider.Usage) *provider.Usage {
	if round == nil {
		return total
	}
	if total == nil {
		u := *round
		return &u
	}
	total.PromptTokens += round.PromptTokens
	total.CompletionTokens += round.CompletionTokens
	total.TotalTokens += round.TotalTokens
	return total
}
