package turn

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/tools"
)

// ErrNoActiveTurn is returned by CancelTurn when the turn is already
// inactive. State is left unchanged in that case.
var ErrNoActiveTurn = errors.New("no active turn")

const cancelledMessage = "User cancelled the execution"

// Catalog resolves tool names to descriptors. *tools.Registry satisfies it.
type Catalog interface {
	Descriptor(name string) (tools.Descriptor, bool)
	LLMTools() []llm.Tool
}

// Config parameterizes an engine.
type Config struct {
	System     string
	Autonomous bool
	Catalog    Catalog
}

// Engine is the per-track turn reducer. Callers must serialize access; the
// track runtime invokes it from its mailbox goroutine only.
type Engine struct {
	cfg Config

	turn    Turn
	entries []Entry

	nextEntryID ident.EntryID
	nextPos     int

	// Invocations created since the last StartLLM emission. Guards the
	// continuation rule against a follow-up stream that requested nothing.
	roundCalls int

	blocks map[int]*blockBuf
}

type blockBuf struct {
	kind string
	text strings.Builder
}

// NewEngine returns an idle engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg: cfg,
		turn: Turn{
			Status:         StatusIdle,
			Invocations:    make(map[ident.EntryID]*ToolInvocation),
			CommandToEntry: make(map[ident.CommandID]ident.EntryID),
		},
		nextEntryID: 1,
		blocks:      make(map[int]*blockBuf),
	}
}

// SetAutonomous toggles auto-approval for future tool calls.
func (e *Engine) SetAutonomous(on bool) { e.cfg.Autonomous = on }

// Autonomous reports whether tool calls are auto-approved.
func (e *Engine) Autonomous() bool { return e.cfg.Autonomous }

// Snapshot returns a copy of the current turn record.
func (e *Engine) Snapshot() Turn { return e.turn.snapshot() }

// Entries returns the chat timeline.
func (e *Engine) Entries() []Entry {
	out := make([]Entry, len(e.entries))
	copy(out, e.entries)
	return out
}

// StartOptions tunes a single StartTurn call.
type StartOptions struct {
	// System replaces the engine's system prompt from this turn onward
	// when non-empty.
	System string
}

// StartTurn begins a new turn with the given user message. Fails with
// invalid_status while a turn is still in flight.
func (e *Engine) StartTurn(userText, model string, opts StartOptions) (Delta, error) {
	if e.turn.Status.Active() {
		return Delta{}, fault.Newf(fault.InvalidStatus, "turn is %s", e.turn.Status)
	}
	if opts.System != "" {
		e.cfg.System = opts.System
	}

	e.turn.Status = StatusPending
	e.turn.TurnID = uuid.NewString()
	e.turn.Model = model
	e.turn.StopReason = ""
	e.turn.LLMActive = true
	e.turn.Invocations = make(map[ident.EntryID]*ToolInvocation)
	e.turn.CommandToEntry = make(map[ident.CommandID]ident.EntryID)
	e.roundCalls = 0
	e.blocks = make(map[int]*blockBuf)

	entry := e.appendEntry(Entry{Role: llm.RoleUser, Kind: EntryText, Content: userText})

	// Built after the user entry exists so the first prompt is never
	// omitted from the request.
	req := e.buildRequest()
	actions := []Action{
		CreateTurn{TurnID: e.turn.TurnID, Model: model},
		PersistMessage{Entry: entry},
		StartLLM{Params: func() llm.Request { return req }},
		BroadcastChatState{},
	}
	return e.delta([]Entry{entry}, actions), nil
}

// OnEvent feeds one LLM stream event into the reducer. Events arriving
// after the stream link was severed (cancellation) are dropped.
func (e *Engine) OnEvent(evt llm.Event) Delta {
	if !e.turn.LLMActive {
		return e.delta(nil, nil)
	}

	switch ev := evt.(type) {
	case llm.Started:
		e.turn.Status = StatusStreaming
		return e.delta(nil, []Action{UpdateTurnStatus{Status: StatusStreaming}, BroadcastChatState{}})

	case llm.BlockStart:
		e.blocks[ev.Index] = &blockBuf{kind: ev.Kind}
		return e.delta(nil, nil)

	case llm.Delta:
		if b := e.blocks[ev.Index]; b != nil {
			b.text.WriteString(ev.Text)
		}
		return e.delta(nil, []Action{BroadcastChatState{}})

	case llm.BlockStop:
		b := e.blocks[ev.Index]
		delete(e.blocks, ev.Index)
		if b == nil || b.kind != llm.BlockText || b.text.Len() == 0 {
			return e.delta(nil, nil)
		}
		entry := e.appendEntry(Entry{Role: llm.RoleAssistant, Kind: EntryText, Content: b.text.String()})
		return e.delta([]Entry{entry}, []Action{PersistMessage{Entry: entry}})

	case llm.ToolCall:
		return e.onToolCall(ev)

	case llm.Complete:
		e.turn.LLMActive = false
		e.turn.StopReason = ev.StopReason
		if ev.CacheContext != "" {
			e.turn.LastCacheContext = ev.CacheContext
		}
		return e.delta(nil, []Action{Reconcile{}})

	case llm.Error:
		e.turn.Status = StatusError
		e.turn.LLMActive = false
		return e.delta(nil, []Action{UpdateTurnStatus{Status: StatusError}, BroadcastChatState{}})
	}
	return e.delta(nil, nil)
}

func (e *Engine) onToolCall(ev llm.ToolCall) Delta {
	entry := e.appendEntry(Entry{
		Role:      llm.RoleAssistant,
		Kind:      EntryToolCall,
		CallID:    ev.CallID,
		ToolName:  ev.Name,
		Arguments: ev.Arguments,
	})

	status := InvocationPending
	mutex := ""
	if desc, ok := e.lookup(ev.Name); ok {
		mutex = desc.Mutex
		if !desc.ApprovalRequired {
			status = InvocationApproved
		}
	}
	if e.cfg.Autonomous {
		status = InvocationApproved
	}

	e.turn.Invocations[entry.EntryID] = &ToolInvocation{
		EntryID:   entry.EntryID,
		CallID:    ev.CallID,
		Name:      ev.Name,
		Arguments: ev.Arguments,
		Mutex:     mutex,
		Status:    status,
		StartedAt: time.Now().UTC(),
	}
	e.roundCalls++

	actions := []Action{
		PersistMessage{Entry: entry},
		UpdateToolStatus{EntryID: entry.EntryID, Status: status},
	}
	return e.delta([]Entry{entry}, actions)
}

// OnToolMessage applies an execution manager message. Messages addressing
// a settled invocation keep the timeline record but never rewrite the
// status; on a cancelled turn the result is recorded and nothing further
// is driven.
func (e *Engine) OnToolMessage(msg ToolMessage) Delta {
	entryID := msg.EntryID
	if msg.Kind == ToolCommandDone {
		id, ok := e.turn.CommandToEntry[msg.CommandID]
		if !ok {
			return e.delta(nil, nil)
		}
		entryID = id
	}
	inv, ok := e.turn.Invocations[entryID]
	if !ok {
		return e.delta(nil, nil)
	}

	switch msg.Kind {
	case ToolExecuting:
		if inv.Status != InvocationApproved {
			return e.delta(nil, nil)
		}
		inv.Status = InvocationExecuting
		return e.delta(nil, []Action{UpdateToolStatus{EntryID: inv.EntryID, Status: InvocationExecuting}})

	case ToolAsync:
		if inv.Status.Terminal() {
			return e.delta(nil, nil)
		}
		inv.CommandID = msg.CommandID
		e.turn.CommandToEntry[msg.CommandID] = inv.EntryID
		return e.delta(nil, []Action{UpdateToolStatus{
			EntryID:   inv.EntryID,
			Status:    inv.Status,
			CommandID: msg.CommandID,
		}})
	}

	var status InvocationStatus
	var result string
	switch msg.Kind {
	case ToolSucceeded:
		status, result = InvocationSuccess, msg.Value
	case ToolFailed:
		status, result = InvocationError, msg.Err
	case ToolTimedOut:
		status, result = InvocationTimeout, fault.Message(fault.Timeout)
	case ToolCommandDone:
		delete(e.turn.CommandToEntry, msg.CommandID)
		if msg.Err != "" {
			status, result = InvocationError, msg.Err
		} else {
			status, result = InvocationSuccess, msg.Value
			if msg.ExitCode != nil && *msg.ExitCode != 0 {
				result = fmt.Sprintf("%s\n[exit code %d]", msg.Value, *msg.ExitCode)
			}
		}
	default:
		return e.delta(nil, nil)
	}

	if inv.Status.Terminal() {
		if inv.Result == "" {
			inv.Result = result
		}
		return e.delta(nil, nil)
	}

	inv.Status = status
	inv.Result = result
	entry := e.appendEntry(Entry{Role: llm.RoleTool, Kind: EntryToolResult, CallID: inv.CallID, Content: result})
	actions := []Action{
		PersistMessage{Entry: entry},
		UpdateToolStatus{EntryID: inv.EntryID, Status: status, Result: result},
	}
	if e.turn.Status != StatusCancelled {
		actions = append(actions, Reconcile{})
	}
	return e.delta([]Entry{entry}, actions)
}

// Approve marks a pending invocation approved.
func (e *Engine) Approve(entryID ident.EntryID) (Delta, error) {
	inv, ok := e.turn.Invocations[entryID]
	if !ok {
		return Delta{}, fault.Newf(fault.NotFound, "no tool invocation for entry %d", entryID)
	}
	if inv.Status != InvocationPending {
		return Delta{}, fault.Newf(fault.InvalidStatus, "invocation is %s", inv.Status)
	}
	inv.Status = InvocationApproved
	actions := []Action{
		UpdateToolStatus{EntryID: entryID, Status: InvocationApproved},
		Reconcile{},
	}
	return e.delta(nil, actions), nil
}

// Deny marks a pending invocation denied. The reason becomes the result
// text the next LLM round sees.
func (e *Engine) Deny(entryID ident.EntryID, reason string) (Delta, error) {
	inv, ok := e.turn.Invocations[entryID]
	if !ok {
		return Delta{}, fault.Newf(fault.NotFound, "no tool invocation for entry %d", entryID)
	}
	if inv.Status != InvocationPending {
		return Delta{}, fault.Newf(fault.InvalidStatus, "invocation is %s", inv.Status)
	}
	if reason == "" {
		reason = "User denied the tool call"
	}
	inv.Status = InvocationDenied
	inv.Result = reason
	entry := e.appendEntry(Entry{Role: llm.RoleTool, Kind: EntryToolResult, CallID: inv.CallID, Content: reason})
	actions := []Action{
		PersistMessage{Entry: entry},
		UpdateToolStatus{EntryID: entryID, Status: InvocationDenied, Result: reason},
		Reconcile{},
	}
	return e.delta([]Entry{entry}, actions), nil
}

// CancelTurn aborts the active turn. Pending and approved invocations are
// marked cancelled; executing ones are left in place: their in-flight
// work is not aborted and the eventual completion is recorded without
// driving the turn any further.
func (e *Engine) CancelTurn() (Delta, error) {
	if !e.turn.Status.Active() {
		return Delta{}, ErrNoActiveTurn
	}
	e.turn.Status = StatusCancelled
	e.turn.LLMActive = false
	e.turn.CommandToEntry = make(map[ident.CommandID]ident.EntryID)

	var actions []Action
	var newEntries []Entry
	for _, inv := range e.sortedInvocations() {
		if inv.Status.Terminal() || inv.Status == InvocationExecuting {
			continue
		}
		inv.Status = InvocationCancelled
		inv.Result = cancelledMessage
		entry := e.appendEntry(Entry{Role: llm.RoleTool, Kind: EntryToolResult, CallID: inv.CallID, Content: cancelledMessage})
		newEntries = append(newEntries, entry)
		actions = append(actions,
			PersistMessage{Entry: entry},
			UpdateToolStatus{EntryID: inv.EntryID, Status: InvocationCancelled, Result: cancelledMessage},
		)
	}
	actions = append(actions, UpdateTurnStatus{Status: StatusCancelled}, BroadcastChatState{})
	return e.delta(newEntries, actions), nil
}

// Reconcile re-examines the turn and emits whatever the current state
// requires: the approval gate, tool dispatch respecting mutex exclusion,
// and the finish-or-continue decision once everything is terminal. On an
// inactive or cancelled turn it emits nothing.
func (e *Engine) Reconcile() Delta {
	return e.delta(nil, e.reconcile())
}

func (e *Engine) reconcile() []Action {
	if !e.turn.Status.Active() {
		return nil
	}
	if e.turn.LLMActive {
		// Dispatch waits until the stream's stop reason is known.
		return nil
	}

	var actions []Action

	// One executing invocation per sequential mutex group (the console is
	// single-threaded, memory must accumulate in order); every approved
	// invocation without a mutex starts concurrently. Approved work runs
	// even while siblings still await approval.
	busy := make(map[string]bool)
	for _, inv := range e.turn.Invocations {
		if inv.Status == InvocationExecuting && inv.Mutex != "" {
			busy[inv.Mutex] = true
		}
	}
	for _, inv := range e.sortedInvocations() {
		if inv.Status != InvocationApproved {
			continue
		}
		if inv.Mutex != "" {
			if busy[inv.Mutex] {
				continue
			}
			busy[inv.Mutex] = true
		}
		inv.Status = InvocationExecuting
		actions = append(actions,
			UpdateToolStatus{EntryID: inv.EntryID, Status: InvocationExecuting},
			e.dispatchAction(inv),
		)
	}

	if e.anyExecuting() {
		actions = append(actions, e.setStatus(StatusExecutingTools)...)
		return actions
	}
	for _, inv := range e.turn.Invocations {
		if inv.Status == InvocationPending {
			return append(actions, e.setStatus(StatusPendingApproval)...)
		}
	}

	// Everything is terminal: feed results back to the model, or finish
	// when it already said end_turn.
	if len(e.turn.Invocations) > 0 && e.turn.StopReason != llm.StopEndTurn && e.roundCalls > 0 {
		e.roundCalls = 0
		e.turn.LLMActive = true
		req := e.buildRequest()
		actions = append(actions, e.setStatus(StatusPending)...)
		actions = append(actions, StartLLM{Params: func() llm.Request { return req }})
		return actions
	}
	actions = append(actions, e.setStatus(StatusFinished)...)
	return actions
}

func (e *Engine) dispatchAction(inv *ToolInvocation) Action {
	switch inv.Name {
	case tools.ToolMetasploitConsole:
		text, _ := inv.Arguments["command"].(string)
		return SendMsfCommand{EntryID: inv.EntryID, Text: text}
	case tools.ToolBash:
		text, _ := inv.Arguments["command"].(string)
		return SendBashCommand{EntryID: inv.EntryID, Text: text}
	default:
		return ExecuteTool{EntryID: inv.EntryID, Name: inv.Name, Arguments: inv.Arguments}
	}
}

func (e *Engine) setStatus(s Status) []Action {
	if e.turn.Status == s {
		return nil
	}
	e.turn.Status = s
	return []Action{UpdateTurnStatus{Status: s}, BroadcastChatState{}}
}

func (e *Engine) anyExecuting() bool {
	for _, inv := range e.turn.Invocations {
		if inv.Status == InvocationExecuting {
			return true
		}
	}
	return false
}

func (e *Engine) sortedInvocations() []*ToolInvocation {
	out := make([]*ToolInvocation, 0, len(e.turn.Invocations))
	for _, inv := range e.turn.Invocations {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out
}

func (e *Engine) lookup(name string) (tools.Descriptor, bool) {
	if e.cfg.Catalog == nil {
		return tools.Descriptor{}, false
	}
	return e.cfg.Catalog.Descriptor(name)
}

func (e *Engine) appendEntry(en Entry) Entry {
	en.EntryID = e.nextEntryID
	e.nextEntryID++
	en.Position = e.nextPos
	e.nextPos++
	e.entries = append(e.entries, en)
	return en
}

func (e *Engine) buildRequest() llm.Request {
	msgs := make([]llm.Message, 0, len(e.entries))
	for _, en := range e.entries {
		switch en.Kind {
		case EntryText:
			msgs = append(msgs, llm.Message{Role: en.Role, Content: en.Content})
		case EntryToolCall:
			msgs = append(msgs, llm.Message{
				Role:      llm.RoleAssistant,
				CallID:    en.CallID,
				ToolName:  en.ToolName,
				Arguments: en.Arguments,
			})
		case EntryToolResult:
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, CallID: en.CallID, Content: en.Content})
		}
	}
	var toolList []llm.Tool
	if e.cfg.Catalog != nil {
		toolList = e.cfg.Catalog.LLMTools()
	}
	return llm.Request{
		Model:        e.turn.Model,
		System:       e.cfg.System,
		Messages:     msgs,
		Tools:        toolList,
		CacheContext: e.turn.LastCacheContext,
	}
}

func (e *Engine) delta(entries []Entry, actions []Action) Delta {
	return Delta{Turn: e.turn.snapshot(), NewEntries: entries, Actions: actions}
}
