// Package turn implements the per-track conversation state machine as a
// pure reducer. Every input mutates local state and returns a Delta of
// effect descriptors; the track runtime carries them out. The engine never
// blocks and never performs I/O, which is what makes the state machine
// property-testable in isolation.
package turn

import (
	"time"

	"github.com/sarnowski/msfailab/internal/common/ident"
)

// Status is the turn lifecycle state.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusPending         Status = "pending"
	StatusStreaming       Status = "streaming"
	StatusPendingApproval Status = "pending_approval"
	StatusExecutingTools  Status = "executing_tools"
	StatusFinished        Status = "finished"
	StatusError           Status = "error"
	StatusCancelled       Status = "cancelled"
)

// Active reports whether a turn is in flight.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusPendingApproval, StatusExecutingTools:
		return true
	}
	return false
}

// InvocationStatus is the tool invocation lifecycle state.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationApproved  InvocationStatus = "approved"
	InvocationDenied    InvocationStatus = "denied"
	InvocationExecuting InvocationStatus = "executing"
	InvocationSuccess   InvocationStatus = "success"
	InvocationError     InvocationStatus = "error"
	InvocationCancelled InvocationStatus = "cancelled"
	InvocationTimeout   InvocationStatus = "timeout"
)

// Terminal reports whether the status can never change again.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case InvocationSuccess, InvocationError, InvocationDenied, InvocationCancelled, InvocationTimeout:
		return true
	}
	return false
}

// ToolInvocation tracks one requested tool call through its lifecycle.
// Result carries the outcome text the next LLM round sees.
type ToolInvocation struct {
	EntryID   ident.EntryID
	CallID    string
	Name      string
	Arguments map[string]any
	Mutex     string
	Status    InvocationStatus
	CommandID ident.CommandID
	Result    string
	StartedAt time.Time
}

// Entry kinds on the chat timeline.
const (
	EntryText       = "text"
	EntryToolCall   = "tool_call"
	EntryToolResult = "tool_result"
)

// Entry is one element of the chat timeline. The engine allocates ids and
// positions; persistence is the runtime's job (PersistMessage action).
type Entry struct {
	EntryID   ident.EntryID
	Position  int
	Role      string
	Kind      string
	Content   string
	CallID    string
	ToolName  string
	Arguments map[string]any
}

// Turn is the per-track turn record. It is perpetually reused: StartTurn
// resets its fields, it is never replaced.
type Turn struct {
	Status           Status
	TurnID           string
	Model            string
	StopReason       string
	LLMActive        bool
	Invocations      map[ident.EntryID]*ToolInvocation
	CommandToEntry   map[ident.CommandID]ident.EntryID
	LastCacheContext string
}

func (t *Turn) snapshot() Turn {
	cp := *t
	cp.Invocations = make(map[ident.EntryID]*ToolInvocation, len(t.Invocations))
	for id, inv := range t.Invocations {
		c := *inv
		cp.Invocations[id] = &c
	}
	cp.CommandToEntry = make(map[ident.CommandID]ident.EntryID, len(t.CommandToEntry))
	for cid, eid := range t.CommandToEntry {
		cp.CommandToEntry[cid] = eid
	}
	return cp
}

// Delta is the reducer output: the post-reduction turn snapshot, timeline
// entries created by this input, and the effects the runtime must execute
// in order.
type Delta struct {
	Turn       Turn
	NewEntries []Entry
	Actions    []Action
}
