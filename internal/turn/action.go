package turn

import (
	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/llm"
)

// Action is one effect descriptor produced by the engine. The sealed
// marker keeps the union closed; the track runtime switches over the
// variants and performs the I/O.
type Action interface{ isAction() }

// CreateTurn records the start of a new turn.
type CreateTurn struct {
	TurnID string
	Model  string
}

// PersistMessage stores a timeline entry.
type PersistMessage struct {
	Entry Entry
}

// UpdateTurnStatus records a turn status transition.
type UpdateTurnStatus struct {
	Status Status
}

// StartLLM asks the runtime to open a completion stream. Params is
// evaluated by the runtime after the preceding actions have been applied,
// so the request always contains the just-persisted messages.
type StartLLM struct {
	Params func() llm.Request
}

// SendMsfCommand dispatches a console tool invocation to the container
// actor.
type SendMsfCommand struct {
	EntryID ident.EntryID
	Text    string
}

// SendBashCommand dispatches a shell tool invocation to the container
// actor.
type SendBashCommand struct {
	EntryID ident.EntryID
	Text    string
}

// ExecuteTool routes a synchronous registry tool through the execution
// manager.
type ExecuteTool struct {
	EntryID   ident.EntryID
	Name      string
	Arguments map[string]any
}

// UpdateToolStatus records a tool invocation transition.
type UpdateToolStatus struct {
	EntryID   ident.EntryID
	Status    InvocationStatus
	Result    string
	CommandID ident.CommandID
}

// BroadcastChatState publishes the current chat state to subscribers.
type BroadcastChatState struct{}

// Reconcile asks the runtime to call Engine.Reconcile once the preceding
// actions are applied. Dispatch decisions always happen in that follow-up
// pass, after status changes have been made durable.
type Reconcile struct{}

func (CreateTurn) isAction()         {}
func (PersistMessage) isAction()     {}
func (UpdateTurnStatus) isAction()   {}
func (StartLLM) isAction()           {}
func (SendMsfCommand) isAction()     {}
func (SendBashCommand) isAction()    {}
func (ExecuteTool) isAction()        {}
func (UpdateToolStatus) isAction()   {}
func (BroadcastChatState) isAction() {}
func (Reconcile) isAction()          {}
