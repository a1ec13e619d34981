package turn

import "github.com/sarnowski/msfailab/internal/common/ident"

// ToolMessageKind tags a tool progress or completion message.
type ToolMessageKind string

const (
	// ToolExecuting reports that a worker picked the invocation up.
	ToolExecuting ToolMessageKind = "executing"
	// ToolAsync reports the command id of a long-running invocation.
	ToolAsync ToolMessageKind = "async"
	// ToolSucceeded carries the final value of a synchronous invocation.
	ToolSucceeded ToolMessageKind = "success"
	// ToolFailed carries the failure reason of an invocation.
	ToolFailed ToolMessageKind = "error"
	// ToolTimedOut reports that the execution manager gave up waiting.
	ToolTimedOut ToolMessageKind = "timeout"
	// ToolCommandDone is synthesized from a command-result event; the
	// engine resolves the entry through command_to_entry.
	ToolCommandDone ToolMessageKind = "command_done"
)

// ToolMessage is a message from the execution manager (or synthesized from
// bus events) feeding back into the reducer. EntryID addresses the
// invocation directly except for ToolCommandDone, which is addressed by
// CommandID.
type ToolMessage struct {
	Kind      ToolMessageKind
	EntryID   ident.EntryID
	CommandID ident.CommandID
	Value     string
	Err       string
	ExitCode  *int
}
