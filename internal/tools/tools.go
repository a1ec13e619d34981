// Package tools defines the tool descriptors the agent can invoke and the
// registry that resolves and validates them. Execution lives in the
// executor subpackage; this package is pure bookkeeping plus the built-in
// tool set.
package tools

import (
	"context"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/llm"
)

// Built-in tool names.
const (
	ToolMetasploitConsole = "metasploit_console"
	ToolBash              = "bash"
	ToolMemoryUpdate      = "memory_update"
	ToolMemoryRead        = "memory_read"
	ToolDBQuery           = "db_query"
)

// Mutex group keys. An empty Mutex means the tool runs without exclusion.
const (
	MutexConsole = "console"
	MutexMemory  = "memory"
)

// Descriptor describes one callable tool. Parameters is a JSON-schema
// document validated at registration time.
type Descriptor struct {
	Name             string
	Description      string
	Parameters       map[string]any
	ApprovalRequired bool
	TimeoutMS        *int
	Mutex            string
}

// LLMTool converts the descriptor to the provider-neutral shape.
func (d Descriptor) LLMTool() llm.Tool {
	return llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// Result is the synchronous outcome of a handler. Async results carry the
// command id whose completion arrives later as a command-result event.
type Result struct {
	Value     string
	Async     bool
	CommandID ident.CommandID
}

// MsfSender sends a command to the track's Metasploit console.
type MsfSender interface {
	SendMetasploitCommand(ctx context.Context, trackID ident.TrackID, text string) (ident.CommandID, error)
}

// ShellSender runs a shell command inside the track's container.
type ShellSender interface {
	SendBashCommand(ctx context.Context, trackID ident.TrackID, text string) (ident.CommandID, error)
}

// Memory is the track's working-memory document.
type Memory interface {
	UpdateSection(section, content string)
	Render() string
}

// Database answers read-only queries against the security database.
type Database interface {
	QueryTable(ctx context.Context, workspace, table string, limit int) (string, error)
}

// AwaitFunc blocks until the given async command has completed. The
// executor uses it to pace sequential mutex groups and to enforce
// descriptor timeouts on long-running commands.
type AwaitFunc func(ctx context.Context, commandID ident.CommandID) error

// ExecContext carries the identity of the calling track and the
// capabilities handlers may use. Capability fields are nil when the
// corresponding collaborator is not wired (handlers must check).
type ExecContext struct {
	WorkspaceID   ident.WorkspaceID
	WorkspaceSlug string
	ContainerID   ident.ContainerID
	TrackID       ident.TrackID

	Msf    MsfSender
	Shell  ShellSender
	Memory Memory
	DB     Database
	Await  AwaitFunc
}

// Handler executes one tool call. Arguments have already been validated
// against the descriptor schema.
type Handler func(ctx context.Context, ec ExecContext, args map[string]any) (Result, error)
