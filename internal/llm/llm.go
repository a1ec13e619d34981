// Package llm defines the boundary to the language-model provider. The
// engine only depends on these types; provider adapters live outside this
// repository and tests use scripted fakes.
package llm

import (
	"context"
	"errors"
)

// Message roles used when assembling a request.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stop reasons reported by Complete.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// Content block kinds reported by BlockStart.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// Message is one element of the conversation sent to the provider. Text
// messages carry Content; assistant tool calls carry CallID, ToolName and
// Arguments; tool results carry CallID and Content.
type Message struct {
	Role      string
	Content   string
	CallID    string
	ToolName  string
	Arguments map[string]any
}

// Tool describes a callable tool in provider-neutral terms. Parameters is a
// JSON-schema document.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a full prompt for one streaming completion. CacheContext is an
// opaque value returned by a previous Complete event; passing it back lets
// the provider reuse cached prefixes.
type Request struct {
	Model        string
	System       string
	Messages     []Message
	Tools        []Tool
	CacheContext string
}

// Event is the stream event union. Exactly one variant is delivered per
// channel receive; Complete or Error is always the final event.
type Event interface{ isEvent() }

// Started is the first event of a stream.
type Started struct {
	TurnID string
	Model  string
}

// BlockStart opens a content block at the given index.
type BlockStart struct {
	Index int
	Kind  string
}

// Delta appends text to an open block.
type Delta struct {
	Index int
	Text  string
}

// BlockStop closes a content block.
type BlockStop struct {
	Index int
}

// ToolCall reports a complete tool invocation request.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments map[string]any
}

// Complete terminates the stream normally.
type Complete struct {
	StopReason   string
	CacheContext string
}

// Error terminates the stream abnormally.
type Error struct {
	Err error
}

func (Started) isEvent()    {}
func (BlockStart) isEvent() {}
func (Delta) isEvent()      {}
func (BlockStop) isEvent()  {}
func (ToolCall) isEvent()   {}
func (Complete) isEvent()   {}
func (Error) isEvent()      {}

// CancelFunc aborts an in-flight stream. Safe to call more than once.
type CancelFunc func()

// Client streams completions. The returned channel is closed after the
// final event; CancelFunc severs the stream early.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Event, CancelFunc, error)
}

// Disabled returns a client whose streams fail immediately. Wired when the
// process runs without a provider, so a started turn settles in the error
// state instead of hanging.
func Disabled() Client { return disabledClient{} }

type disabledClient struct{}

func (disabledClient) Stream(ctx context.Context, req Request) (<-chan Event, CancelFunc, error) {
	return nil, nil, errors.New("no LLM provider configured")
}
