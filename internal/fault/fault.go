// Package fault defines the tagged error kinds surfaced by the lab engine.
// Every externally observable failure maps to one Kind with a fixed
// human-readable message, so callers can switch on the kind while operators
// and agents see consistent text.
package fault

import (
	"errors"
	"fmt"
)

// Kind tags a failure with its taxonomy entry.
type Kind string

// Engine kinds.
const (
	ContainerNotRunning  Kind = "container_not_running"
	ConsoleNotRegistered Kind = "console_not_registered"
	ConsoleOffline       Kind = "console_offline"
	ConsoleStarting      Kind = "console_starting"
	ConsoleBusy          Kind = "console_busy"
	ConsoleWriteFailed   Kind = "console_write_failed"
	ConsoleReadFailed    Kind = "console_read_failed"
	KeepaliveFailed      Kind = "keepalive_failed"
	SessionCreateFailed  Kind = "session_create_failed"
	AuthFailed           Kind = "auth_failed"
	PortNotMapped        Kind = "port_not_mapped"
	NoPortsAvailable     Kind = "no_ports_available"
	ExecFailed           Kind = "exec_failed"
	AdapterTransport     Kind = "adapter_transport_error"
	AdapterNotFound      Kind = "adapter_not_found"
)

// Tool-layer kinds.
const (
	UnknownTool      Kind = "unknown_tool"
	MissingParameter Kind = "missing_parameter"
	InvalidStatus    Kind = "invalid_status"
	NotFound         Kind = "not_found"
	Timeout          Kind = "timeout"
	ExecutionError   Kind = "execution_error"
)

var messages = map[Kind]string{
	ContainerNotRunning:  "Container is not running",
	ConsoleNotRegistered: "Console is not registered for this track",
	ConsoleOffline:       "Console is offline",
	ConsoleStarting:      "Console is still starting",
	ConsoleBusy:          "Console is busy processing a command",
	ConsoleWriteFailed:   "Writing to the console failed",
	ConsoleReadFailed:    "Reading from the console failed",
	KeepaliveFailed:      "Console keepalive failed",
	SessionCreateFailed:  "Creating the console session failed",
	AuthFailed:           "RPC authentication failed",
	PortNotMapped:        "RPC port is not mapped",
	NoPortsAvailable:     "No free ports available in the configured range",
	ExecFailed:           "Command execution in the container failed",
	AdapterTransport:     "Container runtime is unreachable",
	AdapterNotFound:      "Container not found",
	UnknownTool:          "Unknown tool",
	MissingParameter:     "Required parameter is missing",
	InvalidStatus:        "Operation is not valid in the current status",
	NotFound:             "Not found",
	Timeout:              "Execution timed out",
	ExecutionError:       "Tool execution failed",
}

// Message returns the human-readable text for a kind.
func Message(kind Kind) string {
	if msg, ok := messages[kind]; ok {
		return msg
	}
	return string(kind)
}

// Fault is a tagged error. Detail adds call-site context; Err preserves the
// underlying cause for errors.Is/As chains.
type Fault struct {
	Kind   Kind
	Detail string
	Err    error
}

// New creates a fault of the given kind.
func New(kind Kind, detail string) *Fault {
	return &Fault{Kind: kind, Detail: detail}
}

// Newf creates a fault with a formatted detail string.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind around an underlying error.
func Wrap(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := Message(f.Kind)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches any fault of the same kind, so
// errors.Is(err, fault.New(fault.AuthFailed, "")) works across wrapping.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if !errors.As(target, &other) {
		return false
	}
	return f.Kind == other.Kind
}

// KindOf extracts the kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// IsKind reports whether the error chain contains a fault of the given kind,
// at any wrapping depth.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Fault{Kind: kind})
}
