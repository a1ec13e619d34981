// Package events provides event types and utilities for the msfailab event system.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/sarnowski/msfailab/internal/common/ident"
)

// Event types for containers
const (
	ContainerStatusChanged = "container.status_changed"
)

// Event types for consoles
const (
	ConsoleUpdated = "console.updated"
)

// Event types for commands
const (
	CommandResult = "command.result"
)

// Event types for the security database
const (
	DatabaseUpdated = "database.updated"
)

// Event types for workspaces
const (
	WorkspaceChanged = "workspace.changed"
)

// Event types for chat state
const (
	ChatChanged = "chat.changed"
)

// Console statuses carried in ConsoleUpdatedData.
const (
	ConsoleStarting = "starting"
	ConsoleReady    = "ready"
	ConsoleBusy     = "busy"
	ConsoleOffline  = "offline"
)

// Command statuses carried in CommandResultData.
const (
	CommandRunning  = "running"
	CommandFinished = "finished"
	CommandError    = "error"
)

// ContainerStatusChangedData is the payload for ContainerStatusChanged events.
type ContainerStatusChangedData struct {
	ContainerID ident.ContainerID `json:"container_id"`
	WorkspaceID ident.WorkspaceID `json:"workspace_id"`
	Status      string            `json:"status"`
	Detail      string            `json:"detail,omitempty"`
}

// ConsoleUpdatedData is the payload for ConsoleUpdated events.
// Output carries only the delta since the previous event for the same
// command; subscribers accumulate.
type ConsoleUpdatedData struct {
	WorkspaceID ident.WorkspaceID `json:"workspace_id"`
	ContainerID ident.ContainerID `json:"container_id"`
	TrackID     ident.TrackID     `json:"track_id"`
	Status      string            `json:"status"`
	Output      string            `json:"output,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	CommandID   ident.CommandID   `json:"command_id,omitempty"`
	Command     string            `json:"command,omitempty"`
	// Permanent marks an offline event that will not be followed by a respawn.
	Permanent bool `json:"permanent,omitempty"`
}

// CommandResultData is the payload for CommandResult events.
type CommandResultData struct {
	WorkspaceID ident.WorkspaceID `json:"workspace_id"`
	ContainerID ident.ContainerID `json:"container_id"`
	TrackID     ident.TrackID     `json:"track_id"`
	CommandID   ident.CommandID   `json:"command_id"`
	Kind        string            `json:"kind"` // console or shell
	Status      string            `json:"status"`
	Output      string            `json:"output,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// DatabaseUpdatedData is the payload for DatabaseUpdated events.
// Changes maps a table name to the delta since the previous observation;
// Totals maps the same table names to current row counts.
type DatabaseUpdatedData struct {
	WorkspaceID ident.WorkspaceID `json:"workspace_id"`
	Changes     map[string]int64  `json:"changes"`
	Totals      map[string]int64  `json:"totals"`
}

// WorkspaceChangedData is the payload for WorkspaceChanged events.
type WorkspaceChangedData struct {
	WorkspaceID ident.WorkspaceID `json:"workspace_id"`
}

// ChatChangedData is the payload for ChatChanged events.
type ChatChangedData struct {
	WorkspaceID ident.WorkspaceID `json:"workspace_id"`
	TrackID     ident.TrackID     `json:"track_id"`
	TurnStatus  string            `json:"turn_status"`
}

// Subject builders for workspace-scoped events

func BuildWorkspaceSubject(id ident.WorkspaceID) string {
	return fmt.Sprintf("workspace.%d", id)
}

func BuildWorkspaceWildcardSubject() string {
	return "workspace.*"
}

// Subject builders for container-scoped events

func BuildContainerSubject(id ident.ContainerID) string {
	return fmt.Sprintf("container.%d", id)
}

func BuildContainerWildcardSubject() string {
	return "container.*"
}

// Subject builders for track-scoped events

func BuildTrackSubject(id ident.TrackID) string {
	return fmt.Sprintf("track.%d", id)
}

func BuildTrackWildcardSubject() string {
	return "track.*"
}

// BuildAllSubject matches every subject on the bus.
func BuildAllSubject() string {
	return ">"
}

// DecodeData converts an event payload into a typed target struct.
// In-process the payload is the original struct; across NATS it arrives as a
// generic map. The JSON round trip handles both.
func DecodeData(data interface{}, target interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}
