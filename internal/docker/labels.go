package docker

import (
	"strconv"

	"github.com/sarnowski/msfailab/internal/common/ident"
)

// Labels identifying containers managed by this backend. Endpoint resolution
// after a process restart relies on them exclusively; no database lookup is
// needed to re-adopt a running container.
const (
	LabelManaged       = "msfailab.managed"
	LabelContainerID   = "msfailab.container_id"
	LabelWorkspaceID   = "msfailab.workspace_id"
	LabelWorkspaceSlug = "msfailab.workspace_slug"
	LabelContainerSlug = "msfailab.container_slug"
	LabelRPCPort       = "msfailab.rpc_port"
)

// ManagedLabels builds the identifying label set for a managed container.
// The adapter adds the managed marker and RPC port on creation.
func ManagedLabels(containerID ident.ContainerID, workspaceID ident.WorkspaceID, workspaceSlug, containerSlug string) map[string]string {
	return map[string]string{
		LabelContainerID:   strconv.FormatInt(int64(containerID), 10),
		LabelWorkspaceID:   strconv.FormatInt(int64(workspaceID), 10),
		LabelWorkspaceSlug: workspaceSlug,
		LabelContainerSlug: containerSlug,
	}
}

// ManagedContainer describes one labeled container found in the runtime.
type ManagedContainer struct {
	DockerID string
	Name     string
	State    string // created, running, paused, restarting, removing, exited, dead
	Labels   map[string]string
}

// Running reports whether the runtime considers the container running.
func (m ManagedContainer) Running() bool {
	return m.State == "running"
}

// ContainerID parses the container record id label.
func (m ManagedContainer) ContainerID() (ident.ContainerID, bool) {
	raw, ok := m.Labels[LabelContainerID]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ident.ContainerID(id), true
}

// WorkspaceID parses the workspace record id label.
func (m ManagedContainer) WorkspaceID() (ident.WorkspaceID, bool) {
	raw, ok := m.Labels[LabelWorkspaceID]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ident.WorkspaceID(id), true
}

// WorkspaceSlug returns the workspace slug label.
func (m ManagedContainer) WorkspaceSlug() string {
	return m.Labels[LabelWorkspaceSlug]
}

// ContainerSlug returns the container slug label.
func (m ManagedContainer) ContainerSlug() string {
	return m.Labels[LabelContainerSlug]
}

// RPCPort parses the labeled RPC port.
func (m ManagedContainer) RPCPort() (int, bool) {
	raw, ok := m.Labels[LabelRPCPort]
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}
