// Package lab owns the fleet of managed containers. The manager is the
// process-wide registry of container actors keyed by record id; each actor
// supervises one Docker container and its consoles. The manager also owns
// the RPC port space and re-adopts labeled containers left over from a
// previous process.
package lab

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/lab/console"
	"github.com/sarnowski/msfailab/internal/lab/container"
	"github.com/sarnowski/msfailab/internal/lab/ports"
)

// Runtime is the container-runtime surface the manager needs: the actor
// slice plus listing for reconciliation. *docker.Client implements it.
type Runtime interface {
	container.Runtime
	ListManaged(ctx context.Context) ([]docker.ManagedContainer, error)
}

// Deps bundles the manager's collaborators. RPC and Recorder are passed
// through to every spawned actor.
type Deps struct {
	Runtime  Runtime
	RPC      container.RPC
	Bus      bus.EventBus
	Recorder console.Recorder
	Logger   *logger.Logger
}

// Settings carries the configuration slices the actors and the port
// allocator are built from.
type Settings struct {
	Docker    config.DockerConfig
	Container config.ContainerConfig
	Console   config.ConsoleConfig
	Msgrpc    config.MsgrpcConfig
}

// Spec identifies one container record to ensure.
type Spec struct {
	ContainerID   ident.ContainerID
	WorkspaceID   ident.WorkspaceID
	WorkspaceSlug string
	ContainerSlug string
}

// Manager registers container actors and reconciles them against the
// runtime's labeled containers.
type Manager struct {
	ctx      context.Context
	deps     Deps
	settings Settings
	alloc    *portAllocator
	logger   *logger.Logger

	mu         sync.Mutex
	containers map[ident.ContainerID]*container.Actor
	workspaces map[ident.WorkspaceID]string
}

// NewManager creates an empty manager. Actors spawned later inherit ctx as
// their lifetime.
func NewManager(ctx context.Context, deps Deps, settings Settings) *Manager {
	return &Manager{
		ctx:      ctx,
		deps:     deps,
		settings: settings,
		alloc: newPortAllocator(
			settings.Docker.PortRangeStart,
			settings.Docker.PortRangeEnd,
			ports.ListenProbe,
		),
		logger:     deps.Logger.WithFields(zap.String("component", "lab-manager")),
		containers: make(map[ident.ContainerID]*container.Actor),
		workspaces: make(map[ident.WorkspaceID]string),
	}
}

// EnsureContainer returns the actor for the given record, spawning it in the
// offline state when absent. Starting the container is a separate step.
func (m *Manager) EnsureContainer(ctx context.Context, spec Spec) (*container.Actor, error) {
	if err := ident.ValidateSlug(spec.WorkspaceSlug); err != nil {
		return nil, fmt.Errorf("invalid workspace slug: %w", err)
	}
	if err := ident.ValidateSlug(spec.ContainerSlug); err != nil {
		return nil, fmt.Errorf("invalid container slug: %w", err)
	}

	m.mu.Lock()
	if actor, ok := m.containers[spec.ContainerID]; ok {
		m.mu.Unlock()
		return actor, nil
	}
	actor := m.spawnLocked(container.Identity{
		ContainerID:   spec.ContainerID,
		WorkspaceID:   spec.WorkspaceID,
		WorkspaceSlug: spec.WorkspaceSlug,
		ContainerSlug: spec.ContainerSlug,
	})
	m.mu.Unlock()

	m.logger.Info("Container actor created",
		zap.Int64("container_id", int64(spec.ContainerID)),
		zap.String("workspace_slug", spec.WorkspaceSlug),
		zap.String("container_slug", spec.ContainerSlug))
	m.publishWorkspaceChanged(ctx, spec.WorkspaceID)
	return actor, nil
}

// spawnLocked creates and registers an actor. Callers hold m.mu.
func (m *Manager) spawnLocked(id container.Identity) *container.Actor {
	actor := container.Spawn(m.ctx, id, container.Deps{
		Runtime:   m.deps.Runtime,
		RPC:       m.deps.RPC,
		Bus:       m.deps.Bus,
		Recorder:  m.deps.Recorder,
		Allocator: m.alloc,
		Logger:    m.deps.Logger,
	}, container.Settings{
		Supervision: m.settings.Container,
		Console:     m.settings.Console,
		Msgrpc:      m.settings.Msgrpc,
		NamePrefix:  m.settings.Docker.NamePrefix,
	})
	m.containers[id.ContainerID] = actor
	m.workspaces[id.WorkspaceID] = id.WorkspaceSlug
	return actor
}

// StartContainer creates and starts a fresh Docker container for the record.
func (m *Manager) StartContainer(ctx context.Context, id ident.ContainerID) error {
	actor, ok := m.Container(id)
	if !ok {
		return fault.Newf(fault.NotFound, "no container actor for container %d", id)
	}
	return actor.StartNew(ctx)
}

// StopContainer stops the record's Docker container. The actor stays
// registered and can be started again.
func (m *Manager) StopContainer(ctx context.Context, id ident.ContainerID) error {
	actor, ok := m.Container(id)
	if !ok {
		return fault.Newf(fault.NotFound, "no container actor for container %d", id)
	}
	return actor.Stop(ctx)
}

// Remove stops the record's Docker container and drops the actor.
func (m *Manager) Remove(ctx context.Context, id ident.ContainerID) error {
	m.mu.Lock()
	actor, ok := m.containers[id]
	if ok {
		delete(m.containers, id)
	}
	m.mu.Unlock()
	if !ok {
		return fault.Newf(fault.NotFound, "no container actor for container %d", id)
	}

	if err := actor.Stop(ctx); err != nil {
		m.logger.Warn("Failed to stop container during removal",
			zap.Int64("container_id", int64(id)),
			zap.Error(err))
	}
	actor.Shutdown()
	m.publishWorkspaceChanged(ctx, actor.Identity().WorkspaceID)
	return nil
}

// Container returns the actor for the record if it exists.
func (m *Manager) Container(id ident.ContainerID) (*container.Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.containers[id]
	return actor, ok
}

// Containers returns every registered actor.
func (m *Manager) Containers() []*container.Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*container.Actor, 0, len(m.containers))
	for _, actor := range m.containers {
		out = append(out, actor)
	}
	return out
}

// Workspaces returns the known workspace ids and their slugs. The security
// database watcher polls this set.
func (m *Manager) Workspaces() map[ident.WorkspaceID]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ident.WorkspaceID]string, len(m.workspaces))
	for id, slug := range m.workspaces {
		out[id] = slug
	}
	return out
}

// Reconcile lists the runtime's labeled containers and adopts the running
// ones: their identity is rebuilt from labels, their labeled RPC port is
// reserved, and the actor authenticates against the already-running daemon.
// Containers that are not running are left alone; starting their record
// fresh later force-removes the stale Docker container by name. Safe to call
// again, records already registered as running are skipped.
func (m *Manager) Reconcile(ctx context.Context) error {
	found, err := m.deps.Runtime.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("failed to list managed containers: %w", err)
	}

	adopted := 0
	for _, mc := range found {
		if !mc.Running() {
			m.logger.Info("Skipping stopped managed container",
				zap.String("docker_id", mc.DockerID),
				zap.String("name", mc.Name),
				zap.String("state", mc.State))
			continue
		}
		if m.adoptOne(ctx, mc) {
			adopted++
		}
	}

	m.logger.Info("Reconciled managed containers",
		zap.Int("found", len(found)),
		zap.Int("adopted", adopted))
	return nil
}

func (m *Manager) adoptOne(ctx context.Context, mc docker.ManagedContainer) bool {
	id, ok := mc.ContainerID()
	if !ok {
		m.logger.Warn("Managed container has no usable record id label, leaving it",
			zap.String("docker_id", mc.DockerID),
			zap.String("name", mc.Name))
		return false
	}
	workspaceID, ok := mc.WorkspaceID()
	if !ok {
		m.logger.Warn("Managed container has no usable workspace id label, leaving it",
			zap.String("docker_id", mc.DockerID),
			zap.String("name", mc.Name))
		return false
	}
	port, ok := mc.RPCPort()
	if !ok {
		m.logger.Warn("Managed container has no usable RPC port label, leaving it",
			zap.String("docker_id", mc.DockerID),
			zap.String("name", mc.Name))
		return false
	}

	m.mu.Lock()
	actor, exists := m.containers[id]
	if !exists {
		actor = m.spawnLocked(container.Identity{
			ContainerID:   id,
			WorkspaceID:   workspaceID,
			WorkspaceSlug: mc.WorkspaceSlug(),
			ContainerSlug: mc.ContainerSlug(),
		})
	}
	m.mu.Unlock()

	if exists && actor.Status(ctx) == container.StatusRunning {
		return false
	}

	// The adopted container occupies its labeled port for as long as it
	// runs; the actor releases it on stop like a fresh allocation.
	m.alloc.Reserve(port)

	if err := actor.AdoptDockerContainer(ctx, mc.DockerID, port); err != nil {
		m.logger.Warn("Failed to adopt running container, actor stays offline",
			zap.Int64("container_id", int64(id)),
			zap.String("docker_id", mc.DockerID),
			zap.Error(err))
		m.alloc.ReleasePort(port)
		return false
	}

	m.logger.Info("Adopted running container",
		zap.Int64("container_id", int64(id)),
		zap.String("docker_id", mc.DockerID),
		zap.Int("rpc_port", port))
	m.publishWorkspaceChanged(ctx, workspaceID)
	return true
}

// StopAll shuts every actor down without stopping the Docker containers;
// the next process adopts them back via Reconcile. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	actors := make([]*container.Actor, 0, len(m.containers))
	for _, actor := range m.containers {
		actors = append(actors, actor)
	}
	m.containers = make(map[ident.ContainerID]*container.Actor)
	m.mu.Unlock()

	for _, actor := range actors {
		actor.Shutdown()
	}
	m.logger.Info("All container actors stopped", zap.Int("count", len(actors)))
}

func (m *Manager) publishWorkspaceChanged(ctx context.Context, workspaceID ident.WorkspaceID) {
	data := events.WorkspaceChangedData{WorkspaceID: workspaceID}
	event := bus.NewEvent(events.WorkspaceChanged, "lab-manager", data)
	if err := m.deps.Bus.Publish(ctx, events.BuildWorkspaceSubject(workspaceID), event); err != nil {
		m.logger.Warn("Failed to publish workspace change", zap.Error(err))
	}
}
