package track

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/tools"
	"github.com/sarnowski/msfailab/internal/tools/executor"
	"github.com/sarnowski/msfailab/internal/turn"
)

// ContainerSource resolves container actors for new runtimes. The lab
// manager implements it.
type ContainerSource interface {
	Container(id ident.ContainerID) (Container, bool)
}

// ManagerDeps are the collaborators shared by every runtime.
type ManagerDeps struct {
	LLM        llm.Client
	Executor   *executor.Executor
	Catalog    turn.Catalog
	DB         tools.Database
	Bus        bus.EventBus
	Containers ContainerSource
	Logger     *logger.Logger
}

// Spec describes a track to ensure. Zero-valued settings fall back to the
// manager defaults.
type Spec struct {
	Identity
	Model      string
	System     string
	Autonomous bool
}

// Manager owns the track runtimes of the process.
type Manager struct {
	ctx      context.Context
	deps     ManagerDeps
	defaults Settings
	logger   *logger.Logger

	mu     sync.Mutex
	tracks map[ident.TrackID]*Runtime
}

// NewManager creates an empty manager. Runtimes spawned later inherit ctx as
// their lifetime.
func NewManager(ctx context.Context, deps ManagerDeps, defaults Settings) *Manager {
	return &Manager{
		ctx:      ctx,
		deps:     deps,
		defaults: defaults,
		logger:   deps.Logger.WithFields(zap.String("component", "track-manager")),
		tracks:   make(map[ident.TrackID]*Runtime),
	}
}

// Ensure returns the runtime for the given track, creating it and
// registering its console on the container actor when absent.
func (m *Manager) Ensure(ctx context.Context, spec Spec) (*Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt, ok := m.tracks[spec.TrackID]; ok {
		return rt, nil
	}

	container, ok := m.deps.Containers.Container(spec.ContainerID)
	if !ok {
		return nil, fault.Newf(fault.NotFound, "no container actor for container %d", spec.ContainerID)
	}
	if err := container.RegisterConsole(ctx, spec.TrackID); err != nil {
		return nil, fmt.Errorf("failed to register console for track %d: %w", spec.TrackID, err)
	}

	settings := Settings{
		Model:      spec.Model,
		System:     spec.System,
		Autonomous: spec.Autonomous,
	}
	if settings.Model == "" {
		settings.Model = m.defaults.Model
	}
	if settings.System == "" {
		settings.System = m.defaults.System
	}

	rt, err := Spawn(m.ctx, spec.Identity, Deps{
		LLM:       m.deps.LLM,
		Container: container,
		Executor:  m.deps.Executor,
		Catalog:   m.deps.Catalog,
		DB:        m.deps.DB,
		Bus:       m.deps.Bus,
		Logger:    m.deps.Logger,
	}, settings)
	if err != nil {
		return nil, err
	}
	m.tracks[spec.TrackID] = rt

	m.logger.Info("Track runtime created",
		zap.Int64("track_id", int64(spec.TrackID)),
		zap.Int64("container_id", int64(spec.ContainerID)))
	m.publishWorkspaceChanged(ctx, spec.WorkspaceID)
	return rt, nil
}

// Get returns the runtime for the track if it exists.
func (m *Manager) Get(trackID ident.TrackID) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tracks[trackID]
	return rt, ok
}

// Tracks returns every registered runtime.
func (m *Manager) Tracks() []*Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Runtime, 0, len(m.tracks))
	for _, rt := range m.tracks {
		out = append(out, rt)
	}
	return out
}

// Remove unregisters the track's console and stops its runtime.
func (m *Manager) Remove(ctx context.Context, trackID ident.TrackID) error {
	m.mu.Lock()
	rt, ok := m.tracks[trackID]
	if ok {
		delete(m.tracks, trackID)
	}
	m.mu.Unlock()
	if !ok {
		return fault.Newf(fault.NotFound, "no runtime for track %d", trackID)
	}

	if err := rt.deps.Container.UnregisterConsole(ctx, trackID); err != nil {
		m.logger.Warn("Failed to unregister console",
			zap.Int64("track_id", int64(trackID)),
			zap.Error(err))
	}
	rt.Shutdown()
	m.publishWorkspaceChanged(ctx, rt.id.WorkspaceID)
	return nil
}

// StopAll shuts every runtime down. Used during process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tracks := make([]*Runtime, 0, len(m.tracks))
	for _, rt := range m.tracks {
		tracks = append(tracks, rt)
	}
	m.tracks = make(map[ident.TrackID]*Runtime)
	m.mu.Unlock()

	for _, rt := range tracks {
		rt.Shutdown()
	}
	m.logger.Info("All track runtimes stopped", zap.Int("count", len(tracks)))
}

func (m *Manager) publishWorkspaceChanged(ctx context.Context, workspaceID ident.WorkspaceID) {
	data := events.WorkspaceChangedData{WorkspaceID: workspaceID}
	event := bus.NewEvent(events.WorkspaceChanged, "track-manager", data)
	if err := m.deps.Bus.Publish(ctx, events.BuildWorkspaceSubject(workspaceID), event); err != nil {
		m.logger.Warn("Failed to publish workspace change", zap.Error(err))
	}
}
