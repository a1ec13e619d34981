// Package track owns the per-track chat runtime: a mailbox actor wrapping
// the turn reducer. The reducer decides and the runtime performs. It opens
// LLM streams, submits tool batches to the execution manager, feeds
// command-result events back in, and publishes chat state transitions.
package track

import (
	"context"
	"fmt"

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

// Identity locates one track.
type Identity struct {
	WorkspaceID   ident.WorkspaceID
	WorkspaceSlug string
	ContainerID   ident.ContainerID
	TrackID       ident.TrackID
}

// Container is the slice of the container actor the runtime drives.
type Container interface {
	RegisterConsole(ctx context.Context, trackID ident.TrackID) error
	UnregisterConsole(ctx context.Context, trackID ident.TrackID) error
	SendMetasploitCommand(ctx context.Context, trackID ident.TrackID, text string) (ident.CommandID, error)
	SendBashCommand(ctx context.Context, trackID ident.TrackID, text string) (ident.CommandID, error)
}

// Deps are the runtime's collaborators.
type Deps struct {
	LLM       llm.Client
	Container Container
	Executor  *executor.Executor
	Catalog   turn.Catalog
	DB        tools.Database // nil when the security database is disabled
	Bus       bus.EventBus
	Logger    *logger.Logger
}

// Settings tune one runtime.
type Settings struct {
	Model      string
	System     string
	Autonomous bool
}

// Snapshot is the externally visible chat state.
type Snapshot struct {
	Turn       turn.Turn
	Entries    []turn.Entry
	Autonomous bool
}

type startTurnReq struct {
	text  string
	reply chan error
}

type approvalReq struct {
	entryID ident.EntryID
	reply   chan error
}

type denyReq struct {
	entryID ident.EntryID
	reason  string
	reply   chan error
}

type autonomousReq struct {
	on    bool
	reply chan error
}

// streamEvent tags an LLM event with its stream generation so events from
// a severed stream cannot leak into a later turn.
type streamEvent struct {
	gen int
	ev  llm.Event
}

// Runtime is the mailbox actor for one track. All state below the channel
// block is owned by the run goroutine; the memory document and the command
// waiters are shared with executor workers under their own disciplines.
type Runtime struct {
	id       Identity
	deps     Deps
	settings Settings
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startCh      chan startTurnReq
	approveCh    chan approvalReq
	denyCh       chan denyReq
	cancelTurnCh chan chan error
	autonomousCh chan autonomousReq
	snapshotCh   chan chan Snapshot
	llmEventCh   chan streamEvent
	toolMsgCh    chan turn.ToolMessage

	stopped chan struct{}

	engine    *turn.Engine
	streamGen int
	llmCancel llm.CancelFunc

	memory  *Document
	waiters *commandWaiters

	sub bus.Subscription
}

// Spawn subscribes to the track's command results and starts the runtime
// goroutine with an idle engine.
func Spawn(ctx context.Context, id Identity, deps Deps, settings Settings) (*Runtime, error) {
	runtimeCtx, cancel := context.WithCancel(ctx)

	r := &Runtime{
		id:       id,
		deps:     deps,
		settings: settings,
		logger: deps.Logger.
			WithFields(zap.String("component", "track-runtime")).
			WithTrack(int64(id.TrackID)),
		ctx:          runtimeCtx,
		cancel:       cancel,
		startCh:      make(chan startTurnReq),
		approveCh:    make(chan approvalReq),
		denyCh:       make(chan denyReq),
		cancelTurnCh: make(chan chan error),
		autonomousCh: make(chan autonomousReq),
		snapshotCh:   make(chan chan Snapshot),
		llmEventCh:   make(chan streamEvent),
		toolMsgCh:    make(chan turn.ToolMessage),
		stopped:      make(chan struct{}),
		engine: turn.NewEngine(turn.Config{
			System:     settings.System,
			Autonomous: settings.Autonomous,
			Catalog:    deps.Catalog,
		}),
		memory:  NewDocument(),
		waiters: newCommandWaiters(),
	}

	sub, err := deps.Bus.Subscribe(events.BuildTrackSubject(id.TrackID), r.onBusEvent)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to track events: %w", err)
	}
	r.sub = sub

	go r.run()
	return r, nil
}

// Identity returns the runtime's immutable identity.
func (r *Runtime) Identity() Identity {
	return r.id
}

// StartTurn begins a new turn with the given user message.
func (r *Runtime) StartTurn(ctx context.Context, text string) error {
	req := startTurnReq{text: text, reply: make(chan error, 1)}
	select {
	case r.startCh <- req:
	case <-r.stopped:
		return errStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.awaitErr(ctx, req.reply)
}

// Approve marks a pending tool invocation approved and lets the engine
// dispatch it.
func (r *Runtime) Approve(ctx context.Context, entryID ident.EntryID) error {
	req := approvalReq{entryID: entryID, reply: make(chan error, 1)}
	select {
	case r.approveCh <- req:
	case <-r.stopped:
		return errStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.awaitErr(ctx, req.reply)
}

// Deny rejects a pending tool invocation. The reason is fed back to the
// model as the tool result.
func (r *Runtime) Deny(ctx context.Context, entryID ident.EntryID, reason string) error {
	req := denyReq{entryID: entryID, reason: reason, reply: make(chan error, 1)}
	select {
	case r.denyCh <- req:
	case <-r.stopped:
		return errStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.awaitErr(ctx, req.reply)
}

// CancelTurn aborts the active turn and severs the LLM stream. In-flight
// commands are left to finish; their results are recorded without driving
// the turn further.
func (r *Runtime) CancelTurn(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.cancelTurnCh <- reply:
	case <-r.stopped:
		return errStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.awaitErr(ctx, reply)
}

// SetAutonomous toggles auto-approval for future tool calls.
func (r *Runtime) SetAutonomous(ctx context.Context, on bool) error {
	req := autonomousReq{on: on, reply: make(chan error, 1)}
	select {
	case r.autonomousCh <- req:
	case <-r.stopped:
		return errStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.awaitErr(ctx, req.reply)
}

// Snapshot returns the current chat state.
func (r *Runtime) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case r.snapshotCh <- reply:
	case <-r.stopped:
		return Snapshot{}, errStopped()
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Shutdown stops the runtime and waits for its goroutine to exit.
func (r *Runtime) Shutdown() {
	r.cancel()
	<-r.stopped
}

// Done is closed when the runtime goroutine has exited.
func (r *Runtime) Done() <-chan struct{} {
	return r.stopped
}

func (r *Runtime) awaitErr(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errStopped() error {
	return fault.New(fault.NotFound, "track runtime stopped")
}
