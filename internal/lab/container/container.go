// Package container runs one supervising actor per managed container. The
// actor owns the container's lifecycle (create or adopt, login, stop), the
// console actors of its registered tracks, and the shell exec workers.
package container

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/lab/console"
	"github.com/sarnowski/msfailab/internal/msfrpc"
)

// Status is the container lifecycle state.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
)

// Runtime is the container-runtime slice the actor drives.
type Runtime interface {
	StartContainer(ctx context.Context, name string, labels map[string]string, rpcPort int) (string, error)
	StopContainer(ctx context.Context, dockerID string) error
	IsRunning(ctx context.Context, dockerID string) (bool, error)
	Exec(ctx context.Context, dockerID string, command string) (docker.ExecResult, error)
	ResolveRPCEndpoint(ctx context.Context, dockerID string) (docker.Endpoint, error)
}

// RPC adds authentication to the console RPC surface.
type RPC interface {
	console.RPC
	Login(ctx context.Context, endpoint, user, password string) (msfrpc.Token, error)
}

// PortAllocator hands out RPC ports. The lab manager owns the used set so
// allocations are unique across all containers.
type PortAllocator interface {
	AllocatePort() (int, error)
	ReleasePort(port int)
}

// Identity names one container record.
type Identity struct {
	ContainerID   ident.ContainerID
	WorkspaceID   ident.WorkspaceID
	WorkspaceSlug string
	ContainerSlug string
}

// Settings carries the configuration slices the actor needs.
type Settings struct {
	Supervision config.ContainerConfig
	Console     config.ConsoleConfig
	Msgrpc      config.MsgrpcConfig
	NamePrefix  string
}

// Deps bundles the actor's collaborators.
type Deps struct {
	Runtime   Runtime
	RPC       RPC
	Bus       bus.EventBus
	Recorder  console.Recorder
	Allocator PortAllocator
	Logger    *logger.Logger
}

// ShellCommand describes one in-flight shell execution.
type ShellCommand struct {
	CommandID ident.CommandID
	TrackID   ident.TrackID
	Command   string
	StartedAt time.Time
}

// ConsoleState is the supervision view of one registered track.
type ConsoleState struct {
	Live            bool
	RestartAttempts int
	Permanent       bool
}

// Snapshot is a point-in-time view of the actor's state.
type Snapshot struct {
	Identity      Identity
	Status        Status
	DockerID      string
	Endpoint      string
	RPCPort       int
	Consoles      map[ident.TrackID]ConsoleState
	ShellCommands []ShellCommand
	RestartCount  int
}

// consoleSlot tracks one registered track's console and its restart budget.
// A nil actor with permanent=false means a respawn is pending or the
// container is not running.
type consoleSlot struct {
	actor           *console.Actor
	restartAttempts int
	lastRestartAt   time.Time
	respawnTimer    *time.Timer
	cooldownTimer   *time.Timer
	needsReauth     bool
	permanent       bool
}

type registerReq struct {
	trackID ident.TrackID
	reply   chan error
}

type unregisterReq struct {
	trackID ident.TrackID
	reply   chan error
}

type consoleRefReq struct {
	trackID ident.TrackID
	reply   chan consoleRefReply
}

type consoleRefReply struct {
	ref *console.Actor
	err error
}

type bashReq struct {
	trackID ident.TrackID
	text    string
	reply   chan bashReply
}

type bashReply struct {
	commandID ident.CommandID
	err       error
}

type startReq struct {
	adoptDockerID string // empty means create a fresh container
	adoptPort     int
	reply         chan error
}

type startOutcome struct {
	dockerID string
	endpoint docker.Endpoint
	rpcPort  int
	token    msfrpc.Token
	err      error
}

type consoleExit struct {
	trackID ident.TrackID
	from    *console.Actor
	reason  console.ExitReason
}

type reauthOutcome struct {
	trackID ident.TrackID
	token   msfrpc.Token
	err     error
}

type shellOutcome struct {
	commandID ident.CommandID
	output    string
	exitCode  int
	err       error
}

// Actor supervises one container. All state below the channel block is
// owned by the run goroutine.
type Actor struct {
	id       Identity
	deps     Deps
	settings Settings
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	registerCh    chan registerReq
	unregisterCh  chan unregisterReq
	consoleRefCh  chan consoleRefReq
	bashCh        chan bashReq
	startCh       chan startReq
	stopCh        chan chan error
	snapshotCh    chan chan Snapshot
	startDoneCh   chan startOutcome
	stopDoneCh    chan error
	consoleExitCh chan consoleExit
	respawnCh     chan ident.TrackID
	cooldownCh    chan ident.TrackID
	reauthDoneCh  chan reauthOutcome
	shellDoneCh   chan shellOutcome

	stopped chan struct{}

	status       Status
	dockerID     string
	endpoint     docker.Endpoint
	rpcPort      int
	token        msfrpc.Token
	registered   map[ident.TrackID]*consoleSlot
	runningShell map[ident.CommandID]ShellCommand
	restartCount int
	pendingStart chan error
	pendingStop  chan error
}

// Spawn creates the actor in the offline state and starts its goroutine.
func Spawn(ctx context.Context, id Identity, deps Deps, settings Settings) *Actor {
	actorCtx, cancel := context.WithCancel(ctx)

	a := &Actor{
		id:       id,
		deps:     deps,
		settings: settings,
		logger: deps.Logger.
			WithFields(zap.String("component", "container-actor")).
			WithContainer(int64(id.ContainerID)),
		ctx:           actorCtx,
		cancel:        cancel,
		registerCh:    make(chan registerReq),
		unregisterCh:  make(chan unregisterReq),
		consoleRefCh:  make(chan consoleRefReq),
		bashCh:        make(chan bashReq),
		startCh:       make(chan startReq),
		stopCh:        make(chan chan error),
		snapshotCh:    make(chan chan Snapshot),
		startDoneCh:   make(chan startOutcome),
		stopDoneCh:    make(chan error),
		consoleExitCh: make(chan consoleExit),
		respawnCh:     make(chan ident.TrackID),
		cooldownCh:    make(chan ident.TrackID),
		reauthDoneCh:  make(chan reauthOutcome),
		shellDoneCh:   make(chan shellOutcome),
		stopped:       make(chan struct{}),
		status:        StatusOffline,
		registered:    make(map[ident.TrackID]*consoleSlot),
		runningShell:  make(map[ident.CommandID]ShellCommand),
	}

	go a.run()
	return a
}

// Identity returns the actor's immutable identity.
func (a *Actor) Identity() Identity {
	return a.id
}

// StartNew allocates a port, creates and starts a fresh container, and
// authenticates against its RPC daemon.
func (a *Actor) StartNew(ctx context.Context) error {
	return a.start(ctx, startReq{reply: make(chan error, 1)})
}

// AdoptDockerContainer takes over an already-running container found by the
// reconciler: probe, resolve the endpoint, authenticate. No create call.
func (a *Actor) AdoptDockerContainer(ctx context.Context, dockerID string, rpcPort int) error {
	return a.start(ctx, startReq{adoptDockerID: dockerID, adoptPort: rpcPort, reply: make(chan error, 1)})
}

func (a *Actor) start(ctx context.Context, req startReq) error {
	select {
	case a.startCh <- req:
	case <-a.stopped:
		return fault.New(fault.ContainerNotRunning, "container actor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the consoles, stops the container, and returns the actor
// to offline. The actor itself keeps running and can be started again.
func (a *Actor) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.stopCh <- reply:
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterConsole adds a track to the registered set. If the container is
// running a console actor is spawned immediately.
func (a *Actor) RegisterConsole(ctx context.Context, trackID ident.TrackID) error {
	req := registerReq{trackID: trackID, reply: make(chan error, 1)}
	select {
	case a.registerCh <- req:
	case <-a.stopped:
		return fault.New(fault.ContainerNotRunning, "container actor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.awaitErr(ctx, req.reply)
}

// UnregisterConsole removes a track and gracefully terminates its console.
func (a *Actor) UnregisterConsole(ctx context.Context, trackID ident.TrackID) error {
	req := unregisterReq{trackID: trackID, reply: make(chan error, 1)}
	select {
	case a.unregisterCh <- req:
	case <-a.stopped:
		return fault.New(fault.ContainerNotRunning, "container actor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.awaitErr(ctx, req.reply)
}

// SendMetasploitCommand validates the target console in three layers
// (container running, track registered, console live) and forwards the
// command to the console actor.
func (a *Actor) SendMetasploitCommand(ctx context.Context, trackID ident.TrackID, text string) (ident.CommandID, error) {
	ref, err := a.consoleRef(ctx, trackID)
	if err != nil {
		return "", err
	}
	return ref.SendCommand(ctx, text)
}

// ConsoleStatus reports the console actor's state for a registered track.
func (a *Actor) ConsoleStatus(ctx context.Context, trackID ident.TrackID) (console.Status, error) {
	ref, err := a.consoleRef(ctx, trackID)
	if err != nil {
		return "", err
	}
	return ref.Status(), nil
}

// ConsolePrompt reports the console's current prompt.
func (a *Actor) ConsolePrompt(ctx context.Context, trackID ident.TrackID) (string, error) {
	ref, err := a.consoleRef(ctx, trackID)
	if err != nil {
		return "", err
	}
	return ref.Prompt(), nil
}

// SendBashCommand runs a one-shot shell command in the container. It returns
// as soon as the worker is dispatched; the result arrives as a CommandResult
// event.
func (a *Actor) SendBashCommand(ctx context.Context, trackID ident.TrackID, text string) (ident.CommandID, error) {
	req := bashReq{trackID: trackID, text: text, reply: make(chan bashReply, 1)}
	select {
	case a.bashCh <- req:
	case <-a.stopped:
		return "", fault.New(fault.ContainerNotRunning, "container actor stopped")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.commandID, rep.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Status reports the lifecycle state.
func (a *Actor) Status(ctx context.Context) Status {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return StatusOffline
	}
	return snap.Status
}

// RPCEndpoint reports the resolved RPC endpoint, empty unless running.
func (a *Actor) RPCEndpoint(ctx context.Context) (string, error) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return snap.Endpoint, nil
}

// RunningBashCommands lists in-flight shell executions.
func (a *Actor) RunningBashCommands(ctx context.Context) ([]ShellCommand, error) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ShellCommands, nil
}

// Snapshot returns a read-only copy of the actor state.
func (a *Actor) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case a.snapshotCh <- reply:
	case <-a.stopped:
		return Snapshot{Identity: a.id, Status: StatusOffline}, nil
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

// Shutdown stops the actor goroutine without touching the container, so a
// later process can re-adopt it. Console actors terminate gracefully.
func (a *Actor) Shutdown() {
	a.cancel()
}

// Done is closed when the actor goroutine has exited.
func (a *Actor) Done() <-chan struct{} {
	return a.stopped
}

// consoleRef resolves the live console actor for a track, applying the
// three-layer validation.
func (a *Actor) consoleRef(ctx context.Context, trackID ident.TrackID) (*console.Actor, error) {
	req := consoleRefReq{trackID: trackID, reply: make(chan consoleRefReply, 1)}
	select {
	case a.consoleRefCh <- req:
	case <-a.stopped:
		return nil, fault.New(fault.ContainerNotRunning, "container actor stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.ref, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Actor) awaitErr(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
