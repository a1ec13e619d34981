// Package console runs one actor per (container, track) console session.
// The actor owns the session exclusively: it is the only goroutine reading
// from it, which keeps the destructive read protocol single-consumer.
package console

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/msfrpc"
)

// Status is the console lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"

	// StatusOffline is never held internally; getters report it once the
	// actor has stopped.
	StatusOffline Status = "offline"
)

// RPC is the slice of the MSGRPC client the actor uses.
type RPC interface {
	ConsoleCreate(ctx context.Context, endpoint string, token msfrpc.Token) (msfrpc.ConsoleInfo, error)
	ConsoleRead(ctx context.Context, endpoint string, token msfrpc.Token, sessionID string) (msfrpc.ReadResult, error)
	ConsoleWrite(ctx context.Context, endpoint string, token msfrpc.Token, sessionID, data string) (int, error)
	ConsoleDestroy(ctx context.Context, endpoint string, token msfrpc.Token, sessionID string) error
}

// CommandRecord is a completed command handed to the trace sink. Kind is
// "console" or "shell"; ExitCode is set for shell commands only.
type CommandRecord struct {
	WorkspaceID ident.WorkspaceID
	ContainerID ident.ContainerID
	TrackID     ident.TrackID
	CommandID   ident.CommandID
	Kind        string
	Command     string
	Output      string
	Prompt      string
	ExitCode    *int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Recorder persists completed commands. Implementations are called from
// many actors concurrently.
type Recorder interface {
	Record(ctx context.Context, rec CommandRecord) error
}

// ExitReason tells the parent why the actor stopped. Normal exits
// (GoOffline, context cancellation) must not trigger a restart.
type ExitReason struct {
	Normal bool
	Err    error
}

// Identity carries the console's routing keys.
type Identity struct {
	WorkspaceID ident.WorkspaceID
	ContainerID ident.ContainerID
	TrackID     ident.TrackID
}

type sendRequest struct {
	text  string
	reply chan sendReply
}

type sendReply struct {
	commandID ident.CommandID
	err       error
}

type currentCommand struct {
	id        ident.CommandID
	text      string
	startedAt time.Time
}

// Actor drives one console session through starting, ready and busy.
// All state below the mailbox channels is owned by the run goroutine.
type Actor struct {
	id       Identity
	endpoint string
	token    msfrpc.Token

	rpc      RPC
	bus      bus.EventBus
	recorder Recorder
	cfg      config.ConsoleConfig
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendCh    chan sendRequest
	statusCh  chan chan Status
	promptCh  chan chan string
	offlineCh chan struct{}

	exitCh  chan ExitReason
	stopped chan struct{}

	status        Status
	sessionID     string
	currentPrompt string
	accumulated   string
	current       *currentCommand
	retryCount    int

	pollTimer      *time.Timer
	keepaliveTimer *time.Timer
	exitReason     ExitReason
}

// Spawn creates the actor and starts its goroutine. The actor creates its
// own console session; the parent learns about death through Wait.
func Spawn(ctx context.Context, id Identity, endpoint string, token msfrpc.Token, rpc RPC, eventBus bus.EventBus, recorder Recorder, cfg config.ConsoleConfig, log *logger.Logger) *Actor {
	actorCtx, cancel := context.WithCancel(ctx)

	a := &Actor{
		id:        id,
		endpoint:  endpoint,
		token:     token,
		rpc:       rpc,
		bus:       eventBus,
		recorder:  recorder,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "console-actor")).WithTrack(int64(id.TrackID)),
		ctx:       actorCtx,
		cancel:    cancel,
		sendCh:    make(chan sendRequest),
		statusCh:  make(chan chan Status),
		promptCh:  make(chan chan string),
		offlineCh: make(chan struct{}, 1),
		exitCh:    make(chan ExitReason, 1),
		stopped:   make(chan struct{}),
		status:    StatusStarting,
	}

	go a.run()
	return a
}

// SendCommand submits one command when the console is ready. It returns the
// allocated command id; output and completion arrive as events.
func (a *Actor) SendCommand(ctx context.Context, text string) (ident.CommandID, error) {
	req := sendRequest{text: text, reply: make(chan sendReply, 1)}

	select {
	case a.sendCh <- req:
	case <-a.stopped:
		return "", fault.New(fault.ConsoleOffline, "console actor stopped")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.commandID, rep.err
	case <-a.stopped:
		// The handler replies before the loop exits; drain a racing reply.
		select {
		case rep := <-req.reply:
			return rep.commandID, rep.err
		default:
		}
		return "", fault.New(fault.ConsoleOffline, "console actor stopped")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Status reports the current lifecycle state, offline once stopped.
func (a *Actor) Status() Status {
	replyCh := make(chan Status, 1)
	select {
	case a.statusCh <- replyCh:
		return <-replyCh
	case <-a.stopped:
		return StatusOffline
	}
}

// Prompt reports the most recent console prompt.
func (a *Actor) Prompt() string {
	replyCh := make(chan string, 1)
	select {
	case a.promptCh <- replyCh:
		return <-replyCh
	case <-a.stopped:
		return ""
	}
}

// GoOffline asks the actor to destroy its session and stop. It never blocks.
func (a *Actor) GoOffline() {
	select {
	case a.offlineCh <- struct{}{}:
	default:
	}
}

// Wait returns the channel that delivers exactly one ExitReason when the
// actor stops.
func (a *Actor) Wait() <-chan ExitReason {
	return a.exitCh
}

// Alive reports whether the run goroutine is still going.
func (a *Actor) Alive() bool {
	select {
	case <-a.stopped:
		return false
	default:
		return true
	}
}

func (a *Actor) run() {
	defer a.finish()

	a.pollTimer = newStoppedTimer()
	a.keepaliveTimer = newStoppedTimer()
	defer a.pollTimer.Stop()
	defer a.keepaliveTimer.Stop()

	info, err := a.rpc.ConsoleCreate(a.ctx, a.endpoint, a.token)
	if err != nil {
		a.exitReason = ExitReason{Err: fault.Wrap(fault.SessionCreateFailed, err)}
		return
	}
	a.sessionID = info.ID
	a.currentPrompt = info.Prompt
	a.logger.Info("Console session created", zap.String("session_id", a.sessionID))

	a.publish(events.ConsoleStarting, "")
	a.schedulePoll(a.cfg.PollInterval())

	for {
		select {
		case req := <-a.sendCh:
			if !a.handleSend(req) {
				return
			}
		case replyCh := <-a.statusCh:
			replyCh <- a.status
		case replyCh := <-a.promptCh:
			replyCh <- a.currentPrompt
		case <-a.offlineCh:
			a.exitReason = ExitReason{Normal: true}
			return
		case <-a.pollTimer.C:
			if !a.handlePoll() {
				return
			}
		case <-a.keepaliveTimer.C:
			if !a.handleKeepalive() {
				return
			}
		case <-a.ctx.Done():
			a.exitReason = ExitReason{Normal: true}
			return
		}
	}
}

// finish destroys the session best-effort and delivers the exit reason.
func (a *Actor) finish() {
	a.cancel()

	if a.sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.rpc.ConsoleDestroy(ctx, a.endpoint, a.token, a.sessionID); err != nil {
			a.logger.Debug("Console destroy on exit failed", zap.Error(err))
		}
		cancel()
	}

	if a.exitReason.Normal {
		a.logger.Info("Console actor stopped")
	} else {
		a.logger.Warn("Console actor died", zap.Error(a.exitReason.Err))
	}

	a.exitCh <- a.exitReason
	close(a.stopped)
}

func (a *Actor) handleSend(req sendRequest) bool {
	switch a.status {
	case StatusStarting:
		req.reply <- sendReply{err: fault.New(fault.ConsoleStarting, "")}
		return true
	case StatusBusy:
		req.reply <- sendReply{err: fault.New(fault.ConsoleBusy, "")}
		return true
	}

	commandID := ident.NewCommandID()
	data := req.text
	if !strings.HasSuffix(data, "\n") {
		data += "\n"
	}

	if _, err := a.rpc.ConsoleWrite(a.ctx, a.endpoint, a.token, a.sessionID, data); err != nil {
		wrapped := fault.Wrap(fault.ConsoleWriteFailed, err)
		req.reply <- sendReply{err: wrapped}
		a.exitReason = ExitReason{Err: wrapped}
		return false
	}

	a.stopKeepalive()
	a.status = StatusBusy
	a.accumulated = ""
	a.retryCount = 0
	a.current = &currentCommand{
		id:        commandID,
		text:      strings.TrimRight(req.text, "\n"),
		startedAt: time.Now().UTC(),
	}

	a.publish(events.ConsoleBusy, "")
	a.schedulePoll(a.cfg.PollInterval())

	req.reply <- sendReply{commandID: commandID}
	return true
}

func (a *Actor) handlePoll() bool {
	res, err := a.rpc.ConsoleRead(a.ctx, a.endpoint, a.token, a.sessionID)
	if err != nil {
		a.retryCount++
		if a.retryCount <= a.cfg.ReadMaxRetries {
			a.logger.Debug("Console read failed, retrying",
				zap.Int("attempt", a.retryCount),
				zap.Error(err),
			)
			a.schedulePoll(a.retryDelay(a.retryCount))
			return true
		}
		a.exitReason = ExitReason{Err: fault.Wrap(fault.ConsoleReadFailed, err)}
		return false
	}
	a.retryCount = 0

	if res.Data != "" {
		a.accumulated += res.Data
	}

	switch {
	case a.status == StatusStarting && res.Busy:
		if res.Data != "" {
			a.publish(events.ConsoleStarting, res.Data)
		}
		a.schedulePoll(a.cfg.PollInterval())

	case a.status == StatusStarting && !res.Busy:
		if res.Data != "" {
			a.publish(events.ConsoleStarting, res.Data)
		}
		a.enterReady(res.Prompt)

	case a.status == StatusBusy && res.Busy:
		if res.Data != "" {
			a.publish(events.ConsoleBusy, res.Data)
		}
		a.schedulePoll(a.cfg.PollInterval())

	case a.status == StatusBusy && !res.Busy:
		if res.Data != "" {
			a.publish(events.ConsoleBusy, res.Data)
		}
		a.recordCommand(res.Prompt)
		a.current = nil
		a.enterReady(res.Prompt)

	default:
		// Ready: nothing was expected. Keep the prompt fresh, emit nothing.
		if res.Prompt != "" {
			a.currentPrompt = res.Prompt
		}
	}
	return true
}

// enterReady publishes the ready transition and arms the keepalive.
func (a *Actor) enterReady(prompt string) {
	if prompt != "" {
		a.currentPrompt = prompt
	}
	a.status = StatusReady
	a.accumulated = ""
	a.stopPoll()
	a.publish(events.ConsoleReady, "")
	a.scheduleKeepalive()
}

// handleKeepalive issues a read to keep the session from idling out
// server-side. Any failure is fatal.
func (a *Actor) handleKeepalive() bool {
	if a.status != StatusReady {
		return true
	}

	res, err := a.rpc.ConsoleRead(a.ctx, a.endpoint, a.token, a.sessionID)
	if err != nil {
		a.exitReason = ExitReason{Err: fault.Wrap(fault.KeepaliveFailed, err)}
		return false
	}
	if res.Prompt != "" {
		a.currentPrompt = res.Prompt
	}

	a.scheduleKeepalive()
	return true
}

func (a *Actor) recordCommand(prompt string) {
	if a.recorder == nil || a.current == nil {
		return
	}
	if prompt == "" {
		prompt = a.currentPrompt
	}

	rec := CommandRecord{
		WorkspaceID: a.id.WorkspaceID,
		ContainerID: a.id.ContainerID,
		TrackID:     a.id.TrackID,
		CommandID:   a.current.id,
		Kind:        "console",
		Command:     a.current.text,
		Output:      a.accumulated,
		Prompt:      prompt,
		StartedAt:   a.current.startedAt,
		FinishedAt:  time.Now().UTC(),
	}
	if err := a.recorder.Record(a.ctx, rec); err != nil {
		a.logger.Warn("Failed to record command trace", zap.Error(err))
	}
}

// publish emits a ConsoleUpdated event on the track subject. Output carries
// only the delta since the previous event.
func (a *Actor) publish(status, output string) {
	data := events.ConsoleUpdatedData{
		WorkspaceID: a.id.WorkspaceID,
		ContainerID: a.id.ContainerID,
		TrackID:     a.id.TrackID,
		Status:      status,
		Output:      output,
	}
	if status == events.ConsoleReady {
		data.Prompt = a.currentPrompt
	}
	if a.current != nil {
		data.CommandID = a.current.id
		data.Command = a.current.text
	}

	event := bus.NewEvent(events.ConsoleUpdated, "console-actor", data)
	if err := a.bus.Publish(a.ctx, events.BuildTrackSubject(a.id.TrackID), event); err != nil {
		a.logger.Warn("Failed to publish console event", zap.Error(err))
	}
}

func (a *Actor) retryDelay(attempt int) time.Duration {
	delays := a.cfg.ReadRetryDelays()
	if len(delays) == 0 {
		return a.cfg.PollInterval()
	}
	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

func (a *Actor) schedulePoll(d time.Duration) {
	stopTimer(a.pollTimer)
	a.pollTimer.Reset(d)
}

func (a *Actor) stopPoll() {
	stopTimer(a.pollTimer)
}

func (a *Actor) scheduleKeepalive() {
	stopTimer(a.keepaliveTimer)
	a.keepaliveTimer.Reset(a.cfg.KeepaliveInterval())
}

func (a *Actor) stopKeepalive() {
	stopTimer(a.keepaliveTimer)
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

// stopTimer halts a timer and drains a fired-but-unread tick so a later
// Reset arms cleanly. Safe only from the goroutine that reads the timer.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
