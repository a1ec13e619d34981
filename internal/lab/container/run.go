package container

import (
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/backoff"
	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/lab/console"
	"github.com/sarnowski/msfailab/internal/msfrpc"
)

func (a *Actor) run() {
	defer a.finish()

	for {
		select {
		case req := <-a.registerCh:
			a.handleRegister(req)
		case req := <-a.unregisterCh:
			a.handleUnregister(req)
		case req := <-a.consoleRefCh:
			a.handleConsoleRef(req)
		case req := <-a.bashCh:
			a.handleBash(req)
		case req := <-a.startCh:
			a.handleStart(req)
		case reply := <-a.stopCh:
			a.handleStop(reply)
		case reply := <-a.snapshotCh:
			reply <- a.snapshot()
		case out := <-a.startDoneCh:
			a.handleStartDone(out)
		case err := <-a.stopDoneCh:
			a.handleStopDone(err)
		case exit := <-a.consoleExitCh:
			a.handleConsoleExit(exit)
		case trackID := <-a.respawnCh:
			a.handleRespawn(trackID)
		case trackID := <-a.cooldownCh:
			a.handleCooldown(trackID)
		case out := <-a.reauthDoneCh:
			a.handleReauthDone(out)
		case out := <-a.shellDoneCh:
			a.handleShellDone(out)
		case <-a.ctx.Done():
			return
		}
	}
}

// finish terminates consoles gracefully and abandons pending calls. The
// managed container itself is left running so a later process can re-adopt
// it from its labels.
func (a *Actor) finish() {
	a.cancel()

	for _, slot := range a.registered {
		a.stopSlotTimers(slot)
		if slot.actor != nil {
			slot.actor.GoOffline()
			slot.actor = nil
		}
	}

	if a.pendingStart != nil {
		a.pendingStart <- fault.New(fault.ContainerNotRunning, "container actor shutting down")
	}
	if a.pendingStop != nil {
		a.pendingStop <- nil
	}

	a.logger.Info("Container actor stopped")
	close(a.stopped)
}

// --- lifecycle -------------------------------------------------------------

func (a *Actor) handleStart(req startReq) {
	if a.status != StatusOffline {
		req.reply <- fault.Newf(fault.InvalidStatus, "container is %s", a.status)
		return
	}
	if a.pendingStart != nil {
		req.reply <- fault.New(fault.InvalidStatus, "start already in progress")
		return
	}

	a.status = StatusStarting
	a.pendingStart = req.reply
	a.publishContainerStatus("")

	go a.startWorker(req.adoptDockerID, req.adoptPort)
}

// startWorker performs the blocking part of a start outside the mailbox:
// create or probe the container, resolve the endpoint, authenticate.
func (a *Actor) startWorker(adoptDockerID string, adoptPort int) {
	var out startOutcome

	if adoptDockerID == "" {
		out = a.startFresh()
	} else {
		out = a.adopt(adoptDockerID, adoptPort)
	}

	select {
	case a.startDoneCh <- out:
	case <-a.ctx.Done():
	}
}

func (a *Actor) startFresh() startOutcome {
	port, err := a.deps.Allocator.AllocatePort()
	if err != nil {
		return startOutcome{err: err}
	}

	name := ident.ContainerName(a.settings.NamePrefix, a.id.WorkspaceSlug, a.id.ContainerSlug)
	labels := docker.ManagedLabels(a.id.ContainerID, a.id.WorkspaceID, a.id.WorkspaceSlug, a.id.ContainerSlug)

	dockerID, err := a.deps.Runtime.StartContainer(a.ctx, name, labels, port)
	if err != nil {
		a.deps.Allocator.ReleasePort(port)
		return startOutcome{err: err}
	}

	endpoint, err := a.deps.Runtime.ResolveRPCEndpoint(a.ctx, dockerID)
	if err != nil {
		a.deps.Allocator.ReleasePort(port)
		return startOutcome{err: err}
	}

	token, err := a.login(endpoint.Addr())
	if err != nil {
		a.deps.Allocator.ReleasePort(port)
		return startOutcome{err: err}
	}

	return startOutcome{dockerID: dockerID, endpoint: endpoint, rpcPort: port, token: token}
}

func (a *Actor) adopt(dockerID string, rpcPort int) startOutcome {
	running, err := a.deps.Runtime.IsRunning(a.ctx, dockerID)
	if err != nil {
		return startOutcome{err: err}
	}
	if !running {
		return startOutcome{err: fault.Newf(fault.ContainerNotRunning, "adoption target %s", dockerID)}
	}

	endpoint, err := a.deps.Runtime.ResolveRPCEndpoint(a.ctx, dockerID)
	if err != nil {
		return startOutcome{err: err}
	}

	token, err := a.login(endpoint.Addr())
	if err != nil {
		return startOutcome{err: err}
	}

	return startOutcome{dockerID: dockerID, endpoint: endpoint, rpcPort: rpcPort, token: token}
}

// login retries while the daemon inside the container is still coming up.
// Credential rejections are not retried.
func (a *Actor) login(endpoint string) (msfrpc.Token, error) {
	policy := backoff.FromMillis(a.settings.Msgrpc.ConnectDelayMs, a.settings.Msgrpc.ConnectDelayMaxMs)
	attempts := a.settings.Msgrpc.ConnectAttempts

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		token, err := a.deps.RPC.Login(a.ctx, endpoint, a.settings.Msgrpc.User, a.settings.Msgrpc.Password)
		if err == nil {
			return token, nil
		}
		lastErr = err

		if fault.IsKind(err, fault.AuthFailed) {
			break
		}
		a.logger.Debug("RPC login failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-time.After(policy.Delay(attempt)):
		case <-a.ctx.Done():
			return "", a.ctx.Err()
		}
	}
	return "", lastErr
}

func (a *Actor) handleStartDone(out startOutcome) {
	reply := a.pendingStart
	a.pendingStart = nil

	if out.err != nil {
		a.status = StatusOffline
		a.publishContainerStatus(out.err.Error())
		a.logger.Warn("Container start failed", zap.Error(out.err))
		if reply != nil {
			reply <- out.err
		}
		return
	}

	a.dockerID = out.dockerID
	a.endpoint = out.endpoint
	a.rpcPort = out.rpcPort
	a.token = out.token
	a.status = StatusRunning
	a.restartCount++
	a.publishContainerStatus("")
	a.logger.Info("Container running",
		zap.String("docker_id", a.dockerID),
		zap.String("endpoint", a.endpoint.Addr()),
	)

	// Fresh container, fresh budget for every registered track.
	for trackID, slot := range a.registered {
		slot.restartAttempts = 0
		slot.permanent = false
		slot.needsReauth = false
		a.spawnConsole(trackID, slot)
	}

	if reply != nil {
		reply <- nil
	}
}

func (a *Actor) handleStop(reply chan error) {
	if a.status == StatusOffline {
		reply <- nil
		return
	}
	if a.pendingStart != nil {
		reply <- fault.New(fault.InvalidStatus, "start in progress")
		return
	}
	if a.pendingStop != nil {
		reply <- fault.New(fault.InvalidStatus, "stop already in progress")
		return
	}

	for trackID, slot := range a.registered {
		a.dropConsole(trackID, slot, false)
	}

	dockerID := a.dockerID
	a.dockerID = ""
	a.endpoint = docker.Endpoint{}
	a.token = ""
	if a.rpcPort != 0 {
		a.deps.Allocator.ReleasePort(a.rpcPort)
		a.rpcPort = 0
	}
	a.status = StatusOffline
	a.publishContainerStatus("")

	a.pendingStop = reply
	go func() {
		err := a.deps.Runtime.StopContainer(a.ctx, dockerID)
		if fault.IsKind(err, fault.AdapterNotFound) {
			err = nil
		}
		select {
		case a.stopDoneCh <- err:
		case <-a.ctx.Done():
		}
	}()
}

func (a *Actor) handleStopDone(err error) {
	reply := a.pendingStop
	a.pendingStop = nil

	if err != nil {
		a.logger.Warn("Container stop failed", zap.Error(err))
	} else {
		a.logger.Info("Container stopped")
	}
	if reply != nil {
		reply <- err
	}
}

// --- console registration and supervision ----------------------------------

func (a *Actor) handleRegister(req registerReq) {
	if _, ok := a.registered[req.trackID]; ok {
		req.reply <- nil
		return
	}

	slot := &consoleSlot{}
	a.registered[req.trackID] = slot
	a.logger.Info("Track registered", zap.Int64("track_id", int64(req.trackID)))

	if a.status == StatusRunning {
		a.spawnConsole(req.trackID, slot)
	}
	req.reply <- nil
}

func (a *Actor) handleUnregister(req unregisterReq) {
	slot, ok := a.registered[req.trackID]
	if !ok {
		req.reply <- nil
		return
	}

	a.dropConsole(req.trackID, slot, true)
	delete(a.registered, req.trackID)
	a.logger.Info("Track unregistered", zap.Int64("track_id", int64(req.trackID)))
	req.reply <- nil
}

func (a *Actor) handleConsoleRef(req consoleRefReq) {
	if a.status != StatusRunning {
		req.reply <- consoleRefReply{err: fault.Newf(fault.ContainerNotRunning, "container is %s", a.status)}
		return
	}
	slot, ok := a.registered[req.trackID]
	if !ok {
		req.reply <- consoleRefReply{err: fault.Newf(fault.ConsoleNotRegistered, "track %d", req.trackID)}
		return
	}
	if slot.actor == nil || !slot.actor.Alive() {
		req.reply <- consoleRefReply{err: fault.Newf(fault.ConsoleOffline, "track %d", req.trackID)}
		return
	}
	req.reply <- consoleRefReply{ref: slot.actor}
}

// spawnConsole starts a console actor for the track and arms the cooldown
// that forgives past restarts once the console has held up long enough.
func (a *Actor) spawnConsole(trackID ident.TrackID, slot *consoleSlot) {
	id := console.Identity{
		WorkspaceID: a.id.WorkspaceID,
		ContainerID: a.id.ContainerID,
		TrackID:     trackID,
	}
	slot.actor = console.Spawn(a.ctx, id, a.endpoint.Addr(), a.token,
		a.deps.RPC, a.deps.Bus, a.deps.Recorder, a.settings.Console, a.logger)
	slot.lastRestartAt = time.Now().UTC()

	if slot.cooldownTimer != nil {
		slot.cooldownTimer.Stop()
	}
	cooldown := time.Duration(a.settings.Supervision.ConsoleCooldownMs) * time.Millisecond
	slot.cooldownTimer = time.AfterFunc(cooldown, func() {
		select {
		case a.cooldownCh <- trackID:
		case <-a.ctx.Done():
		}
	})

	go a.monitorConsole(trackID, slot.actor)
}

func (a *Actor) monitorConsole(trackID ident.TrackID, ref *console.Actor) {
	select {
	case reason := <-ref.Wait():
		select {
		case a.consoleExitCh <- consoleExit{trackID: trackID, from: ref, reason: reason}:
		case <-a.ctx.Done():
		}
	case <-a.ctx.Done():
	}
}

func (a *Actor) handleConsoleExit(exit consoleExit) {
	slot, ok := a.registered[exit.trackID]
	if !ok || slot.actor != exit.from {
		// The slot was already dropped or replaced.
		return
	}
	slot.actor = nil
	if slot.cooldownTimer != nil {
		slot.cooldownTimer.Stop()
	}

	respawn := a.status == StatusRunning && !exit.reason.Normal
	permanent := false
	if respawn && slot.restartAttempts >= a.settings.Supervision.ConsoleMaxRestarts {
		respawn = false
		permanent = true
		slot.permanent = true
		a.logger.Warn("Console restart budget exhausted",
			zap.Int64("track_id", int64(exit.trackID)),
			zap.Int("attempts", slot.restartAttempts),
		)
	}

	a.publishConsoleOffline(exit.trackID, permanent)

	if !respawn {
		return
	}

	slot.needsReauth = fault.IsKind(exit.reason.Err, fault.AuthFailed)
	a.scheduleRespawn(exit.trackID, slot)
}

func (a *Actor) scheduleRespawn(trackID ident.TrackID, slot *consoleSlot) {
	slot.restartAttempts++
	policy := backoff.FromMillis(
		a.settings.Supervision.ConsoleBackoffBaseMs,
		a.settings.Supervision.ConsoleBackoffMaxMs,
	)
	delay := policy.Delay(slot.restartAttempts)
	a.logger.Info("Scheduling console respawn",
		zap.Int64("track_id", int64(trackID)),
		zap.Int("attempt", slot.restartAttempts),
		zap.Duration("delay", delay),
	)

	if slot.respawnTimer != nil {
		slot.respawnTimer.Stop()
	}
	slot.respawnTimer = time.AfterFunc(delay, func() {
		select {
		case a.respawnCh <- trackID:
		case <-a.ctx.Done():
		}
	})
}

func (a *Actor) handleRespawn(trackID ident.TrackID) {
	slot, ok := a.registered[trackID]
	if !ok || a.status != StatusRunning || slot.actor != nil || slot.permanent {
		return
	}

	if slot.needsReauth {
		go a.reauthWorker(trackID, a.endpoint.Addr())
		return
	}
	a.spawnConsole(trackID, slot)
}

// reauthWorker refreshes the container token after an authentication
// failure killed a console.
func (a *Actor) reauthWorker(trackID ident.TrackID, endpoint string) {
	token, err := a.deps.RPC.Login(a.ctx, endpoint, a.settings.Msgrpc.User, a.settings.Msgrpc.Password)
	select {
	case a.reauthDoneCh <- reauthOutcome{trackID: trackID, token: token, err: err}:
	case <-a.ctx.Done():
	}
}

func (a *Actor) handleReauthDone(out reauthOutcome) {
	slot, ok := a.registered[out.trackID]
	if !ok || a.status != StatusRunning || slot.actor != nil || slot.permanent {
		return
	}

	if out.err != nil {
		a.logger.Warn("Token refresh failed", zap.Error(out.err))
		if slot.restartAttempts >= a.settings.Supervision.ConsoleMaxRestarts {
			slot.permanent = true
			a.publishConsoleOffline(out.trackID, true)
			return
		}
		a.scheduleRespawn(out.trackID, slot)
		return
	}

	a.token = out.token
	slot.needsReauth = false
	a.logger.Info("Token refreshed", zap.Int64("track_id", int64(out.trackID)))
	a.spawnConsole(out.trackID, slot)
}

func (a *Actor) handleCooldown(trackID ident.TrackID) {
	slot, ok := a.registered[trackID]
	if !ok || slot.actor == nil || !slot.actor.Alive() {
		return
	}
	if slot.restartAttempts > 0 {
		a.logger.Debug("Console held up, resetting restart budget",
			zap.Int64("track_id", int64(trackID)),
		)
		slot.restartAttempts = 0
	}
}

// dropConsole tears down a slot's console and publishes its offline event.
func (a *Actor) dropConsole(trackID ident.TrackID, slot *consoleSlot, permanent bool) {
	a.stopSlotTimers(slot)
	if slot.actor != nil {
		slot.actor.GoOffline()
		slot.actor = nil
	}
	a.publishConsoleOffline(trackID, permanent)
}

func (a *Actor) stopSlotTimers(slot *consoleSlot) {
	if slot.respawnTimer != nil {
		slot.respawnTimer.Stop()
	}
	if slot.cooldownTimer != nil {
		slot.cooldownTimer.Stop()
	}
}

// --- shell commands ---------------------------------------------------------

func (a *Actor) handleBash(req bashReq) {
	if a.status != StatusRunning {
		req.reply <- bashReply{err: fault.Newf(fault.ContainerNotRunning, "container is %s", a.status)}
		return
	}

	commandID := ident.NewCommandID()
	a.runningShell[commandID] = ShellCommand{
		CommandID: commandID,
		TrackID:   req.trackID,
		Command:   req.text,
		StartedAt: time.Now().UTC(),
	}

	a.publishCommandResult(events.CommandResultData{
		WorkspaceID: a.id.WorkspaceID,
		ContainerID: a.id.ContainerID,
		TrackID:     req.trackID,
		CommandID:   commandID,
		Kind:        "shell",
		Status:      events.CommandRunning,
	})

	go a.execWorker(commandID, a.dockerID, req.text)
	req.reply <- bashReply{commandID: commandID}
}

func (a *Actor) execWorker(commandID ident.CommandID, dockerID, command string) {
	res, err := a.deps.Runtime.Exec(a.ctx, dockerID, command)
	out := shellOutcome{commandID: commandID, output: res.Output, exitCode: res.ExitCode, err: err}
	select {
	case a.shellDoneCh <- out:
	case <-a.ctx.Done():
	}
}

func (a *Actor) handleShellDone(out shellOutcome) {
	entry, ok := a.runningShell[out.commandID]
	if !ok {
		return
	}
	delete(a.runningShell, out.commandID)
	a.recordShell(entry, out)

	data := events.CommandResultData{
		WorkspaceID: a.id.WorkspaceID,
		ContainerID: a.id.ContainerID,
		TrackID:     entry.TrackID,
		CommandID:   out.commandID,
		Kind:        "shell",
	}
	if out.err != nil {
		data.Status = events.CommandError
		data.Error = out.err.Error()
	} else {
		exitCode := out.exitCode
		data.Status = events.CommandFinished
		data.Output = out.output
		data.ExitCode = &exitCode
	}
	a.publishCommandResult(data)
}

func (a *Actor) recordShell(entry ShellCommand, out shellOutcome) {
	if a.deps.Recorder == nil {
		return
	}
	rec := console.CommandRecord{
		WorkspaceID: a.id.WorkspaceID,
		ContainerID: a.id.ContainerID,
		TrackID:     entry.TrackID,
		CommandID:   entry.CommandID,
		Kind:        "shell",
		Command:     entry.Command,
		Output:      out.output,
		StartedAt:   entry.StartedAt,
		FinishedAt:  time.Now().UTC(),
	}
	if out.err != nil {
		rec.Output = out.err.Error()
	} else {
		exitCode := out.exitCode
		rec.ExitCode = &exitCode
	}
	if err := a.deps.Recorder.Record(a.ctx, rec); err != nil {
		a.logger.Warn("Failed to record shell command trace", zap.Error(err))
	}
}

// --- introspection and events ------------------------------------------------

func (a *Actor) snapshot() Snapshot {
	consoles := make(map[ident.TrackID]ConsoleState, len(a.registered))
	for trackID, slot := range a.registered {
		consoles[trackID] = ConsoleState{
			Live:            slot.actor != nil && slot.actor.Alive(),
			RestartAttempts: slot.restartAttempts,
			Permanent:       slot.permanent,
		}
	}

	shell := make([]ShellCommand, 0, len(a.runningShell))
	for _, cmd := range a.runningShell {
		shell = append(shell, cmd)
	}

	return Snapshot{
		Identity:      a.id,
		Status:        a.status,
		DockerID:      a.dockerID,
		Endpoint:      a.endpointAddr(),
		RPCPort:       a.rpcPort,
		Consoles:      consoles,
		ShellCommands: shell,
		RestartCount:  a.restartCount,
	}
}

func (a *Actor) endpointAddr() string {
	if a.endpoint.Host == "" {
		return ""
	}
	return a.endpoint.Addr()
}

func (a *Actor) publishContainerStatus(detail string) {
	data := events.ContainerStatusChangedData{
		ContainerID: a.id.ContainerID,
		WorkspaceID: a.id.WorkspaceID,
		Status:      string(a.status),
		Detail:      detail,
	}
	event := bus.NewEvent(events.ContainerStatusChanged, "container-actor", data)
	if err := a.deps.Bus.Publish(a.ctx, events.BuildContainerSubject(a.id.ContainerID), event); err != nil {
		a.logger.Warn("Failed to publish container status", zap.Error(err))
	}
}

func (a *Actor) publishConsoleOffline(trackID ident.TrackID, permanent bool) {
	data := events.ConsoleUpdatedData{
		WorkspaceID: a.id.WorkspaceID,
		ContainerID: a.id.ContainerID,
		TrackID:     trackID,
		Status:      events.ConsoleOffline,
		Permanent:   permanent,
	}
	event := bus.NewEvent(events.ConsoleUpdated, "container-actor", data)
	if err := a.deps.Bus.Publish(a.ctx, events.BuildTrackSubject(trackID), event); err != nil {
		a.logger.Warn("Failed to publish console offline", zap.Error(err))
	}
}

func (a *Actor) publishCommandResult(data events.CommandResultData) {
	event := bus.NewEvent(events.CommandResult, "container-actor", data)
	if err := a.deps.Bus.Publish(a.ctx, events.BuildTrackSubject(data.TrackID), event); err != nil {
		a.logger.Warn("Failed to publish command result", zap.Error(err))
	}
}
