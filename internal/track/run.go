package track

import (
	"context"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/tools"
	"github.com/sarnowski/msfailab/internal/tools/executor"
	"github.com/sarnowski/msfailab/internal/turn"
)

func (r *Runtime) run() {
	defer close(r.stopped)
	r.logger.Info("Track runtime started")

	for {
		select {
		case <-r.ctx.Done():
			r.finish()
			return

		case req := <-r.startCh:
			delta, err := r.engine.StartTurn(req.text, r.settings.Model, turn.StartOptions{})
			req.reply <- err
			if err == nil {
				r.apply(delta)
			}

		case req := <-r.approveCh:
			delta, err := r.engine.Approve(req.entryID)
			req.reply <- err
			if err == nil {
				r.apply(delta)
			}

		case req := <-r.denyCh:
			delta, err := r.engine.Deny(req.entryID, req.reason)
			req.reply <- err
			if err == nil {
				r.apply(delta)
			}

		case reply := <-r.cancelTurnCh:
			delta, err := r.engine.CancelTurn()
			if err == nil {
				r.stopStream()
				r.apply(delta)
			}
			reply <- err

		case req := <-r.autonomousCh:
			r.engine.SetAutonomous(req.on)
			req.reply <- nil
			r.logger.Info("Autonomous mode changed", zap.Bool("autonomous", req.on))

		case reply := <-r.snapshotCh:
			reply <- Snapshot{
				Turn:       r.engine.Snapshot(),
				Entries:    r.engine.Entries(),
				Autonomous: r.engine.Autonomous(),
			}

		case se := <-r.llmEventCh:
			if se.gen != r.streamGen {
				continue
			}
			r.apply(r.engine.OnEvent(se.ev))

		case msg := <-r.toolMsgCh:
			r.apply(r.engine.OnToolMessage(msg))
		}
	}
}

func (r *Runtime) finish() {
	r.stopStream()
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Warn("Failed to unsubscribe from track events", zap.Error(err))
		}
	}
	r.logger.Info("Track runtime stopped")
}

// apply executes the effect descriptors of one reducer delta in order.
// Tool dispatches are collected into a single batch so the execution
// manager sees them together; a trailing Reconcile marker re-enters the
// engine after everything else has been applied.
func (r *Runtime) apply(delta turn.Delta) {
	var batch []executor.Call
	reconcile := false

	for _, action := range delta.Actions {
		switch act := action.(type) {
		case turn.CreateTurn:
			r.logger.Info("Turn started",
				zap.String("turn_id", act.TurnID),
				zap.String("model", act.Model))

		case turn.PersistMessage:
			r.logger.Debug("Timeline entry",
				zap.Int64("entry_id", int64(act.Entry.EntryID)),
				zap.String("role", act.Entry.Role),
				zap.String("kind", act.Entry.Kind),
				zap.String("tool", act.Entry.ToolName))

		case turn.UpdateTurnStatus:
			r.logger.Info("Turn status changed", zap.String("status", string(act.Status)))

		case turn.UpdateToolStatus:
			r.logger.Debug("Tool invocation status changed",
				zap.Int64("entry_id", int64(act.EntryID)),
				zap.String("status", string(act.Status)),
				zap.String("command_id", string(act.CommandID)))

		case turn.StartLLM:
			r.startStream(act.Params)

		case turn.SendMsfCommand:
			batch = append(batch, executor.Call{
				EntryID:   act.EntryID,
				Tool:      tools.ToolMetasploitConsole,
				Arguments: map[string]any{"command": act.Text},
			})

		case turn.SendBashCommand:
			batch = append(batch, executor.Call{
				EntryID:   act.EntryID,
				Tool:      tools.ToolBash,
				Arguments: map[string]any{"command": act.Text},
			})

		case turn.ExecuteTool:
			batch = append(batch, executor.Call{
				EntryID:   act.EntryID,
				Tool:      act.Name,
				Arguments: act.Arguments,
			})

		case turn.BroadcastChatState:
			r.broadcastChatState()

		case turn.Reconcile:
			reconcile = true
		}
	}

	if len(batch) > 0 {
		r.submit(batch)
	}
	if reconcile {
		r.apply(r.engine.Reconcile())
	}
}

// startStream opens a completion stream and pumps its events back into the
// mailbox. A start failure is fed to the engine as a stream error.
func (r *Runtime) startStream(params func() llm.Request) {
	req := params()
	ch, cancel, err := r.deps.LLM.Stream(r.ctx, req)
	if err != nil {
		r.logger.Error("Failed to start completion stream", zap.Error(err))
		r.apply(r.engine.OnEvent(llm.Error{Err: err}))
		return
	}
	r.streamGen++
	r.llmCancel = cancel
	go r.pumpStream(r.streamGen, ch)
}

func (r *Runtime) pumpStream(gen int, ch <-chan llm.Event) {
	for ev := range ch {
		select {
		case r.llmEventCh <- streamEvent{gen: gen, ev: ev}:
		case <-r.ctx.Done():
			return
		}
	}
}

// stopStream severs the active stream and orphans whatever events it still
// has buffered.
func (r *Runtime) stopStream() {
	if r.llmCancel != nil {
		r.llmCancel()
		r.llmCancel = nil
	}
	r.streamGen++
}

// submit hands a batch to the execution manager on its own goroutine. Run
// blocks until the batch drains, so it must never run on the mailbox
// goroutine.
func (r *Runtime) submit(batch []executor.Call) {
	ec := tools.ExecContext{
		WorkspaceID:   r.id.WorkspaceID,
		WorkspaceSlug: r.id.WorkspaceSlug,
		ContainerID:   r.id.ContainerID,
		TrackID:       r.id.TrackID,
		Msf:           r.deps.Container,
		Shell:         r.deps.Container,
		Memory:        r.memory,
		DB:            r.deps.DB,
		Await:         r.waiters.await,
	}
	go r.deps.Executor.Run(r.ctx, batch, ec, r.emitToolUpdate)
}

// emitToolUpdate converts an executor update into a reducer message. Called
// from executor worker goroutines.
func (r *Runtime) emitToolUpdate(u executor.Update) {
	msg := turn.ToolMessage{EntryID: u.EntryID}
	switch u.Kind {
	case executor.UpdateExecuting:
		msg.Kind = turn.ToolExecuting
	case executor.UpdateSuccess:
		msg.Kind = turn.ToolSucceeded
		msg.Value = u.Value
	case executor.UpdateAsync:
		msg.Kind = turn.ToolAsync
		msg.CommandID = u.CommandID
		// Register before the executor starts awaiting so a completion
		// racing this update is not lost.
		r.waiters.expect(u.CommandID)
	case executor.UpdateError:
		msg.Kind = turn.ToolFailed
		if u.Err != nil {
			msg.Err = u.Err.Error()
		}
	case executor.UpdateTimeout:
		msg.Kind = turn.ToolTimedOut
	default:
		return
	}

	select {
	case r.toolMsgCh <- msg:
	case <-r.ctx.Done():
	}
}

// onBusEvent synthesizes tool completion messages from command-result
// events. Called on the bus delivery goroutine.
func (r *Runtime) onBusEvent(ctx context.Context, event *bus.Event) error {
	if event.Type != events.CommandResult {
		return nil
	}
	var data events.CommandResultData
	if err := events.DecodeData(event.Data, &data); err != nil {
		r.logger.Warn("Failed to decode command result", zap.Error(err))
		return nil
	}
	switch data.Status {
	case events.CommandFinished, events.CommandError:
	default:
		return nil
	}

	// Unblock the executor's sequential group first, then let the reducer
	// settle the invocation.
	r.waiters.complete(data.CommandID)

	msg := turn.ToolMessage{
		Kind:      turn.ToolCommandDone,
		CommandID: data.CommandID,
		Value:     data.Output,
		Err:       data.Error,
		ExitCode:  data.ExitCode,
	}
	select {
	case r.toolMsgCh <- msg:
	case <-r.ctx.Done():
	}
	return nil
}

func (r *Runtime) broadcastChatState() {
	snap := r.engine.Snapshot()
	data := events.ChatChangedData{
		WorkspaceID: r.id.WorkspaceID,
		TrackID:     r.id.TrackID,
		TurnStatus:  string(snap.Status),
	}
	event := bus.NewEvent(events.ChatChanged, "track-runtime", data)
	if err := r.deps.Bus.Publish(r.ctx, events.BuildTrackSubject(r.id.TrackID), event); err != nil {
		r.logger.Warn("Failed to publish chat state", zap.Error(err))
	}
}
