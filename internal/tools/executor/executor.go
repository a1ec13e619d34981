// Package executor runs batches of approved tool calls. Tools sharing a
// named mutex group execute sequentially in submitted order; everything
// else runs in parallel. The executor is stateless between batches: the
// caller supplies the capabilities and receives every status transition
// through the emit callback.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/tools"
)

// UpdateKind tags one executor status emission.
type UpdateKind string

const (
	// UpdateExecuting is emitted when a worker picks the call up.
	UpdateExecuting UpdateKind = "executing"
	// UpdateSuccess carries the value of a completed synchronous call.
	UpdateSuccess UpdateKind = "success"
	// UpdateAsync carries the command id of a long-running call whose
	// completion arrives out-of-band as a command-result event.
	UpdateAsync UpdateKind = "async"
	// UpdateError carries a resolution, validation or handler failure.
	UpdateError UpdateKind = "error"
	// UpdateTimeout is emitted when the descriptor timeout expired; a
	// late result is received and discarded.
	UpdateTimeout UpdateKind = "timeout"
)

// Update is one status emission for a call in the batch.
type Update struct {
	EntryID   ident.EntryID
	Kind      UpdateKind
	Value     string
	CommandID ident.CommandID
	Err       error
}

// Emit receives updates. It is called from multiple worker goroutines and
// must be safe for concurrent use.
type Emit func(Update)

// Call is one element of a batch.
type Call struct {
	EntryID   ident.EntryID
	Tool      string
	Arguments map[string]any
}

// Executor dispatches batches against a tool registry.
type Executor struct {
	registry *tools.Registry
	logger   *logger.Logger
}

// New returns an executor bound to the given registry.
func New(registry *tools.Registry, log *logger.Logger) *Executor {
	return &Executor{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "tool-executor")),
	}
}

type plan struct {
	call    Call
	desc    tools.Descriptor
	handler tools.Handler
}

type outcome struct {
	res tools.Result
	err error
}

// Run executes the batch and blocks until every worker has finished its
// emissions. Calls that fail to resolve or validate emit a single error
// update and never start.
func (e *Executor) Run(ctx context.Context, batch []Call, ec tools.ExecContext, emit Emit) {
	groups := make(map[string][]plan)
	var solo []plan

	for _, call := range batch {
		desc, handler, err := e.registry.Resolve(call.Tool)
		if err == nil {
			err = e.registry.ValidateArgs(call.Tool, call.Arguments)
		}
		if err != nil {
			emit(Update{EntryID: call.EntryID, Kind: UpdateError, Err: err})
			continue
		}
		p := plan{call: call, desc: desc, handler: handler}
		if desc.Mutex == "" {
			solo = append(solo, p)
		} else {
			groups[desc.Mutex] = append(groups[desc.Mutex], p)
		}
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(plans []plan) {
			defer wg.Done()
			for _, p := range plans {
				e.execute(ctx, p, ec, emit)
			}
		}(group)
	}
	for _, p := range solo {
		wg.Add(1)
		go func(p plan) {
			defer wg.Done()
			e.execute(ctx, p, ec, emit)
		}(p)
	}
	wg.Wait()
}

// execute runs one call. The descriptor timeout budgets the whole call,
// including the out-of-band completion of async commands when the caller
// supplied an await hook.
func (e *Executor) execute(ctx context.Context, p plan, ec tools.ExecContext, emit Emit) {
	emit(Update{EntryID: p.call.EntryID, Kind: UpdateExecuting})

	var timeout <-chan time.Time
	if p.desc.TimeoutMS != nil && *p.desc.TimeoutMS > 0 {
		timer := time.NewTimer(time.Duration(*p.desc.TimeoutMS) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	resCh := make(chan outcome, 1)
	go func() {
		res, err := p.handler(ctx, ec, p.call.Arguments)
		resCh <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-resCh:
	case <-timeout:
		emit(Update{EntryID: p.call.EntryID, Kind: UpdateTimeout})
		e.discardLate(p.call, resCh)
		return
	case <-ctx.Done():
		emit(Update{EntryID: p.call.EntryID, Kind: UpdateError, Err: ctx.Err()})
		e.discardLate(p.call, resCh)
		return
	}

	switch {
	case out.err != nil:
		emit(Update{EntryID: p.call.EntryID, Kind: UpdateError, Err: out.err})
	case out.res.Async:
		emit(Update{EntryID: p.call.EntryID, Kind: UpdateAsync, CommandID: out.res.CommandID})
		e.awaitCommand(ctx, p.call, out.res.CommandID, timeout, ec, emit)
	default:
		emit(Update{EntryID: p.call.EntryID, Kind: UpdateSuccess, Value: out.res.Value})
	}
}

// awaitCommand paces a sequential group behind an async command. The
// completion content itself flows to the engine through the command-result
// event; the worker only needs to know when it may start the next call.
func (e *Executor) awaitCommand(ctx context.Context, call Call, commandID ident.CommandID, timeout <-chan time.Time, ec tools.ExecContext, emit Emit) {
	if ec.Await == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- ec.Await(ctx, commandID) }()

	select {
	case <-done:
	case <-timeout:
		emit(Update{EntryID: call.EntryID, Kind: UpdateTimeout})
		go func() {
			<-done
			e.logger.Debug("Discarding late command completion",
				zap.Int64("entry_id", int64(call.EntryID)),
				zap.String("command_id", string(commandID)))
		}()
	case <-ctx.Done():
	}
}

func (e *Executor) discardLate(call Call, resCh <-chan outcome) {
	go func() {
		out := <-resCh
		e.logger.Debug("Discarding late tool result",
			zap.Int64("entry_id", int64(call.EntryID)),
			zap.String("tool", call.Tool),
			zap.Error(out.err))
	}()
}
