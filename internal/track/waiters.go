package track

import (
	"context"
	"sync"

	"github.com/sarnowski/msfailab/internal/common/ident"
)

// commandWaiters lets executor workers block until a command-result event
// for their command id has arrived. Completions for command ids nobody
// registered (console input typed by a human, for example) are dropped.
type commandWaiters struct {
	mu      sync.Mutex
	waiting map[ident.CommandID]chan struct{}
	// expected marks command ids a worker will await; the value flips to
	// true when the completion arrives before the await does.
	expected map[ident.CommandID]bool
}

func newCommandWaiters() *commandWaiters {
	return &commandWaiters{
		waiting:  make(map[ident.CommandID]chan struct{}),
		expected: make(map[ident.CommandID]bool),
	}
}

// expect registers interest in a command id before awaiting it, closing the
// window between the async dispatch and the await call.
func (w *commandWaiters) expect(commandID ident.CommandID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.expected[commandID]; !ok {
		w.expected[commandID] = false
	}
}

// await blocks until complete has been called for the command id.
func (w *commandWaiters) await(ctx context.Context, commandID ident.CommandID) error {
	w.mu.Lock()
	if done := w.expected[commandID]; done {
		delete(w.expected, commandID)
		w.mu.Unlock()
		return nil
	}
	ch, ok := w.waiting[commandID]
	if !ok {
		ch = make(chan struct{})
		w.waiting[commandID] = ch
	}
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		if cur, ok := w.waiting[commandID]; ok && cur == ch {
			delete(w.waiting, commandID)
			delete(w.expected, commandID)
		}
		w.mu.Unlock()
		return ctx.Err()
	}
}

// complete releases the waiter for the command id, or remembers the
// completion when the waiter has not arrived yet.
func (w *commandWaiters) complete(commandID ident.CommandID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.waiting[commandID]; ok {
		delete(w.waiting, commandID)
		delete(w.expected, commandID)
		close(ch)
		return
	}
	if _, ok := w.expected[commandID]; ok {
		w.expected[commandID] = true
	}
}
