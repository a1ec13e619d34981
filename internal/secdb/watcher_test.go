package secdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
)

type fakeCounter struct {
	mu     sync.Mutex
	totals map[string]Totals // workspace name -> totals
}

func (f *fakeCounter) set(workspace string, t Totals) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.totals == nil {
		f.totals = make(map[string]Totals)
	}
	f.totals[workspace] = t
}

func (f *fakeCounter) Counts(ctx context.Context, workspace string) (Totals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals[workspace], nil
}

type staticLister map[ident.WorkspaceID]string

func (l staticLister) Workspaces() map[ident.WorkspaceID]string { return l }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWatcherPublishesDeltas(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	var mu sync.Mutex
	var received []events.DatabaseUpdatedData
	_, err := eventBus.Subscribe(events.BuildWorkspaceSubject(7), func(ctx context.Context, event *bus.Event) error {
		var data events.DatabaseUpdatedData
		if err := events.DecodeData(event.Data, &data); err != nil {
			t.Errorf("DecodeData: %v", err)
			return nil
		}
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	counter := &fakeCounter{}
	counter.set("acme", Totals{TableHosts: 3, TableServices: 12, TableVulns: 0, TableCreds: 0, TableLoots: 0, TableNotes: 0})

	w := NewWatcher(counter, eventBus, staticLister{7: "acme"}, time.Hour, log)
	ctx := context.Background()

	// First observation publishes existing data as changes from zero.
	w.poll(ctx)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	first := received[0]
	mu.Unlock()
	if first.WorkspaceID != 7 {
		t.Fatalf("workspace = %d, want 7", first.WorkspaceID)
	}
	if first.Changes[TableHosts] != 3 || first.Changes[TableServices] != 12 {
		t.Fatalf("changes = %v", first.Changes)
	}
	if _, ok := first.Changes[TableVulns]; ok {
		t.Fatalf("zero-count table reported as change: %v", first.Changes)
	}

	// Unchanged counts stay silent.
	w.poll(ctx)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := len(received)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("received = %d events after unchanged poll, want 1", n)
	}

	// A new vuln and two new hosts show up as deltas with full totals.
	counter.set("acme", Totals{TableHosts: 5, TableServices: 12, TableVulns: 1, TableCreds: 0, TableLoots: 0, TableNotes: 0})
	w.poll(ctx)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})
	mu.Lock()
	second := received[1]
	mu.Unlock()
	if second.Changes[TableHosts] != 2 || second.Changes[TableVulns] != 1 {
		t.Fatalf("changes = %v", second.Changes)
	}
	if len(second.Changes) != 2 {
		t.Fatalf("changes = %v, want only moved tables", second.Changes)
	}
	if second.Totals[TableHosts] != 5 || second.Totals[TableServices] != 12 {
		t.Fatalf("totals = %v", second.Totals)
	}
}

func TestDiffTotals(t *testing.T) {
	changes := diffTotals(
		Totals{TableHosts: 2, TableServices: 4},
		Totals{TableHosts: 2, TableServices: 7, TableCreds: 1},
	)
	if len(changes) != 2 || changes[TableServices] != 3 || changes[TableCreds] != 1 {
		t.Fatalf("changes = %v", changes)
	}

	if changes := diffTotals(nil, Totals{TableHosts: 0}); len(changes) != 0 {
		t.Fatalf("zero totals produced changes: %v", changes)
	}
}
