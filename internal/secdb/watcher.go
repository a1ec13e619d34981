package secdb

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
)

// Counter is the slice of Store the watcher needs.
type Counter interface {
	Counts(ctx context.Context, workspace string) (Totals, error)
}

// WorkspaceLister names the workspaces to poll. The lab manager implements
// it from its container registry, so the watcher only polls workspaces
// that have containers.
type WorkspaceLister interface {
	Workspaces() map[ident.WorkspaceID]string
}

// Watcher polls row counts per workspace and publishes a DatabaseUpdated
// event whenever they move, so collaborators see scan results land without
// querying themselves.
type Watcher struct {
	store    Counter
	bus      bus.EventBus
	lister   WorkspaceLister
	interval time.Duration
	logger   *logger.Logger

	last map[ident.WorkspaceID]Totals
}

// NewWatcher creates a watcher. It does not start polling until Run.
func NewWatcher(store Counter, eventBus bus.EventBus, lister WorkspaceLister, interval time.Duration, log *logger.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		store:    store,
		bus:      eventBus,
		lister:   lister,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "secdb-watcher")),
		last:     make(map[ident.WorkspaceID]Totals),
	}
}

// Run polls until the context is cancelled. It always returns nil so an
// errgroup treats shutdown as clean.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Security database watcher started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Security database watcher stopped")
			return nil
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	for workspaceID, name := range w.lister.Workspaces() {
		totals, err := w.store.Counts(ctx, name)
		if err != nil {
			w.logger.Warn("Failed to poll security database",
				zap.Int64("workspace_id", int64(workspaceID)),
				zap.String("workspace", name),
				zap.Error(err))
			continue
		}

		changes := diffTotals(w.last[workspaceID], totals)
		w.last[workspaceID] = totals
		if len(changes) == 0 {
			continue
		}

		data := events.DatabaseUpdatedData{
			WorkspaceID: workspaceID,
			Changes:     changes,
			Totals:      totals,
		}
		event := bus.NewEvent(events.DatabaseUpdated, "secdb-watcher", data)
		if err := w.bus.Publish(ctx, events.BuildWorkspaceSubject(workspaceID), event); err != nil {
			w.logger.Warn("Failed to publish database update",
				zap.Int64("workspace_id", int64(workspaceID)),
				zap.Error(err))
		}
	}
}

// diffTotals returns the per-table delta between two observations. A nil
// previous observation counts as all zeroes, so the first poll of a
// workspace with existing data publishes its full totals as changes.
func diffTotals(prev, cur Totals) map[string]int64 {
	changes := make(map[string]int64)
	for table, n := range cur {
		if d := n - prev[table]; d != 0 {
			changes[table] = d
		}
	}
	return changes
}
