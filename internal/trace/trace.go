// Package trace persists every console and shell command the lab executed,
// together with its output, as an auditable flight recorder.
package trace

import (
	"context"
	"time"

	"github.com/sarnowski/msfailab/internal/common/ident"
)

// Kinds of traced commands.
const (
	KindConsole = "console"
	KindShell   = "shell"
)

// Entry is one completed command.
type Entry struct {
	ID          int64             `db:"id"`
	TrackID     ident.TrackID     `db:"track_id"`
	ContainerID ident.ContainerID `db:"container_id"`
	Kind        string            `db:"kind"`
	Command     string            `db:"command"`
	Output      string            `db:"output"`
	Prompt      string            `db:"prompt"`
	ExitCode    *int              `db:"exit_code"`
	StartedAt   time.Time         `db:"started_at"`
	FinishedAt  time.Time         `db:"finished_at"`
}

// Sink records completed commands. Implementations are called from many
// actors concurrently.
type Sink interface {
	RecordCommand(ctx context.Context, e Entry) error
}

// NopSink drops every record. Used in tests and when tracing is disabled.
type NopSink struct{}

// RecordCommand implements Sink.
func (NopSink) RecordCommand(ctx context.Context, e Entry) error { return nil }
