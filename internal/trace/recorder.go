package trace

import (
	"context"

	"github.com/sarnowski/msfailab/internal/lab/console"
)

// Recorder adapts a Sink to the Recorder interface the console and
// container actors expect.
type Recorder struct {
	sink Sink
}

var _ console.Recorder = (*Recorder)(nil)

// NewRecorder wraps a sink. A nil sink records nothing.
func NewRecorder(sink Sink) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	return &Recorder{sink: sink}
}

// Record implements console.Recorder.
func (r *Recorder) Record(ctx context.Context, rec console.CommandRecord) error {
	kind := rec.Kind
	if kind == "" {
		kind = KindConsole
	}
	return r.sink.RecordCommand(ctx, Entry{
		TrackID:     rec.TrackID,
		ContainerID: rec.ContainerID,
		Kind:        kind,
		Command:     rec.Command,
		Output:      rec.Output,
		Prompt:      rec.Prompt,
		ExitCode:    rec.ExitCode,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	})
}
