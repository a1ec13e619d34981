package trace

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/lab/console"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestStoreRecordAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	store, err := NewStore(path, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exitCode := 0

	records := []Entry{
		{TrackID: 7, ContainerID: 3, Kind: KindConsole, Command: "db_status", Output: "[*] Connected\n", Prompt: "msf6 > ", StartedAt: base, FinishedAt: base.Add(time.Second)},
		{TrackID: 7, ContainerID: 3, Kind: KindShell, Command: "id", Output: "uid=0(root)\n", ExitCode: &exitCode, StartedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute + time.Second)},
		{TrackID: 9, ContainerID: 3, Kind: KindConsole, Command: "help", Output: "Core Commands\n", Prompt: "msf6 > ", StartedAt: base, FinishedAt: base.Add(time.Second)},
	}
	for _, rec := range records {
		if err := store.RecordCommand(ctx, rec); err != nil {
			t.Fatalf("RecordCommand: %v", err)
		}
	}

	entries, err := store.CommandsForTrack(ctx, 7, 10)
	if err != nil {
		t.Fatalf("CommandsForTrack: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// newest first
	if entries[0].Command != "id" || entries[1].Command != "db_status" {
		t.Fatalf("order = [%s, %s], want [id, db_status]", entries[0].Command, entries[1].Command)
	}
	if entries[0].Kind != KindShell || entries[0].ExitCode == nil || *entries[0].ExitCode != 0 {
		t.Fatalf("shell entry = %+v", entries[0])
	}
	if entries[1].ExitCode != nil {
		t.Fatalf("console entry carries exit code: %+v", entries[1])
	}
	if entries[1].Prompt != "msf6 > " {
		t.Fatalf("prompt = %q", entries[1].Prompt)
	}
}

type captureSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *captureSink) RecordCommand(ctx context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func TestRecorderAdaptsConsoleRecords(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(sink)

	err := rec.Record(context.Background(), console.CommandRecord{
		WorkspaceID: 1,
		ContainerID: 2,
		TrackID:     3,
		CommandID:   "abcdef0123456789",
		Command:     "db_status",
		Output:      "[*] Connected\n",
		Prompt:      "msf6 > ",
		StartedAt:   time.Now().UTC(),
		FinishedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if len(sink.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(sink.entries))
	}
	got := sink.entries[0]
	if got.Kind != KindConsole {
		t.Fatalf("kind = %q, want console default", got.Kind)
	}
	if got.TrackID != 3 || got.ContainerID != 2 || got.Command != "db_status" {
		t.Fatalf("entry = %+v", got)
	}
}

func TestNopRecorder(t *testing.T) {
	rec := NewRecorder(nil)
	if err := rec.Record(context.Background(), console.CommandRecord{Command: "noop"}); err != nil {
		t.Fatalf("Record via nop sink: %v", err)
	}
}
