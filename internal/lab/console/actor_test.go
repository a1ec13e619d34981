package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/msfrpc"
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

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type readStep struct {
	res msfrpc.ReadResult
	err error
}

// fakeRPC scripts console reads: steps are consumed in order, then the
// default result (or error) repeats.
type fakeRPC struct {
	mu         sync.Mutex
	createInfo msfrpc.ConsoleInfo
	createErr  error
	steps      []readStep
	defaultRes msfrpc.ReadResult
	defaultErr error
	writeErr   error
	writes     []string
	reads      int
	destroys   int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		createInfo: msfrpc.ConsoleInfo{ID: "7", Prompt: "", Busy: true},
		defaultRes: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "},
	}
}

func (f *fakeRPC) ConsoleCreate(ctx context.Context, endpoint string, token msfrpc.Token) (msfrpc.ConsoleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createInfo, f.createErr
}

func (f *fakeRPC) ConsoleRead(ctx context.Context, endpoint string, token msfrpc.Token, sessionID string) (msfrpc.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.steps) > 0 {
		step := f.steps[0]
		f.steps = f.steps[1:]
		return step.res, step.err
	}
	return f.defaultRes, f.defaultErr
}

func (f *fakeRPC) ConsoleWrite(ctx context.Context, endpoint string, token msfrpc.Token, sessionID, data string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, data)
	return len(data), nil
}

func (f *fakeRPC) ConsoleDestroy(ctx context.Context, endpoint string, token msfrpc.Token, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func (f *fakeRPC) setSteps(steps ...readStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = steps
}

func (f *fakeRPC) setDefault(res msfrpc.ReadResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultRes = res
	f.defaultErr = err
}

func (f *fakeRPC) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeRPC) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeRPC) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys
}

func (f *fakeRPC) recordedWrites() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []CommandRecord
}

func (f *fakeRecorder) Record(ctx context.Context, rec CommandRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) all() []CommandRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CommandRecord, len(f.records))
	copy(out, f.records)
	return out
}

type eventCollector struct {
	mu      sync.Mutex
	updates []events.ConsoleUpdatedData
}

func (c *eventCollector) handle(ctx context.Context, event *bus.Event) error {
	data, ok := event.Data.(events.ConsoleUpdatedData)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.updates = append(c.updates, data)
	c.mu.Unlock()
	return nil
}

func (c *eventCollector) all() []events.ConsoleUpdatedData {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.ConsoleUpdatedData, len(c.updates))
	copy(out, c.updates)
	return out
}

func (c *eventCollector) countStatus(status string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, u := range c.updates {
		if u.Status == status {
			n++
		}
	}
	return n
}

func testConsoleConfig() config.ConsoleConfig {
	return config.ConsoleConfig{
		PollIntervalMs:      5,
		KeepaliveIntervalMs: 60000,
		ReadMaxRetries:      3,
		ReadRetryDelaysMs:   []int{1, 2, 4},
	}
}

type testHarness struct {
	actor     *Actor
	rpc       *fakeRPC
	recorder  *fakeRecorder
	collector *eventCollector
	cancel    context.CancelFunc
}

func spawnTestActor(t *testing.T, rpc *fakeRPC, cfg config.ConsoleConfig) *testHarness {
	t.Helper()

	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	collector := &eventCollector{}
	id := Identity{WorkspaceID: 1, ContainerID: 2, TrackID: 42}
	if _, err := eventBus.Subscribe(events.BuildTrackSubject(id.TrackID), collector.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	recorder := &fakeRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	actor := Spawn(ctx, id, "localhost:55730", "TOKEN", rpc, eventBus, recorder, cfg, log)
	return &testHarness{actor: actor, rpc: rpc, recorder: recorder, collector: collector, cancel: cancel}
}

func (h *testHarness) waitReady(t *testing.T) {
	t.Helper()
	waitFor(t, 2*time.Second, "console to become ready", func() bool {
		return h.actor.Status() == StatusReady
	})
}

func waitExit(t *testing.T, a *Actor) ExitReason {
	t.Helper()
	select {
	case reason := <-a.Wait():
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit")
		return ExitReason{}
	}
}

func TestStartupToReady(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setSteps(
		readStep{res: msfrpc.ReadResult{Data: "Metasploit banner\n", Busy: true}},
		readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}},
	)
	h := spawnTestActor(t, rpc, testConsoleConfig())

	h.waitReady(t)
	waitFor(t, time.Second, "ready event", func() bool {
		return h.collector.countStatus(events.ConsoleReady) >= 1
	})

	updates := h.collector.all()
	if updates[0].Status != events.ConsoleStarting || updates[0].Output != "" {
		t.Errorf("first event = %+v, want empty starting", updates[0])
	}

	var sawBanner bool
	for _, u := range updates {
		if u.Status == events.ConsoleStarting && u.Output == "Metasploit banner\n" {
			sawBanner = true
		}
	}
	if !sawBanner {
		t.Error("startup banner output was not published")
	}

	last := updates[len(updates)-1]
	if last.Status != events.ConsoleReady || last.Prompt != "msf6 > " {
		t.Errorf("last event = %+v, want ready with prompt", last)
	}

	if got := h.actor.Prompt(); got != "msf6 > " {
		t.Errorf("Prompt() = %q, want %q", got, "msf6 > ")
	}
}

func TestSendCommandHappyPath(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setSteps(readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}})
	h := spawnTestActor(t, rpc, testConsoleConfig())
	h.waitReady(t)

	rpc.setSteps(
		readStep{res: msfrpc.ReadResult{Data: "[*] Connected\n", Busy: true}},
		readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}},
	)

	cid, err := h.actor.SendCommand(context.Background(), "db_status")
	if err != nil {
		t.Fatalf("SendCommand returned error: %v", err)
	}
	if len(cid) != 16 {
		t.Errorf("command id %q length = %d, want 16", cid, len(cid))
	}
	if err := cid.Validate(); err != nil {
		t.Errorf("command id %q invalid: %v", cid, err)
	}

	waitFor(t, 2*time.Second, "command completion", func() bool {
		return h.collector.countStatus(events.ConsoleReady) >= 2
	})

	// Find the busy burst that follows the first ready event.
	updates := h.collector.all()
	firstReady := -1
	for i, u := range updates {
		if u.Status == events.ConsoleReady {
			firstReady = i
			break
		}
	}
	tail := updates[firstReady+1:]

	if len(tail) != 3 {
		t.Fatalf("got %d events after ready, want 3: %+v", len(tail), tail)
	}
	if tail[0].Status != events.ConsoleBusy || tail[0].Output != "" ||
		tail[0].CommandID != cid || tail[0].Command != "db_status" {
		t.Errorf("first busy event = %+v", tail[0])
	}
	if tail[1].Status != events.ConsoleBusy || tail[1].Output != "[*] Connected\n" {
		t.Errorf("second busy event = %+v", tail[1])
	}
	if tail[2].Status != events.ConsoleReady || tail[2].Prompt != "msf6 > " {
		t.Errorf("final event = %+v, want ready with prompt", tail[2])
	}

	if got := h.actor.Status(); got != StatusReady {
		t.Errorf("Status() = %q, want ready", got)
	}

	writes := rpc.recordedWrites()
	if len(writes) != 1 || writes[0] != "db_status\n" {
		t.Errorf("writes = %q, want [db_status\\n]", writes)
	}

	records := h.recorder.all()
	if len(records) != 1 {
		t.Fatalf("got %d trace records, want 1", len(records))
	}
	rec := records[0]
	if rec.Command != "db_status" || rec.Output != "[*] Connected\n" || rec.Prompt != "msf6 > " {
		t.Errorf("trace record = %+v", rec)
	}
	if rec.CommandID != cid {
		t.Errorf("trace command id = %q, want %q", rec.CommandID, cid)
	}
}

func TestSendCommandWhileStarting(t *testing.T) {
	rpc := newFakeRPC()
	// The banner never finishes.
	rpc.setDefault(msfrpc.ReadResult{Busy: true}, nil)
	h := spawnTestActor(t, rpc, testConsoleConfig())

	waitFor(t, time.Second, "first poll", func() bool {
		return rpc.readCount() >= 1
	})

	_, err := h.actor.SendCommand(context.Background(), "db_status")
	if !fault.IsKind(err, fault.ConsoleStarting) {
		t.Errorf("SendCommand error = %v, want console_starting", err)
	}
}

func TestSendCommandWhileBusy(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setSteps(readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}})
	h := spawnTestActor(t, rpc, testConsoleConfig())
	h.waitReady(t)

	// The command never completes.
	rpc.setDefault(msfrpc.ReadResult{Busy: true}, nil)

	if _, err := h.actor.SendCommand(context.Background(), "exploit"); err != nil {
		t.Fatalf("first SendCommand returned error: %v", err)
	}

	_, err := h.actor.SendCommand(context.Background(), "version")
	if !fault.IsKind(err, fault.ConsoleBusy) {
		t.Errorf("second SendCommand error = %v, want console_busy", err)
	}
}

func TestWriteFailureKillsActor(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setSteps(readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}})
	h := spawnTestActor(t, rpc, testConsoleConfig())
	h.waitReady(t)

	rpc.setWriteErr(fault.New(fault.AuthFailed, "token expired"))

	_, err := h.actor.SendCommand(context.Background(), "db_status")
	if !fault.IsKind(err, fault.ConsoleWriteFailed) {
		t.Errorf("SendCommand error = %v, want console_write_failed", err)
	}
	if !fault.IsKind(err, fault.AuthFailed) {
		t.Errorf("SendCommand error = %v, want auth_failed in the chain", err)
	}

	reason := waitExit(t, h.actor)
	if reason.Normal {
		t.Error("exit reported as normal after a write failure")
	}
	if !fault.IsKind(reason.Err, fault.ConsoleWriteFailed) {
		t.Errorf("exit error = %v, want console_write_failed", reason.Err)
	}

	waitFor(t, time.Second, "session destroy", func() bool {
		return rpc.destroyCount() == 1
	})
}

func TestReadRetryExhaustion(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setDefault(msfrpc.ReadResult{}, errors.New("connection reset"))
	h := spawnTestActor(t, rpc, testConsoleConfig())

	reason := waitExit(t, h.actor)
	if reason.Normal {
		t.Error("exit reported as normal after read exhaustion")
	}
	if !fault.IsKind(reason.Err, fault.ConsoleReadFailed) {
		t.Errorf("exit error = %v, want console_read_failed", reason.Err)
	}

	// Initial poll plus three retries.
	if got := rpc.readCount(); got != 4 {
		t.Errorf("read count = %d, want 4", got)
	}
}

func TestGoOffline(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setSteps(readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}})
	h := spawnTestActor(t, rpc, testConsoleConfig())
	h.waitReady(t)

	h.actor.GoOffline()

	reason := waitExit(t, h.actor)
	if !reason.Normal {
		t.Errorf("exit = %+v, want normal", reason)
	}
	if rpc.destroyCount() != 1 {
		t.Errorf("destroy count = %d, want 1", rpc.destroyCount())
	}

	if got := h.actor.Status(); got != StatusOffline {
		t.Errorf("Status() after stop = %q, want offline", got)
	}
	_, err := h.actor.SendCommand(context.Background(), "db_status")
	if !fault.IsKind(err, fault.ConsoleOffline) {
		t.Errorf("SendCommand after stop = %v, want console_offline", err)
	}
	if h.actor.Alive() {
		t.Error("Alive() = true after exit")
	}
}

func TestKeepaliveRefreshes(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setSteps(readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}})
	cfg := testConsoleConfig()
	cfg.KeepaliveIntervalMs = 10
	h := spawnTestActor(t, rpc, cfg)
	h.waitReady(t)

	base := rpc.readCount()
	waitFor(t, 2*time.Second, "keepalive reads", func() bool {
		return rpc.readCount() >= base+2
	})

	if got := h.actor.Status(); got != StatusReady {
		t.Errorf("Status() = %q, want ready after keepalives", got)
	}
}

func TestKeepaliveFailureKillsActor(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setSteps(readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}})
	cfg := testConsoleConfig()
	cfg.KeepaliveIntervalMs = 10
	h := spawnTestActor(t, rpc, cfg)
	h.waitReady(t)

	rpc.setDefault(msfrpc.ReadResult{}, errors.New("connection reset"))

	reason := waitExit(t, h.actor)
	if reason.Normal {
		t.Error("exit reported as normal after keepalive failure")
	}
	if !fault.IsKind(reason.Err, fault.KeepaliveFailed) {
		t.Errorf("exit error = %v, want keepalive_failed", reason.Err)
	}
}

func TestSessionCreateFailure(t *testing.T) {
	rpc := newFakeRPC()
	rpc.createErr = errors.New("no route to host")
	h := spawnTestActor(t, rpc, testConsoleConfig())

	reason := waitExit(t, h.actor)
	if reason.Normal {
		t.Error("exit reported as normal after create failure")
	}
	if !fault.IsKind(reason.Err, fault.SessionCreateFailed) {
		t.Errorf("exit error = %v, want session_create_failed", reason.Err)
	}
	if rpc.destroyCount() != 0 {
		t.Errorf("destroy count = %d, want 0 without a session", rpc.destroyCount())
	}
}

func TestContextCancelStopsActor(t *testing.T) {
	rpc := newFakeRPC()
	rpc.setSteps(readStep{res: msfrpc.ReadResult{Busy: false, Prompt: "msf6 > "}})
	h := spawnTestActor(t, rpc, testConsoleConfig())
	h.waitReady(t)

	h.cancel()

	reason := waitExit(t, h.actor)
	if !reason.Normal {
		t.Errorf("exit = %+v, want normal on context cancel", reason)
	}
}
