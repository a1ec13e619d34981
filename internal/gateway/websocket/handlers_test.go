package websocket

import (
	"context"
	"errors"
	"testing"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/lab/container"
	"github.com/sarnowski/msfailab/internal/track"
	"github.com/sarnowski/msfailab/internal/turn"
	ws "github.com/sarnowski/msfailab/pkg/websocket"
)

func TestContainerViewRendersSnapshot(t *testing.T) {
	snap := container.Snapshot{
		Identity: container.Identity{
			ContainerID:   7,
			WorkspaceID:   3,
			WorkspaceSlug: "acme",
			ContainerSlug: "kali-main",
		},
		Status:       container.StatusRunning,
		DockerID:     "abc123",
		Endpoint:     "127.0.0.1:55731",
		RPCPort:      55731,
		RestartCount: 2,
		Consoles: map[ident.TrackID]container.ConsoleState{
			5: {Live: true},
			3: {Live: false},
		},
	}

	view := containerView(snap)
	if view.ContainerID != 7 || view.WorkspaceID != 3 {
		t.Errorf("ids not copied: %+v", view)
	}
	if view.Status != "running" {
		t.Errorf("expected running, got %s", view.Status)
	}
	if view.RPCPort != 55731 || view.RestartCount != 2 {
		t.Errorf("endpoint fields not copied: %+v", view)
	}
	if len(view.Tracks) != 2 || view.Tracks[0] != 3 || view.Tracks[1] != 5 {
		t.Errorf("expected sorted tracks [3 5], got %v", view.Tracks)
	}
}

func TestChatViewRendersTimeline(t *testing.T) {
	snap := track.Snapshot{
		Turn: turn.Turn{
			Status:     turn.StatusPendingApproval,
			Model:      "claude-sonnet-4-20250514",
			StopReason: "tool_use",
			Invocations: map[ident.EntryID]*turn.ToolInvocation{
				12: {
					EntryID: 12,
					Name:    "run_console_command",
					Mutex:   "console",
					Status:  turn.InvocationPending,
					Arguments: map[string]any{
						"command": "db_nmap -sV 10.0.0.5",
					},
				},
				11: {
					EntryID: 11,
					Name:    "get_console_status",
					Status:  turn.InvocationSuccess,
					Result:  "ready",
				},
			},
		},
		Entries: []turn.Entry{
			{EntryID: 10, Position: 0, Role: "user", Kind: turn.EntryText, Content: "scan the target"},
			{EntryID: 12, Position: 1, Role: "assistant", Kind: turn.EntryToolCall, ToolName: "run_console_command"},
		},
		Autonomous: true,
	}

	view := chatView(42, snap)
	if view.TrackID != 42 {
		t.Errorf("expected track 42, got %d", view.TrackID)
	}
	if view.TurnStatus != "pending_approval" {
		t.Errorf("expected pending_approval, got %s", view.TurnStatus)
	}
	if !view.Autonomous {
		t.Error("expected autonomous flag to survive")
	}
	if len(view.Entries) != 2 || view.Entries[0].Content != "scan the target" {
		t.Errorf("entries not rendered: %+v", view.Entries)
	}
	if len(view.Invocations) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(view.Invocations))
	}
	if view.Invocations[0].EntryID != 11 || view.Invocations[1].EntryID != 12 {
		t.Errorf("expected invocations sorted by entry id, got %+v", view.Invocations)
	}
	if view.Invocations[1].Mutex != "console" || view.Invocations[1].Status != "pending" {
		t.Errorf("invocation fields not rendered: %+v", view.Invocations[1])
	}
}

func TestErrorResponseMapsFaultKinds(t *testing.T) {
	cases := []struct {
		err  error
		code string
		kind string
	}{
		{fault.Newf(fault.NotFound, "no container 9"), ws.ErrorCodeNotFound, "not_found"},
		{fault.New(fault.AdapterNotFound, "gone"), ws.ErrorCodeNotFound, "adapter_not_found"},
		{fault.New(fault.InvalidStatus, "turn active"), ws.ErrorCodeValidation, "invalid_status"},
		{fault.New(fault.MissingParameter, "command"), ws.ErrorCodeValidation, "missing_parameter"},
		{fault.New(fault.UnknownTool, "frobnicate"), ws.ErrorCodeValidation, "unknown_tool"},
		{fault.New(fault.ConsoleBusy, "command in flight"), ws.ErrorCodeInternalError, "console_busy"},
		{errors.New("plain failure"), ws.ErrorCodeInternalError, ""},
	}

	for _, tc := range cases {
		msg := mustRequest(t, "req-1", ws.ActionContainerState, nil)
		resp, err := errorResponse(msg, tc.err)
		if err != nil {
			t.Fatalf("errorResponse: %v", err)
		}
		if resp.Type != ws.MessageTypeError {
			t.Errorf("%v: expected error type, got %s", tc.err, resp.Type)
		}
		var payload ws.ErrorPayload
		if err := resp.ParsePayload(&payload); err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		if payload.Code != tc.code {
			t.Errorf("%v: expected code %s, got %s", tc.err, tc.code, payload.Code)
		}
		if tc.kind == "" {
			if payload.Details != nil {
				t.Errorf("%v: expected no details, got %v", tc.err, payload.Details)
			}
			continue
		}
		if payload.Details["kind"] != tc.kind {
			t.Errorf("%v: expected kind %s, got %v", tc.err, tc.kind, payload.Details["kind"])
		}
	}
}

func TestHandlersRejectInvalidRequests(t *testing.T) {
	// Validation runs before any manager access, so nil managers prove
	// the guard fires first.
	api := &API{logger: newTestLogger(t)}
	ctx := context.Background()

	cases := []struct {
		name    string
		handler func(context.Context, *ws.Message) (*ws.Message, error)
		action  string
		payload interface{}
	}{
		{"workspace state without id", api.workspaceState, ws.ActionWorkspaceState,
			WorkspaceStateRequest{}},
		{"container create without ids", api.containerCreate, ws.ActionContainerCreate,
			ContainerCreateRequest{WorkspaceSlug: "acme", ContainerSlug: "kali"}},
		{"track create without ids", api.trackCreate, ws.ActionTrackCreate,
			TrackCreateRequest{Model: "claude-sonnet-4-20250514"}},
		{"chat start without text", api.chatStart, ws.ActionChatStart,
			ChatStartRequest{TrackID: 1}},
		{"console send without command", api.consoleSend, ws.ActionConsoleSend,
			ConsoleSendRequest{TrackID: 1, ContainerID: 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := tc.handler(ctx, mustRequest(t, "req-1", tc.action, tc.payload))
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if resp.Type != ws.MessageTypeError {
				t.Fatalf("expected error, got %s", resp.Type)
			}
			var payload ws.ErrorPayload
			if err := resp.ParsePayload(&payload); err != nil {
				t.Fatalf("ParsePayload: %v", err)
			}
			if payload.Code != ws.ErrorCodeValidation {
				t.Errorf("expected %s, got %s", ws.ErrorCodeValidation, payload.Code)
			}
		})
	}
}
