package websocket

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
	ws "github.com/sarnowski/msfailab/pkg/websocket"
)

func TestRouteEvent(t *testing.T) {
	cases := []struct {
		name   string
		event  *bus.Event
		topics []string
		global bool
	}{
		{
			name:   "workspace changes go to everyone",
			event:  bus.NewEvent(events.WorkspaceChanged, "test", events.WorkspaceChangedData{WorkspaceID: 1}),
			global: true,
		},
		{
			name: "container status fans out to container and workspace",
			event: bus.NewEvent(events.ContainerStatusChanged, "test", events.ContainerStatusChangedData{
				ContainerID: 7,
				WorkspaceID: 3,
				Status:      "running",
			}),
			topics: []string{"container.7", "workspace.3"},
		},
		{
			name: "console output fans out to track and container",
			event: bus.NewEvent(events.ConsoleUpdated, "test", events.ConsoleUpdatedData{
				WorkspaceID: 3,
				ContainerID: 7,
				TrackID:     42,
				Status:      events.ConsoleReady,
			}),
			topics: []string{"track.42", "container.7"},
		},
		{
			name: "command results go to the track",
			event: bus.NewEvent(events.CommandResult, "test", events.CommandResultData{
				WorkspaceID: 3,
				ContainerID: 7,
				TrackID:     42,
				CommandID:   ident.CommandID("00deadbeef00dead"),
				Kind:        "console",
				Status:      events.CommandFinished,
			}),
			topics: []string{"track.42"},
		},
		{
			name: "database updates go to the workspace",
			event: bus.NewEvent(events.DatabaseUpdated, "test", events.DatabaseUpdatedData{
				WorkspaceID: 3,
				Changes:     map[string]int64{"hosts": 2},
			}),
			topics: []string{"workspace.3"},
		},
		{
			name: "chat changes go to the track",
			event: bus.NewEvent(events.ChatChanged, "test", events.ChatChangedData{
				WorkspaceID: 3,
				TrackID:     42,
				TurnStatus:  "streaming",
			}),
			topics: []string{"track.42"},
		},
		{
			name:  "unknown event types are dropped",
			event: bus.NewEvent("agent.ping", "test", nil),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			topics, global, err := routeEvent(tc.event)
			if err != nil {
				t.Fatalf("routeEvent: %v", err)
			}
			if global != tc.global {
				t.Errorf("global = %v, want %v", global, tc.global)
			}
			if len(topics) != len(tc.topics) || (len(tc.topics) > 0 && !reflect.DeepEqual(topics, tc.topics)) {
				t.Errorf("topics = %v, want %v", topics, tc.topics)
			}
		})
	}
}

func TestRouteEventRejectsMalformedPayload(t *testing.T) {
	event := bus.NewEvent(events.ConsoleUpdated, "test", map[string]interface{}{
		"track_id": "not-a-number",
	})
	if _, _, err := routeEvent(event); err == nil {
		t.Error("expected a decode error for a malformed payload")
	}
}

// newBridgeFixture wires a memory bus through the bridge into a running hub.
func newBridgeFixture(t *testing.T) (*bus.MemoryEventBus, *Hub) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub := NewHub(ws.NewDispatcher(), log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	if _, err := RegisterEventBridge(ctx, eventBus, hub, log); err != nil {
		t.Fatalf("RegisterEventBridge: %v", err)
	}
	return eventBus, hub
}

func TestBridgeFansOutToTopicSubscribers(t *testing.T) {
	eventBus, hub := newBridgeFixture(t)
	log := newTestLogger(t)

	watcher := NewClient("watcher", nil, hub, log)
	bystander := NewClient("bystander", nil, hub, log)
	hub.Register(watcher)
	hub.Register(bystander)
	waitFor(t, time.Second, "both clients registered", func() bool {
		return hub.GetClientCount() == 2
	})
	hub.SubscribeToTopic(watcher, "track.9")

	data := events.ConsoleUpdatedData{
		WorkspaceID: 1,
		ContainerID: 4,
		TrackID:     9,
		Status:      events.ConsoleBusy,
		Output:      "[*] Scanning...",
	}
	err := eventBus.Publish(context.Background(), events.BuildTrackSubject(9),
		bus.NewEvent(events.ConsoleUpdated, "test", data))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := readClient(t, watcher)
	if msg.Type != ws.MessageTypeNotification {
		t.Errorf("expected notification, got %s", msg.Type)
	}
	if msg.Action != ws.ActionConsoleUpdated {
		t.Errorf("expected %s, got %s", ws.ActionConsoleUpdated, msg.Action)
	}
	var got events.ConsoleUpdatedData
	if err := msg.ParsePayload(&got); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got.Output != data.Output || got.TrackID != data.TrackID {
		t.Errorf("payload mismatch: got %+v", got)
	}

	assertNoFrame(t, bystander)
}

func TestBridgeBroadcastsWorkspaceChanges(t *testing.T) {
	eventBus, hub := newBridgeFixture(t)

	// No subscriptions at all: workspace changes still arrive.
	client := NewClient("fresh", nil, hub, newTestLogger(t))
	hub.Register(client)
	waitFor(t, time.Second, "client registered", func() bool {
		return hub.GetClientCount() == 1
	})

	err := eventBus.Publish(context.Background(), events.BuildWorkspaceSubject(5),
		bus.NewEvent(events.WorkspaceChanged, "test", events.WorkspaceChangedData{WorkspaceID: 5}))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := readClient(t, client)
	if msg.Action != ws.ActionWorkspaceChanged {
		t.Errorf("expected %s, got %s", ws.ActionWorkspaceChanged, msg.Action)
	}
}

func TestBridgeDropsUnroutableEvents(t *testing.T) {
	eventBus, hub := newBridgeFixture(t)

	client := NewClient("selective", nil, hub, newTestLogger(t))
	hub.Register(client)
	waitFor(t, time.Second, "client registered", func() bool {
		return hub.GetClientCount() == 1
	})
	hub.SubscribeToTopic(client, "track.9")

	// The bridge delivers in publish order, so once the chat event lands
	// the unknown one must already have been dropped.
	ctx := context.Background()
	eventBus.Publish(ctx, events.BuildTrackSubject(9), bus.NewEvent("agent.ping", "test", nil))
	eventBus.Publish(ctx, events.BuildTrackSubject(9),
		bus.NewEvent(events.ChatChanged, "test", events.ChatChangedData{
			WorkspaceID: 1, TrackID: 9, TurnStatus: "finished",
		}))

	if msg := readClient(t, client); msg.Action != ws.ActionChatChanged {
		t.Errorf("expected %s, got %s", ws.ActionChatChanged, msg.Action)
	}
	assertNoFrame(t, client)
}
