package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/events"
	"github.com/sarnowski/msfailab/internal/events/bus"
	ws "github.com/sarnowski/msfailab/pkg/websocket"
)

// EventBroadcaster bridges the event bus to the hub: every engine event
// becomes a notification on the topics its ids route to, so a client
// subscribed to track.42 sees that track's console output, command results,
// and chat updates without knowing which actor produced them.
type EventBroadcaster struct {
	hub    *Hub
	sub    bus.Subscription
	logger *logger.Logger
}

// RegisterEventBridge subscribes the hub to every engine event. A single
// subscription keeps one delivery goroutine, preserving per-publisher
// ordering all the way to the clients.
func RegisterEventBridge(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) (*EventBroadcaster, error) {
	b := &EventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-event-bridge")),
	}

	sub, err := eventBus.Subscribe(events.BuildAllSubject(), b.handle)
	if err != nil {
		return nil, err
	}
	b.sub = sub

	go func() {
		<-ctx.Done()
		b.Close()
	}()
	return b, nil
}

// Close drops the bus subscription.
func (b *EventBroadcaster) Close() {
	if b.sub != nil && b.sub.IsValid() {
		_ = b.sub.Unsubscribe()
	}
	b.sub = nil
}

func (b *EventBroadcaster) handle(ctx context.Context, event *bus.Event) error {
	topics, global, err := routeEvent(event)
	if err != nil {
		b.logger.Warn("Dropping undecodable event",
			zap.String("type", event.Type),
			zap.Error(err))
		return nil
	}
	if !global && len(topics) == 0 {
		return nil
	}

	msg, err := ws.NewNotification(event.Type, event.Data)
	if err != nil {
		b.logger.Error("Failed to build notification",
			zap.String("type", event.Type),
			zap.Error(err))
		return nil
	}

	if global {
		b.hub.Broadcast(msg)
		return nil
	}
	for _, topic := range topics {
		b.hub.BroadcastToTopic(topic, msg)
	}
	return nil
}

// routeEvent maps a bus event to the hub topics it fans out to. Workspace
// changes go to every client since they alter what there is to subscribe
// to; everything else routes by the ids in its payload. Unknown event types
// are dropped.
func routeEvent(event *bus.Event) (topics []string, global bool, err error) {
	switch event.Type {
	case events.WorkspaceChanged:
		return nil, true, nil

	case events.ContainerStatusChanged:
		var data events.ContainerStatusChangedData
		if err := events.DecodeData(event.Data, &data); err != nil {
			return nil, false, err
		}
		return []string{
			events.BuildContainerSubject(data.ContainerID),
			events.BuildWorkspaceSubject(data.WorkspaceID),
		}, false, nil

	case events.ConsoleUpdated:
		var data events.ConsoleUpdatedData
		if err := events.DecodeData(event.Data, &data); err != nil {
			return nil, false, err
		}
		return []string{
			events.BuildTrackSubject(data.TrackID),
			events.BuildContainerSubject(data.ContainerID),
		}, false, nil

	case events.CommandResult:
		var data events.CommandResultData
		if err := events.DecodeData(event.Data, &data); err != nil {
			return nil, false, err
		}
		return []string{events.BuildTrackSubject(data.TrackID)}, false, nil

	case events.DatabaseUpdated:
		var data events.DatabaseUpdatedData
		if err := events.DecodeData(event.Data, &data); err != nil {
			return nil, false, err
		}
		return []string{events.BuildWorkspaceSubject(data.WorkspaceID)}, false, nil

	case events.ChatChanged:
		var data events.ChatChangedData
		if err := events.DecodeData(event.Data, &data); err != nil {
			return nil, false, err
		}
		return []string{events.BuildTrackSubject(data.TrackID)}, false, nil

	default:
		return nil, false, nil
	}
}
