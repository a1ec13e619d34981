package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Topic subscriptions. Topics use the event bus subject grammar:
	// workspace.<id>, container.<id>, track.<id>.
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	// Workspace actions
	ActionWorkspaceState = "workspace.state"

	// Container actions
	ActionContainerCreate = "container.create"
	ActionContainerStart  = "container.start"
	ActionContainerStop   = "container.stop"
	ActionContainerRemove = "container.remove"
	ActionContainerState  = "container.state"

	// Track actions
	ActionTrackCreate = "track.create"
	ActionTrackRemove = "track.remove"

	// Chat actions
	ActionChatStart      = "chat.start"
	ActionChatApprove    = "chat.approve"
	ActionChatDeny       = "chat.deny"
	ActionChatCancel     = "chat.cancel"
	ActionChatAutonomous = "chat.autonomous"
	ActionChatState      = "chat.state"

	// Console actions (operator-typed input, outside any turn)
	ActionConsoleSend = "console.send"

	// Notification actions (server -> client, bridged from the event bus;
	// values match the bus event types)
	ActionContainerStatusChanged = "container.status_changed"
	ActionConsoleUpdated         = "console.updated"
	ActionCommandResult          = "command.result"
	ActionDatabaseUpdated        = "database.updated"
	ActionWorkspaceChanged       = "workspace.changed"
	ActionChatChanged            = "chat.changed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
