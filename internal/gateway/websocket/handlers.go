package websocket

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/appctx"
	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/fault"
	"github.com/sarnowski/msfailab/internal/lab"
	"github.com/sarnowski/msfailab/internal/lab/container"
	"github.com/sarnowski/msfailab/internal/track"
	ws "github.com/sarnowski/msfailab/pkg/websocket"
)

// containerStartTimeout bounds a background container start, image pull
// included.
const containerStartTimeout = 6 * time.Minute

// API routes dispatcher actions to the lab and track managers.
type API struct {
	lab    *lab.Manager
	tracks *track.Manager
	logger *logger.Logger
}

// RegisterAPI wires the workspace, container, track, chat, and console
// actions into the dispatcher.
func RegisterAPI(d *ws.Dispatcher, labMgr *lab.Manager, trackMgr *track.Manager, log *logger.Logger) *API {
	api := &API{
		lab:    labMgr,
		tracks: trackMgr,
		logger: log.WithFields(zap.String("component", "ws-api")),
	}

	d.RegisterFunc(ws.ActionWorkspaceState, api.workspaceState)
	d.RegisterFunc(ws.ActionContainerCreate, api.containerCreate)
	d.RegisterFunc(ws.ActionContainerStart, api.containerStart)
	d.RegisterFunc(ws.ActionContainerStop, api.containerStop)
	d.RegisterFunc(ws.ActionContainerRemove, api.containerRemove)
	d.RegisterFunc(ws.ActionContainerState, api.containerState)
	d.RegisterFunc(ws.ActionTrackCreate, api.trackCreate)
	d.RegisterFunc(ws.ActionTrackRemove, api.trackRemove)
	d.RegisterFunc(ws.ActionChatStart, api.chatStart)
	d.RegisterFunc(ws.ActionChatApprove, api.chatApprove)
	d.RegisterFunc(ws.ActionChatDeny, api.chatDeny)
	d.RegisterFunc(ws.ActionChatCancel, api.chatCancel)
	d.RegisterFunc(ws.ActionChatAutonomous, api.chatAutonomous)
	d.RegisterFunc(ws.ActionChatState, api.chatState)
	d.RegisterFunc(ws.ActionConsoleSend, api.consoleSend)
	return api
}

// errorResponse maps engine faults to wire error codes.
func errorResponse(msg *ws.Message, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	var details map[string]interface{}
	if kind, ok := fault.KindOf(err); ok {
		details = map[string]interface{}{"kind": string(kind)}
		switch kind {
		case fault.NotFound, fault.AdapterNotFound:
			code = ws.ErrorCodeNotFound
		case fault.InvalidStatus, fault.MissingParameter, fault.UnknownTool:
			code = ws.ErrorCodeValidation
		}
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), details)
}

func validationError(msg *ws.Message, detail string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, detail, nil)
}

// --- wire views -------------------------------------------------------------

// ContainerView is the wire shape of a container snapshot.
type ContainerView struct {
	ContainerID   int64   `json:"container_id"`
	WorkspaceID   int64   `json:"workspace_id"`
	WorkspaceSlug string  `json:"workspace_slug"`
	ContainerSlug string  `json:"container_slug"`
	Status        string  `json:"status"`
	DockerID      string  `json:"docker_id,omitempty"`
	Endpoint      string  `json:"endpoint,omitempty"`
	RPCPort       int     `json:"rpc_port,omitempty"`
	RestartCount  int     `json:"restart_count"`
	Tracks        []int64 `json:"tracks,omitempty"`
}

func containerView(snap container.Snapshot) ContainerView {
	view := ContainerView{
		ContainerID:   int64(snap.Identity.ContainerID),
		WorkspaceID:   int64(snap.Identity.WorkspaceID),
		WorkspaceSlug: snap.Identity.WorkspaceSlug,
		ContainerSlug: snap.Identity.ContainerSlug,
		Status:        string(snap.Status),
		DockerID:      snap.DockerID,
		Endpoint:      snap.Endpoint,
		RPCPort:       snap.RPCPort,
		RestartCount:  snap.RestartCount,
	}
	for trackID := range snap.Consoles {
		view.Tracks = append(view.Tracks, int64(trackID))
	}
	sort.Slice(view.Tracks, func(i, j int) bool { return view.Tracks[i] < view.Tracks[j] })
	return view
}

// InvocationView is the wire shape of one tool invocation.
type InvocationView struct {
	EntryID   int64          `json:"entry_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Mutex     string         `json:"mutex,omitempty"`
	Status    string         `json:"status"`
	CommandID string         `json:"command_id,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// EntryView is the wire shape of one timeline entry.
type EntryView struct {
	EntryID   int64          `json:"entry_id"`
	Position  int            `json:"position"`
	Role      string         `json:"role"`
	Kind      string         `json:"kind"`
	Content   string         `json:"content,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ChatView is the wire shape of a track's chat state.
type ChatView struct {
	TrackID     int64            `json:"track_id"`
	TurnStatus  string           `json:"turn_status"`
	Model       string           `json:"model,omitempty"`
	StopReason  string           `json:"stop_reason,omitempty"`
	Autonomous  bool             `json:"autonomous"`
	Entries     []EntryView      `json:"entries"`
	Invocations []InvocationView `json:"invocations"`
}

func chatView(trackID ident.TrackID, snap track.Snapshot) ChatView {
	view := ChatView{
		TrackID:     int64(trackID),
		TurnStatus:  string(snap.Turn.Status),
		Model:       snap.Turn.Model,
		StopReason:  snap.Turn.StopReason,
		Autonomous:  snap.Autonomous,
		Entries:     make([]EntryView, 0, len(snap.Entries)),
		Invocations: make([]InvocationView, 0, len(snap.Turn.Invocations)),
	}
	for _, e := range snap.Entries {
		view.Entries = append(view.Entries, EntryView{
			EntryID:   int64(e.EntryID),
			Position:  e.Position,
			Role:      e.Role,
			Kind:      e.Kind,
			Content:   e.Content,
			ToolName:  e.ToolName,
			Arguments: e.Arguments,
		})
	}
	for _, inv := range snap.Turn.Invocations {
		view.Invocations = append(view.Invocations, InvocationView{
			EntryID:   int64(inv.EntryID),
			Name:      inv.Name,
			Arguments: inv.Arguments,
			Mutex:     inv.Mutex,
			Status:    string(inv.Status),
			CommandID: string(inv.CommandID),
			Result:    inv.Result,
		})
	}
	sort.Slice(view.Invocations, func(i, j int) bool {
		return view.Invocations[i].EntryID < view.Invocations[j].EntryID
	})
	return view
}

// --- workspace --------------------------------------------------------------

// WorkspaceStateRequest asks for everything known about one workspace.
type WorkspaceStateRequest struct {
	WorkspaceID int64 `json:"workspace_id"`
}

func (a *API) workspaceState(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req WorkspaceStateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	if req.WorkspaceID <= 0 {
		return validationError(msg, "workspace_id is required")
	}
	workspaceID := ident.WorkspaceID(req.WorkspaceID)

	containers := make([]ContainerView, 0)
	for _, actor := range a.lab.Containers() {
		if actor.Identity().WorkspaceID != workspaceID {
			continue
		}
		snap, err := actor.Snapshot(ctx)
		if err != nil {
			continue
		}
		containers = append(containers, containerView(snap))
	}
	sort.Slice(containers, func(i, j int) bool {
		return containers[i].ContainerID < containers[j].ContainerID
	})

	chats := make([]ChatView, 0)
	for _, rt := range a.tracks.Tracks() {
		id := rt.Identity()
		if id.WorkspaceID != workspaceID {
			continue
		}
		snap, err := rt.Snapshot(ctx)
		if err != nil {
			continue
		}
		chats = append(chats, chatView(id.TrackID, snap))
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].TrackID < chats[j].TrackID })

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"workspace_id": req.WorkspaceID,
		"slug":         a.lab.Workspaces()[workspaceID],
		"containers":   containers,
		"tracks":       chats,
	})
}

// --- containers -------------------------------------------------------------

// ContainerCreateRequest registers a container record. With start=true the
// Docker container is created in the background; progress arrives as
// container.status_changed notifications.
type ContainerCreateRequest struct {
	ContainerID   int64  `json:"container_id"`
	WorkspaceID   int64  `json:"workspace_id"`
	WorkspaceSlug string `json:"workspace_slug"`
	ContainerSlug string `json:"container_slug"`
	Start         bool   `json:"start,omitempty"`
}

// ContainerRef names an existing container record.
type ContainerRef struct {
	ContainerID int64 `json:"container_id"`
}

func (a *API) containerCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ContainerCreateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	if req.ContainerID <= 0 || req.WorkspaceID <= 0 {
		return validationError(msg, "container_id and workspace_id are required")
	}

	actor, err := a.lab.EnsureContainer(ctx, lab.Spec{
		ContainerID:   ident.ContainerID(req.ContainerID),
		WorkspaceID:   ident.WorkspaceID(req.WorkspaceID),
		WorkspaceSlug: req.WorkspaceSlug,
		ContainerSlug: req.ContainerSlug,
	})
	if err != nil {
		return errorResponse(msg, err)
	}

	if req.Start {
		a.startInBackground(actor)
	}

	snap, err := actor.Snapshot(ctx)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, containerView(snap))
}

// startInBackground runs the blocking container start outside the read
// pump; the outcome reaches clients as status events from the actor. The
// detached context unbinds the start from the WebSocket request while
// still dying with the actor.
func (a *API) startInBackground(actor *container.Actor) {
	id := actor.Identity()
	go func() {
		ctx, cancel := appctx.Detached(actor.Done(), containerStartTimeout)
		defer cancel()
		if err := actor.StartNew(ctx); err != nil {
			a.logger.Warn("Container start failed",
				zap.Int64("container_id", int64(id.ContainerID)),
				zap.Error(err))
		}
	}()
}

func (a *API) containerStart(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ContainerRef
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	actor, ok := a.lab.Container(ident.ContainerID(req.ContainerID))
	if !ok {
		return errorResponse(msg, fault.Newf(fault.NotFound, "no container %d", req.ContainerID))
	}

	a.startInBackground(actor)
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"accepted": true})
}

func (a *API) containerStop(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ContainerRef
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	if err := a.lab.StopContainer(ctx, ident.ContainerID(req.ContainerID)); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func (a *API) containerRemove(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ContainerRef
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	if err := a.lab.Remove(ctx, ident.ContainerID(req.ContainerID)); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func (a *API) containerState(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ContainerRef
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	actor, ok := a.lab.Container(ident.ContainerID(req.ContainerID))
	if !ok {
		return errorResponse(msg, fault.Newf(fault.NotFound, "no container %d", req.ContainerID))
	}
	snap, err := actor.Snapshot(ctx)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, containerView(snap))
}

// --- tracks -----------------------------------------------------------------

// TrackCreateRequest binds a new track to a container. Workspace identity
// comes from the container record. Model, system prompt, and autonomous
// default from the chat configuration when omitted.
type TrackCreateRequest struct {
	TrackID      int64  `json:"track_id"`
	ContainerID  int64  `json:"container_id"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Autonomous   bool   `json:"autonomous,omitempty"`
}

// TrackRef names an existing track.
type TrackRef struct {
	TrackID int64 `json:"track_id"`
}

func (a *API) trackCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TrackCreateRequest
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	if req.TrackID <= 0 || req.ContainerID <= 0 {
		return validationError(msg, "track_id and container_id are required")
	}

	actor, ok := a.lab.Container(ident.ContainerID(req.ContainerID))
	if !ok {
		return errorResponse(msg, fault.Newf(fault.NotFound, "no container %d", req.ContainerID))
	}
	id := actor.Identity()

	rt, err := a.tracks.Ensure(ctx, track.Spec{
		Identity: track.Identity{
			WorkspaceID:   id.WorkspaceID,
			WorkspaceSlug: id.WorkspaceSlug,
			ContainerID:   id.ContainerID,
			TrackID:       ident.TrackID(req.TrackID),
		},
		Model:      req.Model,
		System:     req.SystemPrompt,
		Autonomous: req.Autonomous,
	})
	if err != nil {
		return errorResponse(msg, err)
	}

	snap, err := rt.Snapshot(ctx)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, chatView(ident.TrackID(req.TrackID), snap))
}

func (a *API) trackRemove(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TrackRef
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	if err := a.tracks.Remove(ctx, ident.TrackID(req.TrackID)); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

// --- chat -------------------------------------------------------------------

// ChatStartRequest starts a turn with the user's message.
type ChatStartRequest struct {
	TrackID int64  `json:"track_id"`
	Text    string `json:"text"`
}

// ChatEntryRequest names one pending invocation on a track.
type ChatEntryRequest struct {
	TrackID int64  `json:"track_id"`
	EntryID int64  `json:"entry_id"`
	Reason  string `json:"reason,omitempty"`
}

// ChatAutonomousRequest toggles auto-approval for a track.
type ChatAutonomousRequest struct {
	TrackID int64 `json:"track_id"`
	Enabled bool  `json:"enabled"`
}

func (a *API) runtime(req int64) (*track.Runtime, error) {
	rt, ok := a.tracks.Get(ident.TrackID(req))
	if !ok {
		return nil, fault.Newf(fault.NotFound, "no track %d", req)
	}
	return rt, nil
}

func (a *API) chatStart(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ChatStartRequest
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	if req.Text == "" {
		return validationError(msg, "text is required")
	}
	rt, err := a.runtime(req.TrackID)
	if err != nil {
		return errorResponse(msg, err)
	}
	if err := rt.StartTurn(ctx, req.Text); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func (a *API) chatApprove(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ChatEntryRequest
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	rt, err := a.runtime(req.TrackID)
	if err != nil {
		return errorResponse(msg, err)
	}
	if err := rt.Approve(ctx, ident.EntryID(req.EntryID)); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func (a *API) chatDeny(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ChatEntryRequest
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	rt, err := a.runtime(req.TrackID)
	if err != nil {
		return errorResponse(msg, err)
	}
	if err := rt.Deny(ctx, ident.EntryID(req.EntryID), req.Reason); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func (a *API) chatCancel(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TrackRef
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	rt, err := a.runtime(req.TrackID)
	if err != nil {
		return errorResponse(msg, err)
	}
	if err := rt.CancelTurn(ctx); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func (a *API) chatAutonomous(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ChatAutonomousRequest
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	rt, err := a.runtime(req.TrackID)
	if err != nil {
		return errorResponse(msg, err)
	}
	if err := rt.SetAutonomous(ctx, req.Enabled); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"success": true})
}

func (a *API) chatState(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TrackRef
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	rt, err := a.runtime(req.TrackID)
	if err != nil {
		return errorResponse(msg, err)
	}
	snap, err := rt.Snapshot(ctx)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, chatView(ident.TrackID(req.TrackID), snap))
}

// --- console ----------------------------------------------------------------

// ConsoleSendRequest types a command into a track's console, outside any
// turn. The output arrives as console.updated and command.result events.
type ConsoleSendRequest struct {
	TrackID     int64  `json:"track_id"`
	ContainerID int64  `json:"container_id"`
	Command     string `json:"command"`
}

func (a *API) consoleSend(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ConsoleSendRequest
	if err := msg.ParsePayload(&req); err != nil {
		return validationError(msg, "Invalid payload: "+err.Error())
	}
	if req.Command == "" {
		return validationError(msg, "command is required")
	}
	actor, ok := a.lab.Container(ident.ContainerID(req.ContainerID))
	if !ok {
		return errorResponse(msg, fault.Newf(fault.NotFound, "no container %d", req.ContainerID))
	}

	commandID, err := actor.SendMetasploitCommand(ctx, ident.TrackID(req.TrackID), req.Command)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"command_id": string(commandID),
	})
}
