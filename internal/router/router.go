// Package router turns inbound WebSocket frames into calls on the relay's
// components and enforces the acknowledgement convention: every
// room-mutating event is answered with exactly one {status} ack on the
// event's _RESPONSE twin.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/assignment"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/orchestrator"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/stream"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

type EventRouter struct {
	identities state.IdentityStore
	rooms      state.RoomStore
	orch       *orchestrator.Orchestrator
	streams    *stream.Reassembler
	assigner   *assignment.Engine

	defaultMode state.Mode

	mu    sync.RWMutex
	binds map[uuid.UUID]string

	logger *slog.Logger
}

func NewEventRouter(
	logger *slog.Logger,
	identities state.IdentityStore,
	rooms state.RoomStore,
	orch *orchestrator.Orchestrator,
	streams *stream.Reassembler,
	assigner *assignment.Engine,
	defaultMode state.Mode,
) *EventRouter {
	return &EventRouter{
		identities:  identities,
		rooms:       rooms,
		orch:        orch,
		streams:     streams,
		assigner:    assigner,
		defaultMode: defaultMode,
		binds:       make(map[uuid.UUID]string),
		logger:      logger.With(slog.String("component", "event_router")),
	}
}

// Bind associates a transport connection with its authenticated identity.
func (r *EventRouter) Bind(connID uuid.UUID, identityID string) {
	r.mu.Lock()
	r.binds[connID] = identityID
	r.mu.Unlock()
}

// Unbind drops the association on close and returns the identity id.
func (r *EventRouter) Unbind(connID uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.binds[connID]
	delete(r.binds, connID)
	return id, ok
}

func (r *EventRouter) sender(connID uuid.UUID) (*state.Identity, bool) {
	r.mu.RLock()
	id, bound := r.binds[connID]
	r.mu.RUnlock()
	if !bound {
		return nil, false
	}
	return r.identities.Find(id)
}

// HandleMessage is the transport's message callback.
func (r *EventRouter) HandleMessage(_ context.Context, connID uuid.UUID, raw []byte) {
	event := gjson.GetBytes(raw, "event").String()
	payload := gjson.GetBytes(raw, "payload")

	sender, ok := r.sender(connID)
	if !ok {
		r.logger.Warn("message from unbound connection dropped", slog.String("connID", connID.String()))
		return
	}
	log := r.logger.With(slog.String("event", event), slog.String("identity", sender.ID))
	log.Debug("handling event")

	switch event {
	case protocol.StreamStart, protocol.StreamDataFirst, protocol.StreamDataMiddle,
		protocol.StreamDataLast, protocol.StreamDataRetry, protocol.StreamDataFailed,
		protocol.StreamEnd:
		r.handleStreamEnvelope(sender, event, payload)
	case protocol.NonStream:
		r.handleNonStream(sender, payload)
	case protocol.EventLLMRequest:
		r.handleLLMRequest(sender, payload)
	case protocol.EventLLMResponse:
		r.handleLLMResponse(sender, payload)
	case protocol.EventCreateRoom, protocol.EventDeleteRoom, protocol.EventJoinRoom,
		protocol.EventLeaveRoom, protocol.EventSetMode, protocol.EventSetRole,
		protocol.EventEditMessage, protocol.EventDeleteMessage, protocol.EventClearMessages,
		protocol.EventMuteIdentity, protocol.EventSetPolicy:
		ack := r.handleMutation(sender, event, payload)
		r.ack(sender, event, ack)
	case protocol.EventRoomList:
		r.sendEvent(sender, protocol.ResponseEvent(event), map[string]any{"rooms": r.rooms.Names()})
	case protocol.EventIdentityList:
		r.sendEvent(sender, protocol.ResponseEvent(event), r.identitySummaries())
	default:
		log.Warn("unknown event")
		r.sendError(sender, "unknown event "+event, "")
	}
}

// handleMutation executes one room-mutating event and classifies failures
// per the error taxonomy. The ack is the caller's only completion signal.
func (r *EventRouter) handleMutation(sender *state.Identity, event string, payload gjson.Result) protocol.Ack {
	var err error
	switch event {
	case protocol.EventCreateRoom:
		err = r.createRoom(sender)
	case protocol.EventDeleteRoom:
		err = r.deleteRoom(sender, payload.Get("room").String())
	case protocol.EventJoinRoom:
		err = r.joinRoom(sender, payload)
	case protocol.EventLeaveRoom:
		err = r.rooms.Leave(sender.ID, payload.Get("room").String())
	case protocol.EventSetMode:
		err = r.setMode(payload)
	case protocol.EventSetRole:
		err = r.setRole(payload)
	case protocol.EventEditMessage:
		err = r.editMessage(payload)
	case protocol.EventDeleteMessage:
		err = r.deleteMessages(payload)
	case protocol.EventClearMessages:
		err = r.clearMessages(payload.Get("room").String())
	case protocol.EventMuteIdentity:
		err = r.muteIdentity(sender, payload)
	case protocol.EventSetPolicy:
		err = r.setPolicy(sender, payload)
	}
	if err != nil {
		r.logger.Warn("mutation failed", slog.String("event", event), slog.Any("error", err))
		return protocol.AckError(err)
	}
	return protocol.AckOK()
}

func (r *EventRouter) createRoom(sender *state.Identity) error {
	if _, err := r.rooms.Create(sender.ID, r.defaultMode); err != nil {
		return err
	}
	r.assigner.AddRoom(sender.ID)
	return nil
}

func (r *EventRouter) deleteRoom(sender *state.Identity, room string) error {
	role, member := r.rooms.RoleOf(room, sender.ID)
	if sender.Kind != state.KindMonitor && (!member || role != state.RoleMaster) {
		return fmt.Errorf("%w: only the master may delete a room", protocol.ErrRouting)
	}
	members, err := r.rooms.Delete(room)
	if err != nil {
		return err
	}
	r.orch.ForgetRoom(room)
	r.streams.ForgetRoom(room)
	r.assigner.RemoveRoom(room)
	r.notifyDeleted(room, members)
	return nil
}

func (r *EventRouter) joinRoom(sender *state.Identity, payload gjson.Result) error {
	room := payload.Get("room").String()
	role := state.RoleGuest
	if raw := payload.Get("role"); raw.Exists() {
		parsed, ok := state.ParseRole(raw.String())
		if !ok {
			return fmt.Errorf("%w: unknown role %q", protocol.ErrValidation, raw.String())
		}
		role = parsed
	}
	if err := r.rooms.Join(sender.ID, room, role); err != nil {
		return err
	}
	r.notifyManagers(room, map[string]string{"room": room, "joined": sender.ID})
	return nil
}

func (r *EventRouter) setMode(payload gjson.Result) error {
	room := payload.Get("room").String()
	mode, ok := state.ParseMode(payload.Get("mode").String())
	if !ok {
		return fmt.Errorf("%w: unknown mode %q", protocol.ErrValidation, payload.Get("mode").String())
	}
	prev, err := r.rooms.SetMode(room, mode)
	if err != nil {
		return err
	}
	if prev == state.ModeConversational && mode != state.ModeConversational {
		r.orch.ClearThinkDeadline(room)
	}
	return nil
}

func (r *EventRouter) setRole(payload gjson.Result) error {
	role, ok := state.ParseRole(payload.Get("role").String())
	if !ok {
		return fmt.Errorf("%w: unknown role %q", protocol.ErrValidation, payload.Get("role").String())
	}
	return r.rooms.SetRole(payload.Get("room").String(), payload.Get("id").String(), role)
}

func (r *EventRouter) editMessage(payload gjson.Result) error {
	room := payload.Get("room").String()
	updated, ok := r.rooms.EditRequestMessage(room, payload.Get("messageId").String(), payload.Get("content").String())
	if !ok {
		return fmt.Errorf("%w: message not found", protocol.ErrNotFound)
	}
	r.fanOutRoom(room, protocol.ResponseEvent(protocol.EventEditMessage), updated)
	return nil
}

func (r *EventRouter) deleteMessages(payload gjson.Result) error {
	room := payload.Get("room").String()
	ids := make([]string, 0)
	for _, v := range payload.Get("messageIds").Array() {
		ids = append(ids, v.String())
	}
	deleted := r.rooms.DeleteRequestMessages(room, ids)
	if len(deleted) == 0 {
		return fmt.Errorf("%w: no matching messages", protocol.ErrNotFound)
	}
	r.fanOutRoom(room, protocol.ResponseEvent(protocol.EventDeleteMessage), map[string]any{"room": room, "deleted": deleted})
	return nil
}

func (r *EventRouter) clearMessages(room string) error {
	if _, err := r.rooms.ClearRequestMessages(room); err != nil {
		return err
	}
	r.orch.BroadcastContext(room)
	return nil
}

func (r *EventRouter) muteIdentity(sender *state.Identity, payload gjson.Result) error {
	target := payload.Get("id").String()
	if !r.canModerate(sender, target) {
		return fmt.Errorf("%w: not allowed to mute %q", protocol.ErrRouting, target)
	}
	return r.identities.SetMuted(target, payload.Get("muted").Bool())
}

func (r *EventRouter) setPolicy(sender *state.Identity, payload gjson.Result) error {
	if sender.Kind != state.KindMonitor {
		return fmt.Errorf("%w: only monitors may change the assignment policy", protocol.ErrRouting)
	}
	policy, ok := assignment.ParsePolicy(payload.Get("policy").String())
	if !ok {
		return fmt.Errorf("%w: unknown policy %q", protocol.ErrValidation, payload.Get("policy").String())
	}
	if policy == assignment.PolicyManual {
		manual := make(map[string][]string)
		payload.Get("assignments").ForEach(func(key, value gjson.Result) bool {
			backends := make([]string, 0)
			for _, b := range value.Array() {
				backends = append(backends, b.String())
			}
			manual[key.String()] = backends
			return true
		})
		return r.assigner.SetManualPolicy(manual)
	}
	return r.assigner.SetPolicy(policy)
}

// canModerate allows monitors, and masters or managers of any room the
// target belongs to.
func (r *EventRouter) canModerate(sender *state.Identity, target string) bool {
	if sender.Kind == state.KindMonitor {
		return true
	}
	for _, room := range r.rooms.Names() {
		senderRole, senderIn := r.rooms.RoleOf(room, sender.ID)
		if _, targetIn := r.rooms.RoleOf(room, target); senderIn && targetIn && senderRole.CanSubmit() {
			return true
		}
	}
	return false
}
