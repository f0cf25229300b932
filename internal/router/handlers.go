package router

import (
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/orchestrator"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// handleLLMRequest decodes a client request and runs the dispatch
// pipeline. Validation and routing failures are reported back as ERROR
// events; the caller keeps its connection.
func (r *EventRouter) handleLLMRequest(sender *state.Identity, payload gjson.Result) {
	room := payload.Get("room").String()
	if room == "" {
		// Requests without an explicit room target the sender's personal
		// room.
		room = sender.ID
	}
	content := payload.Get("message").String()
	if content == "" {
		content = payload.Get("currentRequest.content").String()
	}

	req := orchestrator.Request{
		RequestID: payload.Get("requestId").String(),
		Identity:  sender.ID,
		Room:      room,
		Content:   content,
		Target:    parseTargets(payload.Get("target")),
		Timestamp: payload.Get("timestamp").Int(),
	}
	if err := r.orch.HandleRequest(req); err != nil {
		r.sendError(sender, err.Error(), req.RequestID)
	}
}

// handleLLMResponse applies a complete, non-streamed backend reply.
func (r *EventRouter) handleLLMResponse(sender *state.Identity, payload gjson.Result) {
	if sender.Kind != state.KindBackend {
		r.sendError(sender, "only backends may send LLM responses", "")
		return
	}
	requestID := payload.Get("requestId").String()
	content := payload.Get("data").String()
	if content == "" {
		content = payload.Get("message").String()
	}
	room, ok := r.orch.RoomForRequest(requestID)
	if !ok {
		r.logger.Warn("response for unknown request dropped",
			slog.String("requestID", requestID), slog.String("backend", sender.ID))
		return
	}
	if err := r.orch.HandleResponse(room, requestID, content, sender.ID); err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			r.logger.Warn("response for vanished room dropped", slog.String("room", room))
			return
		}
		r.sendError(sender, err.Error(), requestID)
	}
}

// handleStreamEnvelope feeds one chunk frame to the reassembler. The wire
// event name doubles as the envelope type.
func (r *EventRouter) handleStreamEnvelope(sender *state.Identity, event string, payload gjson.Result) {
	if sender.Kind != state.KindBackend {
		r.sendError(sender, "only backends may stream", "")
		return
	}
	env := &protocol.StreamEnvelope{
		Type:       event,
		StreamID:   payload.Get("streamId").String(),
		OutputID:   payload.Get("outputId").String(),
		RequestID:  payload.Get("requestId").String(),
		ChunkIndex: int(payload.Get("chunkIndex").Int()),
		Data:       payload.Get("data").String(),
		Source:     sender.ID,
		Target:     payload.Get("target").String(),
	}
	r.streams.HandleEnvelope(env)
}

// handleNonStream applies an unchunked backend payload as a complete
// response for its request.
func (r *EventRouter) handleNonStream(sender *state.Identity, payload gjson.Result) {
	r.handleLLMResponse(sender, payload)
}

func parseTargets(raw gjson.Result) []string {
	if !raw.Exists() {
		return nil
	}
	if raw.IsArray() {
		targets := make([]string, 0)
		for _, v := range raw.Array() {
			if v.String() != "" {
				targets = append(targets, v.String())
			}
		}
		return targets
	}
	if raw.String() == "" {
		return nil
	}
	return []string{raw.String()}
}

// --- outbound helpers ---

func (r *EventRouter) sendEvent(identity *state.Identity, event string, payload any) {
	sender, ok := r.identities.SenderOf(identity.ID)
	if !ok {
		return
	}
	frame, err := protocol.Envelope(event, payload)
	if err != nil {
		r.logger.Error("failed to marshal outbound event", slog.Any("error", err))
		return
	}
	sender.Send(frame)
}

func (r *EventRouter) ack(identity *state.Identity, event string, ack protocol.Ack) {
	r.sendEvent(identity, protocol.ResponseEvent(event), ack)
}

func (r *EventRouter) sendError(identity *state.Identity, message, requestID string) {
	r.sendEvent(identity, protocol.EventError, protocol.ErrorEvent{Message: message, RequestID: requestID})
}

func (r *EventRouter) fanOutRoom(room, event string, payload any) {
	members, err := r.rooms.Members(room)
	if err != nil {
		return
	}
	frame, err := protocol.Envelope(event, payload)
	if err != nil {
		r.logger.Error("failed to marshal outbound event", slog.Any("error", err))
		return
	}
	for _, id := range members {
		if sender, ok := r.identities.SenderOf(id); ok {
			sender.Send(frame)
		}
	}
}

// notifyManagers informs a room's master and managers about a membership
// change.
func (r *EventRouter) notifyManagers(room string, payload any) {
	members, err := r.rooms.Members(room)
	if err != nil {
		return
	}
	frame, err := protocol.Envelope(protocol.EventRoomNotice, payload)
	if err != nil {
		return
	}
	for _, id := range members {
		role, _ := r.rooms.RoleOf(room, id)
		if !role.CanSubmit() {
			continue
		}
		if sender, ok := r.identities.SenderOf(id); ok {
			sender.Send(frame)
		}
	}
}

func (r *EventRouter) notifyDeleted(room string, members []string) {
	frame, err := protocol.Envelope(protocol.EventRoomNotice, map[string]string{"room": room, "reason": "deleted"})
	if err != nil {
		return
	}
	for _, id := range members {
		if sender, ok := r.identities.SenderOf(id); ok {
			sender.Send(frame)
		}
	}
}

type identitySummary struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Muted bool   `json:"muted"`
	Desc  string `json:"desc,omitempty"`
}

func (r *EventRouter) identitySummaries() []identitySummary {
	all := r.identities.All()
	out := make([]identitySummary, 0, len(all))
	for _, identity := range all {
		out = append(out, identitySummary{
			ID:    identity.ID,
			Kind:  string(identity.Kind),
			Muted: r.identities.IsMuted(identity.ID),
			Desc:  identity.Desc,
		})
	}
	return out
}
