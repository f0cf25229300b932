package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/lithammer/shortuuid/v4"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
)

// HandleResponse records a backend reply in the room's response list,
// rebroadcasts the room context and updates the request record when one
// exists. Background "think" responses carry no record and therefore
// produce no status notification.
func (o *Orchestrator) HandleResponse(room, requestID, content, responder string) error {
	unlock := o.lockRoom(room)
	defer unlock()

	msg := &protocol.Message{
		MessageID:  shortuuid.New(),
		Identity:   responder,
		Timestamp:  o.now().UnixMilli(),
		Content:    content,
		IsResponse: true,
	}
	if err := o.rooms.AppendResponse(room, msg); err != nil {
		return fmt.Errorf("%w: response for missing room %q dropped", protocol.ErrNotFound, room)
	}
	o.BroadcastContext(room)

	rec, ok := o.requests.AddResponse(requestID, msg.MessageID)
	if !ok {
		// No record: either a background think reply or a late response
		// for an already-forgotten request. Context is updated either way.
		o.thinkMu.Lock()
		delete(o.thinkRooms, requestID)
		o.thinkMu.Unlock()
		o.logger.Debug("response without request record",
			slog.String("room", room), slog.String("requestID", requestID))
		return nil
	}

	status := "processing"
	if rec.Completed {
		status = "completed"
	}
	if rec.Origin != "" {
		o.sendTo(rec.Origin, protocol.EventRequestStatus, protocol.RequestStatus{
			RequestID: requestID,
			Status:    status,
			Responses: rec.ResponseCount,
			Expected:  rec.Expected(),
		})
	}
	o.logger.Info("response recorded",
		slog.String("room", room),
		slog.String("requestID", requestID),
		slog.String("status", status))
	return nil
}
