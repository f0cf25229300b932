package orchestrator

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/metrics"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// sendTo delivers one event to a single identity. Unknown or detached
// identities are skipped with a debug log.
func (o *Orchestrator) sendTo(id, event string, payload any) {
	sender, found := o.identities.SenderOf(id)
	if !found {
		o.logger.Debug("cannot deliver event, identity unreachable",
			slog.String("identity", id), slog.String("event", event))
		return
	}
	frame, err := protocol.Envelope(event, payload)
	if err != nil {
		o.logger.Error("failed to marshal outbound event", slog.Any("error", err))
		return
	}
	sender.Send(frame)
}

// fanOut delivers one event to every room member plus all monitors.
func (o *Orchestrator) fanOut(room, event string, payload any) {
	frame, err := protocol.Envelope(event, payload)
	if err != nil {
		o.logger.Error("failed to marshal outbound event", slog.Any("error", err))
		return
	}
	members, err := o.rooms.Members(room)
	if err != nil {
		o.logger.Warn("fan-out to missing room skipped", slog.String("room", room))
		return
	}
	for _, id := range members {
		if sender, ok := o.identities.SenderOf(id); ok {
			sender.Send(frame)
		}
	}
	for _, monitor := range o.identities.ListByKind(state.KindMonitor) {
		if sender, ok := o.identities.SenderOf(monitor.ID); ok {
			sender.Send(frame)
		}
	}
}

// BroadcastContext pushes the room's full sorted context to its members as
// a paginated UPDATE_CONTEXT_PAGE sequence. Delivery is asynchronous; the
// room's existence is re-validated before every page because members may
// delete the room between pages.
func (o *Orchestrator) BroadcastContext(room string) {
	go o.deliverContextPages(room)
}

func (o *Orchestrator) deliverContextPages(room string) {
	context, err := o.rooms.FullContext(room)
	if err != nil {
		o.logger.Warn("context broadcast for missing room skipped", slog.String("room", room))
		return
	}

	pages := paginate(context, o.contextCfg.PageSize)
	updateID := uuid.NewString()
	for i, page := range pages {
		if i > 0 {
			if o.contextCfg.PageDelay > 0 {
				time.Sleep(o.contextCfg.PageDelay)
			}
			if _, stillThere := o.rooms.Find(room); !stillThere {
				o.logger.Debug("room vanished mid-broadcast, aborting remaining pages",
					slog.String("room", room), slog.Int("page", i))
				return
			}
		}
		o.fanOut(room, protocol.EventContextPage, protocol.ContextPage{
			UpdateID:    updateID,
			RoomName:    room,
			PageNumber:  i,
			TotalPages:  len(pages),
			IsLastPage:  i == len(pages)-1,
			ContextPage: page,
		})
		metrics.ContextPages.Inc()
	}
}

// paginate splits a context into page slices. An empty context yields
// exactly one empty page.
func paginate(context []protocol.Message, pageSize int) [][]protocol.Message {
	if pageSize <= 0 {
		pageSize = 50
	}
	if len(context) == 0 {
		return [][]protocol.Message{{}}
	}
	pages := make([][]protocol.Message, 0, (len(context)+pageSize-1)/pageSize)
	for start := 0; start < len(context); start += pageSize {
		end := start + pageSize
		if end > len(context) {
			end = len(context)
		}
		pages = append(pages, context[start:end])
	}
	return pages
}
