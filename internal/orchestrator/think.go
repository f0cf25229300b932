package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// thinkInstruction seeds the synthetic request a Conversational room sends
// when the background trigger fires.
const thinkInstruction = "Continue the conversation naturally based on the recent messages."

// RunThinkSweep drives the Conversational background trigger until the
// context is cancelled.
func (o *Orchestrator) RunThinkSweep(ctx context.Context) {
	ticker := time.NewTicker(o.thinkCfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOnce()
		}
	}
}

// sweepOnce visits every Conversational room and fires the think trigger
// where its deadline has lapsed. Room names are snapshotted up front; rooms
// deleted mid-sweep are simply skipped.
func (o *Orchestrator) sweepOnce() {
	now := o.now()
	for _, room := range o.rooms.Names() {
		mode, ok := o.rooms.ModeOf(room)
		if !ok || mode != state.ModeConversational {
			continue
		}

		o.thinkMu.Lock()
		deadline, set := o.thinkDeadlines[room]
		due := !set || now.After(deadline)
		if due {
			o.thinkDeadlines[room] = now.Add(o.randomThinkDelay())
		}
		o.thinkMu.Unlock()
		if !due {
			continue
		}
		if o.rng.Float64() >= o.thinkCfg.Probability {
			continue
		}
		o.fireThink(room)
	}
}

// fireThink dispatches one synthetic request to a random assigned backend.
// Muted backends are skipped; if every assigned backend is muted, the tick
// is skipped entirely.
func (o *Orchestrator) fireThink(room string) {
	unlock := o.lockRoom(room)
	defer unlock()

	candidates := make([]string, 0)
	for _, id := range o.assigner.Assigned(room) {
		backend, found := o.identities.Find(id)
		if !found || backend.Kind != state.KindBackend || o.identities.IsMuted(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		o.logger.Debug("think trigger skipped, no usable backend", slog.String("room", room))
		return
	}
	target := candidates[o.rng.Intn(len(candidates))]

	requestID := "think-" + shortuuid.New()
	msg := &protocol.Message{
		MessageID: shortuuid.New(),
		Identity:  "server",
		Timestamp: o.now().UnixMilli(),
		Content:   thinkInstruction,
	}
	// No request record is opened: think responses update context but
	// never notify an originator. The room index lets the stream layer
	// still find a destination for the reply.
	o.thinkMu.Lock()
	o.thinkRooms[requestID] = room
	o.thinkMu.Unlock()
	if err := o.forward(requestID, "", room, []string{target}, msg, state.ModeConversational); err != nil {
		o.thinkMu.Lock()
		delete(o.thinkRooms, requestID)
		o.thinkMu.Unlock()
		o.logger.Warn("think dispatch failed", slog.String("room", room), slog.Any("error", err))
		return
	}
	o.logger.Info("think trigger fired", slog.String("room", room), slog.String("target", target))
}

func (o *Orchestrator) randomThinkDelay() time.Duration {
	min := o.thinkCfg.MinDeadline
	max := o.thinkCfg.MaxDeadline
	if max <= min {
		return min
	}
	return min + time.Duration(o.rng.Int63n(int64(max-min)))
}

// ClearThinkDeadline drops a room's pending think deadline. Called when a
// room leaves Conversational mode or is deleted.
func (o *Orchestrator) ClearThinkDeadline(room string) {
	o.thinkMu.Lock()
	delete(o.thinkDeadlines, room)
	o.thinkMu.Unlock()
}
