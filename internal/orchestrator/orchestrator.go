// Package orchestrator is the dispatch brain of the relay. It consumes
// inbound request messages, applies the room's dispatch mode, merges
// multi-party contributions when required, forwards structured requests to
// generation backends and applies responses back into room history.
package orchestrator

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/assignment"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/metrics"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/config"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// Request is one inbound request message after transport decoding.
type Request struct {
	RequestID string
	Identity  string
	Room      string
	Content   string
	Target    []string
	Timestamp int64 // zero means "stamp on arrival"
}

type contribution struct {
	msg       *protocol.Message
	requestID string
}

type Orchestrator struct {
	identities state.IdentityStore
	rooms      state.RoomStore
	requests   state.RequestStore
	assigner   *assignment.Engine

	contextCfg config.ContextDeliveryConfig
	thinkCfg   config.ThinkConfig

	// roomMu serializes all dispatch work for one room. Multi-step
	// invariants (append message, open record, forward) must not interleave
	// per room.
	roomMu    sync.Mutex
	roomLocks map[string]*sync.Mutex

	// bufMu guards the HostSubmit per-room guest buffers.
	bufMu        sync.Mutex
	guestBuffers map[string][]contribution

	// thinkMu guards the Conversational per-room deadlines and the room
	// index for in-flight synthetic requests, which open no record.
	thinkMu        sync.Mutex
	thinkDeadlines map[string]time.Time
	thinkRooms     map[string]string

	rng    *rand.Rand
	now    func() time.Time
	logger *slog.Logger
}

func New(
	logger *slog.Logger,
	identities state.IdentityStore,
	rooms state.RoomStore,
	requests state.RequestStore,
	assigner *assignment.Engine,
	contextCfg config.ContextDeliveryConfig,
	thinkCfg config.ThinkConfig,
	rng *rand.Rand,
) *Orchestrator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Orchestrator{
		identities:     identities,
		rooms:          rooms,
		requests:       requests,
		assigner:       assigner,
		contextCfg:     contextCfg,
		thinkCfg:       thinkCfg,
		roomLocks:      make(map[string]*sync.Mutex),
		guestBuffers:   make(map[string][]contribution),
		thinkDeadlines: make(map[string]time.Time),
		thinkRooms:     make(map[string]string),
		rng:            rng,
		now:            time.Now,
		logger:         logger.With(slog.String("component", "orchestrator")),
	}
}

// lockRoom returns the unlock function for the room's dispatch mutex.
func (o *Orchestrator) lockRoom(room string) func() {
	o.roomMu.Lock()
	mu, ok := o.roomLocks[room]
	if !ok {
		mu = &sync.Mutex{}
		o.roomLocks[room] = mu
	}
	o.roomMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// HandleRequest runs the full inbound pipeline: validation, queue append,
// context broadcast, provisional record, then mode dispatch.
func (o *Orchestrator) HandleRequest(req Request) error {
	if req.RequestID == "" {
		metrics.RejectedRequests.WithLabelValues("validation").Inc()
		return fmt.Errorf("%w: missing requestId", protocol.ErrValidation)
	}

	unlock := o.lockRoom(req.Room)
	defer unlock()

	mode, ok := o.rooms.ModeOf(req.Room)
	if !ok {
		metrics.RejectedRequests.WithLabelValues("routing").Inc()
		return fmt.Errorf("%w: unknown room %q", protocol.ErrRouting, req.Room)
	}
	role, member := o.rooms.RoleOf(req.Room, req.Identity)
	if !member {
		metrics.RejectedRequests.WithLabelValues("routing").Inc()
		return fmt.Errorf("%w: %q is not a member of %q", protocol.ErrRouting, req.Identity, req.Room)
	}
	// Muted senders are rejected before any mode-specific logic runs.
	if o.identities.IsMuted(req.Identity) {
		metrics.RejectedRequests.WithLabelValues("muted").Inc()
		return fmt.Errorf("%w: identity %q is muted", protocol.ErrRouting, req.Identity)
	}

	ts := req.Timestamp
	if ts == 0 {
		ts = o.now().UnixMilli()
	}
	msg := &protocol.Message{
		MessageID: shortuuid.New(),
		Identity:  req.Identity,
		Timestamp: ts,
		Content:   req.Content,
	}
	if err := o.rooms.AddRequestMessage(req.Room, msg); err != nil {
		return err
	}
	o.BroadcastContext(req.Room)

	rec := &state.RequestRecord{
		RequestID: req.RequestID,
		Origin:    req.Identity,
		Room:      req.Room,
		Targets:   req.Target,
	}
	if err := o.requests.Open(rec); err != nil {
		return err
	}

	switch mode {
	case state.ModeImmediate:
		return o.dispatchDirect(req, msg, mode)
	case state.ModeHostSubmit:
		return o.handleHostSubmit(req, msg, role)
	case state.ModeMasterOnly:
		if !role.CanSubmit() {
			// Silently ignored: the message stays in context, the record
			// is discarded, no error reaches the caller.
			o.requests.Discard(req.RequestID)
			o.logger.Debug("MasterOnly request from non-manager ignored",
				slog.String("room", req.Room), slog.String("identity", req.Identity))
			return nil
		}
		return o.dispatchDirect(req, msg, mode)
	case state.ModeConversational:
		if len(req.Target) == 0 {
			// Ambient contribution: absorbed into context only.
			o.requests.Discard(req.RequestID)
			return nil
		}
		return o.dispatchDirect(req, msg, mode)
	default:
		o.requests.Discard(req.RequestID)
		return fmt.Errorf("%w: unknown mode %q", protocol.ErrValidation, mode)
	}
}

// dispatchDirect forwards a single message to the request's explicit
// targets. The provisional record is discarded on any rejection.
func (o *Orchestrator) dispatchDirect(req Request, msg *protocol.Message, mode state.Mode) error {
	if len(req.Target) == 0 {
		o.requests.Discard(req.RequestID)
		metrics.RejectedRequests.WithLabelValues("routing").Inc()
		return fmt.Errorf("%w: mode %s requires an explicit target", protocol.ErrRouting, mode)
	}
	return o.forward(req.RequestID, req.Identity, req.Room, req.Target, msg, mode)
}

func (o *Orchestrator) handleHostSubmit(req Request, msg *protocol.Message, role state.Role) error {
	if !role.CanSubmit() {
		// Guest and special contributions are buffered until a manager
		// submits; none of them produces a dispatch on its own.
		o.requests.Discard(req.RequestID)
		o.bufMu.Lock()
		o.guestBuffers[req.Room] = append(o.guestBuffers[req.Room], contribution{msg: msg, requestID: req.RequestID})
		o.bufMu.Unlock()
		o.logger.Debug("buffered guest contribution",
			slog.String("room", req.Room), slog.String("identity", req.Identity))
		return nil
	}

	if len(req.Target) == 0 {
		o.requests.Discard(req.RequestID)
		metrics.RejectedRequests.WithLabelValues("routing").Inc()
		return fmt.Errorf("%w: HostSubmit submission requires an explicit target", protocol.ErrRouting)
	}

	o.bufMu.Lock()
	buffered := o.guestBuffers[req.Room]
	delete(o.guestBuffers, req.Room)
	o.bufMu.Unlock()

	outgoing := msg
	if len(buffered) > 0 {
		sources := make([]contribution, 0, len(buffered)+1)
		sources = append(sources, buffered...)
		sources = append(sources, contribution{msg: msg, requestID: req.RequestID})
		outgoing = mergeContributions(sources)
	}
	return o.forward(req.RequestID, req.Identity, req.Room, req.Target, outgoing, state.ModeHostSubmit)
}

// forward validates the targets and sends the structured LLM request.
func (o *Orchestrator) forward(requestID, origin, room string, targets []string, msg *protocol.Message, mode state.Mode) error {
	backends := make([]*state.Identity, 0, len(targets))
	for _, target := range targets {
		backend, found := o.identities.Find(target)
		if !found || backend.Kind != state.KindBackend {
			o.requests.Discard(requestID)
			metrics.RejectedRequests.WithLabelValues("routing").Inc()
			return fmt.Errorf("%w: unknown target backend %q", protocol.ErrRouting, target)
		}
		backends = append(backends, backend)
	}

	context, err := o.rooms.FullContext(room)
	if err != nil {
		o.requests.Discard(requestID)
		return err
	}
	llmReq := protocol.LLMRequest{
		RequestID:          requestID,
		Mode:               string(mode),
		RequestingIdentity: origin,
		Target:             targets,
		CurrentRequest:     msg,
		Context:            context,
	}
	frame, err := protocol.Envelope(protocol.EventLLMRequest, llmReq)
	if err != nil {
		o.requests.Discard(requestID)
		return err
	}
	for _, backend := range backends {
		if sender, ok := o.identities.SenderOf(backend.ID); ok {
			sender.Send(frame)
		}
	}
	metrics.DispatchedRequests.WithLabelValues(string(mode)).Inc()
	o.logger.Info("request dispatched",
		slog.String("requestID", requestID),
		slog.String("room", room),
		slog.String("mode", string(mode)),
		slog.Int("targets", len(backends)))
	return nil
}

// RoomForRequest resolves the destination room of an in-flight request:
// first the request record, then the synthetic think-request index.
func (o *Orchestrator) RoomForRequest(requestID string) (string, bool) {
	if rec, ok := o.requests.Find(requestID); ok {
		return rec.Room, true
	}
	o.thinkMu.Lock()
	room, ok := o.thinkRooms[requestID]
	o.thinkMu.Unlock()
	return room, ok
}

// ForgetRoom drops every piece of orchestrator state held for a room.
// Called after explicit room deletion and after lifecycle cascade removal.
func (o *Orchestrator) ForgetRoom(room string) {
	o.bufMu.Lock()
	delete(o.guestBuffers, room)
	o.bufMu.Unlock()
	o.thinkMu.Lock()
	delete(o.thinkDeadlines, room)
	for id, r := range o.thinkRooms {
		if r == room {
			delete(o.thinkRooms, id)
		}
	}
	o.thinkMu.Unlock()
	o.requests.DropByRoom(room)
	o.roomMu.Lock()
	delete(o.roomLocks, room)
	o.roomMu.Unlock()
}
