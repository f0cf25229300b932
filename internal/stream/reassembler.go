// Package stream reassembles chunked backend transfers. Chunk data is
// relayed to room subscribers in arrival order for low-latency display;
// index-ordered reconstruction is used only for verification logging.
package stream

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/metrics"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/config"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// Responder receives the accumulated text of a finished generation turn
// and resolves a request's destination room. The orchestrator satisfies it.
type Responder interface {
	HandleResponse(room, requestID, content, responder string) error
	RoomForRequest(requestID string) (string, bool)
}

type sessionState int

const (
	sessionStarted sessionState = iota
	sessionReceiving
	sessionFailed
)

// session is the lifecycle of one chunked transfer attempt (streamId).
type session struct {
	streamID  string
	outputID  string
	requestID string
	source    string
	chunks    map[int]string
	state     sessionState
	room      string // empty when no request record was found
}

// Reassembler manages stream sessions and per-outputId running buffers.
type Reassembler struct {
	mu       sync.Mutex
	sessions map[string]*session
	// buffers accumulate text per logical generation turn; a turn may span
	// several streamIds (retries). current maps requestId to the turn it is
	// accumulating so a fresh outputId replaces the stale buffer. turnRooms
	// remembers each request's destination room so ForgetRoom can prune
	// buffers whose sessions are long gone.
	buffers   map[string]*strings.Builder
	current   map[string]string
	turnRooms map[string]string

	identities state.IdentityStore
	rooms      state.RoomStore
	responder  Responder

	volume *rate.Limiter
	logger *slog.Logger
}

func NewReassembler(
	logger *slog.Logger,
	identities state.IdentityStore,
	rooms state.RoomStore,
	responder Responder,
	cfg config.StreamConfig,
) *Reassembler {
	var limiter *rate.Limiter
	if cfg.VolumeBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.VolumeBytesPerSec), cfg.VolumeBurst)
	}
	return &Reassembler{
		sessions:   make(map[string]*session),
		buffers:    make(map[string]*strings.Builder),
		current:    make(map[string]string),
		turnRooms:  make(map[string]string),
		identities: identities,
		rooms:      rooms,
		responder:  responder,
		volume:     limiter,
		logger:     logger.With(slog.String("component", "stream_reassembler")),
	}
}

// HandleEnvelope processes one inbound stream envelope. Integrity
// violations are logged and dropped, never surfaced to the caller.
func (r *Reassembler) HandleEnvelope(env *protocol.StreamEnvelope) {
	switch env.Type {
	case protocol.StreamStart:
		r.handleStart(env)
	case protocol.StreamDataFirst, protocol.StreamDataMiddle, protocol.StreamDataLast, protocol.StreamDataRetry:
		r.handleData(env, false)
	case protocol.StreamDataFailed:
		r.handleData(env, true)
	case protocol.StreamEnd:
		r.handleEnd(env)
	default:
		r.logger.Warn("unknown stream envelope type dropped", slog.String("type", env.Type))
		metrics.DroppedEnvelopes.Inc()
	}
}

func (r *Reassembler) handleStart(env *protocol.StreamEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[env.StreamID]; exists {
		r.logger.Warn("duplicate STREAM_START dropped", slog.String("streamID", env.StreamID))
		metrics.DroppedEnvelopes.Inc()
		return
	}

	// A new outputId for this request replaces the previous turn's buffer.
	if prev, ok := r.current[env.RequestID]; ok && prev != env.OutputID {
		delete(r.buffers, prev)
	}
	r.current[env.RequestID] = env.OutputID
	if _, ok := r.buffers[env.OutputID]; !ok {
		r.buffers[env.OutputID] = &strings.Builder{}
	}

	s := &session{
		streamID:  env.StreamID,
		outputID:  env.OutputID,
		requestID: env.RequestID,
		source:    env.Source,
		chunks:    make(map[int]string),
		state:     sessionStarted,
	}
	// The relay destination is the room recorded for the request. Without
	// a record, chunks are buffered but have nowhere to go.
	if room, ok := r.responder.RoomForRequest(env.RequestID); ok {
		s.room = room
		r.turnRooms[env.RequestID] = room
	}
	r.sessions[env.StreamID] = s
	r.logger.Debug("stream session opened",
		slog.String("streamID", env.StreamID),
		slog.String("outputID", env.OutputID),
		slog.String("room", s.room))
}

func (r *Reassembler) handleData(env *protocol.StreamEnvelope, failed bool) {
	r.mu.Lock()
	s, ok := r.sessions[env.StreamID]
	if !ok || s.state == sessionFailed {
		r.mu.Unlock()
		r.logger.Warn("stream data for unknown or ended session dropped",
			slog.String("streamID", env.StreamID), slog.String("type", env.Type))
		metrics.DroppedEnvelopes.Inc()
		return
	}

	s.chunks[env.ChunkIndex] = env.Data
	s.state = sessionReceiving
	if failed {
		// A FAILED envelope ends the attempt early; later data for this
		// streamId is ignored.
		s.state = sessionFailed
	}
	if buf, ok := r.buffers[s.outputID]; ok {
		buf.WriteString(env.Data)
	}
	room := s.room
	r.mu.Unlock()

	if r.volume != nil && !r.volume.AllowN(time.Now(), len(env.Data)) {
		r.logger.Warn("stream volume exceeds configured threshold",
			slog.String("streamID", env.StreamID), slog.Int("bytes", len(env.Data)))
	}
	metrics.StreamBytes.Add(float64(len(env.Data)))

	if room != "" {
		r.relay(room, env)
	}
}

func (r *Reassembler) handleEnd(env *protocol.StreamEnvelope) {
	r.mu.Lock()
	s, ok := r.sessions[env.StreamID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("STREAM_END for unknown session dropped", slog.String("streamID", env.StreamID))
		metrics.DroppedEnvelopes.Inc()
		return
	}
	delete(r.sessions, env.StreamID)

	// Index-ordered reconstruction, for verification logging only.
	indexes := make([]int, 0, len(s.chunks))
	for i := range s.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	var reconstructed strings.Builder
	for _, i := range indexes {
		reconstructed.WriteString(s.chunks[i])
	}

	var accumulated string
	if buf, ok := r.buffers[s.outputID]; ok {
		accumulated = buf.String()
	}
	room := s.room
	r.mu.Unlock()

	r.logger.Debug("stream session closed",
		slog.String("streamID", env.StreamID),
		slog.String("outputID", s.outputID),
		slog.Int("chunks", len(indexes)),
		slog.Int("reconstructedBytes", reconstructed.Len()),
		slog.Int("accumulatedBytes", len(accumulated)))

	if room == "" {
		if found, ok := r.responder.RoomForRequest(s.requestID); ok {
			room = found
		}
	}
	if room == "" {
		r.logger.Warn("finished stream has no destination room",
			slog.String("requestID", s.requestID))
		return
	}
	if err := r.responder.HandleResponse(room, s.requestID, accumulated, s.source); err != nil {
		r.logger.Warn("failed to record stream response", slog.Any("error", err))
	}
}

// Reconstruct returns the index-ordered concatenation of a live session's
// chunk buffer.
func (r *Reassembler) Reconstruct(streamID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamID]
	if !ok {
		return "", false
	}
	indexes := make([]int, 0, len(s.chunks))
	for i := range s.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	var b strings.Builder
	for _, i := range indexes {
		b.WriteString(s.chunks[i])
	}
	return b.String(), true
}

// OutputBuffer returns the running accumulated text for a generation turn.
func (r *Reassembler) OutputBuffer(outputID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[outputID]
	if !ok {
		return "", false
	}
	return buf.String(), true
}

// ForgetRoom drops every stream session and outputId buffer whose request
// was destined for the room. Buffers outlive their sessions until a new
// turn replaces them, so room teardown is the point where they go away.
func (r *Reassembler) ForgetRoom(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if s.room == room {
			delete(r.sessions, id)
		}
	}
	for requestID, destination := range r.turnRooms {
		if destination != room {
			continue
		}
		if outputID, ok := r.current[requestID]; ok {
			delete(r.buffers, outputID)
		}
		delete(r.current, requestID)
		delete(r.turnRooms, requestID)
	}
}

// relay forwards one data envelope to every member of the destination room
// in arrival order.
func (r *Reassembler) relay(room string, env *protocol.StreamEnvelope) {
	frame, err := protocol.Envelope(protocol.ResponseEvent(env.Type), env)
	if err != nil {
		r.logger.Error("failed to marshal stream relay frame", slog.Any("error", err))
		return
	}
	members, err := r.rooms.Members(room)
	if err != nil {
		r.logger.Debug("stream relay to missing room skipped", slog.String("room", room))
		return
	}
	for _, id := range members {
		if sender, ok := r.identities.SenderOf(id); ok {
			sender.Send(frame)
		}
	}
}
