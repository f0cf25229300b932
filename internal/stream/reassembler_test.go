package stream_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/stream"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/config"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state/statemanager"
)

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type recordedResponse struct {
	room      string
	requestID string
	content   string
	responder string
}

// fakeResponder resolves rooms from a fixed map and records every finished
// turn handed to it.
type fakeResponder struct {
	mu        sync.Mutex
	rooms     map[string]string
	responses []recordedResponse
}

func (f *fakeResponder) HandleResponse(room, requestID, content, responder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, recordedResponse{room, requestID, content, responder})
	return nil
}

func (f *fakeResponder) RoomForRequest(requestID string) (string, bool) {
	room, ok := f.rooms[requestID]
	return room, ok
}

func (f *fakeResponder) recorded() []recordedResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedResponse, len(f.responses))
	copy(out, f.responses)
	return out
}

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) Send(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := make([]byte, len(msg))
	copy(frame, msg)
	f.frames = append(f.frames, frame)
}

func (f *fakeSender) parsed() []gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gjson.Result, 0, len(f.frames))
	for _, frame := range f.frames {
		out = append(out, gjson.ParseBytes(frame))
	}
	return out
}

func newReassembler(t *testing.T, responder *fakeResponder) (*stream.Reassembler, state.IdentityStore, state.RoomStore) {
	t.Helper()
	logger := testLogger()
	identities := statemanager.NewInMemoryIdentities(logger)
	rooms := statemanager.NewInMemoryRooms(logger)
	r := stream.NewReassembler(logger, identities, rooms, responder, config.StreamConfig{})
	return r, identities, rooms
}

func envelope(typ, streamID, outputID, requestID string, index int, data string) *protocol.StreamEnvelope {
	return &protocol.StreamEnvelope{
		Type:       typ,
		StreamID:   streamID,
		OutputID:   outputID,
		RequestID:  requestID,
		ChunkIndex: index,
		Data:       data,
		Source:     "b1",
	}
}

func TestStreamRoundTrip(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{"req-1": "alice"}}
	r, _, _ := newReassembler(t, responder)

	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s1", "o1", "req-1", 0, "He"))
	r.HandleEnvelope(envelope(protocol.StreamDataLast, "s1", "o1", "req-1", 1, "llo"))
	r.HandleEnvelope(envelope(protocol.StreamEnd, "s1", "o1", "req-1", 0, ""))

	got := responder.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].room)
	assert.Equal(t, "req-1", got[0].requestID)
	assert.Equal(t, "Hello", got[0].content)
	assert.Equal(t, "b1", got[0].responder)
}

func TestArrivalOrderBufferVersusIndexedReconstruction(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{"req-1": "alice"}}
	r, _, _ := newReassembler(t, responder)

	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))
	// Chunks arrive out of index order.
	r.HandleEnvelope(envelope(protocol.StreamDataMiddle, "s1", "o1", "req-1", 1, "llo"))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s1", "o1", "req-1", 0, "He"))

	// The running buffer reflects arrival order.
	buffered, ok := r.OutputBuffer("o1")
	require.True(t, ok)
	assert.Equal(t, "lloHe", buffered)

	// Reconstruction follows chunk indexes.
	reconstructed, ok := r.Reconstruct("s1")
	require.True(t, ok)
	assert.Equal(t, "Hello", reconstructed)
}

func TestDataForUnknownSessionDropped(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{}}
	r, _, _ := newReassembler(t, responder)

	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "ghost", "o1", "req-1", 0, "lost"))
	r.HandleEnvelope(envelope(protocol.StreamEnd, "ghost", "o1", "req-1", 0, ""))

	assert.Empty(t, responder.recorded())
	_, ok := r.OutputBuffer("o1")
	assert.False(t, ok)
}

func TestDuplicateStartDropped(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{"req-1": "alice"}}
	r, _, _ := newReassembler(t, responder)

	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s1", "o1", "req-1", 0, "keep"))
	// A second START for the same streamId must not reset the session.
	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))

	reconstructed, ok := r.Reconstruct("s1")
	require.True(t, ok)
	assert.Equal(t, "keep", reconstructed)
}

func TestFailedEnvelopePoisonsSession(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{"req-1": "alice"}}
	r, _, _ := newReassembler(t, responder)

	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s1", "o1", "req-1", 0, "partial"))
	r.HandleEnvelope(envelope(protocol.StreamDataFailed, "s1", "o1", "req-1", 1, "!"))
	// Data after FAILED is ignored.
	r.HandleEnvelope(envelope(protocol.StreamDataMiddle, "s1", "o1", "req-1", 2, "late"))

	buffered, ok := r.OutputBuffer("o1")
	require.True(t, ok)
	assert.Equal(t, "partial!", buffered)
}

func TestOutputBufferSpansRetriedStreams(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{"req-1": "alice"}}
	r, _, _ := newReassembler(t, responder)

	// First attempt delivers a prefix, then ends.
	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s1", "o1", "req-1", 0, "foo"))
	r.HandleEnvelope(envelope(protocol.StreamEnd, "s1", "o1", "req-1", 0, ""))

	// A retry under the same outputId keeps accumulating.
	r.HandleEnvelope(envelope(protocol.StreamStart, "s2", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s2", "o1", "req-1", 0, "bar"))
	r.HandleEnvelope(envelope(protocol.StreamEnd, "s2", "o1", "req-1", 0, ""))

	got := responder.recorded()
	require.Len(t, got, 2)
	assert.Equal(t, "foo", got[0].content)
	assert.Equal(t, "foobar", got[1].content)
}

func TestNewOutputIDReplacesStaleBuffer(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{"req-1": "alice"}}
	r, _, _ := newReassembler(t, responder)

	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s1", "o1", "req-1", 0, "stale"))

	// A fresh generation turn abandons the old buffer entirely.
	r.HandleEnvelope(envelope(protocol.StreamStart, "s2", "o2", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s2", "o2", "req-1", 0, "fresh"))
	r.HandleEnvelope(envelope(protocol.StreamEnd, "s2", "o2", "req-1", 0, ""))

	_, ok := r.OutputBuffer("o1")
	assert.False(t, ok, "stale buffer should be discarded")
	got := responder.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].content)
}

func TestForgetRoomPrunesBuffersAndSessions(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{"req-1": "alice", "req-2": "bob"}}
	r, _, _ := newReassembler(t, responder)

	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s1", "o1", "req-1", 0, "gone"))
	r.HandleEnvelope(envelope(protocol.StreamEnd, "s1", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamStart, "s2", "o2", "req-2", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s2", "o2", "req-2", 0, "kept"))

	// The finished turn's buffer lingers for retries until its room goes.
	_, ok := r.OutputBuffer("o1")
	require.True(t, ok)

	r.ForgetRoom("alice")

	_, ok = r.OutputBuffer("o1")
	assert.False(t, ok, "buffer for the forgotten room should be gone")
	// A live session for the forgotten room is dropped with it.
	r.ForgetRoom("bob")
	_, ok = r.Reconstruct("s2")
	assert.False(t, ok)
	_, ok = r.OutputBuffer("o2")
	assert.False(t, ok)

	// State for other rooms is untouched by an unrelated forget.
	r.HandleEnvelope(envelope(protocol.StreamStart, "s3", "o3", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s3", "o3", "req-1", 0, "still here"))
	r.ForgetRoom("carol")
	buffered, ok := r.OutputBuffer("o3")
	require.True(t, ok)
	assert.Equal(t, "still here", buffered)
}

func TestChunksRelayedToRoomMembersInArrivalOrder(t *testing.T) {
	responder := &fakeResponder{rooms: map[string]string{"req-1": "alice"}}
	r, identities, rooms := newReassembler(t, responder)

	member := &fakeSender{}
	require.NoError(t, identities.Add(&state.Identity{ID: "alice", Kind: state.KindClient, Conn: member}))
	_, err := rooms.Create("alice", state.ModeConversational)
	require.NoError(t, err)

	r.HandleEnvelope(envelope(protocol.StreamStart, "s1", "o1", "req-1", 0, ""))
	r.HandleEnvelope(envelope(protocol.StreamDataMiddle, "s1", "o1", "req-1", 1, "second"))
	r.HandleEnvelope(envelope(protocol.StreamDataFirst, "s1", "o1", "req-1", 0, "first"))

	frames := member.parsed()
	require.Len(t, frames, 2)
	// Relay preserves arrival order and rewrites the event name.
	assert.Equal(t, protocol.ResponseEvent(protocol.StreamDataMiddle), frames[0].Get("event").String())
	assert.Equal(t, "second", frames[0].Get("payload.data").String())
	assert.Equal(t, "first", frames[1].Get("payload.data").String())
}
