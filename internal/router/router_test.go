package router_test

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/assignment"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/orchestrator"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/router"
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

func (f *fakeSender) eventsOf(event string) []gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gjson.Result, 0)
	for _, frame := range f.frames {
		parsed := gjson.ParseBytes(frame)
		if parsed.Get("event").String() == event {
			out = append(out, parsed.Get("payload"))
		}
	}
	return out
}

type rig struct {
	identities state.IdentityStore
	rooms      state.RoomStore
	requests   state.RequestStore
	assigner   *assignment.Engine
	orch       *orchestrator.Orchestrator
	router     *router.EventRouter
	conns      map[string]uuid.UUID
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := testLogger()
	r := &rig{
		identities: statemanager.NewInMemoryIdentities(logger),
		rooms:      statemanager.NewInMemoryRooms(logger),
		requests:   statemanager.NewInMemoryRequests(logger),
		conns:      make(map[string]uuid.UUID),
	}
	r.assigner = assignment.NewEngine(logger, nil, rand.New(rand.NewSource(1)))
	r.orch = orchestrator.New(logger, r.identities, r.rooms, r.requests, r.assigner,
		config.ContextDeliveryConfig{PageSize: 50, PageDelay: 0},
		config.ThinkConfig{SweepInterval: time.Second, Probability: 0, MinDeadline: time.Second, MaxDeadline: 2 * time.Second},
		rand.New(rand.NewSource(1)))
	streams := stream.NewReassembler(logger, r.identities, r.rooms, r.orch, config.StreamConfig{})
	r.router = router.NewEventRouter(logger, r.identities, r.rooms, r.orch, streams, r.assigner, state.ModeConversational)
	return r
}

// connect registers an identity, binds a connection for it and returns the
// frame recorder.
func (r *rig) connect(t *testing.T, id string, kind state.IdentityKind) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	require.NoError(t, r.identities.Add(&state.Identity{ID: id, Kind: kind, Conn: sender}))
	connID := uuid.New()
	r.conns[id] = connID
	r.router.Bind(connID, id)
	return sender
}

func (r *rig) send(t *testing.T, id, frame string) {
	t.Helper()
	connID, ok := r.conns[id]
	require.True(t, ok, "no connection for %s", id)
	r.router.HandleMessage(context.Background(), connID, []byte(frame))
}

func lastAck(t *testing.T, sender *fakeSender, event string) gjson.Result {
	t.Helper()
	acks := sender.eventsOf(protocol.ResponseEvent(event))
	require.NotEmpty(t, acks, "no ack for %s", event)
	return acks[len(acks)-1]
}

func TestUnboundConnectionDropped(t *testing.T) {
	r := newRig(t)
	// Must not panic or reply.
	r.router.HandleMessage(context.Background(), uuid.New(), []byte(`{"event":"CREATE_ROOM","payload":{}}`))
}

func TestCreateRoomAcked(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)

	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	assert.Equal(t, "ok", lastAck(t, alice, protocol.EventCreateRoom).Get("status").String())

	room, found := r.rooms.Find("alice")
	require.True(t, found)
	assert.Equal(t, state.ModeConversational, room.Mode)
	assert.Equal(t, []string(nil), r.assigner.Assigned("alice"))

	// A duplicate create fails but still acks.
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	ack := lastAck(t, alice, protocol.EventCreateRoom)
	assert.Equal(t, "error", ack.Get("status").String())
	assert.NotEmpty(t, ack.Get("message").String())
}

func TestJoinRoomNotifiesManagers(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	bob := r.connect(t, "bob", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)

	r.send(t, "bob", `{"event":"JOIN_ROOM","payload":{"room":"alice"}}`)
	assert.Equal(t, "ok", lastAck(t, bob, protocol.EventJoinRoom).Get("status").String())

	notices := alice.eventsOf(protocol.EventRoomNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, "bob", notices[0].Get("joined").String())

	// Guests are not notified about later joins.
	r.connect(t, "carol", state.KindClient)
	r.send(t, "carol", `{"event":"JOIN_ROOM","payload":{"room":"alice"}}`)
	assert.Empty(t, bob.eventsOf(protocol.EventRoomNotice))
}

func TestJoinRoomRejectsUnknownRole(t *testing.T) {
	r := newRig(t)
	r.connect(t, "alice", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	bob := r.connect(t, "bob", state.KindClient)

	r.send(t, "bob", `{"event":"JOIN_ROOM","payload":{"room":"alice","role":"emperor"}}`)
	assert.Equal(t, "error", lastAck(t, bob, protocol.EventJoinRoom).Get("status").String())
}

func TestSetModeValidation(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)

	r.send(t, "alice", `{"event":"SET_MODE","payload":{"room":"alice","mode":"Immediate"}}`)
	assert.Equal(t, "ok", lastAck(t, alice, protocol.EventSetMode).Get("status").String())
	mode, _ := r.rooms.ModeOf("alice")
	assert.Equal(t, state.ModeImmediate, mode)

	r.send(t, "alice", `{"event":"SET_MODE","payload":{"room":"alice","mode":"Telepathy"}}`)
	assert.Equal(t, "error", lastAck(t, alice, protocol.EventSetMode).Get("status").String())
}

func TestDeleteRoomRequiresMaster(t *testing.T) {
	r := newRig(t)
	r.connect(t, "alice", state.KindClient)
	bob := r.connect(t, "bob", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	r.send(t, "bob", `{"event":"JOIN_ROOM","payload":{"room":"alice"}}`)

	// A guest cannot delete.
	r.send(t, "bob", `{"event":"DELETE_ROOM","payload":{"room":"alice"}}`)
	assert.Equal(t, "error", lastAck(t, bob, protocol.EventDeleteRoom).Get("status").String())
	_, found := r.rooms.Find("alice")
	assert.True(t, found)

	// A monitor can.
	mon := r.connect(t, "mon", state.KindMonitor)
	r.send(t, "mon", `{"event":"DELETE_ROOM","payload":{"room":"alice"}}`)
	assert.Equal(t, "ok", lastAck(t, mon, protocol.EventDeleteRoom).Get("status").String())
	_, found = r.rooms.Find("alice")
	assert.False(t, found)

	// Former members get a notice.
	notices := bob.eventsOf(protocol.EventRoomNotice)
	require.NotEmpty(t, notices)
	assert.Equal(t, "deleted", notices[len(notices)-1].Get("reason").String())
}

func TestLLMRequestDefaultsToPersonalRoom(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	backend := r.connect(t, "b1", state.KindBackend)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	r.send(t, "alice", `{"event":"SET_MODE","payload":{"room":"alice","mode":"Immediate"}}`)

	r.send(t, "alice", `{"event":"LLM_REQUEST","payload":{"requestId":"req-1","message":"hi","target":"b1"}}`)

	got := backend.eventsOf(protocol.EventLLMRequest)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Get("currentRequest.content").String())
	assert.Empty(t, alice.eventsOf(protocol.EventError))
}

func TestLLMRequestFailureSendsError(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	r.send(t, "alice", `{"event":"SET_MODE","payload":{"room":"alice","mode":"Immediate"}}`)

	// Immediate without a target is a routing failure.
	r.send(t, "alice", `{"event":"LLM_REQUEST","payload":{"requestId":"req-1","message":"hi"}}`)

	errs := alice.eventsOf(protocol.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "req-1", errs[0].Get("requestId").String())
}

func TestStreamingRestrictedToBackends(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)

	r.send(t, "alice", `{"event":"STREAM_START","payload":{"streamId":"s1","outputId":"o1","requestId":"req-1"}}`)

	errs := alice.eventsOf(protocol.EventError)
	require.Len(t, errs, 1)
}

func TestStreamedResponseEndToEnd(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	r.connect(t, "b1", state.KindBackend)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	r.send(t, "alice", `{"event":"SET_MODE","payload":{"room":"alice","mode":"Immediate"}}`)
	r.send(t, "alice", `{"event":"LLM_REQUEST","payload":{"requestId":"req-1","message":"greet me","target":"b1"}}`)

	r.send(t, "b1", `{"event":"STREAM_START","payload":{"streamId":"s1","outputId":"o1","requestId":"req-1"}}`)
	r.send(t, "b1", `{"event":"STREAM_DATA_FIRST","payload":{"streamId":"s1","outputId":"o1","requestId":"req-1","chunkIndex":0,"data":"He"}}`)
	r.send(t, "b1", `{"event":"STREAM_DATA_LAST","payload":{"streamId":"s1","outputId":"o1","requestId":"req-1","chunkIndex":1,"data":"llo"}}`)
	r.send(t, "b1", `{"event":"STREAM_END","payload":{"streamId":"s1","outputId":"o1","requestId":"req-1"}}`)

	// Chunks were relayed live to the room.
	relayed := alice.eventsOf(protocol.ResponseEvent(protocol.StreamDataFirst))
	require.Len(t, relayed, 1)
	assert.Equal(t, "He", relayed[0].Get("data").String())

	// The accumulated text became a response message.
	context, err := r.rooms.FullContext("alice")
	require.NoError(t, err)
	require.Len(t, context, 2)
	assert.Equal(t, "Hello", context[1].Content)
	assert.True(t, context[1].IsResponse)

	// The originator was told the request completed.
	statuses := alice.eventsOf(protocol.EventRequestStatus)
	require.NotEmpty(t, statuses)
	assert.Equal(t, "completed", statuses[len(statuses)-1].Get("status").String())
}

func TestNonStreamResponse(t *testing.T) {
	r := newRig(t)
	r.connect(t, "alice", state.KindClient)
	r.connect(t, "b1", state.KindBackend)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	r.send(t, "alice", `{"event":"SET_MODE","payload":{"room":"alice","mode":"Immediate"}}`)
	r.send(t, "alice", `{"event":"LLM_REQUEST","payload":{"requestId":"req-1","message":"hi","target":"b1"}}`)

	r.send(t, "b1", `{"event":"NON_STREAM","payload":{"requestId":"req-1","data":"whole reply"}}`)

	context, err := r.rooms.FullContext("alice")
	require.NoError(t, err)
	require.Len(t, context, 2)
	assert.Equal(t, "whole reply", context[1].Content)
}

func TestMutePermissions(t *testing.T) {
	r := newRig(t)
	r.connect(t, "alice", state.KindClient)
	bob := r.connect(t, "bob", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	r.send(t, "bob", `{"event":"JOIN_ROOM","payload":{"room":"alice"}}`)

	// A guest cannot mute the master.
	r.send(t, "bob", `{"event":"MUTE_IDENTITY","payload":{"id":"alice","muted":true}}`)
	assert.Equal(t, "error", lastAck(t, bob, protocol.EventMuteIdentity).Get("status").String())

	// The master can mute a guest in their room.
	sender, ok := r.identities.SenderOf("alice")
	require.True(t, ok)
	aliceSender := sender.(*fakeSender)
	r.send(t, "alice", `{"event":"MUTE_IDENTITY","payload":{"id":"bob","muted":true}}`)
	assert.Equal(t, "ok", lastAck(t, aliceSender, protocol.EventMuteIdentity).Get("status").String())
	assert.True(t, r.identities.IsMuted("bob"))
}

func TestSetPolicyMonitorOnly(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	mon := r.connect(t, "mon", state.KindMonitor)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	r.connect(t, "b1", state.KindBackend)
	r.assigner.AddBackend("b1")

	r.send(t, "alice", `{"event":"SET_POLICY","payload":{"policy":"Balanced"}}`)
	assert.Equal(t, "error", lastAck(t, alice, protocol.EventSetPolicy).Get("status").String())

	r.send(t, "mon", `{"event":"SET_POLICY","payload":{"policy":"Balanced"}}`)
	assert.Equal(t, "ok", lastAck(t, mon, protocol.EventSetPolicy).Get("status").String())
	assert.Equal(t, assignment.PolicyBalanced, r.assigner.Policy())

	// Manual policy carries its mapping inline.
	r.send(t, "mon", `{"event":"SET_POLICY","payload":{"policy":"Manual","assignments":{"alice":["b1"]}}}`)
	assert.Equal(t, "ok", lastAck(t, mon, protocol.EventSetPolicy).Get("status").String())
	assert.Equal(t, []string{"b1"}, r.assigner.Assigned("alice"))
}

func TestEditMessageFansOut(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	require.NoError(t, r.rooms.AddRequestMessage("alice", &protocol.Message{MessageID: "m1", Timestamp: 1, Content: "typo"}))

	r.send(t, "alice", `{"event":"EDIT_MESSAGE","payload":{"room":"alice","messageId":"m1","content":"fixed"}}`)
	assert.Equal(t, "ok", lastAck(t, alice, protocol.EventEditMessage).Get("status").String())

	deltas := alice.eventsOf(protocol.ResponseEvent(protocol.EventEditMessage))
	// First frame is the fan-out delta, second the ack; eventsOf keeps order.
	var edited bool
	for _, d := range deltas {
		if d.Get("content").String() == "fixed" {
			edited = true
		}
	}
	assert.True(t, edited)

	r.send(t, "alice", `{"event":"EDIT_MESSAGE","payload":{"room":"alice","messageId":"ghost","content":"x"}}`)
	assert.Equal(t, "error", lastAck(t, alice, protocol.EventEditMessage).Get("status").String())
}

func TestClearMessagesUnknownRoomAcksError(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	require.NoError(t, r.rooms.AddRequestMessage("alice", &protocol.Message{MessageID: "m1", Timestamp: 1, Content: "one"}))

	r.send(t, "alice", `{"event":"CLEAR_MESSAGES","payload":{"room":"alice"}}`)
	assert.Equal(t, "ok", lastAck(t, alice, protocol.EventClearMessages).Get("status").String())
	context, err := r.rooms.FullContext("alice")
	require.NoError(t, err)
	assert.Empty(t, context)

	r.send(t, "alice", `{"event":"CLEAR_MESSAGES","payload":{"room":"ghost"}}`)
	assert.Equal(t, "error", lastAck(t, alice, protocol.EventClearMessages).Get("status").String())
}

func TestRoomListAndIdentityList(t *testing.T) {
	r := newRig(t)
	mon := r.connect(t, "mon", state.KindMonitor)
	r.connect(t, "alice", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)

	r.send(t, "mon", `{"event":"GET_ROOM_LIST","payload":{}}`)
	lists := mon.eventsOf(protocol.ResponseEvent(protocol.EventRoomList))
	require.Len(t, lists, 1)
	assert.Equal(t, `["alice"]`, lists[0].Get("rooms").Raw)

	r.send(t, "mon", `{"event":"GET_IDENTITY_LIST","payload":{}}`)
	ids := mon.eventsOf(protocol.ResponseEvent(protocol.EventIdentityList))
	require.Len(t, ids, 1)
	assert.Equal(t, int64(2), ids[0].Get("#").Int())
}

func TestUnknownEventAnswersError(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)

	r.send(t, "alice", `{"event":"TELEPORT","payload":{}}`)
	errs := alice.eventsOf(protocol.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Get("message").String(), "TELEPORT")
}

func TestLeaveRoomAck(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)
	bob := r.connect(t, "bob", state.KindClient)
	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	r.send(t, "bob", `{"event":"JOIN_ROOM","payload":{"room":"alice"}}`)

	r.send(t, "bob", `{"event":"LEAVE_ROOM","payload":{"room":"alice"}}`)
	assert.Equal(t, "ok", lastAck(t, bob, protocol.EventLeaveRoom).Get("status").String())

	// The personal-room guard surfaces as an error ack.
	r.send(t, "alice", `{"event":"LEAVE_ROOM","payload":{"room":"alice"}}`)
	ack := lastAck(t, alice, protocol.EventLeaveRoom)
	assert.Equal(t, "error", ack.Get("status").String())
	assert.Contains(t, ack.Get("message").String(), "personal")
}

func TestUnbindStopsRouting(t *testing.T) {
	r := newRig(t)
	alice := r.connect(t, "alice", state.KindClient)

	id, ok := r.router.Unbind(r.conns["alice"])
	require.True(t, ok)
	assert.Equal(t, "alice", id)

	r.send(t, "alice", `{"event":"CREATE_ROOM","payload":{}}`)
	assert.Empty(t, alice.eventsOf(protocol.ResponseEvent(protocol.EventCreateRoom)))
}
