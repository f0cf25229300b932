package state

import "github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"

// IdentityStore tracks connected identities. Implementations are safe for
// concurrent use.
type IdentityStore interface {
	Add(identity *Identity) error
	Find(id string) (*Identity, bool)
	Remove(id string) error
	SetMuted(id string, muted bool) error
	// IsMuted is the locked read of the mute flag; false for unknown ids.
	IsMuted(id string) bool
	// AttachConn swaps the identity's transport under the store lock.
	AttachConn(id string, conn Sender) error
	// DetachConn clears the transport only while conn is still the one
	// attached, so a close racing a cycle replacement cannot drop the
	// replacement socket. Reports whether it detached.
	DetachConn(id string, conn Sender) bool
	// SenderOf returns the attached transport under the store lock; ok is
	// false for unknown or detached identities.
	SenderOf(id string) (Sender, bool)
	ListByKind(kind IdentityKind) []*Identity
	All() []*Identity
}

// RoomStore owns room lifecycle, membership, per-room dispatch mode and the
// FIFO request queue plus the response list of every room.
type RoomStore interface {
	// Create fails if a room with the creator's name already exists. The
	// creator becomes master of their personal room.
	Create(creatorID string, mode Mode) (*Room, error)
	Find(name string) (*Room, bool)
	// Delete removes the room and returns the former member ids so the
	// caller can notify them.
	Delete(name string) ([]string, error)
	Names() []string

	Join(id, room string, role Role) error
	// Leave refuses to remove a member from their own personal room.
	// Leaving demotes a master to no master; the room stays leaderless.
	Leave(id, room string) error
	SetRole(room, id string, role Role) error
	RoleOf(room, id string) (Role, bool)
	Members(room string) ([]string, error)

	// SetMode returns the previous mode so the caller can tear down
	// mode-specific state (the Conversational think deadline).
	SetMode(room string, mode Mode) (Mode, error)
	ModeOf(room string) (Mode, bool)

	AddRequestMessage(room string, msg *protocol.Message) error
	// EditRequestMessage returns the updated message for delta broadcast.
	EditRequestMessage(room, messageID, content string) (*protocol.Message, bool)
	// DeleteRequestMessages returns the ids actually removed.
	DeleteRequestMessages(room string, messageIDs []string) []string
	// ClearRequestMessages returns the number of messages dropped.
	ClearRequestMessages(room string) (int, error)

	AppendResponse(room string, msg *protocol.Message) error

	// FullContext is the stable timestamp-ordered merge of the request
	// queue and the response list.
	FullContext(room string) ([]protocol.Message, error)
}

// RequestStore tracks open LLM request records.
type RequestStore interface {
	Open(rec *RequestRecord) error
	Find(requestID string) (*RequestRecord, bool)
	// Discard drops a provisional record that never produced a dispatch.
	Discard(requestID string)
	// AddResponse increments the response count and returns the updated
	// record; ok is false when no record exists for the id.
	AddResponse(requestID, messageID string) (*RequestRecord, bool)
	// DropByRoom discards every record opened for the given room.
	DropByRoom(room string) int
}
