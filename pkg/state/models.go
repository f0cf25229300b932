package state

import (
	"time"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
)

type IdentityKind string

const (
	KindClient  IdentityKind = "client"
	KindBackend IdentityKind = "backend"
	KindMonitor IdentityKind = "monitor"
)

// Sender is the one-way delivery surface of a transport connection.
// *transport.Connection satisfies it; tests inject fakes.
type Sender interface {
	Send(msg []byte)
}

// canonical representation of one authenticated connection endpoint.
type Identity struct {
	ID          string
	Kind        IdentityKind
	Trusted     bool
	Muted       bool
	Desc        string
	Conn        Sender // guarded by the store; read via SenderOf, swap via AttachConn/DetachConn
	ConnectedAt time.Time
}

// Mode is the per-room dispatch policy.
type Mode string

const (
	ModeImmediate      Mode = "Immediate"
	ModeHostSubmit     Mode = "HostSubmit"
	ModeMasterOnly     Mode = "MasterOnly"
	ModeConversational Mode = "Conversational"
)

// ParseMode validates a wire-supplied mode string.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeImmediate, ModeHostSubmit, ModeMasterOnly, ModeConversational:
		return Mode(s), true
	}
	return "", false
}

// canonical representation of a communication channel. Master is the empty
// string while the room is leaderless; it is never auto-elected.
type Room struct {
	Name         string
	Members      map[string]Role
	Master       string
	Mode         Mode
	RequestQueue []*protocol.Message
	Responses    []*protocol.Message
	CreatedAt    time.Time
}

// IsPersonal reports whether the room is the given identity's personal
// room. Personal rooms are named after their creator.
func (r *Room) IsPersonal(id string) bool {
	return r.Name == id
}

// RequestRecord correlates a dispatched request with its expected
// responses. Origin is empty for background "think" requests.
type RequestRecord struct {
	RequestID     string
	Origin        string
	Room          string
	Targets       []string
	ResponseIDs   []string
	ResponseCount int
	Completed     bool
	CreatedAt     time.Time
}

// Expected is the number of responses that completes the record.
func (r *RequestRecord) Expected() int {
	if len(r.Targets) == 0 {
		return 1
	}
	return len(r.Targets)
}
