package statemanager

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// InMemoryRooms owns every room's membership, mode and message history.
type InMemoryRooms struct {
	mu     sync.RWMutex
	rooms  map[string]*state.Room
	logger *slog.Logger
}

var _ state.RoomStore = (*InMemoryRooms)(nil)

func NewInMemoryRooms(logger *slog.Logger) *InMemoryRooms {
	return &InMemoryRooms{
		rooms:  make(map[string]*state.Room),
		logger: logger.With(slog.String("component", "room_store")),
	}
}

func (s *InMemoryRooms) Create(creatorID string, mode state.Mode) (*state.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[creatorID]; exists {
		return nil, fmt.Errorf("%w: room %q already exists", protocol.ErrValidation, creatorID)
	}
	room := &state.Room{
		Name:      creatorID,
		Members:   map[string]state.Role{creatorID: state.RoleMaster},
		Master:    creatorID,
		Mode:      mode,
		CreatedAt: time.Now(),
	}
	s.rooms[creatorID] = room
	s.logger.Info("room created", slog.String("room", creatorID), slog.String("mode", string(mode)))
	return room, nil
}

func (s *InMemoryRooms) Find(name string) (*state.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[name]
	return room, ok
}

func (s *InMemoryRooms) Delete(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: room %q", protocol.ErrNotFound, name)
	}
	members := make([]string, 0, len(room.Members))
	for id := range room.Members {
		members = append(members, id)
	}
	sort.Strings(members)
	delete(s.rooms, name)
	s.logger.Info("room deleted", slog.String("room", name), slog.Int("members", len(members)))
	return members, nil
}

func (s *InMemoryRooms) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *InMemoryRooms) Join(id, room string, role state.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	if _, member := r.Members[id]; member {
		return fmt.Errorf("%w: %q is already a member of %q", protocol.ErrValidation, id, room)
	}
	if role == state.RoleMaster {
		if r.Master != "" {
			return fmt.Errorf("%w: room %q already has a master", protocol.ErrValidation, room)
		}
		r.Master = id
	}
	r.Members[id] = role
	s.logger.Debug("member joined", slog.String("room", room), slog.String("id", id), slog.String("role", role.String()))
	return nil
}

func (s *InMemoryRooms) Leave(id, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	if _, member := r.Members[id]; !member {
		return fmt.Errorf("%w: %q is not a member of %q", protocol.ErrNotFound, id, room)
	}
	if r.IsPersonal(id) {
		return fmt.Errorf("%w: cannot leave own personal room %q", protocol.ErrValidation, room)
	}
	delete(r.Members, id)
	if r.Master == id {
		// The room stays leaderless until a master is reassigned.
		r.Master = ""
	}
	s.logger.Debug("member left", slog.String("room", room), slog.String("id", id))
	return nil
}

func (s *InMemoryRooms) SetRole(room, id string, role state.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	current, member := r.Members[id]
	if !member {
		return fmt.Errorf("%w: %q is not a member of %q", protocol.ErrNotFound, id, room)
	}
	if role == state.RoleMaster && r.Master != "" && r.Master != id {
		// Explicit reassignment demotes the previous master.
		r.Members[r.Master] = state.RoleManager
	}
	if current == state.RoleMaster && role != state.RoleMaster {
		r.Master = ""
	}
	if role == state.RoleMaster {
		r.Master = id
	}
	r.Members[id] = role
	s.logger.Debug("role changed", slog.String("room", room), slog.String("id", id), slog.String("role", role.String()))
	return nil
}

func (s *InMemoryRooms) RoleOf(room, id string) (state.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return state.RoleGuest, false
	}
	role, member := r.Members[id]
	return role, member
}

func (s *InMemoryRooms) Members(room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	members := make([]string, 0, len(r.Members))
	for id := range r.Members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members, nil
}

func (s *InMemoryRooms) SetMode(room string, mode state.Mode) (state.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return "", fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	prev := r.Mode
	r.Mode = mode
	s.logger.Info("room mode changed", slog.String("room", room), slog.String("from", string(prev)), slog.String("to", string(mode)))
	return prev, nil
}

func (s *InMemoryRooms) ModeOf(room string) (state.Mode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return "", false
	}
	return r.Mode, true
}

func (s *InMemoryRooms) AddRequestMessage(room string, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	r.RequestQueue = append(r.RequestQueue, msg)
	return nil
}

func (s *InMemoryRooms) EditRequestMessage(room, messageID, content string) (*protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, false
	}
	for _, msg := range r.RequestQueue {
		if msg.MessageID == messageID {
			msg.Content = content
			updated := *msg
			return &updated, true
		}
	}
	return nil, false
}

func (s *InMemoryRooms) DeleteRequestMessages(room string, messageIDs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil
	}
	drop := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = true
	}
	deleted := make([]string, 0, len(messageIDs))
	kept := r.RequestQueue[:0]
	for _, msg := range r.RequestQueue {
		if drop[msg.MessageID] {
			deleted = append(deleted, msg.MessageID)
			continue
		}
		kept = append(kept, msg)
	}
	r.RequestQueue = kept
	return deleted
}

func (s *InMemoryRooms) ClearRequestMessages(room string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return 0, fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	n := len(r.RequestQueue)
	r.RequestQueue = nil
	return n, nil
}

func (s *InMemoryRooms) AppendResponse(room string, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[room]
	if !ok {
		return fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	r.Responses = append(r.Responses, msg)
	return nil
}

func (s *InMemoryRooms) FullContext(room string) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, fmt.Errorf("%w: room %q", protocol.ErrNotFound, room)
	}
	context := make([]protocol.Message, 0, len(r.RequestQueue)+len(r.Responses))
	for _, msg := range r.RequestQueue {
		context = append(context, *msg)
	}
	for _, msg := range r.Responses {
		context = append(context, *msg)
	}
	// Stable sort: equal timestamps keep arrival order, so a request stays
	// ahead of its same-millisecond response.
	sort.SliceStable(context, func(i, j int) bool {
		return context[i].Timestamp < context[j].Timestamp
	})
	return context, nil
}
