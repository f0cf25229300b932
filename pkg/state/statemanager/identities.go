package statemanager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// InMemoryIdentities is the process-local identity registry.
type InMemoryIdentities struct {
	mu         sync.RWMutex
	identities map[string]*state.Identity
	logger     *slog.Logger
}

var _ state.IdentityStore = (*InMemoryIdentities)(nil)

func NewInMemoryIdentities(logger *slog.Logger) *InMemoryIdentities {
	return &InMemoryIdentities{
		identities: make(map[string]*state.Identity),
		logger:     logger.With(slog.String("component", "identity_store")),
	}
}

func (s *InMemoryIdentities) Add(identity *state.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[identity.ID]; exists {
		return fmt.Errorf("%w: identity %q already registered", protocol.ErrValidation, identity.ID)
	}
	if identity.ConnectedAt.IsZero() {
		identity.ConnectedAt = time.Now()
	}
	s.identities[identity.ID] = identity
	s.logger.Debug("identity registered", slog.String("id", identity.ID), slog.String("kind", string(identity.Kind)))
	return nil
}

func (s *InMemoryIdentities) Find(id string) (*state.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	return identity, ok
}

func (s *InMemoryIdentities) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[id]; !ok {
		return fmt.Errorf("%w: identity %q", protocol.ErrNotFound, id)
	}
	delete(s.identities, id)
	s.logger.Debug("identity removed", slog.String("id", id))
	return nil
}

func (s *InMemoryIdentities) SetMuted(id string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("%w: identity %q", protocol.ErrNotFound, id)
	}
	identity.Muted = muted
	s.logger.Info("identity mute changed", slog.String("id", id), slog.Bool("muted", muted))
	return nil
}

func (s *InMemoryIdentities) IsMuted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	return ok && identity.Muted
}

func (s *InMemoryIdentities) AttachConn(id string, conn state.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("%w: identity %q", protocol.ErrNotFound, id)
	}
	identity.Conn = conn
	s.logger.Debug("transport attached", slog.String("id", id))
	return nil
}

func (s *InMemoryIdentities) DetachConn(id string, conn state.Sender) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[id]
	if !ok || identity.Conn != conn {
		return false
	}
	identity.Conn = nil
	s.logger.Debug("transport detached", slog.String("id", id))
	return true
}

func (s *InMemoryIdentities) SenderOf(id string) (state.Sender, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok || identity.Conn == nil {
		return nil, false
	}
	return identity.Conn, true
}

func (s *InMemoryIdentities) ListByKind(kind state.IdentityKind) []*state.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*state.Identity, 0)
	for _, identity := range s.identities {
		if identity.Kind == kind {
			out = append(out, identity)
		}
	}
	return out
}

func (s *InMemoryIdentities) All() []*state.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*state.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity)
	}
	return out
}
