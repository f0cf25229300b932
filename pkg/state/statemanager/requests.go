package statemanager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

// InMemoryRequests tracks open LLM request records.
type InMemoryRequests struct {
	mu      sync.RWMutex
	records map[string]*state.RequestRecord
	logger  *slog.Logger
}

var _ state.RequestStore = (*InMemoryRequests)(nil)

func NewInMemoryRequests(logger *slog.Logger) *InMemoryRequests {
	return &InMemoryRequests{
		records: make(map[string]*state.RequestRecord),
		logger:  logger.With(slog.String("component", "request_store")),
	}
}

func (s *InMemoryRequests) Open(rec *state.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.RequestID]; exists {
		return fmt.Errorf("%w: request %q already open", protocol.ErrValidation, rec.RequestID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records[rec.RequestID] = rec
	return nil
}

func (s *InMemoryRequests) Find(requestID string) (*state.RequestRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[requestID]
	return rec, ok
}

func (s *InMemoryRequests) Discard(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, requestID)
}

func (s *InMemoryRequests) AddResponse(requestID, messageID string) (*state.RequestRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok {
		return nil, false
	}
	rec.ResponseIDs = append(rec.ResponseIDs, messageID)
	rec.ResponseCount++
	if rec.ResponseCount >= rec.Expected() {
		rec.Completed = true
	}
	return rec, true
}

func (s *InMemoryRequests) DropByRoom(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.Room == room {
			delete(s.records, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("dropped records for room", slog.String("room", room), slog.Int("count", n))
	}
	return n
}
