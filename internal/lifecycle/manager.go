// Package lifecycle owns disconnect and reconnect bookkeeping: grace-period
// removal of session state, bounded reconnection attempts and the cascading
// room cleanup that follows permanent loss.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/assignment"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/internal/metrics"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/config"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/state"
)

type pendingEntry struct {
	since       time.Time
	reconnect   bool
	attempts    int
	lastAttempt time.Time
}

type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	identities state.IdentityStore
	rooms      state.RoomStore
	assigner   *assignment.Engine
	forgetRoom func(room string)

	cfg    config.LifecycleConfig
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(
	logger *slog.Logger,
	identities state.IdentityStore,
	rooms state.RoomStore,
	assigner *assignment.Engine,
	forgetRoom func(room string),
	cfg config.LifecycleConfig,
) *Manager {
	return &Manager{
		pending:    make(map[string]*pendingEntry),
		identities: identities,
		rooms:      rooms,
		assigner:   assigner,
		forgetRoom: forgetRoom,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "lifecycle_manager")),
	}
}

// Disconnected marks an identity's session pending removal. When the
// client negotiated reconnection, removal waits for the bounded attempt
// window instead of the short grace period.
func (m *Manager) Disconnected(id string, reconnectEnabled bool) {
	now := m.now()
	m.mu.Lock()
	m.pending[id] = &pendingEntry{
		since:       now,
		reconnect:   reconnectEnabled,
		lastAttempt: now,
	}
	m.mu.Unlock()
	m.logger.Info("session pending removal",
		slog.String("id", id), slog.Bool("reconnect", reconnectEnabled))
}

// Reconnected cancels a pending removal. Returns true when a pending entry
// existed, meaning session state survived the disconnect.
func (m *Manager) Reconnected(id string) bool {
	m.mu.Lock()
	_, existed := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if existed {
		m.logger.Info("reconnect cancelled pending removal", slog.String("id", id))
	}
	return existed
}

// Run drives the periodic cleanup sweep until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce evaluates every pending entry. Entries are copied out first so
// concurrent reconnects can mutate the map safely mid-sweep.
func (m *Manager) sweepOnce() {
	now := m.now()
	expired := make([]string, 0)

	m.mu.Lock()
	for id, e := range m.pending {
		if !e.reconnect {
			if now.Sub(e.since) > m.cfg.Grace {
				expired = append(expired, id)
			}
			continue
		}
		if now.Sub(e.lastAttempt) >= m.cfg.ReconnectInterval {
			e.attempts++
			e.lastAttempt = now
			m.logger.Debug("reconnect attempt window elapsed",
				slog.String("id", id), slog.Int("attempts", e.attempts))
		}
		if e.attempts > m.cfg.ReconnectAttempts {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.removePermanently(id)
	}
}

// removePermanently drops the identity and cascades: its personal room is
// deleted, former members are notified, and the assignment map is
// recomputed. This is the only path that destroys a room outside explicit
// deletion requests.
func (m *Manager) removePermanently(id string) {
	identity, found := m.identities.Find(id)
	if !found {
		return
	}
	m.logger.Info("permanent removal", slog.String("id", id), slog.String("kind", string(identity.Kind)))

	// Evict the identity from every room it is still a member of. The
	// personal-room refusal does not apply; that room is deleted below.
	for _, room := range m.rooms.Names() {
		if room == id {
			continue
		}
		if _, member := m.rooms.RoleOf(room, id); member {
			if err := m.rooms.Leave(id, room); err != nil {
				m.logger.Warn("cascade leave failed", slog.String("room", room), slog.Any("error", err))
			}
		}
	}

	if members, err := m.rooms.Delete(id); err == nil {
		m.forgetRoom(id)
		m.assigner.RemoveRoom(id)
		m.notifyRoomDeleted(id, members)
	} else if !errors.Is(err, protocol.ErrNotFound) {
		m.logger.Warn("cascade room delete failed", slog.String("room", id), slog.Any("error", err))
	}

	if identity.Kind == state.KindBackend {
		m.assigner.RemoveBackend(id)
	}
	if err := m.identities.Remove(id); err != nil {
		m.logger.Warn("identity removal failed", slog.String("id", id), slog.Any("error", err))
	}
	metrics.ConnectedIdentities.WithLabelValues(string(identity.Kind)).Dec()
}

func (m *Manager) notifyRoomDeleted(room string, members []string) {
	payload := map[string]string{"room": room, "reason": "owner disconnected"}
	frame, err := protocol.Envelope(protocol.EventRoomNotice, payload)
	if err != nil {
		return
	}
	for _, id := range members {
		if id == room {
			continue
		}
		if sender, ok := m.identities.SenderOf(id); ok {
			sender.Send(frame)
		}
	}
}

// PendingCount reports how many sessions are awaiting removal.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
