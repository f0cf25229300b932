// Package assignment computes which generation backends are visible to
// which rooms under the selected policy. The assignment map is fully
// recomputed on every membership or policy change, never patched.
package assignment

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/protocol"
)

type Policy string

const (
	PolicyFree      Policy = "Free"
	PolicyManual    Policy = "Manual"
	PolicyBalanced  Policy = "Balanced"
	PolicyBroadcast Policy = "Broadcast"
	PolicyRandom    Policy = "Random"
)

// ParsePolicy validates a wire-supplied policy name.
func ParsePolicy(s string) (Policy, bool) {
	switch Policy(s) {
	case PolicyFree, PolicyManual, PolicyBalanced, PolicyBroadcast, PolicyRandom:
		return Policy(s), true
	}
	return "", false
}

// Notifier delivers a recomputed backend list to one room.
type Notifier func(room string, backends []string)

type Engine struct {
	mu          sync.RWMutex
	policy      Policy
	backends    map[string]bool
	rooms       map[string]bool
	manual      map[string][]string
	assignments map[string][]string

	notify Notifier
	rng    *rand.Rand
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger, notify Notifier, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Engine{
		policy:      PolicyFree,
		backends:    make(map[string]bool),
		rooms:       make(map[string]bool),
		assignments: make(map[string][]string),
		notify:      notify,
		rng:         rng,
		logger:      logger.With(slog.String("component", "assignment_engine")),
	}
}

func (e *Engine) SetPolicy(policy Policy) error {
	if _, ok := ParsePolicy(string(policy)); !ok {
		return fmt.Errorf("%w: unknown policy %q", protocol.ErrValidation, policy)
	}
	e.mu.Lock()
	e.policy = policy
	changed := e.recomputeLocked()
	e.mu.Unlock()
	e.logger.Info("assignment policy changed", slog.String("policy", string(policy)))
	e.dispatch(changed)
	return nil
}

func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetManual installs the externally supplied room→backends map used by the
// Manual policy. Entries naming unknown rooms or backends are rejected.
func (e *Engine) SetManual(m map[string][]string) error {
	e.mu.Lock()
	if err := e.installManualLocked(m); err != nil {
		e.mu.Unlock()
		return err
	}
	changed := e.recomputeLocked()
	e.mu.Unlock()
	e.dispatch(changed)
	return nil
}

// SetManualPolicy installs the manual map and switches to the Manual
// policy in a single recompute, so subscribers never observe an
// assignment derived from the previous map.
func (e *Engine) SetManualPolicy(m map[string][]string) error {
	e.mu.Lock()
	if err := e.installManualLocked(m); err != nil {
		e.mu.Unlock()
		return err
	}
	e.policy = PolicyManual
	changed := e.recomputeLocked()
	e.mu.Unlock()
	e.logger.Info("assignment policy changed", slog.String("policy", string(PolicyManual)))
	e.dispatch(changed)
	return nil
}

// installManualLocked validates and copies the map. Callers hold e.mu.
func (e *Engine) installManualLocked(m map[string][]string) error {
	for room, backends := range m {
		if !e.rooms[room] {
			return fmt.Errorf("%w: manual assignment names unknown room %q", protocol.ErrValidation, room)
		}
		for _, b := range backends {
			if !e.backends[b] {
				return fmt.Errorf("%w: manual assignment names unknown backend %q", protocol.ErrValidation, b)
			}
		}
	}
	copied := make(map[string][]string, len(m))
	for room, backends := range m {
		copied[room] = append([]string(nil), backends...)
	}
	e.manual = copied
	return nil
}

func (e *Engine) AddBackend(id string) {
	e.mu.Lock()
	e.backends[id] = true
	changed := e.recomputeLocked()
	e.mu.Unlock()
	e.dispatch(changed)
}

func (e *Engine) RemoveBackend(id string) {
	e.mu.Lock()
	delete(e.backends, id)
	changed := e.recomputeLocked()
	e.mu.Unlock()
	e.dispatch(changed)
}

func (e *Engine) AddRoom(name string) {
	e.mu.Lock()
	e.rooms[name] = true
	changed := e.recomputeLocked()
	e.mu.Unlock()
	e.dispatch(changed)
}

func (e *Engine) RemoveRoom(name string) {
	e.mu.Lock()
	delete(e.rooms, name)
	changed := e.recomputeLocked()
	e.mu.Unlock()
	e.dispatch(changed)
}

// Assigned returns the backends currently visible to a room.
func (e *Engine) Assigned(room string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.assignments[room]...)
}

// Snapshot returns a copy of the whole assignment map.
func (e *Engine) Snapshot() map[string][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]string, len(e.assignments))
	for room, backends := range e.assignments {
		out[room] = append([]string(nil), backends...)
	}
	return out
}

type update struct {
	room     string
	backends []string
}

// dispatch delivers assignment updates outside the engine lock.
func (e *Engine) dispatch(changed []update) {
	if e.notify == nil {
		return
	}
	for _, u := range changed {
		e.notify(u.room, u.backends)
	}
}

// recomputeLocked rebuilds the assignment map from scratch and returns the
// rooms whose backend list changed. Callers hold e.mu.
func (e *Engine) recomputeLocked() []update {
	rooms := make([]string, 0, len(e.rooms))
	for r := range e.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	backends := make([]string, 0, len(e.backends))
	for b := range e.backends {
		backends = append(backends, b)
	}
	sort.Strings(backends)

	next := make(map[string][]string, len(rooms))
	for i, room := range rooms {
		switch e.policy {
		case PolicyFree, PolicyBroadcast:
			next[room] = append([]string(nil), backends...)
		case PolicyManual:
			for _, b := range e.manual[room] {
				if e.backends[b] {
					next[room] = append(next[room], b)
				}
			}
		case PolicyBalanced:
			if len(backends) > 0 {
				next[room] = []string{backends[i%len(backends)]}
			}
		case PolicyRandom:
			if len(backends) > 0 {
				next[room] = []string{backends[e.rng.Intn(len(backends))]}
			}
		}
	}

	prev := e.assignments
	e.assignments = next
	changed := make([]update, 0)
	for room, assigned := range next {
		if equalStrings(prev[room], assigned) {
			continue
		}
		changed = append(changed, update{room: room, backends: append([]string(nil), assigned...)})
	}
	return changed
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
