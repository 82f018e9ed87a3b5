package statemanager

import (
	"log/slog"
	"sync"

	"github.com/a-essam23/go-taskhub/pkg/state"
)

type modifierKey struct {
	modifier string
	userID   string
	event    string
}

// ModifierStore holds the scratch state of event modifiers.
type ModifierStore struct {
	mu     sync.Mutex
	states map[modifierKey]*state.ModifierState
	logger *slog.Logger
}

func NewModifierStore(logger *slog.Logger) *ModifierStore {
	return &ModifierStore{
		states: make(map[modifierKey]*state.ModifierState),
		logger: logger.With(slog.String("component", "modifier_store")),
	}
}

func (m *ModifierStore) Get(modifierName, userID, eventName string) (*state.ModifierState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[modifierKey{modifierName, userID, eventName}]
	return st, ok
}

// Set stores st, stopping the expiry timer of any entry it replaces.
func (m *ModifierStore) Set(modifierName, userID, eventName string, st *state.ModifierState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := modifierKey{modifierName, userID, eventName}
	if prev, ok := m.states[key]; ok && prev.Timer != nil && prev != st {
		prev.Timer.Stop()
	}
	m.states[key] = st
}

// Delete removes the entry and stops its timer.
func (m *ModifierStore) Delete(modifierName, userID, eventName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := modifierKey{modifierName, userID, eventName}
	if st, ok := m.states[key]; ok {
		if st.Timer != nil {
			st.Timer.Stop()
		}
		delete(m.states, key)
	}
}

// Update runs fn on the entry under the store lock. fn receives nil when no
// entry exists and returns the entry to keep (nil deletes).
func (m *ModifierStore) Update(modifierName, userID, eventName string, fn func(*state.ModifierState) *state.ModifierState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := modifierKey{modifierName, userID, eventName}
	next := fn(m.states[key])
	if next == nil {
		delete(m.states, key)
		return
	}
	m.states[key] = next
}
