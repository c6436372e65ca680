package session

import (
	"sync"

	"github.com/dgnsrekt/stepdeck/internal/types"
)

// Store owns the current State. Readers get a deep copy; writers compute a
// new State from the latest one and the result replaces it wholesale.
type Store struct {
	mu    sync.RWMutex
	state State
}

func NewStore(initial State) *Store {
	if initial.Tabs == nil {
		initial.Tabs = map[string]types.Tab{}
	}
	return &Store{state: initial.Clone()}
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Update applies fn to the latest state and stores the result.
func (s *Store) Update(fn func(State) State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fn(s.state.Clone()).Clone()
	return s.state.Clone()
}

// TryUpdate is Update for computations that can fail. On error the stored
// state is left untouched.
func (s *Store) TryUpdate(fn func(State) (State, error)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(s.state.Clone())
	if err != nil {
		return s.state.Clone(), err
	}
	s.state = next.Clone()
	return s.state.Clone(), nil
}

// Reset replaces the state outright, e.g. when a new session is created.
func (s *Store) Reset(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Tabs == nil {
		state.Tabs = map[string]types.Tab{}
	}
	s.state = state.Clone()
}

// SetBusy flips the busy indicator.
func (s *Store) SetBusy(busy bool) {
	s.Update(func(st State) State {
		st.Busy = busy
		return st
	})
}
