package session

import (
	"github.com/dgnsrekt/stepdeck/internal/types"
)

// TabRegistry keeps the ordered steps of each tab. Every operation is a
// full replace of the Store's state.
type TabRegistry struct {
	store *Store
}

func NewTabRegistry(store *Store) *TabRegistry {
	return &TabRegistry{store: store}
}

// Ensure returns the tab, creating it on first reference.
func (r *TabRegistry) Ensure(tabID string) types.Tab {
	tabID = normalizeTabID(tabID)
	st := r.store.Update(func(s State) State {
		next, _ := s.WithTab(tabID, "")
		return next
	})
	return st.Tabs[tabID]
}

// Append adds step to the end of the tab.
func (r *TabRegistry) Append(tabID string, step types.Step) error {
	_, err := r.store.TryUpdate(func(s State) (State, error) {
		return s.WithStep(tabID, step)
	})
	return err
}

func (r *TabRegistry) Rename(tabID, title string) {
	r.store.Update(func(s State) State {
		return s.WithTitle(tabID, title)
	})
}

// OnNewTab registers a tab opened by the remote side. It reports false when
// the tab was already known.
func (r *TabRegistry) OnNewTab(tabID, title string) bool {
	var created bool
	r.store.Update(func(s State) State {
		var next State
		next, created = s.WithTab(tabID, title)
		return next
	})
	return created
}

func (r *TabRegistry) Activate(tabID string) error {
	_, err := r.store.TryUpdate(func(s State) (State, error) {
		return s.WithActive(tabID)
	})
	return err
}

// Steps returns a copy of the tab's steps, nil for an unknown tab.
func (r *TabRegistry) Steps(tabID string) []types.Step {
	st := r.store.Get()
	tab, ok := st.Tabs[normalizeTabID(tabID)]
	if !ok {
		return nil
	}
	return tab.Steps
}

// Tabs returns the tabs in the order they were first seen.
func (r *TabRegistry) Tabs() []types.Tab {
	st := r.store.Get()
	out := make([]types.Tab, 0, len(st.TabOrder))
	for _, id := range st.TabOrder {
		out = append(out, st.Tabs[id])
	}
	return out
}

// ReplaceSteps swaps in acknowledged edits by step id.
func (r *TabRegistry) ReplaceSteps(tabID string, acked []types.Step) error {
	_, err := r.store.TryUpdate(func(s State) (State, error) {
		return s.WithSteps(tabID, acked)
	})
	return err
}

func (r *TabRegistry) Count() int {
	return len(r.store.Get().TabOrder)
}
