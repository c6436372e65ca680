// Package session holds the orchestration state of the active recording
// session. All mutation goes through Store.Update, which replaces the whole
// state value.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgnsrekt/stepdeck/internal/types"
)

var (
	ErrDuplicateStep = errors.New("step id already recorded in tab")
	ErrUnknownTab    = errors.New("unknown tab")
)

// State is one immutable snapshot of the session. Values returned by the
// Store never share maps or slices with the stored copy.
type State struct {
	SessionID   string               `json:"session_id"`
	ActiveTabID string               `json:"active_tab_id"`
	Tabs        map[string]types.Tab `json:"tabs"`
	TabOrder    []string             `json:"tab_order"`
	Screenshot  *types.Screenshot    `json:"screenshot,omitempty"`
	Busy        bool                 `json:"busy"`
}

// NewState returns an empty state for sessionID.
func NewState(sessionID string) State {
	return State{
		SessionID:   sessionID,
		ActiveTabID: types.DefaultTabID,
		Tabs:        map[string]types.Tab{},
	}
}

// Clone deep-copies the state.
func (s State) Clone() State {
	out := s
	out.Tabs = make(map[string]types.Tab, len(s.Tabs))
	for id, tab := range s.Tabs {
		out.Tabs[id] = tab.Clone()
	}
	out.TabOrder = append([]string(nil), s.TabOrder...)
	if s.Screenshot != nil {
		shot := *s.Screenshot
		out.Screenshot = &shot
	}
	return out
}

// ActiveTab resolves the active tab key, falling back to the first known
// tab and then to the default key.
func (s State) ActiveTab() string {
	if _, ok := s.Tabs[s.ActiveTabID]; ok {
		return s.ActiveTabID
	}
	if len(s.TabOrder) > 0 {
		return s.TabOrder[0]
	}
	return types.DefaultTabID
}

func normalizeTabID(tabID string) string {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return types.DefaultTabID
	}
	return tabID
}

// WithTab returns s with tabID present. created is false when it existed.
func (s State) WithTab(tabID, title string) (next State, created bool) {
	tabID = normalizeTabID(tabID)
	if _, ok := s.Tabs[tabID]; ok {
		return s, false
	}
	next = s.Clone()
	next.Tabs[tabID] = types.Tab{ID: tabID, Title: title, Steps: []types.Step{}}
	next.TabOrder = append(next.TabOrder, tabID)
	if _, ok := s.Tabs[s.ActiveTabID]; !ok {
		next.ActiveTabID = tabID
	}
	return next, true
}

// WithStep returns s with step appended to tabID, creating the tab on first
// reference. A step id already present in the tab is rejected. A timestamp
// lower than the previous step's is clamped to it.
func (s State) WithStep(tabID string, step types.Step) (State, error) {
	tabID = normalizeTabID(tabID)
	next, _ := s.WithTab(tabID, "")
	next = next.Clone()
	tab := next.Tabs[tabID]
	if step.ID != "" && tab.StepIndex(step.ID) >= 0 {
		return s, fmt.Errorf("%w: %s in %s", ErrDuplicateStep, step.ID, tabID)
	}
	if n := len(tab.Steps); n > 0 && step.Timestamp < tab.Steps[n-1].Timestamp {
		step.Timestamp = tab.Steps[n-1].Timestamp
	}
	tab.Steps = append(tab.Steps, step.Clone())
	next.Tabs[tabID] = tab
	return next, nil
}

// WithTitle returns s with the tab's title replaced.
func (s State) WithTitle(tabID, title string) State {
	tabID = normalizeTabID(tabID)
	next, _ := s.WithTab(tabID, title)
	tab := next.Tabs[tabID]
	if tab.Title == title {
		return next
	}
	next = next.Clone()
	tab.Title = title
	next.Tabs[tabID] = tab
	return next
}

// WithActive returns s with tabID active. The tab must exist.
func (s State) WithActive(tabID string) (State, error) {
	tabID = normalizeTabID(tabID)
	if _, ok := s.Tabs[tabID]; !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}
	next := s.Clone()
	next.ActiveTabID = tabID
	return next, nil
}

// WithScreenshot returns s with shot as the latest screenshot. A nil shot
// leaves the previous screenshot in place.
func (s State) WithScreenshot(shot *types.Screenshot) State {
	shot = types.NormalizeScreenshot(shot)
	if shot == nil {
		return s
	}
	next := s.Clone()
	next.Screenshot = shot
	return next
}

// WithSteps returns s with the tab's steps replaced by the acknowledged
// edits, matched by id. Steps are never added, removed or reordered.
func (s State) WithSteps(tabID string, acked []types.Step) (State, error) {
	tabID = normalizeTabID(tabID)
	tab, ok := s.Tabs[tabID]
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}
	next := s.Clone()
	tab = next.Tabs[tabID]
	for _, edit := range acked {
		if i := tab.StepIndex(edit.ID); i >= 0 {
			tab.Steps[i] = edit.Clone()
		}
	}
	next.Tabs[tabID] = tab
	return next, nil
}
