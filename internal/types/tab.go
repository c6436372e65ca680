package types

// DefaultTabID is the tab key used when a session has no tabs yet.
const DefaultTabID = "tab-1"

// Tab holds the ordered steps recorded in one browser tab.
type Tab struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Steps []Step `json:"steps"`
}

// Clone returns a copy of the tab whose step slice is not shared.
func (t Tab) Clone() Tab {
	out := t
	out.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// StepIndex returns the position of the step with id, or -1.
func (t Tab) StepIndex(id string) int {
	if id == "" {
		return -1
	}
	for i, s := range t.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}
