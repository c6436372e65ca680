package cdpgateway

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/recordings"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

func (c *Client) ListRecordings(context.Context) (gateway.ListRecordingsResult, error) {
	names, err := c.store.List()
	if err != nil {
		return gateway.ListRecordingsResult{}, err
	}
	return gateway.ListRecordingsResult{Names: names}, nil
}

// recording returns the named recording, loading it once per session.
func (c *Client) recording(s *remoteSession, name string) (recordings.Recording, *gateway.EnvelopeError) {
	s.mu.Lock()
	rec, ok := s.loaded[name]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}
	rec, err := c.store.Load(name)
	if err != nil {
		if errors.Is(err, recordings.ErrNotFound) {
			return recordings.Recording{}, &gateway.EnvelopeError{Message: "recording not found: " + name}
		}
		return recordings.Recording{}, &gateway.EnvelopeError{Message: err.Error()}
	}
	s.mu.Lock()
	s.loaded[name] = rec
	s.mu.Unlock()
	return rec, nil
}

func (c *Client) GetAllSteps(_ context.Context, sessionID, name string) (gateway.AllStepsResult, error) {
	s, envErr := c.session(sessionID)
	if envErr != nil {
		return gateway.AllStepsResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	s.mu.Lock()
	delete(s.loaded, name)
	for key := range s.cursors {
		if strings.HasPrefix(key, name+"\x00") {
			delete(s.cursors, key)
		}
	}
	s.mu.Unlock()
	rec, envErr := c.recording(s, name)
	if envErr != nil {
		return gateway.AllStepsResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	return gateway.AllStepsResult{Tabs: rec.Tabs, TabOrder: rec.TabOrder}, nil
}

// findStep locates stepID in the recording. Positional ids of the form
// "<tab>#<n>" address the n-th step of a tab.
func findStep(rec recordings.Recording, tabID, stepID string) (types.Step, string, int, bool) {
	if i := strings.LastIndex(stepID, "#"); i > 0 {
		tab := stepID[:i]
		if n, err := strconv.Atoi(stepID[i+1:]); err == nil {
			if steps, ok := rec.Tabs[tab]; ok && n >= 1 && n <= len(steps) && steps[n-1].ID == "" {
				return steps[n-1], tab, n - 1, true
			}
		}
	}
	search := rec.TabOrder
	if tabID != "" {
		search = append([]string{tabID}, search...)
	}
	for _, tab := range search {
		for i, s := range rec.Tabs[tab] {
			if s.ID == stepID {
				return s, tab, i, true
			}
		}
	}
	return types.Step{}, "", -1, false
}

// substitute fills a TYPE step's text from the caller's values, keyed by
// label first and step id second.
func substitute(step types.Step, params map[string]string) types.Step {
	if step.Kind != types.KindType || len(params) == 0 {
		return step
	}
	step = step.Clone()
	if v, ok := params[step.Type.Label]; ok && step.Type.Label != "" {
		step.Type.Text = v
	} else if v, ok := params[step.ID]; ok {
		step.Type.Text = v
	}
	return step
}

// remainingOnPage returns the steps from index from up to the next page
// boundary and whether that page is the last one.
func remainingOnPage(steps []types.Step, from int) ([]types.Step, bool) {
	if from >= len(steps) {
		return []types.Step{}, true
	}
	out := []types.Step{}
	for i := from; i < len(steps); i++ {
		if i > from && steps[i].Kind == types.KindNavigate {
			return out, false
		}
		out = append(out, steps[i])
	}
	return out, true
}

func cursorKey(recording, tabID string) string {
	return recording + "\x00" + tabID
}

func (c *Client) ReplaySingleStep(ctx context.Context, req gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
	s, envErr := c.session(req.SessionID)
	if envErr != nil {
		return gateway.ReplayStepResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	rec, envErr := c.recording(s, req.Recording)
	if envErr != nil {
		return gateway.ReplayStepResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	step, tab, idx, ok := findStep(rec, req.TabID, req.StepID)
	if !ok {
		return gateway.ReplayStepResult{Envelope: gateway.Envelope{Error: &gateway.EnvelopeError{Message: "step not found", StepID: req.StepID}}}, nil
	}
	if step.Kind == types.KindContext {
		return gateway.ReplayStepResult{Envelope: gateway.Envelope{Error: &gateway.EnvelopeError{Message: "CONTEXT steps are handled by the caller", StepID: req.StepID}}}, nil
	}
	step = substitute(step, req.ParamValues)

	t, ok := s.tab("")
	if !ok {
		return gateway.ReplayStepResult{Envelope: gateway.Fail("session has no tab")}, nil
	}
	out, err := c.execute(ctx, s, t, step)
	if err != nil {
		return gateway.ReplayStepResult{}, err
	}
	if out.failure != "" {
		slog.Warn("replay step failed", "session_id", s.id, "step_id", req.StepID, "error", out.failure)
		return gateway.ReplayStepResult{Envelope: gateway.Envelope{Error: &gateway.EnvelopeError{Message: out.failure, StepID: req.StepID}}}, nil
	}

	s.mu.Lock()
	s.cursors[cursorKey(req.Recording, tab)] = idx + 1
	s.mu.Unlock()

	res := gateway.ReplayStepResult{
		Screenshot: out.shot,
		ShouldStop: step.PauseAfter || out.dialogOpened,
		TabTitle:   out.title,
	}
	if out.newTabID != "" {
		res.IsNewTab = true
		res.NewTabID = out.newTabID
		res.TabTitle = out.newTabTitle
	}
	return res, nil
}

func (c *Client) SkipStep(_ context.Context, sessionID, name, tabID string) (gateway.SkipResult, error) {
	s, envErr := c.session(sessionID)
	if envErr != nil {
		return gateway.SkipResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	rec, envErr := c.recording(s, name)
	if envErr != nil {
		return gateway.SkipResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	if tabID == "" && len(rec.TabOrder) > 0 {
		tabID = rec.TabOrder[0]
	}
	steps := rec.Tabs[tabID]

	s.mu.Lock()
	key := cursorKey(name, tabID)
	cur := s.cursors[key]
	if cur < len(steps) {
		cur++
	}
	s.cursors[key] = cur
	s.mu.Unlock()

	remaining, last := remainingOnPage(steps, cur)
	return gateway.SkipResult{Remaining: remaining, IsLastPage: last}, nil
}

func (c *Client) UpdateSteps(_ context.Context, sessionID, tabID string, edits []gateway.StepEdit) (gateway.UpdateStepsResult, error) {
	s, envErr := c.session(sessionID)
	if envErr != nil {
		return gateway.UpdateStepsResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tabID == "" {
		tabID = s.activeTab
	}
	history := s.history[tabID]
	updated := make([]types.Step, 0, len(edits))
	for _, e := range edits {
		idx := -1
		for i, st := range history {
			if st.ID == e.ID {
				idx = i
				break
			}
		}
		if idx < 0 || history[idx].Kind != types.KindType {
			return gateway.UpdateStepsResult{Envelope: gateway.Envelope{Error: &gateway.EnvelopeError{Message: "no TYPE step with that id", StepID: e.ID}}}, nil
		}
		st := history[idx].Clone()
		st.Type.Label = e.Label
		st.Type.Text = e.Text
		st.Type.StoreValue = e.StoreValue
		history[idx] = st
		updated = append(updated, st.Clone())
	}
	s.history[tabID] = history
	return gateway.UpdateStepsResult{Steps: updated}, nil
}

// persisted returns the copy written to disk. Text of TYPE steps that are
// not marked stored stays in the live session.
func persisted(st types.Step) types.Step {
	out := st.Clone()
	if out.Kind == types.KindType && out.Type != nil && !out.Type.StoreValue {
		out.Type.Text = ""
	}
	return out
}

func (c *Client) SaveRecording(_ context.Context, req gateway.SaveRecordingRequest) (gateway.SaveRecordingResult, error) {
	s, envErr := c.session(req.SessionID)
	if envErr != nil {
		return gateway.SaveRecordingResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	s.mu.Lock()
	rec := recordings.Recording{Tabs: make(map[string][]types.Step, len(s.history))}
	for _, id := range s.tabOrder {
		steps := s.history[id]
		if len(steps) == 0 {
			continue
		}
		out := make([]types.Step, len(steps))
		for i, st := range steps {
			out[i] = persisted(st)
		}
		rec.Tabs[id] = out
		rec.TabOrder = append(rec.TabOrder, id)
		if rec.Title == "" {
			rec.Title = s.titles[id]
		}
	}
	s.mu.Unlock()

	if len(rec.TabOrder) == 0 {
		return gateway.SaveRecordingResult{Envelope: gateway.Fail("nothing recorded yet")}, nil
	}
	name, err := c.store.Save(req.Name, rec, req.Overwrite)
	if err != nil {
		return gateway.SaveRecordingResult{}, err
	}
	slog.Info("recording saved", "session_id", s.id, "name", name, "tabs", len(rec.TabOrder))
	return gateway.SaveRecordingResult{Name: name}, nil
}
