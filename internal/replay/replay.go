// Package replay drives sequential, resumable playback of a recorded tab.
//
// Pause is cooperative: the flag is checked only between steps and never
// interrupts a step that was already dispatched to the remote side.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/stepdeck/internal/coords"
	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/metrics"
	"github.com/dgnsrekt/stepdeck/internal/recorder"
	"github.com/dgnsrekt/stepdeck/internal/session"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateExpired   State = "expired"
)

var allStates = []string{string(StateIdle), string(StateRunning), string(StatePaused), string(StateCompleted), string(StateExpired)}

var (
	ErrRunning    = &gateway.CodedError{Code: gateway.CodeBusy, Message: "replay is running"}
	ErrExpired    = &gateway.CodedError{Code: gateway.CodeSessionExpired, Message: "session expired; load the recording again after reconnecting"}
	ErrNotLoaded  = &gateway.CodedError{Code: gateway.CodeNotFound, Message: "no recording loaded"}
	ErrNotPaused  = &gateway.CodedError{Code: gateway.CodeValidation, Message: "replay is not paused"}
	ErrNotStarted = &gateway.CodedError{Code: gateway.CodeValidation, Message: "replay has not been started"}
	ErrNoPending  = &gateway.CodedError{Code: gateway.CodeNotFound, Message: "no pending step"}
)

// Dispatcher executes one stored step. *recorder.Recorder implements it.
type Dispatcher interface {
	ReplayStep(ctx context.Context, p recorder.ReplayParams) (gateway.ReplayStepResult, error)
}

// ContextPrompt is surfaced for CONTEXT steps instead of a remote call.
type ContextPrompt struct {
	StepID  string       `json:"step_id"`
	Prompt  string       `json:"prompt"`
	Region  types.Region `json:"region"`
	Display coords.Rect  `json:"display"`
}

// Handler receives the interactive moments of a run. Nil fields are
// skipped.
type Handler struct {
	ContextRegion func(ContextPrompt)
	// NeedInput is asked for the values of a TYPE step whose text is
	// supplied at replay time. Returning false leaves the step pending.
	NeedInput      func(ctx context.Context, step types.Step) (map[string]string, bool)
	StepFailed     func(step types.Step, err error)
	SessionExpired func(err error)
}

// Progress is a snapshot of a run.
type Progress struct {
	Recording       string   `json:"recording"`
	TabID           string   `json:"tab_id"`
	State           State    `json:"state"`
	Running         bool     `json:"running"`
	Paused          bool     `json:"paused"`
	CurrentPage     int      `json:"current_page"`
	TotalPages      int      `json:"total_pages"`
	TotalSteps      int      `json:"total_steps"`
	ExecutedStepIDs []string `json:"executed_step_ids"`
	ErrorStepIDs    []string `json:"error_step_ids"`
	SkippedStepIDs  []string `json:"skipped_step_ids"`
	PendingInputIDs []string `json:"pending_input_ids,omitempty"`
	LastError       string   `json:"last_error,omitempty"`
}

// Controller owns the replay of one recording tab.
type Controller struct {
	gw      gateway.Gateway
	disp    Dispatcher
	store   *session.Store
	bus     *events.Bus
	handler Handler

	pauseRequested atomic.Bool

	mu           sync.Mutex
	state        State
	recording    string
	tabID        string
	pages        [][]types.Step
	currentPage  int
	executed     map[string]bool
	failed       map[string]bool
	skipped      map[string]bool
	pendingInput map[string]bool
	inputs       map[string]map[string]string
	lastError    string
	bounds       coords.Rect
}

func New(gw gateway.Gateway, disp Dispatcher, store *session.Store, bus *events.Bus, handler Handler) *Controller {
	c := &Controller{gw: gw, disp: disp, store: store, bus: bus, handler: handler, state: StateIdle}
	c.resetSetsLocked()
	return c
}

func (c *Controller) resetSetsLocked() {
	c.currentPage = 0
	c.executed = map[string]bool{}
	c.failed = map[string]bool{}
	c.skipped = map[string]bool{}
	c.pendingInput = map[string]bool{}
	c.inputs = map[string]map[string]string{}
	c.lastError = ""
}

// SetBounds records where the UI renders the screenshot, for positioning
// context regions.
func (c *Controller) SetBounds(b coords.Rect) {
	c.mu.Lock()
	c.bounds = b
	c.mu.Unlock()
}

func (c *Controller) publish(topic events.Topic, payload any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	metrics.SetReplayState(string(s), allStates...)
	c.publish(events.TopicReplayState, map[string]any{"state": s, "recording": c.recording, "tab_id": c.tabID})
}

// Load fetches the recording's steps for tabID (the first tab when empty)
// and resets progress.
func (c *Controller) Load(ctx context.Context, recording, tabID string) error {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return ErrRunning
	}
	c.mu.Unlock()

	sessionID := c.store.Get().SessionID
	res, err := c.gw.GetAllSteps(ctx, sessionID, recording)
	if err != nil {
		return fmt.Errorf("load recording %s: %w", recording, err)
	}
	if err := gateway.Inspect(res); err != nil {
		return fmt.Errorf("load recording %s: %w", recording, err)
	}
	if tabID == "" {
		tabID = firstTab(res)
	}
	steps, ok := res.Tabs[tabID]
	if !ok {
		return gateway.NewError(gateway.CodeNotFound, fmt.Sprintf("tab %s not in recording %s", tabID, recording), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return ErrRunning
	}
	c.recording = recording
	c.tabID = tabID
	c.pages = Paginate(assignIDs(tabID, steps))
	c.resetSetsLocked()
	for _, page := range c.pages {
		for _, step := range page {
			if err := step.Validate(); err != nil {
				c.failed[step.ID] = true
				c.lastError = err.Error()
				slog.Warn("loaded step is invalid and will not be dispatched", "recording", recording, "step_id", step.ID, "error", err)
			}
		}
	}
	c.pauseRequested.Store(false)
	c.state = ""
	c.setStateLocked(StateIdle)
	slog.Info("recording loaded", "recording", recording, "tab_id", tabID, "steps", len(steps), "pages", len(c.pages))
	return nil
}

func firstTab(res gateway.AllStepsResult) string {
	for _, id := range res.TabOrder {
		if _, ok := res.Tabs[id]; ok {
			return id
		}
	}
	ids := make([]string, 0, len(res.Tabs))
	for id := range res.Tabs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return types.DefaultTabID
	}
	return ids[0]
}

// Reset clears progress of the loaded recording. It is the way out of the
// Expired state besides Load.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return ErrRunning
	}
	c.resetSetsLocked()
	c.pauseRequested.Store(false)
	c.setStateLocked(StateIdle)
	return nil
}

// Pause asks a running replay to stop at the next step boundary. A step
// already dispatched completes first.
func (c *Controller) Pause() {
	c.pauseRequested.Store(true)
	slog.Debug("replay pause requested")
}

// Resume continues a paused run, skipping executed steps.
func (c *Controller) Resume(ctx context.Context) error {
	if err := c.Begin(true); err != nil {
		return err
	}
	return c.Continue(ctx)
}

// Begin moves a loaded recording to Running without executing anything.
// With resume set only a paused run is accepted. A Pause after Begin is
// honored before the first step of Continue.
func (c *Controller) Begin(resume bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		return ErrRunning
	case StateExpired:
		return ErrExpired
	case StatePaused:
	case StateIdle, StateCompleted:
		if resume {
			return ErrNotPaused
		}
	}
	if c.pages == nil {
		return ErrNotLoaded
	}
	c.pauseRequested.Store(false)
	c.setStateLocked(StateRunning)
	return nil
}

// Run executes pending steps page by page until the recording is
// exhausted, a pause or backend stop is honored, or the session expires.
// It blocks until then.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Begin(false); err != nil {
		return err
	}
	return c.Continue(ctx)
}

// Continue executes the pending steps of a run started with Begin.
func (c *Controller) Continue(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrNotStarted
	}
	pages := c.pages
	c.mu.Unlock()

	for pi, page := range pages {
		c.mu.Lock()
		c.currentPage = pi
		c.mu.Unlock()
		for _, step := range page {
			if c.pauseRequested.Load() || ctx.Err() != nil {
				c.finish(StatePaused)
				return ctx.Err()
			}
			if c.isExecuted(step.ID) {
				continue
			}
			switch c.execute(ctx, step, nil) {
			case outcomeStop:
				c.finish(StatePaused)
				return nil
			case outcomeExpired:
				return ErrExpired
			case outcomeDone, outcomeFailed, outcomePending:
			}
		}
	}
	if c.pauseRequested.Load() && c.pendingCount() > 0 {
		c.finish(StatePaused)
		return nil
	}
	c.finish(StateCompleted)
	return nil
}

func (c *Controller) finish(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateExpired {
		return
	}
	c.setStateLocked(s)
}

func (c *Controller) isExecuted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed[id]
}

func (c *Controller) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, page := range c.pages {
		for _, s := range page {
			if !c.executed[s.ID] {
				n++
			}
		}
	}
	return n
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomePending
	outcomeStop
	outcomeExpired
)

// StepEvent is the payload of replay.step events.
type StepEvent struct {
	StepID  string `json:"step_id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func (c *Controller) execute(ctx context.Context, step types.Step, params map[string]string) outcome {
	if err := step.Validate(); err != nil {
		c.recordFailure(step, fmt.Errorf("invalid step: %w", err))
		return outcomeFailed
	}
	switch step.Kind {
	case types.KindContext:
		c.surfaceContext(step)
		c.markExecuted(step.ID)
		c.publish(events.TopicReplayStep, StepEvent{StepID: step.ID, Outcome: "context"})
		return outcomeDone
	case types.KindType:
		if step.NeedsStoredValue() {
			values, ok := c.storedValues(ctx, step, params)
			if !ok {
				c.mu.Lock()
				c.pendingInput[step.ID] = true
				c.mu.Unlock()
				c.publish(events.TopicReplayNeedInput, map[string]any{"step_id": step.ID, "label": step.Type.Label, "is_password": step.Type.IsPassword})
				c.publish(events.TopicReplayStep, StepEvent{StepID: step.ID, Outcome: "pending"})
				return outcomePending
			}
			params = values
		}
	case types.KindNavigate, types.KindClick, types.KindScroll, types.KindWait:
	}

	c.mu.Lock()
	p := recorder.ReplayParams{Recording: c.recording, StepID: step.ID, TabID: c.tabID, ParamValues: params}
	c.mu.Unlock()

	res, err := c.disp.ReplayStep(ctx, p)
	if errors.Is(err, gateway.ErrSessionExpired) {
		metrics.StepsReplayed.WithLabelValues(metrics.Expired).Inc()
		c.mu.Lock()
		c.lastError = err.Error()
		c.setStateLocked(StateExpired)
		c.mu.Unlock()
		slog.Warn("replay halted: session expired", "step_id", step.ID)
		if c.handler.SessionExpired != nil {
			c.handler.SessionExpired(err)
		}
		return outcomeExpired
	}
	if err != nil {
		c.recordFailure(step, err)
	} else {
		metrics.StepsReplayed.WithLabelValues(metrics.OK).Inc()
		c.mu.Lock()
		delete(c.failed, step.ID)
		delete(c.pendingInput, step.ID)
		c.executed[step.ID] = true
		c.mu.Unlock()
		c.publish(events.TopicReplayStep, StepEvent{StepID: step.ID, Outcome: "ok"})
	}
	if res.ShouldStop {
		// A failed step stays out of executed so a resumed run retries it.
		slog.Info("replay stop requested by remote", "step_id", step.ID, "failed", err != nil)
		return outcomeStop
	}
	if err != nil {
		return outcomeFailed
	}
	return outcomeDone
}

func (c *Controller) recordFailure(step types.Step, err error) {
	metrics.StepsReplayed.WithLabelValues(metrics.Failed).Inc()
	c.mu.Lock()
	c.failed[step.ID] = true
	c.lastError = err.Error()
	c.mu.Unlock()
	slog.Warn("replay step failed", "step_id", step.ID, "step", step.Describe(), "error", err)
	c.publish(events.TopicStepFailed, StepEvent{StepID: step.ID, Outcome: "failed", Error: err.Error()})
	if c.handler.StepFailed != nil {
		c.handler.StepFailed(step, err)
	}
}

func (c *Controller) markExecuted(id string) {
	c.mu.Lock()
	c.executed[id] = true
	c.mu.Unlock()
}

// storedValues resolves values for a TYPE step that stores its text:
// caller params first, then values provided through ProvideInput, then the
// handler.
func (c *Controller) storedValues(ctx context.Context, step types.Step, params map[string]string) (map[string]string, bool) {
	key := paramKey(step)
	if _, ok := params[key]; ok {
		return params, true
	}
	c.mu.Lock()
	provided, ok := c.inputs[step.ID]
	c.mu.Unlock()
	if ok {
		return provided, true
	}
	if c.handler.NeedInput != nil {
		return c.handler.NeedInput(ctx, step)
	}
	return nil, false
}

func paramKey(step types.Step) string {
	if step.Type != nil && step.Type.Label != "" {
		return step.Type.Label
	}
	return step.ID
}

// ProvideInput supplies values for a pending TYPE step. They are used the
// next time the step is attempted.
func (c *Controller) ProvideInput(stepID string, values map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.findLocked(stepID); !ok {
		return gateway.NewError(gateway.CodeNotFound, "step "+stepID+" not loaded", nil)
	}
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	c.inputs[stepID] = cp
	return nil
}

func (c *Controller) surfaceContext(step types.Step) {
	st := c.store.Get()
	c.mu.Lock()
	bounds := c.bounds
	c.mu.Unlock()
	prompt := ContextPrompt{StepID: step.ID, Prompt: step.Context.Prompt, Region: step.Context.Region}
	if st.Screenshot != nil {
		if bounds.Width <= 0 || bounds.Height <= 0 {
			bounds = coords.Rect{Width: float64(st.Screenshot.Width), Height: float64(st.Screenshot.Height)}
		}
		rect, err := coords.ToDisplayRect(coords.RegionRect(step.Context.Region), bounds, *st.Screenshot)
		if err == nil {
			prompt.Display = rect
		}
	}
	c.publish(events.TopicReplayContext, prompt)
	if c.handler.ContextRegion != nil {
		c.handler.ContextRegion(prompt)
	}
}

func (c *Controller) findLocked(stepID string) (types.Step, bool) {
	for _, page := range c.pages {
		for _, s := range page {
			if s.ID == stepID {
				return s, true
			}
		}
	}
	return types.Step{}, false
}

// RunStep executes one loaded step out of order with caller-edited params.
// The run state is kept unless the step stops the run or the session
// expires.
func (c *Controller) RunStep(ctx context.Context, stepID string, params map[string]string) error {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
		c.mu.Unlock()
		return ErrRunning
	case StateExpired:
		c.mu.Unlock()
		return ErrExpired
	case StateIdle, StatePaused, StateCompleted:
	}
	step, ok := c.findLocked(stepID)
	prev := c.state
	if !ok {
		c.mu.Unlock()
		return gateway.NewError(gateway.CodeNotFound, "step "+stepID+" not loaded", nil)
	}
	c.setStateLocked(StateRunning)
	c.mu.Unlock()

	switch c.execute(ctx, step, params) {
	case outcomeExpired:
		return ErrExpired
	case outcomeStop:
		c.finish(StatePaused)
		return nil
	case outcomeFailed:
		c.finish(prev)
		c.mu.Lock()
		defer c.mu.Unlock()
		return gateway.NewError(gateway.CodeStepFailed, c.lastError, nil)
	case outcomePending:
		c.finish(prev)
		return gateway.NewError(gateway.CodeValidation, "step "+stepID+" needs input values", nil)
	case outcomeDone:
	}
	c.finish(prev)
	return nil
}

// SkipResult is returned by Skip.
type SkipResult struct {
	SkippedStepID string       `json:"skipped_step_id"`
	Remaining     []types.Step `json:"remaining"`
	IsLastPage    bool         `json:"is_last_page"`
}

// Skip marks the next pending step as skipped and executed and tells the
// remote side to advance past it.
func (c *Controller) Skip(ctx context.Context) (SkipResult, error) {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return SkipResult{}, ErrRunning
	}
	if c.state == StateExpired {
		c.mu.Unlock()
		return SkipResult{}, ErrExpired
	}
	if c.pages == nil {
		c.mu.Unlock()
		return SkipResult{}, ErrNotLoaded
	}
	pageIdx, stepIdx := -1, -1
	for pi, page := range c.pages {
		for si, s := range page {
			if !c.executed[s.ID] {
				pageIdx, stepIdx = pi, si
				break
			}
		}
		if pageIdx >= 0 {
			break
		}
	}
	if pageIdx < 0 {
		c.mu.Unlock()
		return SkipResult{}, ErrNoPending
	}
	step := c.pages[pageIdx][stepIdx]
	recording, tabID := c.recording, c.tabID
	c.mu.Unlock()

	res, err := c.gw.SkipStep(ctx, c.store.Get().SessionID, recording, tabID)
	if err != nil {
		return SkipResult{}, fmt.Errorf("skip step %s: %w", step.ID, err)
	}
	if err := gateway.Inspect(res); err != nil {
		if errors.Is(err, gateway.ErrSessionExpired) {
			c.mu.Lock()
			c.setStateLocked(StateExpired)
			c.mu.Unlock()
			if c.handler.SessionExpired != nil {
				c.handler.SessionExpired(err)
			}
		}
		return SkipResult{}, fmt.Errorf("skip step %s: %w", step.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped[step.ID] = true
	c.executed[step.ID] = true
	delete(c.pendingInput, step.ID)
	c.currentPage = pageIdx
	out := SkipResult{SkippedStepID: step.ID, IsLastPage: pageIdx == len(c.pages)-1}
	for _, s := range c.pages[pageIdx][stepIdx+1:] {
		if !c.executed[s.ID] {
			out.Remaining = append(out.Remaining, s)
		}
	}
	if res.Remaining != nil {
		out.Remaining = res.Remaining
		out.IsLastPage = res.IsLastPage
	}
	metrics.StepsReplayed.WithLabelValues(metrics.Skipped).Inc()
	c.publish(events.TopicReplayStep, StepEvent{StepID: step.ID, Outcome: "skipped"})
	return out, nil
}

// Progress returns a copy of the run's progress.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, page := range c.pages {
		total += len(page)
	}
	return Progress{
		Recording:       c.recording,
		TabID:           c.tabID,
		State:           c.state,
		Running:         c.state == StateRunning,
		Paused:          c.state == StatePaused,
		CurrentPage:     c.currentPage,
		TotalPages:      len(c.pages),
		TotalSteps:      total,
		ExecutedStepIDs: keys(c.executed),
		ErrorStepIDs:    keys(c.failed),
		SkippedStepIDs:  keys(c.skipped),
		PendingInputIDs: keys(c.pendingInput),
		LastError:       c.lastError,
	}
}

// Pages returns a copy of the loaded pages.
func (c *Controller) Pages() [][]types.Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]types.Step, len(c.pages))
	for i, page := range c.pages {
		out[i] = make([]types.Step, len(page))
		for j, s := range page {
			out[i][j] = s.Clone()
		}
	}
	return out
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
