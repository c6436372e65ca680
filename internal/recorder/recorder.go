// Package recorder submits steps to the remote session one at a time and
// folds each acknowledged result into the session state.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/metrics"
	"github.com/dgnsrekt/stepdeck/internal/selector"
	"github.com/dgnsrekt/stepdeck/internal/session"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

// DefaultWaitAfterMs is attached to steps composed from a click.
const DefaultWaitAfterMs = 300

// Mode selects what happens when a submission arrives while another is
// still in flight.
type Mode string

const (
	ModeReject Mode = "reject"
	ModeQueue  Mode = "queue"
)

// ParseMode maps a config value to a Mode, defaulting to reject.
func ParseMode(v string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(v))) == ModeQueue {
		return ModeQueue
	}
	return ModeReject
}

var (
	ErrInFlight  = &gateway.CodedError{Code: gateway.CodeBusy, Message: "another step is in flight"}
	ErrNoSession = &gateway.CodedError{Code: gateway.CodeNotFound, Message: "no active session"}
)

// Recorder is the single submission path for step and replay calls of one
// session. It owns the in-flight guard and the busy indicator.
type Recorder struct {
	gw    gateway.Gateway
	store *session.Store
	tabs  *session.TabRegistry
	bus   *events.Bus
	guard *semaphore.Weighted
	mode  Mode
	now   func() time.Time
}

func New(gw gateway.Gateway, store *session.Store, bus *events.Bus, mode Mode) *Recorder {
	return &Recorder{
		gw:    gw,
		store: store,
		tabs:  session.NewTabRegistry(store),
		bus:   bus,
		guard: semaphore.NewWeighted(1),
		mode:  mode,
		now:   time.Now,
	}
}

// Tabs exposes the registry backed by the recorder's store.
func (r *Recorder) Tabs() *session.TabRegistry { return r.tabs }

// acquire takes the in-flight guard and raises the busy indicator. The
// returned release must run on every exit path.
func (r *Recorder) acquire(ctx context.Context) (func(), error) {
	if r.mode == ModeQueue {
		if err := r.guard.Acquire(ctx, 1); err != nil {
			return nil, gateway.NewError(gateway.CodeTimeout, "waiting for in-flight step", err)
		}
	} else if !r.guard.TryAcquire(1) {
		metrics.InFlightRejected.Inc()
		return nil, ErrInFlight
	}
	r.setBusy(true)
	return func() {
		r.setBusy(false)
		r.guard.Release(1)
	}, nil
}

func (r *Recorder) setBusy(busy bool) {
	r.store.SetBusy(busy)
	r.publish(events.TopicBusy, map[string]bool{"busy": busy})
}

func (r *Recorder) publish(topic events.Topic, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

func (r *Recorder) sessionID() (string, error) {
	id := r.store.Get().SessionID
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// inspect turns an error envelope into an error and reports expiry.
func (r *Recorder) inspect(res gateway.Result) error {
	err := gateway.Inspect(res)
	if errors.Is(err, gateway.ErrSessionExpired) {
		metrics.SessionsExpired.Inc()
		r.publish(events.TopicSessionExpired, map[string]string{"session_id": r.store.Get().SessionID})
	}
	return err
}

// StepAppended is the payload of step.appended events.
type StepAppended struct {
	TabID string     `json:"tab_id"`
	Step  types.Step `json:"step"`
	Index int        `json:"index"`
}

// TabOpened is the payload of tab.opened events.
type TabOpened struct {
	TabID string `json:"tab_id"`
	Title string `json:"title,omitempty"`
}

// StepFailed is the payload of step.failed events for recording sends.
type StepFailed struct {
	TabID string         `json:"tab_id"`
	Kind  types.StepKind `json:"kind"`
	Error string         `json:"error"`
}

// Send submits one step for tabID. The step is appended only after the
// remote side acknowledged it; on any failure the state is untouched.
func (r *Recorder) Send(ctx context.Context, step types.Step, tabID string) (gateway.StepResult, error) {
	if err := step.Validate(); err != nil {
		return gateway.StepResult{}, gateway.NewError(gateway.CodeValidation, err.Error(), nil)
	}
	if step.Kind == types.KindContext {
		return gateway.StepResult{}, gateway.NewError(gateway.CodeValidation, "CONTEXT steps are not dispatched", nil)
	}
	if step.Kind == types.KindType && step.Type.IsPassword && step.Type.StoreValue {
		// Password values are never persisted.
		step = step.Clone()
		step.Type.StoreValue = false
	}
	sessionID, err := r.sessionID()
	if err != nil {
		return gateway.StepResult{}, err
	}
	if tabID == "" {
		tabID = r.store.Get().ActiveTab()
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return gateway.StepResult{}, err
	}
	defer release()

	started := time.Now()
	res, err := r.gw.Step(ctx, gateway.StepRequest{
		SessionID:   sessionID,
		TabID:       tabID,
		Step:        step,
		ShouldStore: step.Kind == types.KindType && step.Type.StoreValue,
	})
	metrics.StepDuration.WithLabelValues("step").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.StepsSent.WithLabelValues(string(step.Kind), metrics.Failed).Inc()
		slog.Warn("step send failed", "kind", step.Kind, "tab_id", tabID, "error", err)
		r.publish(events.TopicStepFailed, StepFailed{TabID: tabID, Kind: step.Kind, Error: err.Error()})
		return res, fmt.Errorf("send %s step: %w", step.Kind, err)
	}
	if err := r.inspect(res); err != nil {
		outcome := metrics.Failed
		if errors.Is(err, gateway.ErrSessionExpired) {
			outcome = metrics.Expired
		}
		metrics.StepsSent.WithLabelValues(string(step.Kind), outcome).Inc()
		slog.Warn("step rejected by remote", "kind", step.Kind, "tab_id", tabID, "error", err)
		if outcome == metrics.Failed {
			r.publish(events.TopicStepFailed, StepFailed{TabID: tabID, Kind: step.Kind, Error: err.Error()})
		}
		return res, fmt.Errorf("send %s step: %w", step.Kind, err)
	}

	if res.StepID != "" {
		step.ID = res.StepID
	}
	var index int
	next, err := r.store.TryUpdate(func(s session.State) (session.State, error) {
		s = s.WithScreenshot(res.Screenshot)
		s, err := s.WithStep(tabID, step)
		if err != nil {
			return s, err
		}
		index = len(s.Tabs[tabID].Steps) - 1
		if step.Kind == types.KindNavigate && res.TabTitle != "" {
			s = s.WithTitle(tabID, res.TabTitle)
		}
		if res.IsNewTab && res.NewTabID != "" {
			s, _ = s.WithTab(res.NewTabID, res.TabTitle)
			return s.WithActive(res.NewTabID)
		}
		return s, nil
	})
	if err != nil {
		metrics.StepsSent.WithLabelValues(string(step.Kind), metrics.Failed).Inc()
		return res, fmt.Errorf("record %s step: %w", step.Kind, err)
	}
	metrics.StepsSent.WithLabelValues(string(step.Kind), metrics.OK).Inc()
	slog.Debug("step recorded", "kind", step.Kind, "tab_id", tabID, "step_id", step.ID, "index", index)

	if next.Screenshot != nil && res.Screenshot != nil {
		r.publish(events.TopicScreenshot, next.Screenshot)
	}
	r.publish(events.TopicStepAppended, StepAppended{TabID: tabID, Step: next.Tabs[tabID].Steps[index], Index: index})
	if res.IsNewTab && res.NewTabID != "" {
		r.publish(events.TopicTabOpened, TabOpened{TabID: res.NewTabID, Title: res.TabTitle})
	}
	return res, nil
}

// ReplayParams identifies one stored step to execute.
type ReplayParams struct {
	Recording   string
	StepID      string
	TabID       string
	ParamValues map[string]string
}

// ReplayStep executes a stored step through the same guard as Send. The
// screenshot and tab state are updated, the recording tab is not appended
// to. A result can carry both an error and ShouldStop.
func (r *Recorder) ReplayStep(ctx context.Context, p ReplayParams) (gateway.ReplayStepResult, error) {
	sessionID, err := r.sessionID()
	if err != nil {
		return gateway.ReplayStepResult{}, err
	}
	release, err := r.acquire(ctx)
	if err != nil {
		return gateway.ReplayStepResult{}, err
	}
	defer release()

	started := time.Now()
	res, err := r.gw.ReplaySingleStep(ctx, gateway.ReplayStepRequest{
		SessionID:   sessionID,
		Recording:   p.Recording,
		StepID:      p.StepID,
		TabID:       p.TabID,
		ParamValues: p.ParamValues,
	})
	metrics.StepDuration.WithLabelValues("replay").Observe(time.Since(started).Seconds())
	if err != nil {
		return res, fmt.Errorf("replay step %s: %w", p.StepID, err)
	}
	stepErr := r.inspect(res)
	if errors.Is(stepErr, gateway.ErrSessionExpired) {
		return res, stepErr
	}
	if stepErr != nil && !res.ShouldStop {
		return res, fmt.Errorf("replay step %s: %w", p.StepID, stepErr)
	}

	next := r.store.Update(func(s session.State) session.State {
		s = s.WithScreenshot(res.Screenshot)
		if res.IsNewTab && res.NewTabID != "" {
			s, _ = s.WithTab(res.NewTabID, res.TabTitle)
			s, _ = s.WithActive(res.NewTabID)
		}
		return s
	})
	if res.Screenshot != nil && next.Screenshot != nil {
		r.publish(events.TopicScreenshot, next.Screenshot)
	}
	if res.IsNewTab && res.NewTabID != "" {
		r.publish(events.TopicTabOpened, TabOpened{TabID: res.NewTabID, Title: res.TabTitle})
	}
	if stepErr != nil {
		return res, fmt.Errorf("replay step %s: %w", p.StepID, stepErr)
	}
	return res, nil
}

// ClickOutcome describes what a click on the screenshot turned into.
type ClickOutcome struct {
	Kind   string              `json:"kind"`
	Step   *types.Step         `json:"step,omitempty"`
	Probe  *types.Probe        `json:"probe,omitempty"`
	Draft  *types.TypeAction   `json:"draft,omitempty"`
	Result *gateway.StepResult `json:"result,omitempty"`
}

// typeDraft prefills the TYPE step for a clicked text field. Password and
// email fields start out unstored.
func typeDraft(c types.Coords, probe *types.Probe) *types.TypeAction {
	label := strings.TrimSpace(probe.LabelText)
	if label == "" {
		label = strings.TrimSpace(probe.Placeholder)
	}
	sel := selector.ResolveOrDefault(probe)
	return &types.TypeAction{
		Coords:     c,
		Label:      label,
		IsPassword: probe.IsPasswordField(),
		StoreValue: !probe.SensitiveInput(),
		Selector:   &sel,
	}
}

const (
	OutcomeInput    = "input"
	OutcomeNavigate = "navigate"
	OutcomeClick    = "click"
)

// RecordClick probes the element under c and records the matching step: a
// text field yields an input outcome and no step, an http link a NAVIGATE,
// anything else a CLICK with the best selector available.
func (r *Recorder) RecordClick(ctx context.Context, tabID string, c types.Coords) (ClickOutcome, error) {
	sessionID, err := r.sessionID()
	if err != nil {
		return ClickOutcome{}, err
	}
	st := r.store.Get()
	if tabID == "" {
		tabID = st.ActiveTab()
	}
	vp := types.Viewport{Width: types.DefaultScreenshotWidth, Height: types.DefaultScreenshotHeight, DevicePixelRatio: types.DefaultDevicePixelRatio}
	if st.Screenshot != nil {
		vp = st.Screenshot.Viewport()
	}

	probe, err := r.Probe(ctx, sessionID, tabID, c)
	if err != nil {
		if errors.Is(err, gateway.ErrSessionExpired) {
			return ClickOutcome{}, err
		}
		slog.Debug("probe miss", "tab_id", tabID, "x", c.X, "y", c.Y, "error", err)
	}

	if selector.IsTextField(probe) {
		return ClickOutcome{Kind: OutcomeInput, Probe: probe, Draft: typeDraft(c, probe)}, nil
	}

	var step types.Step
	kind := OutcomeClick
	if href, ok := probe.HTTPLink(); ok {
		kind = OutcomeNavigate
		step = types.NewNavigate(href, "", vp, r.now().UnixMilli())
	} else {
		sel := selector.ResolveOrDefault(probe)
		step = types.NewClick(c, &sel, vp, r.now().UnixMilli())
	}
	step.WaitAfterMs = types.Ms(DefaultWaitAfterMs)

	res, err := r.Send(ctx, step, tabID)
	if err != nil {
		return ClickOutcome{Kind: kind, Probe: probe}, err
	}
	if res.StepID != "" {
		step.ID = res.StepID
	}
	return ClickOutcome{Kind: kind, Step: &step, Probe: probe, Result: &res}, nil
}

// Probe asks the remote side what element sits at c. A nil probe with a
// nil error is a miss.
func (r *Recorder) Probe(ctx context.Context, sessionID, tabID string, c types.Coords) (*types.Probe, error) {
	res, err := r.gw.ProbeElement(ctx, sessionID, tabID, c)
	if err != nil {
		return nil, fmt.Errorf("probe element: %w", err)
	}
	if err := r.inspect(res); err != nil {
		return nil, fmt.Errorf("probe element: %w", err)
	}
	return res.Probe, nil
}

// UpdateSteps sends edits of recorded TYPE steps. The local steps are
// replaced only from the acknowledged values.
func (r *Recorder) UpdateSteps(ctx context.Context, tabID string, edits []gateway.StepEdit) ([]types.Step, error) {
	sessionID, err := r.sessionID()
	if err != nil {
		return nil, err
	}
	if len(edits) == 0 {
		return nil, gateway.NewError(gateway.CodeValidation, "edits are required", nil)
	}
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := r.gw.UpdateSteps(ctx, sessionID, tabID, edits)
	if err != nil {
		return nil, fmt.Errorf("update steps: %w", err)
	}
	if err := r.inspect(res); err != nil {
		return nil, fmt.Errorf("update steps: %w", err)
	}

	acked := res.Steps
	if len(acked) == 0 {
		acked = applyEdits(r.tabs.Steps(tabID), edits)
	}
	if err := r.tabs.ReplaceSteps(tabID, acked); err != nil {
		return nil, err
	}
	for _, e := range edits {
		r.publish(events.TopicStepTextEdited, map[string]any{"tab_id": tabID, "edit": e})
	}
	return r.tabs.Steps(tabID), nil
}

func applyEdits(steps []types.Step, edits []gateway.StepEdit) []types.Step {
	byID := make(map[string]gateway.StepEdit, len(edits))
	for _, e := range edits {
		byID[e.ID] = e
	}
	var out []types.Step
	for _, s := range steps {
		e, ok := byID[s.ID]
		if !ok || s.Kind != types.KindType {
			continue
		}
		s = s.Clone()
		s.Type.Label = e.Label
		s.Type.Text = e.Text
		s.Type.StoreValue = e.StoreValue
		out = append(out, s)
	}
	return out
}
