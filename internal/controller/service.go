// Package controller composes the session components behind one Service
// that the HTTP API drives.
package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/stepdeck/internal/coords"
	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/notify"
	"github.com/dgnsrekt/stepdeck/internal/poller"
	"github.com/dgnsrekt/stepdeck/internal/recorder"
	"github.com/dgnsrekt/stepdeck/internal/replay"
	"github.com/dgnsrekt/stepdeck/internal/session"
	"github.com/dgnsrekt/stepdeck/internal/snapshot"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

// Options tune a Service. Zero values pick the defaults.
type Options struct {
	Viewport     types.Viewport
	SubmitMode   recorder.Mode
	PollInterval time.Duration
	FetchTimeout time.Duration
	// Snapshots, when set, archives the screenshot of every recorded or
	// replayed step.
	Snapshots *snapshot.Store
	Notifier  *notify.Notifier
}

// Service wraps the orchestration of the active recording session.
type Service struct {
	gw       gateway.Gateway
	bus      *events.Bus
	store    *session.Store
	rec      *recorder.Recorder
	replay   *replay.Controller
	poller   *poller.Poller
	snaps    *snapshot.Store
	notifier *notify.Notifier
	viewport types.Viewport

	runs sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(gw gateway.Gateway, bus *events.Bus, opts Options) *Service {
	if opts.Viewport.Width <= 0 || opts.Viewport.Height <= 0 {
		opts.Viewport = types.Viewport{Width: types.DefaultScreenshotWidth, Height: types.DefaultScreenshotHeight}
	}
	if opts.Viewport.DevicePixelRatio <= 0 {
		opts.Viewport.DevicePixelRatio = types.DefaultDevicePixelRatio
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = poller.DefaultInterval
	}
	if opts.SubmitMode == "" {
		opts.SubmitMode = recorder.ModeReject
	}

	store := session.NewStore(session.NewState(""))
	rec := recorder.New(gw, store, bus, opts.SubmitMode)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		gw:       gw,
		bus:      bus,
		store:    store,
		rec:      rec,
		poller:   poller.New(gw, store, bus, opts.PollInterval, opts.FetchTimeout),
		snaps:    opts.Snapshots,
		notifier: opts.Notifier,
		viewport: opts.Viewport,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.replay = replay.New(gw, rec, store, bus, replay.Handler{
		StepFailed: func(step types.Step, err error) {
			slog.Info("replay step failed", "step_id", step.ID, "step", step.Describe(), "error", err)
		},
	})

	id, ch := bus.Subscribe(events.TopicSessionExpired, events.TopicStepAppended, events.TopicReplayStep, events.TopicReplayState)
	go s.watch(id, ch)
	return s
}

// Bus exposes the event bus for streaming handlers.
func (s *Service) Bus() *events.Bus { return s.bus }

// Close stops the poller and waits for background replay runs.
func (s *Service) Close() {
	s.poller.Stop()
	s.poller.Wait()
	s.cancel()
	s.replay.Pause()
	s.runs.Wait()
	<-s.done
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return gateway.NewError(gateway.CodeValidation, fieldName+" is required", nil)
	}
	return nil
}

func (s *Service) requireSession() (session.State, error) {
	st := s.store.Get()
	if st.SessionID == "" {
		return st, recorder.ErrNoSession
	}
	return st, nil
}

// watch reacts to bus events: it archives step screenshots, stops the
// poller when the session expires and sends notices.
func (s *Service) watch(id int64, ch <-chan events.Event) {
	defer close(s.done)
	defer s.bus.Unsubscribe(id)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Service) handleEvent(ev events.Event) {
	switch ev.Topic {
	case events.TopicSessionExpired:
		s.poller.Stop()
		if err := s.notifier.SessionExpired(s.ctx); err != nil {
			slog.Debug("session expiry notice not sent", "error", err)
		}
	case events.TopicStepAppended:
		var p recorder.StepAppended
		if json.Unmarshal(ev.Data, &p) == nil {
			s.archive(p.TabID, p.Step.ID, "step")
		}
	case events.TopicReplayStep:
		var p replay.StepEvent
		if json.Unmarshal(ev.Data, &p) == nil && p.Outcome == "ok" {
			s.archive("", p.StepID, "replay")
		}
	case events.TopicReplayState:
		var p struct {
			State     replay.State `json:"state"`
			Recording string       `json:"recording"`
		}
		if json.Unmarshal(ev.Data, &p) == nil && p.State == replay.StateCompleted {
			prog := s.replay.Progress()
			if err := s.notifier.ReplayComplete(s.ctx, p.Recording, len(prog.ExecutedStepIDs), len(prog.ErrorStepIDs)); err != nil {
				slog.Debug("replay completion notice not sent", "error", err)
			}
		}
	}
}

func (s *Service) archive(tabID, stepID, source string) {
	if s.snaps == nil {
		return
	}
	st := s.store.Get()
	if st.Screenshot == nil {
		return
	}
	if tabID == "" {
		tabID = st.ActiveTab()
	}
	meta, err := s.snaps.Archive(st.Screenshot, snapshot.SnapshotMeta{
		SessionID: st.SessionID,
		TabID:     tabID,
		StepID:    stepID,
		Source:    source,
	})
	if err != nil {
		slog.Warn("screenshot archive failed", "step_id", stepID, "error", err)
		return
	}
	slog.Debug("screenshot archived", "snapshot_id", meta.ID, "step_id", stepID)
}

// CreateSession opens a remote session and replaces the local state with
// it. A running live poller is stopped first.
func (s *Service) CreateSession(ctx context.Context, url string, vp types.Viewport) (session.State, error) {
	if st := s.replay.State(); st == replay.StateRunning {
		return session.State{}, replay.ErrRunning
	}
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = s.viewport
	}
	if vp.DevicePixelRatio <= 0 {
		vp.DevicePixelRatio = s.viewport.DevicePixelRatio
	}
	s.poller.Stop()

	res, err := s.gw.CreateSession(ctx, gateway.CreateSessionRequest{URL: strings.TrimSpace(url), Viewport: vp})
	if err != nil {
		return session.State{}, fmt.Errorf("create session: %w", err)
	}
	if err := gateway.Inspect(res); err != nil {
		return session.State{}, fmt.Errorf("create session: %w", err)
	}
	if res.SessionID == "" {
		return session.State{}, gateway.NewError(gateway.CodeRemoteError, "remote returned no session id", nil)
	}

	tabID := res.TabID
	if tabID == "" {
		tabID = types.DefaultTabID
	}
	next := session.NewState(res.SessionID)
	next, _ = next.WithTab(tabID, res.Title)
	next.ActiveTabID = tabID
	next = next.WithScreenshot(res.Screenshot)
	if res.InitialStep != nil {
		if withStep, err := next.WithStep(tabID, *res.InitialStep); err == nil {
			next = withStep
		} else {
			slog.Warn("initial step not recorded", "error", err)
		}
	}
	s.store.Reset(next)
	if err := s.replay.Reset(); err != nil {
		slog.Debug("replay reset skipped", "error", err)
	}

	slog.Info("session ready", "session_id", res.SessionID, "tab_id", tabID, "title", res.Title)
	s.bus.Publish(events.TopicSessionCreated, map[string]string{"session_id": res.SessionID, "tab_id": tabID, "title": res.Title})
	if next.Screenshot != nil {
		s.bus.Publish(events.TopicScreenshot, next.Screenshot)
	}
	return s.store.Get(), nil
}

// State returns a copy of the session state.
func (s *Service) State() session.State {
	return s.store.Get()
}

// Screenshot fetches a fresh screenshot of tabID (the active tab when
// empty) and stores it.
func (s *Service) Screenshot(ctx context.Context, tabID string) (*types.Screenshot, error) {
	st, err := s.requireSession()
	if err != nil {
		return nil, err
	}
	if tabID == "" {
		tabID = st.ActiveTab()
	}
	res, err := s.gw.Screenshot(ctx, st.SessionID, tabID)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	if err := gateway.Inspect(res); err != nil {
		if errors.Is(err, gateway.ErrSessionExpired) {
			s.bus.Publish(events.TopicSessionExpired, map[string]string{"session_id": st.SessionID})
		}
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	next := s.store.Update(func(cur session.State) session.State {
		return cur.WithScreenshot(res.Screenshot)
	})
	if next.Screenshot == nil {
		return nil, gateway.NewError(gateway.CodeRemoteError, "remote returned an empty screenshot", nil)
	}
	s.bus.Publish(events.TopicScreenshot, next.Screenshot)
	return next.Screenshot, nil
}

// ScreenshotImage returns the stored screenshot as PNG bytes.
func (s *Service) ScreenshotImage() ([]byte, error) {
	st := s.store.Get()
	if st.Screenshot == nil {
		return nil, gateway.NewError(gateway.CodeNotFound, "no screenshot yet", nil)
	}
	data, err := base64.StdEncoding.DecodeString(st.Screenshot.ImageBase64)
	if err != nil {
		return nil, gateway.NewError(gateway.CodeRemoteError, "screenshot is not valid base64", err)
	}
	return data, nil
}

// mapPoint converts a display point inside the rendered bounds to remote
// viewport coordinates. The bounds are handed to replay for context regions.
func (s *Service) mapPoint(p coords.Point, bounds coords.Rect) (types.Coords, error) {
	st := s.store.Get()
	if st.Screenshot == nil {
		return types.Coords{}, gateway.NewError(gateway.CodeValidation, coords.ErrNoScreenshot.Error(), coords.ErrNoScreenshot)
	}
	if !bounds.Contains(p) {
		return types.Coords{}, gateway.NewError(gateway.CodeValidation, fmt.Sprintf("point (%.0f,%.0f) is outside the rendered screenshot", p.X, p.Y), nil)
	}
	c, err := coords.ToViewport(p, bounds, *st.Screenshot)
	if err != nil {
		return types.Coords{}, gateway.NewError(gateway.CodeValidation, err.Error(), err)
	}
	s.replay.SetBounds(bounds)
	return c, nil
}

// Click maps a click on the rendered screenshot and records what it hit.
func (s *Service) Click(ctx context.Context, tabID string, p coords.Point, bounds coords.Rect) (recorder.ClickOutcome, error) {
	if _, err := s.requireSession(); err != nil {
		return recorder.ClickOutcome{}, err
	}
	c, err := s.mapPoint(p, bounds)
	if err != nil {
		return recorder.ClickOutcome{}, err
	}
	return s.rec.RecordClick(ctx, tabID, c)
}

// Probe maps a display point and reports the element under it.
func (s *Service) Probe(ctx context.Context, tabID string, p coords.Point, bounds coords.Rect) (types.Coords, *types.Probe, error) {
	st, err := s.requireSession()
	if err != nil {
		return types.Coords{}, nil, err
	}
	c, err := s.mapPoint(p, bounds)
	if err != nil {
		return types.Coords{}, nil, err
	}
	if tabID == "" {
		tabID = st.ActiveTab()
	}
	probe, err := s.rec.Probe(ctx, st.SessionID, tabID, c)
	return c, probe, err
}

// StepInput is a caller-composed step. Coordinates are remote viewport
// pixels.
type StepInput struct {
	Type       types.StepKind
	TabID      string
	URL        string
	WaitUntil  string
	X, Y       int
	Text       string
	Label      string
	IsPassword bool
	StoreValue bool
	PressEnter bool
	DeltaY     *int
	WaitMs     int
	Selector   *types.Selector
}

// BuildStep turns an input into a step against the current viewport.
func (s *Service) BuildStep(in StepInput) (types.Step, error) {
	vp := s.viewport
	if st := s.store.Get(); st.Screenshot != nil {
		vp = st.Screenshot.Viewport()
	}
	ts := time.Now().UnixMilli()
	at := types.Coords{X: in.X, Y: in.Y}

	var step types.Step
	switch types.StepKind(strings.ToUpper(string(in.Type))) {
	case types.KindNavigate:
		if err := s.requireNonEmpty(in.URL, "url"); err != nil {
			return types.Step{}, err
		}
		step = types.NewNavigate(strings.TrimSpace(in.URL), in.WaitUntil, vp, ts)
	case types.KindClick:
		step = types.NewClick(at, in.Selector, vp, ts)
		step.WaitAfterMs = types.Ms(recorder.DefaultWaitAfterMs)
	case types.KindType:
		step = types.NewType(at, types.TypeAction{
			Text:       in.Text,
			Label:      strings.TrimSpace(in.Label),
			IsPassword: in.IsPassword,
			StoreValue: in.StoreValue && !in.IsPassword,
			PressEnter: in.PressEnter,
			Selector:   in.Selector,
		}, vp, ts)
	case types.KindScroll:
		step = types.NewScroll(at, in.DeltaY, vp, ts)
	case types.KindWait:
		ms := in.WaitMs
		if ms <= 0 {
			ms = recorder.DefaultWaitAfterMs
		}
		step = types.NewWait(ms, vp, ts)
	default:
		return types.Step{}, gateway.NewError(gateway.CodeValidation, fmt.Sprintf("unsupported step type %q", in.Type), nil)
	}
	return step, nil
}

// SendStep builds and submits one step.
func (s *Service) SendStep(ctx context.Context, in StepInput) (types.Step, gateway.StepResult, error) {
	step, err := s.BuildStep(in)
	if err != nil {
		return types.Step{}, gateway.StepResult{}, err
	}
	res, err := s.rec.Send(ctx, step, in.TabID)
	if err != nil {
		return step, res, err
	}
	step.ID = res.StepID
	return step, res, nil
}

// EditSteps changes the label, text or store flag of recorded TYPE steps.
func (s *Service) EditSteps(ctx context.Context, tabID string, edits []gateway.StepEdit) ([]types.Step, error) {
	if _, err := s.requireSession(); err != nil {
		return nil, err
	}
	if tabID == "" {
		tabID = s.store.Get().ActiveTab()
	}
	for _, e := range edits {
		if err := s.requireNonEmpty(e.ID, "step id"); err != nil {
			return nil, err
		}
	}
	return s.rec.UpdateSteps(ctx, tabID, edits)
}

// ActivateTab switches which tab new steps go to.
func (s *Service) ActivateTab(tabID string) error {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return err
	}
	if err := s.rec.Tabs().Activate(tabID); err != nil {
		if errors.Is(err, session.ErrUnknownTab) {
			return gateway.NewError(gateway.CodeNotFound, err.Error(), err)
		}
		return err
	}
	s.bus.Publish(events.TopicTabActivated, map[string]string{"tab_id": tabID})
	return nil
}

// Tabs returns the session's tabs in opening order.
func (s *Service) Tabs() []types.Tab {
	return s.rec.Tabs().Tabs()
}

// SaveRecording persists the session history under name.
func (s *Service) SaveRecording(ctx context.Context, name string, overwrite bool) (gateway.SaveRecordingResult, error) {
	st, err := s.requireSession()
	if err != nil {
		return gateway.SaveRecordingResult{}, err
	}
	if err := s.requireNonEmpty(name, "name"); err != nil {
		return gateway.SaveRecordingResult{}, err
	}
	res, err := s.gw.SaveRecording(ctx, gateway.SaveRecordingRequest{SessionID: st.SessionID, Name: strings.TrimSpace(name), Overwrite: overwrite})
	if err != nil {
		return res, fmt.Errorf("save recording: %w", err)
	}
	if err := gateway.Inspect(res); err != nil {
		return res, fmt.Errorf("save recording: %w", err)
	}
	s.bus.Publish(events.TopicRecordingSaved, map[string]string{"name": res.Name, "session_id": st.SessionID})
	return res, nil
}

// ListRecordings returns the names of saved recordings.
func (s *Service) ListRecordings(ctx context.Context) ([]string, error) {
	res, err := s.gw.ListRecordings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	if err := gateway.Inspect(res); err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	if res.Names == nil {
		return []string{}, nil
	}
	return res.Names, nil
}
