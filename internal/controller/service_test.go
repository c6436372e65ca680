package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/stepdeck/internal/coords"
	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/gateway/gatewaytest"
	"github.com/dgnsrekt/stepdeck/internal/notify"
	"github.com/dgnsrekt/stepdeck/internal/recorder"
	"github.com/dgnsrekt/stepdeck/internal/replay"
	"github.com/dgnsrekt/stepdeck/internal/snapshot"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// notices collects bodies posted to the fake ntfy endpoint.
type notices struct {
	mu     sync.Mutex
	bodies []string
}

func (n *notices) client() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(r.Body)
		n.mu.Lock()
		n.bodies = append(n.bodies, string(raw))
		n.mu.Unlock()
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Header: make(http.Header)}, nil
	})}
}

func (n *notices) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.bodies...)
}

func newService(t *testing.T, fake *gatewaytest.Fake, opts Options) *Service {
	t.Helper()
	s := NewService(fake, events.NewBus(), opts)
	t.Cleanup(s.Close)
	return s
}

func started(t *testing.T, fake *gatewaytest.Fake, opts Options) *Service {
	t.Helper()
	s := newService(t, fake, opts)
	if _, err := s.CreateSession(context.Background(), "", types.Viewport{}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("login", "name"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "name")
	var got *gateway.CodedError
	if !errors.As(err, &got) {
		t.Fatalf("requireNonEmpty() = %T; want *gateway.CodedError", err)
	}
	if got.Code != gateway.CodeValidation {
		t.Fatalf("requireNonEmpty() code = %q; want %q", got.Code, gateway.CodeValidation)
	}
	if got.Message != "name is required" {
		t.Fatalf("requireNonEmpty() message = %q; want %q", got.Message, "name is required")
	}
}

func TestCreateSessionReplacesState(t *testing.T) {
	fake := gatewaytest.New()
	initial := types.NewNavigate("https://example.com", "", types.Viewport{Width: 1280, Height: 800, DevicePixelRatio: 1}, 1)
	initial.ID = "nav-1"
	fake.OnCreate = func(_ context.Context, req gateway.CreateSessionRequest) (gateway.CreateSessionResult, error) {
		if req.Viewport.Width != 1280 || req.Viewport.DevicePixelRatio != 1 {
			t.Errorf("viewport = %+v; want defaults", req.Viewport)
		}
		shot := gatewaytest.Shot
		return gateway.CreateSessionResult{SessionID: "s-9", TabID: "tab-1", Title: "Example", Screenshot: &shot, InitialStep: &initial}, nil
	}
	s := newService(t, fake, Options{})

	st, err := s.CreateSession(context.Background(), "https://example.com", types.Viewport{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if st.SessionID != "s-9" || st.ActiveTabID != "tab-1" {
		t.Fatalf("state = %+v", st)
	}
	if got := st.Tabs["tab-1"]; got.Title != "Example" || len(got.Steps) != 1 || got.Steps[0].ID != "nav-1" {
		t.Fatalf("tab = %+v", got)
	}
	if st.Screenshot == nil {
		t.Fatal("screenshot not stored")
	}
}

func TestCreateSessionExpiredEnvelope(t *testing.T) {
	fake := gatewaytest.New()
	fake.OnCreate = func(context.Context, gateway.CreateSessionRequest) (gateway.CreateSessionResult, error) {
		return gateway.CreateSessionResult{Envelope: gateway.Fail("session expired")}, nil
	}
	s := newService(t, fake, Options{})
	if _, err := s.CreateSession(context.Background(), "", types.Viewport{}); !errors.Is(err, gateway.ErrSessionExpired) {
		t.Fatalf("CreateSession() error = %v; want ErrSessionExpired", err)
	}
}

func TestClickMapsDisplayPoint(t *testing.T) {
	fake := gatewaytest.New()
	var probed types.Coords
	fake.OnProbe = func(_ context.Context, at types.Coords) (gateway.ProbeResult, error) {
		probed = at
		return gateway.ProbeResult{Probe: &types.Probe{Tag: "button", Attrs: map[string]string{"data-testid": "save"}}}, nil
	}
	s := started(t, fake, Options{})

	out, err := s.Click(context.Background(), "", coords.Point{X: 320, Y: 200}, coords.Rect{Width: 640, Height: 400})
	if err != nil {
		t.Fatalf("Click() error = %v", err)
	}
	if probed != (types.Coords{X: 640, Y: 400}) {
		t.Fatalf("probed at %+v; want {640 400}", probed)
	}
	if out.Kind != recorder.OutcomeClick || out.Step == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if sel := out.Step.Click.Selector; sel == nil || sel.Strategy != types.StrategyTestID || sel.Value != "save" {
		t.Fatalf("selector = %+v", sel)
	}
	if got := s.State().Tabs["tab-1"].Steps; len(got) != 1 {
		t.Fatalf("steps = %d; want 1", len(got))
	}
}

func TestClickOutsideBoundsIsValidation(t *testing.T) {
	s := started(t, gatewaytest.New(), Options{})
	_, err := s.Click(context.Background(), "", coords.Point{X: 900, Y: 10}, coords.Rect{Width: 640, Height: 400})
	if got := gateway.Code(err); got != gateway.CodeValidation {
		t.Fatalf("Click() code = %q; want %q (err=%v)", got, gateway.CodeValidation, err)
	}
}

func TestClickWithoutSession(t *testing.T) {
	s := newService(t, gatewaytest.New(), Options{})
	_, err := s.Click(context.Background(), "", coords.Point{}, coords.Rect{Width: 1, Height: 1})
	if !errors.Is(err, recorder.ErrNoSession) {
		t.Fatalf("Click() error = %v; want ErrNoSession", err)
	}
}

func TestBuildStep(t *testing.T) {
	s := newService(t, gatewaytest.New(), Options{})
	tests := []struct {
		name    string
		in      StepInput
		kind    types.StepKind
		wantErr bool
	}{
		{"navigate", StepInput{Type: "navigate", URL: " https://a.test "}, types.KindNavigate, false},
		{"navigate needs url", StepInput{Type: types.KindNavigate}, "", true},
		{"type", StepInput{Type: types.KindType, X: 3, Y: 4, Text: "hi", Label: "greeting"}, types.KindType, false},
		{"scroll", StepInput{Type: types.KindScroll, DeltaY: types.Ms(-120)}, types.KindScroll, false},
		{"wait defaults", StepInput{Type: types.KindWait}, types.KindWait, false},
		{"context is not composed", StepInput{Type: types.KindContext}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := s.BuildStep(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("BuildStep() = %+v; want error", step)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildStep() error = %v", err)
			}
			if step.Kind != tt.kind {
				t.Fatalf("Kind = %s; want %s", step.Kind, tt.kind)
			}
			if err := step.Validate(); err != nil {
				t.Fatalf("Validate() = %v", err)
			}
		})
	}
}

func TestBuildStepPasswordIsNeverStored(t *testing.T) {
	s := newService(t, gatewaytest.New(), Options{})
	step, err := s.BuildStep(StepInput{Type: types.KindType, Text: "hunter2", IsPassword: true, StoreValue: true})
	if err != nil {
		t.Fatalf("BuildStep() error = %v", err)
	}
	if step.Type.StoreValue {
		t.Fatal("password TYPE step kept StoreValue")
	}
}

func TestSendStepExpiryStopsLiveAndNotifies(t *testing.T) {
	fake := gatewaytest.New()
	fake.OnStep = func(context.Context, gateway.StepRequest) (gateway.StepResult, error) {
		return gateway.StepResult{Envelope: gateway.Fail("Session expired")}, nil
	}
	var n notices
	s := started(t, fake, Options{
		PollInterval: time.Hour,
		Notifier:     notify.New("http://ntfy.test/n", n.client(), time.Minute, 1),
	})
	if err := s.StartLive(); err != nil {
		t.Fatalf("StartLive() error = %v", err)
	}

	_, _, err := s.SendStep(context.Background(), StepInput{Type: types.KindWait, WaitMs: 10})
	if !errors.Is(err, gateway.ErrSessionExpired) {
		t.Fatalf("SendStep() error = %v; want ErrSessionExpired", err)
	}
	eventually(t, "live polling to stop", func() bool { return !s.Live() })
	eventually(t, "expiry notice", func() bool { return len(n.all()) == 1 })
	if got := s.State().Tabs["tab-1"].Steps; len(got) != 0 {
		t.Fatalf("steps = %d; want 0 after expiry", len(got))
	}
}

func TestActivateUnknownTab(t *testing.T) {
	s := started(t, gatewaytest.New(), Options{})
	if got := gateway.Code(s.ActivateTab("tab-9")); got != gateway.CodeNotFound {
		t.Fatalf("ActivateTab() code = %q; want %q", got, gateway.CodeNotFound)
	}
	if err := s.ActivateTab("tab-1"); err != nil {
		t.Fatalf("ActivateTab(tab-1) error = %v", err)
	}
}

func TestReplayRunsInBackgroundAndNotifies(t *testing.T) {
	fake := gatewaytest.New()
	vp := types.Viewport{Width: 1280, Height: 800, DevicePixelRatio: 1}
	a := types.NewNavigate("https://a.test", "", vp, 1)
	a.ID = "a"
	b := types.NewClick(types.Coords{X: 1, Y: 1}, nil, vp, 2)
	b.ID = "b"
	fake.AddRecording("login", map[string][]types.Step{"tab-1": {a, b}}, "tab-1")
	var n notices
	s := started(t, fake, Options{Notifier: notify.New("http://ntfy.test/n", n.client(), time.Minute, 1)})

	if _, err := s.StartReplay(); !errors.Is(err, replay.ErrNotLoaded) {
		t.Fatalf("StartReplay() before load error = %v; want ErrNotLoaded", err)
	}
	if _, err := s.LoadReplay(context.Background(), "login", ""); err != nil {
		t.Fatalf("LoadReplay() error = %v", err)
	}
	if _, err := s.ResumeReplay(); !errors.Is(err, replay.ErrNotPaused) {
		t.Fatalf("ResumeReplay() error = %v; want ErrNotPaused", err)
	}
	if _, err := s.StartReplay(); err != nil {
		t.Fatalf("StartReplay() error = %v", err)
	}
	eventually(t, "replay to complete", func() bool { return s.ReplayProgress().State == replay.StateCompleted })
	if got := s.ReplayProgress().ExecutedStepIDs; len(got) != 2 {
		t.Fatalf("executed = %v; want 2 steps", got)
	}
	eventually(t, "completion notice", func() bool { return len(n.all()) == 1 })
	if got := n.all()[0]; !strings.Contains(got, `"login"`) || !strings.Contains(got, "2 steps executed") {
		t.Fatalf("notice = %q", got)
	}
}

func TestPauseRightAfterStartIsHonored(t *testing.T) {
	fake := gatewaytest.New()
	vp := types.Viewport{Width: 1280, Height: 800, DevicePixelRatio: 1}
	a := types.NewClick(types.Coords{X: 1, Y: 1}, nil, vp, 1)
	a.ID = "a"
	b := types.NewClick(types.Coords{X: 2, Y: 2}, nil, vp, 2)
	b.ID = "b"
	fake.AddRecording("login", map[string][]types.Step{"tab-1": {a, b}}, "tab-1")
	release := make(chan struct{})
	fake.OnReplay = func(context.Context, gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
		<-release
		return gateway.ReplayStepResult{}, nil
	}
	s := started(t, fake, Options{})
	if _, err := s.LoadReplay(context.Background(), "login", ""); err != nil {
		t.Fatalf("LoadReplay() error = %v", err)
	}

	p, err := s.StartReplay()
	if err != nil {
		t.Fatalf("StartReplay() error = %v", err)
	}
	if p.State != replay.StateRunning {
		t.Fatalf("StartReplay() state = %s; want %s", p.State, replay.StateRunning)
	}
	if _, err := s.StartReplay(); !errors.Is(err, replay.ErrRunning) {
		t.Fatalf("second StartReplay() error = %v; want ErrRunning", err)
	}
	s.PauseReplay()
	close(release)

	eventually(t, "replay to pause", func() bool { return s.ReplayProgress().State == replay.StatePaused })
	for _, id := range fake.ReplayedStepIDs() {
		if id == "b" {
			t.Fatalf("replayed = %v; the pause should stop before b", fake.ReplayedStepIDs())
		}
	}
}

func TestSnapshotsDisabled(t *testing.T) {
	s := newService(t, gatewaytest.New(), Options{})
	if _, err := s.ListSnapshots(""); gateway.Code(err) != gateway.CodeNotFound {
		t.Fatalf("ListSnapshots() error = %v; want NOT_FOUND", err)
	}
}

func TestRecordedStepsAreArchived(t *testing.T) {
	snaps, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot.NewStore() failed: %v", err)
	}
	s := started(t, gatewaytest.New(), Options{Snapshots: snaps})

	step, _, err := s.SendStep(context.Background(), StepInput{Type: types.KindNavigate, URL: "https://a.test"})
	if err != nil {
		t.Fatalf("SendStep() error = %v", err)
	}
	var metas []snapshot.SnapshotMeta
	eventually(t, "archived screenshot", func() bool {
		metas, _ = s.ListSnapshots("")
		return len(metas) == 1
	})
	if metas[0].StepID != step.ID || metas[0].Source != "step" || metas[0].SessionID != "sess-1" {
		t.Fatalf("meta = %+v", metas[0])
	}
	if _, err := s.GetSnapshot("nope"); gateway.Code(err) != gateway.CodeValidation {
		t.Fatalf("GetSnapshot(nope) error = %v; want VALIDATION", err)
	}
}

func TestScreenshotImageDecodes(t *testing.T) {
	s := newService(t, gatewaytest.New(), Options{})
	if _, err := s.ScreenshotImage(); gateway.Code(err) != gateway.CodeNotFound {
		t.Fatalf("ScreenshotImage() before session error = %v; want NOT_FOUND", err)
	}
	s = started(t, gatewaytest.New(), Options{})
	data, err := s.ScreenshotImage()
	if err != nil {
		t.Fatalf("ScreenshotImage() error = %v", err)
	}
	if string(data) != "img" {
		t.Fatalf("ScreenshotImage() = %q; want %q", data, "img")
	}
}

func TestSaveAndListRecordings(t *testing.T) {
	fake := gatewaytest.New()
	fake.AddRecording("a", map[string][]types.Step{})
	s := started(t, fake, Options{})

	if _, err := s.SaveRecording(context.Background(), " ", false); gateway.Code(err) != gateway.CodeValidation {
		t.Fatalf("SaveRecording(blank) error = %v; want VALIDATION", err)
	}
	res, err := s.SaveRecording(context.Background(), "checkout", true)
	if err != nil || res.Name != "checkout" {
		t.Fatalf("SaveRecording() = %+v, %v", res, err)
	}
	names, err := s.ListRecordings(context.Background())
	if err != nil || len(names) != 1 || names[0] != "a" {
		t.Fatalf("ListRecordings() = %v, %v", names, err)
	}
}
