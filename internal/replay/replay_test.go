package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/stepdeck/internal/coords"
	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/gateway/gatewaytest"
	"github.com/dgnsrekt/stepdeck/internal/recorder"
	"github.com/dgnsrekt/stepdeck/internal/session"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

var vp = types.Viewport{Width: 1280, Height: 800, DevicePixelRatio: 1}

func withID(s types.Step, id string) types.Step {
	s.ID = id
	return s
}

func click(id string) types.Step {
	return withID(types.NewClick(types.Coords{X: 1, Y: 1}, nil, vp, 1), id)
}

type harness struct {
	fake  *gatewaytest.Fake
	store *session.Store
	ctrl  *Controller
}

func newHarness(t *testing.T, steps []types.Step, h Handler) *harness {
	t.Helper()
	fake := gatewaytest.New()
	fake.AddRecording("flow", map[string][]types.Step{"t1": steps}, "t1")
	state := session.NewState("sess-1").WithScreenshot(&gatewaytest.Shot)
	store := session.NewStore(state)
	bus := events.NewBus()
	rec := recorder.New(fake, store, bus, recorder.ModeReject)
	ctrl := New(fake, rec, store, bus, h)
	require.NoError(t, ctrl.Load(context.Background(), "flow", ""))
	return &harness{fake: fake, store: store, ctrl: ctrl}
}

func TestPaginate(t *testing.T) {
	steps := []types.Step{
		click("c1"),
		withID(types.NewType(types.Coords{}, types.TypeAction{Text: "x"}, vp, 2), "t1"),
		withID(types.NewNavigate("https://example.com", "", vp, 3), "n1"),
		click("c2"),
	}
	pages := Paginate(steps)
	require.Len(t, pages, 2)
	assert.Equal(t, []string{"c1", "t1"}, ids(pages[0]))
	assert.Equal(t, []string{"n1", "c2"}, ids(pages[1]))
}

func TestPaginateLeadingNavigateStaysOnFirstPage(t *testing.T) {
	steps := []types.Step{
		withID(types.NewNavigate("https://a.example", "", vp, 1), "n1"),
		withID(types.NewNavigate("https://b.example", "", vp, 2), "n2"),
		click("c1"),
	}
	pages := Paginate(steps)
	require.Len(t, pages, 2)
	assert.Equal(t, []string{"n1"}, ids(pages[0]))
	assert.Equal(t, []string{"n2", "c1"}, ids(pages[1]))
	assert.Empty(t, Paginate(nil))
}

func ids(steps []types.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestLoadAssignsPositionalIDs(t *testing.T) {
	h := newHarness(t, []types.Step{click(""), click("keep"), click("")}, Handler{})
	pages := h.ctrl.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, []string{"t1#1", "keep", "t1#3"}, ids(pages[0]))
}

func TestLoadUnknownRecording(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1")}, Handler{})
	err := h.ctrl.Load(context.Background(), "missing", "")
	require.Error(t, err)
}

func TestRunWithoutLoad(t *testing.T) {
	fake := gatewaytest.New()
	store := session.NewStore(session.NewState("sess-1"))
	ctrl := New(fake, recorder.New(fake, store, nil, recorder.ModeReject), store, nil, Handler{})
	require.ErrorIs(t, ctrl.Run(context.Background()), ErrNotLoaded)
}

func TestPauseAfterFirstStep(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1"), click("s2"), click("s3")}, Handler{})
	h.fake.OnReplay = func(_ context.Context, req gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
		if req.StepID == "s1" {
			h.ctrl.Pause()
		}
		shot := gatewaytest.Shot
		return gateway.ReplayStepResult{Screenshot: &shot}, nil
	}

	require.NoError(t, h.ctrl.Run(context.Background()))
	p := h.ctrl.Progress()
	assert.Equal(t, StatePaused, p.State)
	assert.Equal(t, []string{"s1"}, p.ExecutedStepIDs)
	assert.Equal(t, []string{"s1"}, h.fake.ReplayedStepIDs())

	require.NoError(t, h.ctrl.Resume(context.Background()))
	assert.Equal(t, []string{"s1", "s2", "s3"}, h.fake.ReplayedStepIDs(), "resume re-executes nothing already executed")
	assert.Equal(t, StateCompleted, h.ctrl.State())
}

func TestBackendStopAtSecondStep(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1"), click("s2"), click("s3")}, Handler{})
	h.fake.OnReplay = func(_ context.Context, req gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
		shot := gatewaytest.Shot
		return gateway.ReplayStepResult{Screenshot: &shot, ShouldStop: req.StepID == "s2"}, nil
	}

	require.NoError(t, h.ctrl.Run(context.Background()))
	assert.Equal(t, StatePaused, h.ctrl.State())
	assert.Equal(t, []string{"s1", "s2"}, h.fake.ReplayedStepIDs())
	assert.Equal(t, []string{"s1", "s2"}, h.ctrl.Progress().ExecutedStepIDs)

	h.fake.OnReplay = nil
	require.NoError(t, h.ctrl.Resume(context.Background()))
	assert.Equal(t, []string{"s1", "s2", "s3"}, h.fake.ReplayedStepIDs())
}

func TestStepFailureIsIsolated(t *testing.T) {
	var failed []string
	h := newHarness(t, []types.Step{click("s1"), click("s2"), click("s3")}, Handler{
		StepFailed: func(step types.Step, err error) { failed = append(failed, step.ID) },
	})
	h.fake.OnReplay = func(_ context.Context, req gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
		if req.StepID == "s2" {
			return gateway.ReplayStepResult{Envelope: gateway.Envelope{Error: &gateway.EnvelopeError{Message: "no element", StepID: "s2"}}}, nil
		}
		return gateway.ReplayStepResult{}, nil
	}

	require.NoError(t, h.ctrl.Run(context.Background()))
	p := h.ctrl.Progress()
	assert.Equal(t, StateCompleted, p.State)
	assert.Equal(t, []string{"s2"}, p.ErrorStepIDs)
	assert.Equal(t, []string{"s1", "s3"}, p.ExecutedStepIDs)
	assert.Equal(t, []string{"s2"}, failed)

	h.fake.OnReplay = nil
	require.NoError(t, h.ctrl.RunStep(context.Background(), "s2", nil))
	p = h.ctrl.Progress()
	assert.Empty(t, p.ErrorStepIDs, "later success clears the error")
	assert.Equal(t, []string{"s1", "s2", "s3"}, p.ExecutedStepIDs)
	assert.Equal(t, StateCompleted, p.State)
}

func TestSessionExpiryHaltsReplay(t *testing.T) {
	var expired int
	h := newHarness(t, []types.Step{click("s1"), click("s2"), click("s3")}, Handler{
		SessionExpired: func(error) { expired++ },
	})
	h.fake.OnReplay = func(_ context.Context, req gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
		if req.StepID == "s2" {
			return gateway.ReplayStepResult{Envelope: gateway.Fail("session expired")}, nil
		}
		return gateway.ReplayStepResult{}, nil
	}

	require.ErrorIs(t, h.ctrl.Run(context.Background()), ErrExpired)
	assert.Equal(t, StateExpired, h.ctrl.State())
	assert.Equal(t, []string{"s1", "s2"}, h.fake.ReplayedStepIDs())
	assert.Equal(t, 1, expired)

	require.ErrorIs(t, h.ctrl.Run(context.Background()), ErrExpired)
	require.ErrorIs(t, h.ctrl.RunStep(context.Background(), "s3", nil), ErrExpired)
	require.NoError(t, h.ctrl.Reset())
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestContextStepIsSurfacedNotDispatched(t *testing.T) {
	var got []ContextPrompt
	region := types.Region{X: 128, Y: 80, Width: 256, Height: 160}
	steps := []types.Step{
		withID(types.NewContext(region, "what is this?", vp, 1), "ctx"),
		click("s2"),
	}
	h := newHarness(t, steps, Handler{ContextRegion: func(p ContextPrompt) { got = append(got, p) }})
	h.ctrl.SetBounds(coords.Rect{Width: 640, Height: 400})

	require.NoError(t, h.ctrl.Run(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, "what is this?", got[0].Prompt)
	assert.Equal(t, coords.Rect{Left: 64, Top: 40, Width: 128, Height: 80}, got[0].Display)
	assert.Equal(t, []string{"s2"}, h.fake.ReplayedStepIDs())
	assert.Equal(t, []string{"ctx", "s2"}, h.ctrl.Progress().ExecutedStepIDs)
}

func TestStoredValueStepWaitsForInput(t *testing.T) {
	stored := withID(types.NewType(types.Coords{}, types.TypeAction{Label: "password", StoreValue: true, IsPassword: true}, vp, 2), "pw")
	h := newHarness(t, []types.Step{click("s1"), stored, click("s3")}, Handler{})

	require.NoError(t, h.ctrl.Run(context.Background()))
	p := h.ctrl.Progress()
	assert.Equal(t, []string{"s1", "s3"}, p.ExecutedStepIDs)
	assert.Equal(t, []string{"pw"}, p.PendingInputIDs)
	assert.Equal(t, []string{"s1", "s3"}, h.fake.ReplayedStepIDs())

	require.NoError(t, h.ctrl.ProvideInput("pw", map[string]string{"password": "hunter2"}))
	require.NoError(t, h.ctrl.Run(context.Background()))
	reqs := h.fake.ReplayRequests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "pw", reqs[2].StepID)
	assert.Equal(t, map[string]string{"password": "hunter2"}, reqs[2].ParamValues)
	assert.Empty(t, h.ctrl.Progress().PendingInputIDs)
}

func TestNeedInputHandlerSuppliesValues(t *testing.T) {
	stored := withID(types.NewType(types.Coords{}, types.TypeAction{Label: "otp", StoreValue: true}, vp, 1), "otp")
	h := newHarness(t, []types.Step{stored}, Handler{
		NeedInput: func(_ context.Context, step types.Step) (map[string]string, bool) {
			return map[string]string{step.Type.Label: "123456"}, true
		},
	})
	require.NoError(t, h.ctrl.Run(context.Background()))
	reqs := h.fake.ReplayRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "123456", reqs[0].ParamValues["otp"])
}

func TestSkipMarksNextPending(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1"), click("s2"), withID(types.NewNavigate("https://x.example", "", vp, 3), "n3")}, Handler{})

	res, err := h.ctrl.Skip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", res.SkippedStepID)
	assert.Equal(t, []string{"s2"}, ids(res.Remaining))
	assert.False(t, res.IsLastPage)
	assert.Equal(t, 1, h.fake.CallCount("SkipStep"))

	require.NoError(t, h.ctrl.Run(context.Background()))
	assert.Equal(t, []string{"s2", "n3"}, h.fake.ReplayedStepIDs())
	p := h.ctrl.Progress()
	assert.Equal(t, []string{"s1"}, p.SkippedStepIDs)
	assert.Equal(t, 2, p.TotalPages)

	_, err = h.ctrl.Skip(context.Background())
	require.ErrorIs(t, err, ErrNoPending)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1")}, Handler{})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.fake.OnReplay = func(context.Context, gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
		close(entered)
		<-release
		return gateway.ReplayStepResult{}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.ctrl.Run(context.Background()))
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first run never dispatched")
	}
	require.ErrorIs(t, h.ctrl.Run(context.Background()), ErrRunning)
	_, err := h.ctrl.Skip(context.Background())
	require.ErrorIs(t, err, ErrRunning)
	close(release)
	wg.Wait()
	assert.Equal(t, StateCompleted, h.ctrl.State())
}

func TestResumeRequiresPause(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1")}, Handler{})
	require.ErrorIs(t, h.ctrl.Resume(context.Background()), ErrNotPaused)
}

func TestMalformedStepIsFailedNotDispatched(t *testing.T) {
	var failed []string
	steps := []types.Step{click("s1"), {ID: "ctx1", Kind: types.KindContext, Viewport: vp}, click("s3")}
	h := newHarness(t, steps, Handler{
		StepFailed: func(step types.Step, err error) { failed = append(failed, step.ID) },
	})
	assert.Equal(t, []string{"ctx1"}, h.ctrl.Progress().ErrorStepIDs, "invalid steps are flagged on load")

	require.NotPanics(t, func() {
		require.NoError(t, h.ctrl.Run(context.Background()))
	})
	p := h.ctrl.Progress()
	assert.Equal(t, StateCompleted, p.State)
	assert.Equal(t, []string{"ctx1"}, p.ErrorStepIDs)
	assert.Equal(t, []string{"s1", "s3"}, p.ExecutedStepIDs)
	assert.Equal(t, []string{"s1", "s3"}, h.fake.ReplayedStepIDs())
	assert.Equal(t, []string{"ctx1"}, failed)

	require.Error(t, h.ctrl.RunStep(context.Background(), "ctx1", nil))
	assert.Equal(t, []string{"s1", "s3"}, h.fake.ReplayedStepIDs())
}

func TestFailedStopStepIsRetriedOnResume(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1"), click("s2"), click("s3")}, Handler{})
	h.fake.OnReplay = func(_ context.Context, req gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
		if req.StepID == "s2" {
			return gateway.ReplayStepResult{Envelope: gateway.Fail("no element"), ShouldStop: true}, nil
		}
		return gateway.ReplayStepResult{}, nil
	}

	require.NoError(t, h.ctrl.Run(context.Background()))
	p := h.ctrl.Progress()
	assert.Equal(t, StatePaused, p.State)
	assert.Equal(t, []string{"s2"}, p.ErrorStepIDs)
	assert.Equal(t, []string{"s1"}, p.ExecutedStepIDs)

	h.fake.OnReplay = nil
	require.NoError(t, h.ctrl.Resume(context.Background()))
	p = h.ctrl.Progress()
	assert.Equal(t, []string{"s1", "s2", "s2", "s3"}, h.fake.ReplayedStepIDs())
	assert.Empty(t, p.ErrorStepIDs)
	assert.Equal(t, []string{"s1", "s2", "s3"}, p.ExecutedStepIDs)
	assert.Equal(t, StateCompleted, p.State)
}

func TestPauseBetweenBeginAndContinue(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1"), click("s2")}, Handler{})

	require.NoError(t, h.ctrl.Begin(false))
	assert.Equal(t, StateRunning, h.ctrl.State())
	require.ErrorIs(t, h.ctrl.Begin(false), ErrRunning)
	h.ctrl.Pause()
	require.NoError(t, h.ctrl.Continue(context.Background()))
	assert.Equal(t, StatePaused, h.ctrl.State())
	assert.Empty(t, h.fake.ReplayedStepIDs())

	require.NoError(t, h.ctrl.Resume(context.Background()))
	assert.Equal(t, []string{"s1", "s2"}, h.fake.ReplayedStepIDs())
}

func TestContinueRequiresBegin(t *testing.T) {
	h := newHarness(t, []types.Step{click("s1")}, Handler{})
	require.ErrorIs(t, h.ctrl.Continue(context.Background()), ErrNotStarted)
	assert.Empty(t, h.fake.ReplayedStepIDs())
}
