// Package gatewaytest provides a scriptable in-memory gateway.Gateway.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

// Shot is the screenshot the fake returns unless a hook says otherwise.
var Shot = types.Screenshot{ImageBase64: "aW1n", Width: 1280, Height: 800, DevicePixelRatio: 1}

// Fake records every call and answers from the hooks when set, otherwise
// with a successful default result.
type Fake struct {
	OnCreate     func(context.Context, gateway.CreateSessionRequest) (gateway.CreateSessionResult, error)
	OnStep       func(context.Context, gateway.StepRequest) (gateway.StepResult, error)
	OnScreenshot func(context.Context, string, string) (gateway.ScreenshotResult, error)
	OnProbe      func(context.Context, types.Coords) (gateway.ProbeResult, error)
	OnReplay     func(context.Context, gateway.ReplayStepRequest) (gateway.ReplayStepResult, error)
	OnSkip       func(context.Context, string, string) (gateway.SkipResult, error)
	OnUpdate     func(context.Context, string, []gateway.StepEdit) (gateway.UpdateStepsResult, error)

	mu          sync.Mutex
	recordings  map[string]gateway.AllStepsResult
	calls       []string
	stepReqs    []gateway.StepRequest
	replayReqs  []gateway.ReplayStepRequest
	stepSeq     int
	inflight    int
	maxInflight int
}

func New() *Fake {
	return &Fake{recordings: map[string]gateway.AllStepsResult{}}
}

// AddRecording makes name available to GetAllSteps and ListRecordings.
func (f *Fake) AddRecording(name string, tabs map[string][]types.Step, order ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings[name] = gateway.AllStepsResult{Tabs: tabs, TabOrder: order}
}

func (f *Fake) enter(op string) func() {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}
}

// Calls returns the operation names in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts calls to op.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// MaxInflight is the highest number of simultaneously running calls seen.
func (f *Fake) MaxInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func (f *Fake) StepRequests() []gateway.StepRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.StepRequest(nil), f.stepReqs...)
}

// ReplayedStepIDs lists the step ids passed to ReplaySingleStep in order.
func (f *Fake) ReplayedStepIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.replayReqs))
	for _, r := range f.replayReqs {
		out = append(out, r.StepID)
	}
	return out
}

func (f *Fake) ReplayRequests() []gateway.ReplayStepRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ReplayStepRequest(nil), f.replayReqs...)
}

func shot() *types.Screenshot {
	s := Shot
	return &s
}

func (f *Fake) CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (gateway.CreateSessionResult, error) {
	defer f.enter("CreateSession")()
	if f.OnCreate != nil {
		return f.OnCreate(ctx, req)
	}
	return gateway.CreateSessionResult{SessionID: "sess-1", TabID: types.DefaultTabID, Screenshot: shot()}, nil
}

func (f *Fake) Step(ctx context.Context, req gateway.StepRequest) (gateway.StepResult, error) {
	defer f.enter("Step")()
	f.mu.Lock()
	f.stepReqs = append(f.stepReqs, req)
	f.stepSeq++
	seq := f.stepSeq
	f.mu.Unlock()
	if f.OnStep != nil {
		return f.OnStep(ctx, req)
	}
	return gateway.StepResult{StepID: fmt.Sprintf("step-%d", seq), Screenshot: shot()}, nil
}

func (f *Fake) Screenshot(ctx context.Context, sessionID, tabID string) (gateway.ScreenshotResult, error) {
	defer f.enter("Screenshot")()
	if f.OnScreenshot != nil {
		return f.OnScreenshot(ctx, sessionID, tabID)
	}
	return gateway.ScreenshotResult{Screenshot: shot()}, nil
}

func (f *Fake) ProbeElement(ctx context.Context, _, _ string, at types.Coords) (gateway.ProbeResult, error) {
	defer f.enter("ProbeElement")()
	if f.OnProbe != nil {
		return f.OnProbe(ctx, at)
	}
	return gateway.ProbeResult{}, nil
}

func (f *Fake) ListRecordings(context.Context) (gateway.ListRecordingsResult, error) {
	defer f.enter("ListRecordings")()
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.recordings))
	for name := range f.recordings {
		names = append(names, name)
	}
	sort.Strings(names)
	return gateway.ListRecordingsResult{Names: names}, nil
}

func (f *Fake) GetAllSteps(_ context.Context, _, recording string) (gateway.AllStepsResult, error) {
	defer f.enter("GetAllSteps")()
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.recordings[recording]
	if !ok {
		return gateway.AllStepsResult{Envelope: gateway.Fail("recording not found: " + recording)}, nil
	}
	return res, nil
}

func (f *Fake) ReplaySingleStep(ctx context.Context, req gateway.ReplayStepRequest) (gateway.ReplayStepResult, error) {
	defer f.enter("ReplaySingleStep")()
	f.mu.Lock()
	f.replayReqs = append(f.replayReqs, req)
	f.mu.Unlock()
	if f.OnReplay != nil {
		return f.OnReplay(ctx, req)
	}
	return gateway.ReplayStepResult{Screenshot: shot()}, nil
}

func (f *Fake) SkipStep(ctx context.Context, _, recording, tabID string) (gateway.SkipResult, error) {
	defer f.enter("SkipStep")()
	if f.OnSkip != nil {
		return f.OnSkip(ctx, recording, tabID)
	}
	return gateway.SkipResult{}, nil
}

func (f *Fake) UpdateSteps(ctx context.Context, _, tabID string, edits []gateway.StepEdit) (gateway.UpdateStepsResult, error) {
	defer f.enter("UpdateSteps")()
	if f.OnUpdate != nil {
		return f.OnUpdate(ctx, tabID, edits)
	}
	return gateway.UpdateStepsResult{}, nil
}

func (f *Fake) SaveRecording(_ context.Context, req gateway.SaveRecordingRequest) (gateway.SaveRecordingResult, error) {
	defer f.enter("SaveRecording")()
	return gateway.SaveRecordingResult{Name: req.Name}, nil
}

var _ gateway.Gateway = (*Fake)(nil)
