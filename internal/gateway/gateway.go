// Package gateway defines the command channel to the remote browser
// session. The orchestrator never drives a browser itself; every action is a
// request through a Gateway and every result may carry an error envelope.
package gateway

import (
	"context"

	"github.com/dgnsrekt/stepdeck/internal/types"
)

// Gateway is the remote session contract.
type Gateway interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResult, error)
	Step(ctx context.Context, req StepRequest) (StepResult, error)
	Screenshot(ctx context.Context, sessionID, tabID string) (ScreenshotResult, error)
	ProbeElement(ctx context.Context, sessionID, tabID string, at types.Coords) (ProbeResult, error)
	ListRecordings(ctx context.Context) (ListRecordingsResult, error)
	GetAllSteps(ctx context.Context, sessionID, recording string) (AllStepsResult, error)
	ReplaySingleStep(ctx context.Context, req ReplayStepRequest) (ReplayStepResult, error)
	SkipStep(ctx context.Context, sessionID, recording, tabID string) (SkipResult, error)
	UpdateSteps(ctx context.Context, sessionID, tabID string, edits []StepEdit) (UpdateStepsResult, error)
	SaveRecording(ctx context.Context, req SaveRecordingRequest) (SaveRecordingResult, error)
}

type CreateSessionRequest struct {
	URL      string         `json:"url,omitempty"`
	Viewport types.Viewport `json:"viewport"`
}

type CreateSessionResult struct {
	Envelope
	SessionID  string            `json:"session_id"`
	TabID      string            `json:"tab_id"`
	Title      string            `json:"title,omitempty"`
	Screenshot *types.Screenshot `json:"screenshot,omitempty"`
	// InitialStep is the NAVIGATE recorded for URL, when one was given.
	InitialStep *types.Step `json:"initial_step,omitempty"`
}

type StepRequest struct {
	SessionID   string     `json:"session_id"`
	TabID       string     `json:"tab_id"`
	Step        types.Step `json:"step"`
	ShouldStore bool       `json:"should_store"`
}

type StepResult struct {
	Envelope
	StepID     string            `json:"step_id,omitempty"`
	Screenshot *types.Screenshot `json:"screenshot,omitempty"`
	IsNewTab   bool              `json:"is_new_tab,omitempty"`
	NewTabID   string            `json:"new_tab_id,omitempty"`
	TabTitle   string            `json:"tab_title,omitempty"`
}

type ScreenshotResult struct {
	Envelope
	Screenshot *types.Screenshot `json:"screenshot,omitempty"`
}

type ProbeResult struct {
	Envelope
	Probe *types.Probe `json:"probe,omitempty"`
}

type ListRecordingsResult struct {
	Envelope
	Names []string `json:"names"`
}

type AllStepsResult struct {
	Envelope
	Tabs     map[string][]types.Step `json:"tabs"`
	TabOrder []string                `json:"tab_order,omitempty"`
}

type ReplayStepRequest struct {
	SessionID   string            `json:"session_id"`
	Recording   string            `json:"recording"`
	StepID      string            `json:"step_id"`
	TabID       string            `json:"tab_id"`
	ParamValues map[string]string `json:"param_values,omitempty"`
}

type ReplayStepResult struct {
	Envelope
	Screenshot *types.Screenshot `json:"screenshot,omitempty"`
	IsNewTab   bool              `json:"is_new_tab,omitempty"`
	NewTabID   string            `json:"new_tab_id,omitempty"`
	TabTitle   string            `json:"tab_title,omitempty"`
	ShouldStop bool              `json:"should_stop,omitempty"`
}

type SkipResult struct {
	Envelope
	Remaining  []types.Step `json:"remaining"`
	IsLastPage bool         `json:"is_last_page"`
}

// StepEdit is the editable subset of a recorded TYPE step.
type StepEdit struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Text       string `json:"text"`
	StoreValue bool   `json:"store_value"`
}

type UpdateStepsResult struct {
	Envelope
	Steps []types.Step `json:"steps"`
}

type SaveRecordingRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

type SaveRecordingResult struct {
	Envelope
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}
