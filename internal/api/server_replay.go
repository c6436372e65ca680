package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/stepdeck/internal/replay"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

type progressOutput struct {
	Body replay.Progress
}

func progress(p replay.Progress, err error) (*progressOutput, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	return &progressOutput{Body: p}, nil
}

func registerReplayHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "replay-load", Method: http.MethodPost, Path: "/api/v1/replay/load", Summary: "Load a recording for replay", Description: "Resets executed, failed and skipped sets. An empty tab_id picks the first tab with steps.", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Recording string `json:"recording" required:"true"`
				TabID     string `json:"tab_id,omitempty"`
			}
		}) (*progressOutput, error) {
			return progress(svc.LoadReplay(ctx, input.Body.Recording, input.Body.TabID))
		})

	huma.Register(api, huma.Operation{OperationID: "replay-start", Method: http.MethodPost, Path: "/api/v1/replay/start", Summary: "Run the loaded recording", Description: "Returns as soon as the run starts. Follow replay.* events or poll progress.", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct{}) (*progressOutput, error) {
			return progress(svc.StartReplay())
		})

	huma.Register(api, huma.Operation{OperationID: "replay-pause", Method: http.MethodPost, Path: "/api/v1/replay/pause", Summary: "Pause after the in-flight step", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct{}) (*progressOutput, error) {
			return &progressOutput{Body: svc.PauseReplay()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "replay-resume", Method: http.MethodPost, Path: "/api/v1/replay/resume", Summary: "Resume a paused replay", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct{}) (*progressOutput, error) {
			return progress(svc.ResumeReplay())
		})

	type skipOutput struct {
		Body replay.SkipResult
	}
	huma.Register(api, huma.Operation{OperationID: "replay-skip", Method: http.MethodPost, Path: "/api/v1/replay/skip", Summary: "Skip the next pending step", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct{}) (*skipOutput, error) {
			res, err := svc.SkipReplay(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &skipOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "replay-run-step", Method: http.MethodPost, Path: "/api/v1/replay/steps/{step_id}/run", Summary: "Run one step of the loaded recording", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct {
			StepID string `path:"step_id" doc:"Step id, or positional <tab>#<n>"`
			Body   struct {
				Params map[string]string `json:"params,omitempty" doc:"Values for stored TYPE steps keyed by label or step id"`
			}
		}) (*progressOutput, error) {
			return progress(svc.RunReplayStep(ctx, input.StepID, input.Body.Params))
		})

	huma.Register(api, huma.Operation{OperationID: "replay-input", Method: http.MethodPost, Path: "/api/v1/replay/input", Summary: "Supply values for a step waiting on input", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct {
			Body struct {
				StepID string            `json:"step_id" required:"true"`
				Values map[string]string `json:"values" required:"true"`
			}
		}) (*progressOutput, error) {
			return progress(svc.ProvideInput(input.Body.StepID, input.Body.Values))
		})

	huma.Register(api, huma.Operation{OperationID: "replay-progress", Method: http.MethodGet, Path: "/api/v1/replay/progress", Summary: "Replay progress", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct{}) (*progressOutput, error) {
			return &progressOutput{Body: svc.ReplayProgress()}, nil
		})

	type pagesOutput struct {
		Body struct {
			Pages [][]types.Step `json:"pages"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "replay-pages", Method: http.MethodGet, Path: "/api/v1/replay/pages", Summary: "Loaded steps grouped into pages", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct{}) (*pagesOutput, error) {
			out := &pagesOutput{}
			out.Body.Pages = svc.ReplayPages()
			if out.Body.Pages == nil {
				out.Body.Pages = [][]types.Step{}
			}
			return out, nil
		})
}
