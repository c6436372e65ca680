package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/stepdeck/internal/controller"
	"github.com/dgnsrekt/stepdeck/internal/coords"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/recorder"
	"github.com/dgnsrekt/stepdeck/internal/session"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

// pointerBody is a pointer event on the rendered screenshot, in display
// pixels, plus where the screenshot was drawn.
type pointerBody struct {
	TabID  string      `json:"tab_id,omitempty" doc:"Target tab (empty = active tab)"`
	X      float64     `json:"x" doc:"Display X of the pointer"`
	Y      float64     `json:"y" doc:"Display Y of the pointer"`
	Bounds coords.Rect `json:"bounds" doc:"Rendered screenshot rectangle in display pixels"`
}

func (b pointerBody) point() coords.Point { return coords.Point{X: b.X, Y: b.Y} }

func registerSessionHandlers(api huma.API, svc Service) {
	type stateOutput struct {
		Body session.State
	}

	huma.Register(api, huma.Operation{OperationID: "create-session", Method: http.MethodPost, Path: "/api/v1/session", Summary: "Create a remote browser session", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URL      string          `json:"url,omitempty" doc:"Start URL, recorded as the first NAVIGATE step"`
				Viewport *types.Viewport `json:"viewport,omitempty"`
			}
		}) (*stateOutput, error) {
			var vp types.Viewport
			if input.Body.Viewport != nil {
				vp = *input.Body.Viewport
			}
			st, err := svc.CreateSession(ctx, input.Body.URL, vp)
			if err != nil {
				return nil, mapErr(err)
			}
			return &stateOutput{Body: st}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-session", Method: http.MethodGet, Path: "/api/v1/session", Summary: "Get session state", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*stateOutput, error) {
			return &stateOutput{Body: svc.State()}, nil
		})

	type screenshotOutput struct {
		Body *types.Screenshot
	}
	huma.Register(api, huma.Operation{OperationID: "fetch-screenshot", Method: http.MethodGet, Path: "/api/v1/session/screenshot", Summary: "Fetch a fresh screenshot", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct {
			TabID string `query:"tab_id" doc:"Tab to capture (empty = active tab)"`
		}) (*screenshotOutput, error) {
			shot, err := svc.Screenshot(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &screenshotOutput{Body: shot}, nil
		})

	type imageOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{OperationID: "get-screenshot-image", Method: http.MethodGet, Path: "/api/v1/session/screenshot/image", Summary: "Current screenshot as PNG", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*imageOutput, error) {
			data, err := svc.ScreenshotImage()
			if err != nil {
				return nil, mapErr(err)
			}
			return &imageOutput{ContentType: "image/png", Body: data}, nil
		})

	type clickOutput struct {
		Body recorder.ClickOutcome
	}
	huma.Register(api, huma.Operation{OperationID: "click", Method: http.MethodPost, Path: "/api/v1/session/click", Summary: "Record a click on the screenshot", Description: "Maps the display point to viewport pixels, probes the element and records a CLICK or NAVIGATE step. A text field yields kind \"input\" and records nothing.", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{ Body pointerBody }) (*clickOutput, error) {
			out, err := svc.Click(ctx, input.Body.TabID, input.Body.point(), input.Body.Bounds)
			if err != nil {
				return nil, mapErr(err)
			}
			return &clickOutput{Body: out}, nil
		})

	type probeOutput struct {
		Body struct {
			Coords types.Coords `json:"coords"`
			Probe  *types.Probe `json:"probe"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "probe", Method: http.MethodPost, Path: "/api/v1/session/probe", Summary: "Describe the element under a display point", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{ Body pointerBody }) (*probeOutput, error) {
			c, probe, err := svc.Probe(ctx, input.Body.TabID, input.Body.point(), input.Body.Bounds)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &probeOutput{}
			out.Body.Coords = c
			out.Body.Probe = probe
			return out, nil
		})

	type stepOutput struct {
		Body struct {
			Step   types.Step         `json:"step"`
			Result gateway.StepResult `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "send-step", Method: http.MethodPost, Path: "/api/v1/session/steps", Summary: "Record one step", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Type       string          `json:"type" required:"true" enum:"NAVIGATE,CLICK,TYPE,SCROLL,WAIT"`
				TabID      string          `json:"tab_id,omitempty"`
				URL        string          `json:"url,omitempty"`
				WaitUntil  string          `json:"wait_until,omitempty"`
				X          int             `json:"x,omitempty" doc:"Viewport X"`
				Y          int             `json:"y,omitempty" doc:"Viewport Y"`
				Text       string          `json:"text,omitempty"`
				Label      string          `json:"label,omitempty"`
				IsPassword bool            `json:"is_password,omitempty"`
				StoreValue bool            `json:"store_value,omitempty"`
				PressEnter bool            `json:"press_enter,omitempty"`
				DeltaY     *int            `json:"delta_y,omitempty"`
				WaitMs     int             `json:"wait_ms,omitempty"`
				Selector   *types.Selector `json:"selector,omitempty"`
			}
		}) (*stepOutput, error) {
			b := input.Body
			step, res, err := svc.SendStep(ctx, controller.StepInput{
				Type:       types.StepKind(b.Type),
				TabID:      b.TabID,
				URL:        b.URL,
				WaitUntil:  b.WaitUntil,
				X:          b.X,
				Y:          b.Y,
				Text:       b.Text,
				Label:      b.Label,
				IsPassword: b.IsPassword,
				StoreValue: b.StoreValue,
				PressEnter: b.PressEnter,
				DeltaY:     b.DeltaY,
				WaitMs:     b.WaitMs,
				Selector:   b.Selector,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &stepOutput{}
			out.Body.Step = step
			out.Body.Result = res
			return out, nil
		})

	type stepsOutput struct {
		Body struct {
			TabID string       `json:"tab_id"`
			Steps []types.Step `json:"steps"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "edit-steps", Method: http.MethodPut, Path: "/api/v1/session/tabs/{tab_id}/steps", Summary: "Edit recorded TYPE steps and resend them", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
			Body  struct {
				Edits []gateway.StepEdit `json:"edits" required:"true" minItems:"1"`
			}
		}) (*stepsOutput, error) {
			steps, err := svc.EditSteps(ctx, input.TabID, input.Body.Edits)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &stepsOutput{}
			out.Body.TabID = input.TabID
			out.Body.Steps = steps
			if out.Body.Steps == nil {
				out.Body.Steps = []types.Step{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "activate-tab", Method: http.MethodPost, Path: "/api/v1/session/tabs/{tab_id}/activate", Summary: "Make a tab the target of new steps", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
		}) (*statusOutput, error) {
			if err := svc.ActivateTab(input.TabID); err != nil {
				return nil, mapErr(err)
			}
			return newStatus("activated"), nil
		})

	type tabsOutput struct {
		Body struct {
			Tabs []types.Tab `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/session/tabs", Summary: "List session tabs in opening order", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			out := &tabsOutput{}
			out.Body.Tabs = svc.Tabs()
			if out.Body.Tabs == nil {
				out.Body.Tabs = []types.Tab{}
			}
			return out, nil
		})
}

func registerRecordingHandlers(api huma.API, svc Service) {
	type saveOutput struct {
		Body gateway.SaveRecordingResult
	}
	huma.Register(api, huma.Operation{OperationID: "save-recording", Method: http.MethodPost, Path: "/api/v1/session/recordings", Summary: "Save the session history as a recording", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Name      string `json:"name" required:"true"`
				Overwrite bool   `json:"overwrite,omitempty" doc:"Replace an existing recording instead of adding a timestamp suffix"`
			}
		}) (*saveOutput, error) {
			res, err := svc.SaveRecording(ctx, input.Body.Name, input.Body.Overwrite)
			if err != nil {
				return nil, mapErr(err)
			}
			return &saveOutput{Body: res}, nil
		})

	type listOutput struct {
		Body struct {
			Recordings []string `json:"recordings"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-recordings", Method: http.MethodGet, Path: "/api/v1/recordings", Summary: "List saved recordings", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			names, err := svc.ListRecordings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listOutput{}
			out.Body.Recordings = names
			return out, nil
		})
}
