package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/stepdeck/internal/controller"
	"github.com/dgnsrekt/stepdeck/internal/coords"
	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/metrics"
	"github.com/dgnsrekt/stepdeck/internal/recorder"
	"github.com/dgnsrekt/stepdeck/internal/replay"
	"github.com/dgnsrekt/stepdeck/internal/session"
	"github.com/dgnsrekt/stepdeck/internal/snapshot"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

type Service interface {
	Bus() *events.Bus

	CreateSession(ctx context.Context, url string, vp types.Viewport) (session.State, error)
	State() session.State
	Screenshot(ctx context.Context, tabID string) (*types.Screenshot, error)
	ScreenshotImage() ([]byte, error)
	Click(ctx context.Context, tabID string, p coords.Point, bounds coords.Rect) (recorder.ClickOutcome, error)
	Probe(ctx context.Context, tabID string, p coords.Point, bounds coords.Rect) (types.Coords, *types.Probe, error)
	SendStep(ctx context.Context, in controller.StepInput) (types.Step, gateway.StepResult, error)
	EditSteps(ctx context.Context, tabID string, edits []gateway.StepEdit) ([]types.Step, error)
	ActivateTab(tabID string) error
	Tabs() []types.Tab
	SaveRecording(ctx context.Context, name string, overwrite bool) (gateway.SaveRecordingResult, error)
	ListRecordings(ctx context.Context) ([]string, error)

	LoadReplay(ctx context.Context, recording, tabID string) (replay.Progress, error)
	StartReplay() (replay.Progress, error)
	ResumeReplay() (replay.Progress, error)
	PauseReplay() replay.Progress
	SkipReplay(ctx context.Context) (replay.SkipResult, error)
	RunReplayStep(ctx context.Context, stepID string, params map[string]string) (replay.Progress, error)
	ProvideInput(stepID string, values map[string]string) (replay.Progress, error)
	ReplayProgress() replay.Progress
	ReplayPages() [][]types.Step

	StartLive() error
	StopLive()
	Live() bool

	ListSnapshots(sessionID string) ([]snapshot.SnapshotMeta, error)
	GetSnapshot(id string) (snapshot.SnapshotMeta, error)
	ReadSnapshotImage(id string) ([]byte, string, error)
	DeleteSnapshot(id string) error
}

var _ Service = (*controller.Service)(nil)

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func newStatus(status string) *statusOutput {
	out := &statusOutput{}
	out.Body.Status = status
	return out
}

func NewServer(svc Service) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Stepdeck Controller API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", docsHandler)
	router.Get("/docs/events", eventsDocsHandler)
	router.Get("/events", events.SSEHandler(svc.Bus()))
	router.Get("/api/v1/live/ws", liveWSHandler(svc))
	router.Handle("/metrics", metrics.Handler())

	registerHealthHandlers(api)
	registerSessionHandlers(api, svc)
	registerRecordingHandlers(api, svc)
	registerReplayHandlers(api, svc)
	registerLiveHandlers(api, svc)
	registerSnapshotHandlers(api, svc)

	return router
}

func registerHealthHandlers(api huma.API) {
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return newStatus("ok"), nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *gateway.CodedError
	if errors.As(err, &coded) {
		msg := coded.Message
		if msg == "" {
			msg = err.Error()
		}
		switch coded.Code {
		case gateway.CodeValidation:
			return huma.Error400BadRequest(msg)
		case gateway.CodeNotFound:
			return huma.Error404NotFound(msg)
		case gateway.CodeBusy:
			return huma.Error409Conflict(msg)
		case gateway.CodeSessionExpired:
			return huma.Error410Gone(msg)
		case gateway.CodeTimeout:
			return huma.Error504GatewayTimeout(msg)
		case gateway.CodeStepFailed, gateway.CodeRemoteError, gateway.CodeCDPUnavailable:
			return huma.Error502BadGateway(msg)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, msg))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
