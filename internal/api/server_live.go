package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/stepdeck/internal/events"
)

func registerLiveHandlers(api huma.API, svc Service) {
	type liveOutput struct {
		Body struct {
			Live bool `json:"live"`
		}
	}
	live := func() *liveOutput {
		out := &liveOutput{}
		out.Body.Live = svc.Live()
		return out
	}

	huma.Register(api, huma.Operation{OperationID: "live-start", Method: http.MethodPost, Path: "/api/v1/live/start", Summary: "Start live screenshot polling", Tags: []string{"Live"}},
		func(ctx context.Context, input *struct{}) (*liveOutput, error) {
			if err := svc.StartLive(); err != nil {
				return nil, mapErr(err)
			}
			return live(), nil
		})

	huma.Register(api, huma.Operation{OperationID: "live-stop", Method: http.MethodPost, Path: "/api/v1/live/stop", Summary: "Stop live screenshot polling", Tags: []string{"Live"}},
		func(ctx context.Context, input *struct{}) (*liveOutput, error) {
			svc.StopLive()
			return live(), nil
		})

	huma.Register(api, huma.Operation{OperationID: "live-status", Method: http.MethodGet, Path: "/api/v1/live", Summary: "Whether live polling is on", Tags: []string{"Live"}},
		func(ctx context.Context, input *struct{}) (*liveOutput, error) {
			return live(), nil
		})
}

// liveWSHandler streams screenshot.updated and live.state events over a
// WebSocket. Text frames "start" and "stop" control the poller.
func liveWSHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("live ws upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		bus := svc.Bus()
		id, ch := bus.Subscribe(events.TopicScreenshot, events.TopicLiveState)
		defer bus.Unsubscribe(id)

		closed := make(chan struct{})
		replies := make(chan []byte, 4)
		go func() {
			defer close(closed)
			for {
				data, op, err := wsutil.ReadClientData(conn)
				if err != nil {
					return
				}
				if op != ws.OpText {
					continue
				}
				switch strings.TrimSpace(string(data)) {
				case "start":
					if err := svc.StartLive(); err != nil {
						slog.Warn("live ws start failed", "error", err)
						data, _ := json.Marshal(map[string]string{"error": err.Error()})
						select {
						case replies <- data:
						default:
						}
					}
				case "stop":
					svc.StopLive()
				default:
					slog.Debug("live ws unknown command", "command", string(data))
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				return
			case data := <-replies:
				if err := wsutil.WriteServerText(conn, data); err != nil {
					slog.Debug("live ws write failed", "error", err)
					return
				}
			case evt, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					slog.Debug("live ws encode failed", "error", err)
					continue
				}
				if err := wsutil.WriteServerText(conn, data); err != nil {
					slog.Debug("live ws write failed", "error", err)
					return
				}
			}
		}
	}
}
