package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/stepdeck/internal/controller"
	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/gateway/gatewaytest"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

func newTestServer(t *testing.T, fake *gatewaytest.Fake) (http.Handler, *controller.Service) {
	t.Helper()
	svc := controller.NewService(fake, events.NewBus(), controller.Options{PollInterval: 20 * time.Millisecond})
	t.Cleanup(svc.Close)
	return NewServer(svc), svc
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	h, _ := newTestServer(t, gatewaytest.New())
	w := do(t, h, http.MethodGet, "/docs", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
	for _, link := range docsLinks {
		if !strings.Contains(body, `href="`+link.Href+`"`) {
			t.Errorf("docs missing link to %s", link.Href)
		}
	}
	if !strings.Contains(body, "<title>Stepdeck Controller API</title>") {
		t.Fatalf("docs title missing")
	}
}

func TestEventsDocsListsEveryTopic(t *testing.T) {
	h, _ := newTestServer(t, gatewaytest.New())
	w := do(t, h, http.MethodGet, "/docs/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, topic := range []events.Topic{events.TopicStepAppended, events.TopicReplayNeedInput, events.TopicLiveState} {
		if !strings.Contains(w.Body.String(), string(topic)) {
			t.Errorf("events docs missing %s", topic)
		}
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, gatewaytest.New())
	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t, gatewaytest.New())
	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("metrics body missing default collectors")
	}
}

func TestMapErrStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{gateway.CodeValidation, http.StatusBadRequest},
		{gateway.CodeNotFound, http.StatusNotFound},
		{gateway.CodeBusy, http.StatusConflict},
		{gateway.CodeSessionExpired, http.StatusGone},
		{gateway.CodeTimeout, http.StatusGatewayTimeout},
		{gateway.CodeStepFailed, http.StatusBadGateway},
		{gateway.CodeRemoteError, http.StatusBadGateway},
		{gateway.CodeCDPUnavailable, http.StatusBadGateway},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapErr(gateway.NewError(tt.code, "boom", nil))
			var se huma.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("mapErr() = %T; want huma.StatusError", err)
			}
			if se.GetStatus() != tt.want {
				t.Fatalf("status = %d; want %d", se.GetStatus(), tt.want)
			}
		})
	}

	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) != nil")
	}
	var se huma.StatusError
	if !errors.As(mapErr(errors.New("plain")), &se) || se.GetStatus() != http.StatusInternalServerError {
		t.Fatal("uncoded error should map to 500")
	}
}

func TestCreateSessionThenState(t *testing.T) {
	fake := gatewaytest.New()
	fake.OnCreate = func(_ context.Context, req gateway.CreateSessionRequest) (gateway.CreateSessionResult, error) {
		step := types.NewNavigate(req.URL, "", req.Viewport, 1)
		step.ID = "nav-1"
		shot := gatewaytest.Shot
		return gateway.CreateSessionResult{SessionID: "sess-1", TabID: types.DefaultTabID, Screenshot: &shot, InitialStep: &step}, nil
	}
	h, _ := newTestServer(t, fake)

	w := do(t, h, http.MethodPost, "/api/v1/session", `{"url":"https://example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/session", "")
	var st struct {
		SessionID   string `json:"session_id"`
		ActiveTabID string `json:"active_tab_id"`
		Tabs        map[string]struct {
			Steps []types.Step `json:"steps"`
		} `json:"tabs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.SessionID != "sess-1" || st.ActiveTabID != types.DefaultTabID {
		t.Fatalf("state = %+v", st)
	}
	steps := st.Tabs[types.DefaultTabID].Steps
	if len(steps) != 1 || steps[0].Kind != types.KindNavigate || steps[0].Navigate.URL != "https://example.com" {
		t.Fatalf("initial steps = %+v", steps)
	}
}

func TestClickWithoutSessionIs404(t *testing.T) {
	h, _ := newTestServer(t, gatewaytest.New())
	w := do(t, h, http.MethodPost, "/api/v1/session/click", `{"x":10,"y":10,"bounds":{"left":0,"top":0,"width":640,"height":400}}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404 (%s)", w.Code, w.Body.String())
	}
}

func TestClickRecordsStep(t *testing.T) {
	h, svc := newTestServer(t, gatewaytest.New())
	if _, err := svc.CreateSession(context.Background(), "", types.Viewport{}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	w := do(t, h, http.MethodPost, "/api/v1/session/click", `{"x":320,"y":200,"bounds":{"left":0,"top":0,"width":640,"height":400}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	if got := len(svc.State().Tabs[types.DefaultTabID].Steps); got != 1 {
		t.Fatalf("steps = %d; want 1", got)
	}

	w = do(t, h, http.MethodPost, "/api/v1/session/click", `{"x":900,"y":10,"bounds":{"left":0,"top":0,"width":640,"height":400}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("outside bounds status = %d; want 400", w.Code)
	}
}

func TestSendStepRejectsUnknownType(t *testing.T) {
	h, svc := newTestServer(t, gatewaytest.New())
	if _, err := svc.CreateSession(context.Background(), "", types.Viewport{}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	w := do(t, h, http.MethodPost, "/api/v1/session/steps", `{"type":"HOVER"}`)
	if w.Code != http.StatusUnprocessableEntity && w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want a client error", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/v1/session/steps", `{"type":"WAIT","wait_ms":250}`)
	if w.Code != http.StatusOK {
		t.Fatalf("WAIT status = %d %s", w.Code, w.Body.String())
	}
}

func TestReplayProgressIdle(t *testing.T) {
	h, _ := newTestServer(t, gatewaytest.New())
	w := do(t, h, http.MethodGet, "/api/v1/replay/progress", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"state":"idle"`) {
		t.Fatalf("progress = %s", w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/v1/replay/start", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("start without load = %d; want 404", w.Code)
	}
}

func TestSnapshotsDisabled(t *testing.T) {
	h, _ := newTestServer(t, gatewaytest.New())
	w := do(t, h, http.MethodGet, "/api/v1/snapshots", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", w.Code)
	}
}

func TestLiveWebSocket(t *testing.T) {
	h, svc := newTestServer(t, gatewaytest.New())
	if _, err := svc.CreateSession(context.Background(), "", types.Viewport{}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/live/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wsutil.WriteClientText(conn, []byte("start")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var sawLive, sawShot bool
	for !(sawLive && sawShot) {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("read: %v (live=%v shot=%v)", err, sawLive, sawShot)
		}
		var evt events.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		switch evt.Topic {
		case events.TopicLiveState:
			sawLive = true
		case events.TopicScreenshot:
			sawShot = true
		}
	}
	if !svc.Live() {
		t.Fatal("poller not live after start command")
	}
	svc.StopLive()
}
