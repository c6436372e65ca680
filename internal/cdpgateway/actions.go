package cdpgateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"

	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

const (
	defaultScrollDeltaY = 300
	defaultWaitMs       = 300
	clickNavigateWait   = 2 * time.Second
	clickLoadWait       = 3 * time.Second
	navigateReadyWait   = 10 * time.Second
)

func encodeShot(buf []byte, vp types.Viewport) *types.Screenshot {
	return &types.Screenshot{
		ImageBase64:      base64.StdEncoding.EncodeToString(buf),
		Width:            vp.Width,
		Height:           vp.Height,
		DevicePixelRatio: vp.DevicePixelRatio,
	}
}

// Step executes one step on the session's tab and records it in the
// session history.
func (c *Client) Step(ctx context.Context, req gateway.StepRequest) (gateway.StepResult, error) {
	s, envErr := c.session(req.SessionID)
	if envErr != nil {
		return gateway.StepResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	t, ok := s.tab(req.TabID)
	if !ok {
		return gateway.StepResult{Envelope: gateway.Fail("tab not found: " + req.TabID)}, nil
	}

	out, err := c.execute(ctx, s, t, req.Step)
	if err != nil {
		return gateway.StepResult{}, err
	}
	if out.failure != "" {
		return gateway.StepResult{Envelope: gateway.Fail(out.failure)}, nil
	}

	step := s.record(t.id, req.Step, req.ShouldStore, out.title)
	slog.Debug("step executed", "session_id", s.id, "tab_id", t.id, "step", step.Describe(), "new_tab", out.newTabID)

	res := gateway.StepResult{StepID: step.ID, Screenshot: out.shot, TabTitle: out.title}
	if out.newTabID != "" {
		res.IsNewTab = true
		res.NewTabID = out.newTabID
		res.TabTitle = out.newTabTitle
	}
	return res, nil
}

// record appends an executed step to the tab history under a fresh id. The
// caller's store decision is kept on TYPE steps so saving can drop values
// that must not reach disk.
func (s *remoteSession) record(tabID string, step types.Step, shouldStore bool, title string) types.Step {
	step = step.Clone()
	step.ID = uuid.NewString()
	if step.Kind == types.KindType && step.Type != nil {
		step.Type.StoreValue = shouldStore
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[tabID] = append(s.history[tabID], step)
	if title != "" {
		s.titles[tabID] = title
	}
	return step
}

type execResult struct {
	shot         *types.Screenshot
	title        string
	newTabID     string
	newTabTitle  string
	dialogOpened bool
	failure      string
}

// execute performs the step, waits, attaches a tab the step opened and
// captures the tab that is active afterwards. Browser-side failures are
// reported in failure; err is reserved for a lost browser connection.
func (c *Client) execute(ctx context.Context, s *remoteSession, t *tabContext, step types.Step) (execResult, error) {
	var out execResult
	s.drainOpened()
	s.mu.Lock()
	s.activeTab = t.id
	s.mu.Unlock()
	t.mu.Lock()
	t.dialogOpened = false
	t.mu.Unlock()

	runCtx, cancel := c.runCtx(ctx, t)
	title, err := perform(runCtx, step)
	cancel()
	if err != nil {
		out.failure = fmt.Sprintf("%s failed: %v", step.Describe(), err)
		return out, nil
	}
	out.title = title

	if newID, newTitle, ok := c.attachOpened(s, t); ok {
		out.newTabID, out.newTabTitle = newID, newTitle
	}
	t.mu.Lock()
	out.dialogOpened = t.dialogOpened
	t.mu.Unlock()

	active, _ := s.tab("")
	shot, err := c.capture(ctx, s, active)
	if err != nil {
		return out, err
	}
	out.shot = shot
	return out, nil
}

// perform runs the browser actions for one step and returns the page
// title when the step navigated.
func perform(ctx context.Context, step types.Step) (string, error) {
	var title string
	switch step.Kind {
	case types.KindNavigate:
		if err := chromedp.Run(ctx, chromedp.Navigate(step.Navigate.URL)); err != nil {
			return "", err
		}
		waitReady(ctx, navigateReadyWait, step.Navigate.WaitUntil == "networkidle")
		_ = chromedp.Run(ctx, chromedp.Title(&title))
	case types.KindClick:
		var before string
		_ = chromedp.Run(ctx, chromedp.Location(&before))
		x, y := float64(step.Click.Coords.X), float64(step.Click.Coords.Y)
		if err := chromedp.Run(ctx, chromedp.MouseClickXY(x, y)); err != nil {
			return "", err
		}
		if waitURLChange(ctx, before, clickNavigateWait) {
			waitReady(ctx, clickLoadWait, false)
		}
	case types.KindType:
		x, y := float64(step.Type.Coords.X), float64(step.Type.Coords.Y)
		actions := []chromedp.Action{
			chromedp.MouseClickXY(x, y),
			input.InsertText(step.Type.Text),
		}
		if step.Type.PressEnter {
			actions = append(actions, chromedp.KeyEvent(kb.Enter))
		}
		if err := chromedp.Run(ctx, actions...); err != nil {
			return "", err
		}
	case types.KindScroll:
		dy := defaultScrollDeltaY
		if step.Scroll.DeltaY != nil {
			dy = *step.Scroll.DeltaY
		}
		x, y := float64(step.Scroll.Coords.X), float64(step.Scroll.Coords.Y)
		if err := chromedp.Run(ctx, input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(0).WithDeltaY(float64(dy))); err != nil {
			return "", err
		}
	case types.KindWait:
		ms := defaultWaitMs
		if step.WaitAfterMs != nil {
			ms = *step.WaitAfterMs
		}
		return "", chromedp.Run(ctx, chromedp.Sleep(time.Duration(ms)*time.Millisecond))
	case types.KindContext:
		return "", fmt.Errorf("CONTEXT steps are not executed by the browser")
	default:
		return "", fmt.Errorf("unknown step type %q", step.Kind)
	}

	if step.WaitAfterMs != nil && *step.WaitAfterMs > 0 {
		if err := chromedp.Run(ctx, chromedp.Sleep(time.Duration(*step.WaitAfterMs)*time.Millisecond)); err != nil {
			return title, err
		}
	}
	return title, nil
}

// waitReady waits for the body and, when complete is set, for the
// document to finish loading. Timeouts are not errors.
func waitReady(ctx context.Context, limit time.Duration, complete bool) {
	wctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	if err := chromedp.Run(wctx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		slog.Debug("wait ready gave up", "error", err)
		return
	}
	if complete {
		var done bool
		_ = chromedp.Run(wctx, chromedp.Poll(`document.readyState === "complete"`, &done, chromedp.WithPollingInterval(100*time.Millisecond)))
	}
}

// waitURLChange polls the location until it differs from before.
func waitURLChange(ctx context.Context, before string, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
		var now string
		if err := chromedp.Run(ctx, chromedp.Location(&now)); err != nil {
			return false
		}
		if now != before {
			return true
		}
	}
	return false
}
