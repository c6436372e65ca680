// Package cdpgateway implements gateway.Gateway on top of a Chromium
// instance reached over the DevTools protocol.
package cdpgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/recordings"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

const expiredMessage = "session expired"

// tabContext is one attached browser tab.
type tabContext struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	dialogOpened bool
}

// remoteSession is one recording session: its tabs and the step history
// recorded through it.
type remoteSession struct {
	id       string
	viewport types.Viewport

	mu        sync.Mutex
	tabs      map[string]*tabContext
	tabOrder  []string
	activeTab string
	history   map[string][]types.Step
	titles    map[string]string
	lastUsed  time.Time
	loaded    map[string]recordings.Recording
	cursors   map[string]int

	opened chan *target.Info
}

// Client owns the allocator connection and the live sessions.
type Client struct {
	cdpURL      string
	stepTimeout time.Duration
	ttl         time.Duration
	store       *recordings.Store
	now         func() time.Time

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	sessions    map[string]*remoteSession
}

func NewClient(cdpURL string, store *recordings.Store, stepTimeout, ttl time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		stepTimeout: stepTimeout,
		ttl:         ttl,
		store:       store,
		now:         time.Now,
		sessions:    make(map[string]*remoteSession),
	}
}

// Connect verifies the browser is reachable and keeps the allocator.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdpURL == "" {
		return gateway.NewError(gateway.CodeCDPUnavailable, "missing CDP URL", nil)
	}
	slog.Info("Connecting to Chromium", "url", c.cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)
	probeCtx, probeCancel := chromedp.NewContext(c.allocCtx)
	defer probeCancel()
	runCtx, runCancel := context.WithTimeout(probeCtx, 15*time.Second)
	defer runCancel()
	go func() {
		select {
		case <-ctx.Done():
			runCancel()
		case <-runCtx.Done():
		}
	}()

	targets, err := chromedp.Targets(runCtx)
	if err != nil {
		c.allocCancel()
		c.allocCtx, c.allocCancel = nil, nil
		return gateway.NewError(gateway.CodeCDPUnavailable, "connect to CDP failed", err)
	}
	slog.Info("Connected to Chromium", "targets", len(targets))
	return nil
}

// Close ends every session and releases the allocator.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*remoteSession)
	cancel := c.allocCancel
	c.allocCtx, c.allocCancel = nil, nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if cancel != nil {
		cancel()
	}
	slog.Info("CDP gateway closed", "sessions", len(sessions))
	return nil
}

func (s *remoteSession) close() {
	s.mu.Lock()
	tabs := s.tabs
	s.tabs = map[string]*tabContext{}
	s.mu.Unlock()
	for _, t := range tabs {
		t.cancel()
	}
}

// session returns the live session, or an expiry envelope when it is
// unknown or has been idle longer than the TTL.
func (c *Client) session(id string) (*remoteSession, *gateway.EnvelopeError) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return nil, &gateway.EnvelopeError{Message: expiredMessage + ": unknown session " + id}
	}
	now := c.now()
	s.mu.Lock()
	idle := now.Sub(s.lastUsed)
	if c.ttl <= 0 || idle <= c.ttl {
		s.lastUsed = now
		s.mu.Unlock()
		return s, nil
	}
	s.mu.Unlock()

	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	s.close()
	slog.Info("session expired", "session_id", id, "idle", idle)
	return nil, &gateway.EnvelopeError{Message: expiredMessage}
}

func (s *remoteSession) tab(tabID string) (*tabContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tabID == "" {
		tabID = s.activeTab
	}
	t, ok := s.tabs[tabID]
	if !ok {
		t, ok = s.tabs[s.activeTab]
	}
	return t, ok
}

func (c *Client) alloc() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocCtx == nil {
		return nil, gateway.NewError(gateway.CodeCDPUnavailable, "not connected to Chromium", nil)
	}
	return c.allocCtx, nil
}

// CreateSession opens a fresh tab, sizes its viewport and optionally
// navigates to the start URL, which becomes the first recorded step.
func (c *Client) CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (gateway.CreateSessionResult, error) {
	allocCtx, err := c.alloc()
	if err != nil {
		return gateway.CreateSessionResult{}, err
	}
	vp := req.Viewport
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = types.Viewport{Width: types.DefaultScreenshotWidth, Height: types.DefaultScreenshotHeight}
	}
	if vp.DevicePixelRatio <= 0 {
		vp.DevicePixelRatio = types.DefaultDevicePixelRatio
	}

	s := &remoteSession{
		id:       uuid.NewString(),
		viewport: vp,
		tabs:     map[string]*tabContext{},
		history:  map[string][]types.Step{},
		titles:   map[string]string{},
		loaded:   map[string]recordings.Recording{},
		cursors:  map[string]int{},
		lastUsed: c.now(),
		opened:   make(chan *target.Info, 8),
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tabCtx, page.Enable()); err != nil {
		tabCancel()
		return gateway.CreateSessionResult{}, gateway.NewError(gateway.CodeCDPUnavailable, "open tab failed", err)
	}
	t := &tabContext{id: string(chromedp.FromContext(tabCtx).Target.TargetID), ctx: tabCtx, cancel: tabCancel}
	if err := c.prepareTab(s, t); err != nil {
		tabCancel()
		return gateway.CreateSessionResult{}, gateway.NewError(gateway.CodeCDPUnavailable, "prepare tab failed", err)
	}
	s.tabs[t.id] = t
	s.tabOrder = append(s.tabOrder, t.id)
	s.activeTab = t.id
	c.listenForNewTabs(tabCtx, s)

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	slog.Info("session created", "session_id", s.id, "tab_id", t.id, "viewport", fmt.Sprintf("%dx%d", vp.Width, vp.Height))

	res := gateway.CreateSessionResult{SessionID: s.id, TabID: t.id}
	if req.URL != "" {
		step := types.NewNavigate(req.URL, "networkidle", vp, c.now().UnixMilli())
		out, err := c.Step(ctx, gateway.StepRequest{SessionID: s.id, TabID: t.id, Step: step})
		if err != nil {
			return res, err
		}
		if out.Error != nil {
			res.Envelope = out.Envelope
			return res, nil
		}
		step.ID = out.StepID
		res.InitialStep = &step
		res.Title = out.TabTitle
		res.Screenshot = out.Screenshot
		return res, nil
	}
	shot, err := c.capture(ctx, s, t)
	if err != nil {
		return res, err
	}
	res.Screenshot = shot
	return res, nil
}

// prepareTab applies the session viewport and auto-dismisses dialogs,
// remembering that one opened.
func (c *Client) prepareTab(s *remoteSession, t *tabContext) error {
	chromedp.ListenTarget(t.ctx, func(ev interface{}) {
		if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			t.mu.Lock()
			t.dialogOpened = true
			t.mu.Unlock()
			go func() {
				if err := chromedp.Run(t.ctx, page.HandleJavaScriptDialog(true)); err != nil {
					slog.Debug("dismiss dialog failed", "tab_id", t.id, "error", err)
				}
			}()
		}
	})
	return chromedp.Run(t.ctx,
		page.Enable(),
		emulation.SetDeviceMetricsOverride(int64(s.viewport.Width), int64(s.viewport.Height), s.viewport.DevicePixelRatio, false),
	)
}

// listenForNewTabs forwards page targets opened by the session's tabs.
func (c *Client) listenForNewTabs(ctx context.Context, s *remoteSession) {
	browser := chromedp.FromContext(ctx).Browser
	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, browser)); err != nil {
		slog.Warn("target discovery unavailable", "session_id", s.id, "error", err)
	}
	chromedp.ListenBrowser(ctx, func(ev interface{}) {
		e, ok := ev.(*target.EventTargetCreated)
		if !ok || e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		s.mu.Lock()
		_, fromSession := s.tabs[string(e.TargetInfo.OpenerID)]
		s.mu.Unlock()
		if !fromSession {
			return
		}
		select {
		case s.opened <- e.TargetInfo:
		default:
			slog.Warn("new tab notification dropped", "session_id", s.id, "target_id", e.TargetInfo.TargetID)
		}
	})
}

// drainOpened discards tab-open notifications that predate a step.
func (s *remoteSession) drainOpened() {
	for {
		select {
		case <-s.opened:
		default:
			return
		}
	}
}

// attachOpened drains tab-open notifications and attaches the newest one.
// It returns the new tab id and title.
func (c *Client) attachOpened(s *remoteSession, from *tabContext) (string, string, bool) {
	var info *target.Info
drain:
	for {
		select {
		case i := <-s.opened:
			info = i
		default:
			break drain
		}
	}
	if info == nil {
		return "", "", false
	}

	tabCtx, tabCancel := chromedp.NewContext(from.ctx, chromedp.WithTargetID(info.TargetID))
	t := &tabContext{id: string(info.TargetID), ctx: tabCtx, cancel: tabCancel}
	if err := c.prepareTab(s, t); err != nil {
		tabCancel()
		slog.Warn("attach new tab failed", "session_id", s.id, "target_id", info.TargetID, "error", err)
		return "", "", false
	}
	title := info.Title
	titleCtx, cancel := context.WithTimeout(tabCtx, 3*time.Second)
	_ = chromedp.Run(titleCtx, chromedp.WaitReady("body"), chromedp.Title(&title))
	cancel()

	s.mu.Lock()
	s.tabs[t.id] = t
	s.tabOrder = append(s.tabOrder, t.id)
	s.activeTab = t.id
	s.titles[t.id] = title
	s.mu.Unlock()
	slog.Info("new tab attached", "session_id", s.id, "tab_id", t.id, "title", title)
	return t.id, title, true
}

func (c *Client) capture(ctx context.Context, s *remoteSession, t *tabContext) (*types.Screenshot, error) {
	runCtx, cancel := c.runCtx(ctx, t)
	defer cancel()
	var buf []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, wrapCDP("capture screenshot", err)
	}
	return encodeShot(buf, s.viewport), nil
}

// runCtx derives a context bound to the tab, the step timeout and the
// caller's context.
func (c *Client) runCtx(ctx context.Context, t *tabContext) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(t.ctx, c.stepTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func wrapCDP(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gateway.NewError(gateway.CodeTimeout, op+" timed out", err)
	}
	return gateway.NewError(gateway.CodeCDPUnavailable, op+" failed", err)
}

func (c *Client) Screenshot(ctx context.Context, sessionID, tabID string) (gateway.ScreenshotResult, error) {
	s, envErr := c.session(sessionID)
	if envErr != nil {
		return gateway.ScreenshotResult{Envelope: gateway.Envelope{Error: envErr}}, nil
	}
	t, ok := s.tab(tabID)
	if !ok {
		return gateway.ScreenshotResult{Envelope: gateway.Fail("tab not found: " + tabID)}, nil
	}
	shot, err := c.capture(ctx, s, t)
	if err != nil {
		return gateway.ScreenshotResult{}, err
	}
	return gateway.ScreenshotResult{Screenshot: shot}, nil
}

var _ gateway.Gateway = (*Client)(nil)
