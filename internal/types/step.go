package types

import (
	"errors"
	"fmt"
	"strings"
)

// StepKind is the discriminant of the Step union.
type StepKind string

const (
	KindNavigate StepKind = "NAVIGATE"
	KindClick    StepKind = "CLICK"
	KindType     StepKind = "TYPE"
	KindScroll   StepKind = "SCROLL"
	KindWait     StepKind = "WAIT"
	KindContext  StepKind = "CONTEXT"
)

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	switch k {
	case KindNavigate, KindClick, KindType, KindScroll, KindWait, KindContext:
		return true
	}
	return false
}

// Viewport is the remote browser viewport a step was recorded against.
type Viewport struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
}

// Coords are remote-viewport pixel coordinates, not display pixels.
type Coords struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// SelectorStrategy names how a Selector value locates an element.
type SelectorStrategy string

const (
	StrategyID     SelectorStrategy = "id"
	StrategyTestID SelectorStrategy = "testId"
	StrategyText   SelectorStrategy = "text"
	StrategyCSS    SelectorStrategy = "css"
	StrategyXPath  SelectorStrategy = "xpath"
	StrategyRole   SelectorStrategy = "role"
)

// Selector identifies an element for re-location during replay.
type Selector struct {
	Strategy SelectorStrategy `json:"strategy"`
	Value    string           `json:"value"`
}

// Region is a rectangle in viewport pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type NavigateAction struct {
	URL       string `json:"url"`
	WaitUntil string `json:"wait_until,omitempty"`
}

type ClickAction struct {
	Coords   Coords    `json:"coords"`
	Selector *Selector `json:"selector,omitempty"`
}

type TypeAction struct {
	Coords     Coords    `json:"coords"`
	Text       string    `json:"text"`
	Label      string    `json:"label,omitempty"`
	IsPassword bool      `json:"is_password,omitempty"`
	StoreValue bool      `json:"store_value,omitempty"`
	PressEnter bool      `json:"press_enter,omitempty"`
	Selector   *Selector `json:"selector,omitempty"`
}

type ScrollAction struct {
	Coords Coords `json:"coords"`
	DeltaY *int   `json:"delta_y,omitempty"`
}

type WaitAction struct{}

// ContextAction is a captured screen region plus a prompt. It is surfaced
// for interactive handling and never dispatched to the remote side.
type ContextAction struct {
	Region Region `json:"region"`
	Prompt string `json:"prompt"`
}

// Step is one recorded browser action. Exactly one variant pointer is set
// and it matches Kind.
type Step struct {
	ID          string   `json:"id,omitempty"`
	Kind        StepKind `json:"type"`
	Viewport    Viewport `json:"viewport"`
	WaitAfterMs *int     `json:"wait_after_ms,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	PauseAfter  bool     `json:"pause_after,omitempty"`

	Navigate *NavigateAction `json:"navigate,omitempty"`
	Click    *ClickAction    `json:"click,omitempty"`
	Type     *TypeAction     `json:"typing,omitempty"`
	Scroll   *ScrollAction   `json:"scroll,omitempty"`
	Wait     *WaitAction     `json:"wait,omitempty"`
	Context  *ContextAction  `json:"context,omitempty"`
}

var (
	ErrNoVariant       = errors.New("step has no action payload")
	ErrMultipleVariant = errors.New("step has more than one action payload")
)

// Validate checks the union invariants: exactly one populated variant that
// matches Kind, and a usable viewport.
func (s Step) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown step type %q", s.Kind)
	}
	if s.Viewport.Width <= 0 || s.Viewport.Height <= 0 {
		return fmt.Errorf("%s step: viewport %dx%d is not usable", s.Kind, s.Viewport.Width, s.Viewport.Height)
	}

	populated := 0
	var got StepKind
	for kind, set := range map[StepKind]bool{
		KindNavigate: s.Navigate != nil,
		KindClick:    s.Click != nil,
		KindType:     s.Type != nil,
		KindScroll:   s.Scroll != nil,
		KindWait:     s.Wait != nil,
		KindContext:  s.Context != nil,
	} {
		if set {
			populated++
			got = kind
		}
	}
	switch {
	case populated == 0:
		return fmt.Errorf("%s step: %w", s.Kind, ErrNoVariant)
	case populated > 1:
		return fmt.Errorf("%s step: %w", s.Kind, ErrMultipleVariant)
	case got != s.Kind:
		return fmt.Errorf("step type %s carries a %s payload", s.Kind, got)
	}

	switch s.Kind {
	case KindNavigate:
		if strings.TrimSpace(s.Navigate.URL) == "" {
			return errors.New("NAVIGATE step: url is required")
		}
	case KindWait:
		if s.WaitAfterMs == nil || *s.WaitAfterMs < 0 {
			return errors.New("WAIT step: wait_after_ms is required")
		}
	case KindClick, KindType, KindScroll, KindContext:
	}
	return nil
}

// Coords returns the step's target point, if the kind has one.
func (s Step) Coords() (Coords, bool) {
	switch {
	case s.Kind == KindClick && s.Click != nil:
		return s.Click.Coords, true
	case s.Kind == KindType && s.Type != nil:
		return s.Type.Coords, true
	case s.Kind == KindScroll && s.Scroll != nil:
		return s.Scroll.Coords, true
	}
	return Coords{}, false
}

// NeedsStoredValue reports whether a TYPE step expects its value to be
// supplied at replay time.
func (s Step) NeedsStoredValue() bool {
	return s.Kind == KindType && s.Type != nil && s.Type.StoreValue && s.Type.Text == ""
}

// Describe returns a short human label, e.g. for failure notices. Steps
// missing their payload are described by kind alone.
func (s Step) Describe() string {
	switch {
	case s.Kind == KindNavigate && s.Navigate != nil:
		return "NAVIGATE " + s.Navigate.URL
	case s.Kind == KindClick && s.Click != nil:
		return fmt.Sprintf("CLICK (%d,%d)", s.Click.Coords.X, s.Click.Coords.Y)
	case s.Kind == KindType && s.Type != nil:
		if s.Type.Label != "" {
			return "TYPE " + s.Type.Label
		}
		return fmt.Sprintf("TYPE (%d,%d)", s.Type.Coords.X, s.Type.Coords.Y)
	case s.Kind == KindContext && s.Context != nil:
		return "CONTEXT " + s.Context.Prompt
	}
	return string(s.Kind)
}

// Clone returns a deep copy so callers can never alias another holder's
// payload.
func (s Step) Clone() Step {
	out := s
	if s.WaitAfterMs != nil {
		out.WaitAfterMs = Ms(*s.WaitAfterMs)
	}
	if s.Navigate != nil {
		v := *s.Navigate
		out.Navigate = &v
	}
	if s.Click != nil {
		v := *s.Click
		v.Selector = cloneSelector(s.Click.Selector)
		out.Click = &v
	}
	if s.Type != nil {
		v := *s.Type
		v.Selector = cloneSelector(s.Type.Selector)
		out.Type = &v
	}
	if s.Scroll != nil {
		v := *s.Scroll
		if s.Scroll.DeltaY != nil {
			v.DeltaY = Ms(*s.Scroll.DeltaY)
		}
		out.Scroll = &v
	}
	if s.Wait != nil {
		out.Wait = &WaitAction{}
	}
	if s.Context != nil {
		v := *s.Context
		out.Context = &v
	}
	return out
}

func cloneSelector(sel *Selector) *Selector {
	if sel == nil {
		return nil
	}
	v := *sel
	return &v
}

// Ms returns a pointer to v, for the optional millisecond fields.
func Ms(v int) *int { return &v }

func NewNavigate(url, waitUntil string, vp Viewport, ts int64) Step {
	return Step{Kind: KindNavigate, Viewport: vp, Timestamp: ts, Navigate: &NavigateAction{URL: url, WaitUntil: waitUntil}}
}

func NewClick(c Coords, sel *Selector, vp Viewport, ts int64) Step {
	return Step{Kind: KindClick, Viewport: vp, Timestamp: ts, Click: &ClickAction{Coords: c, Selector: sel}}
}

func NewType(c Coords, action TypeAction, vp Viewport, ts int64) Step {
	action.Coords = c
	return Step{Kind: KindType, Viewport: vp, Timestamp: ts, Type: &action}
}

func NewScroll(c Coords, deltaY *int, vp Viewport, ts int64) Step {
	return Step{Kind: KindScroll, Viewport: vp, Timestamp: ts, Scroll: &ScrollAction{Coords: c, DeltaY: deltaY}}
}

func NewWait(ms int, vp Viewport, ts int64) Step {
	return Step{Kind: KindWait, Viewport: vp, Timestamp: ts, WaitAfterMs: Ms(ms), Wait: &WaitAction{}}
}

func NewContext(region Region, prompt string, vp Viewport, ts int64) Step {
	return Step{Kind: KindContext, Viewport: vp, Timestamp: ts, Context: &ContextAction{Region: region, Prompt: prompt}}
}
