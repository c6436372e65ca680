package types

import (
	"errors"
	"strings"
	"testing"
)

var vp = Viewport{Width: 1280, Height: 800, DevicePixelRatio: 1}

func TestStepValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{name: "navigate", step: NewNavigate("https://example.com", "", vp, 1)},
		{name: "click", step: NewClick(Coords{X: 1, Y: 2}, nil, vp, 1)},
		{name: "type", step: NewType(Coords{}, TypeAction{Text: "hi"}, vp, 1)},
		{name: "scroll", step: NewScroll(Coords{}, nil, vp, 1)},
		{name: "wait", step: NewWait(300, vp, 1)},
		{name: "context", step: NewContext(Region{Width: 10, Height: 10}, "what is this?", vp, 1)},
		{name: "unknown kind", step: Step{Kind: "HOVER", Viewport: vp}, wantErr: "unknown step type"},
		{name: "zero viewport", step: NewClick(Coords{}, nil, Viewport{}, 1), wantErr: "not usable"},
		{name: "empty url", step: NewNavigate("  ", "", vp, 1), wantErr: "url is required"},
		{name: "wait without duration", step: Step{Kind: KindWait, Viewport: vp, Wait: &WaitAction{}}, wantErr: "wait_after_ms"},
		{name: "mismatched payload", step: Step{Kind: KindClick, Viewport: vp, Scroll: &ScrollAction{}}, wantErr: "carries a SCROLL payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v; want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v; want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStepValidatePayloadCount(t *testing.T) {
	none := Step{Kind: KindClick, Viewport: vp}
	if err := none.Validate(); !errors.Is(err, ErrNoVariant) {
		t.Fatalf("Validate() = %v; want ErrNoVariant", err)
	}
	two := NewClick(Coords{}, nil, vp, 1)
	two.Scroll = &ScrollAction{}
	if err := two.Validate(); !errors.Is(err, ErrMultipleVariant) {
		t.Fatalf("Validate() = %v; want ErrMultipleVariant", err)
	}
}

func TestStepCloneDoesNotAlias(t *testing.T) {
	orig := NewType(Coords{X: 5, Y: 6}, TypeAction{Text: "a", Selector: &Selector{Strategy: StrategyID, Value: "q"}}, vp, 1)
	orig.WaitAfterMs = Ms(100)

	cp := orig.Clone()
	cp.Type.Text = "b"
	cp.Type.Selector.Value = "other"
	*cp.WaitAfterMs = 5

	if orig.Type.Text != "a" || orig.Type.Selector.Value != "q" || *orig.WaitAfterMs != 100 {
		t.Fatalf("original mutated through clone: %+v %+v", orig.Type, *orig.WaitAfterMs)
	}
}

func TestNeedsStoredValue(t *testing.T) {
	stored := NewType(Coords{}, TypeAction{StoreValue: true}, vp, 1)
	if !stored.NeedsStoredValue() {
		t.Fatal("stored TYPE with no text should need a value")
	}
	filled := NewType(Coords{}, TypeAction{StoreValue: true, Text: "x"}, vp, 1)
	if filled.NeedsStoredValue() {
		t.Fatal("stored TYPE with text should not need a value")
	}
	if NewClick(Coords{}, nil, vp, 1).NeedsStoredValue() {
		t.Fatal("CLICK never needs a value")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{NewNavigate("https://a.test", "", vp, 1), "NAVIGATE https://a.test"},
		{NewClick(Coords{X: 3, Y: 4}, nil, vp, 1), "CLICK (3,4)"},
		{NewType(Coords{}, TypeAction{Label: "email"}, vp, 1), "TYPE email"},
		{NewType(Coords{X: 7, Y: 8}, TypeAction{}, vp, 1), "TYPE (7,8)"},
		{NewWait(1, vp, 1), "WAIT"},
		{Step{Kind: KindContext, Viewport: vp}, "CONTEXT"},
		{Step{Kind: KindClick, Viewport: vp}, "CLICK"},
		{Step{Kind: KindType, Viewport: vp}, "TYPE"},
	}
	for _, tt := range tests {
		if got := tt.step.Describe(); got != tt.want {
			t.Errorf("Describe() = %q; want %q", got, tt.want)
		}
	}
}

func TestCoordsWithoutPayload(t *testing.T) {
	for _, kind := range []StepKind{KindClick, KindType, KindScroll} {
		if _, ok := (Step{Kind: kind, Viewport: vp}).Coords(); ok {
			t.Errorf("%s without payload reported coords", kind)
		}
	}
}

func TestNormalizeScreenshot(t *testing.T) {
	if NormalizeScreenshot(nil) != nil || NormalizeScreenshot(&Screenshot{}) != nil {
		t.Fatal("empty screenshot should normalize to nil")
	}
	got := NormalizeScreenshot(&Screenshot{ImageBase64: "aW1n", Width: 640})
	if got.Width != 640 || got.Height != DefaultScreenshotHeight || got.DevicePixelRatio != DefaultDevicePixelRatio {
		t.Fatalf("NormalizeScreenshot() = %+v", got)
	}
}

func TestTabStepIndex(t *testing.T) {
	tab := Tab{ID: DefaultTabID, Steps: []Step{{ID: "a"}, {ID: "b"}}}
	if got := tab.StepIndex("b"); got != 1 {
		t.Fatalf("StepIndex(b) = %d; want 1", got)
	}
	if got := tab.StepIndex(""); got != -1 {
		t.Fatalf("StepIndex(\"\") = %d; want -1", got)
	}
}
