// Package selector derives a stable element selector from a probe.
package selector

import (
	"strings"

	"github.com/dgnsrekt/stepdeck/internal/types"
)

// Fallback is used for clicks that probed nothing useful.
var Fallback = types.Selector{Strategy: types.StrategyCSS, Value: "body"}

// Resolve picks the most stable selector the probe offers. Precedence is
// test id, role, id (ids containing "::" are framework-generated and
// skipped), then the probe's css path.
func Resolve(p *types.Probe) (types.Selector, bool) {
	if p == nil {
		return types.Selector{}, false
	}
	if v := firstNonEmpty(p.Attr("data-testid"), p.Attr("data-test-id")); v != "" {
		return types.Selector{Strategy: types.StrategyTestID, Value: v}, true
	}
	if v := strings.TrimSpace(p.Role); v != "" {
		return types.Selector{Strategy: types.StrategyRole, Value: v}, true
	}
	if v := strings.TrimSpace(p.Attr("id")); v != "" && !strings.Contains(v, "::") {
		return types.Selector{Strategy: types.StrategyID, Value: v}, true
	}
	if v := strings.TrimSpace(p.Selector); v != "" {
		return types.Selector{Strategy: types.StrategyCSS, Value: v}, true
	}
	return types.Selector{}, false
}

// ResolveOrDefault is Resolve with the body fallback.
func ResolveOrDefault(p *types.Probe) types.Selector {
	if sel, ok := Resolve(p); ok {
		return sel
	}
	return Fallback
}

// IsTextField reports whether the probed element accepts typed text.
func IsTextField(p *types.Probe) bool {
	if p == nil || !p.IsTextControl {
		return false
	}
	switch strings.ToLower(p.Tag) {
	case "input":
		switch strings.ToLower(p.Type) {
		case "button", "submit", "checkbox", "radio", "file", "reset", "image":
			return false
		}
		return true
	case "textarea":
		return true
	}
	return p.ContentEditable
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
