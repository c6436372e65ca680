package types

import "strings"

// ProbeRect is an element's bounding box in viewport pixels.
type ProbeRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ProbeMetrics carries the computed box model numbers of a probed element.
type ProbeMetrics struct {
	PaddingLeft  float64 `json:"padding_left"`
	PaddingRight float64 `json:"padding_right"`
	PaddingTop   float64 `json:"padding_top"`
	BorderLeft   float64 `json:"border_left"`
	BorderTop    float64 `json:"border_top"`
	LineHeight   float64 `json:"line_height"`
	FontSize     float64 `json:"font_size"`
}

// ProbeStyles carries computed styles needed to draw an input overlay.
type ProbeStyles struct {
	FontFamily      string `json:"font_family,omitempty"`
	FontWeight      string `json:"font_weight,omitempty"`
	Color           string `json:"color,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	TextAlign       string `json:"text_align,omitempty"`
	BorderRadius    string `json:"border_radius,omitempty"`
}

// Probe is a description of the DOM element at a viewport point.
type Probe struct {
	Tag             string            `json:"tag"`
	Type            string            `json:"type,omitempty"`
	InputCategory   string            `json:"input_category,omitempty"`
	Role            string            `json:"role,omitempty"`
	Selector        string            `json:"selector,omitempty"`
	Placeholder     string            `json:"placeholder,omitempty"`
	LabelText       string            `json:"label_text,omitempty"`
	Value           string            `json:"value,omitempty"`
	Href            string            `json:"href,omitempty"`
	ContentEditable bool              `json:"content_editable,omitempty"`
	IsTextControl   bool              `json:"is_text_control,omitempty"`
	Rect            ProbeRect         `json:"rect"`
	Metrics         ProbeMetrics      `json:"metrics"`
	Styles          ProbeStyles       `json:"styles"`
	Attrs           map[string]string `json:"attrs,omitempty"`
}

// Attr returns the attribute value for name, or "".
func (p *Probe) Attr(name string) string {
	if p == nil || p.Attrs == nil {
		return ""
	}
	return p.Attrs[name]
}

// IsPasswordField reports whether the probe is a password input.
func (p *Probe) IsPasswordField() bool {
	return p != nil && strings.EqualFold(p.Type, "password")
}

// SensitiveInput reports whether values typed into the probed field must
// not be stored with a recording.
func (p *Probe) SensitiveInput() bool {
	return p.IsPasswordField() || (p != nil && strings.EqualFold(p.Type, "email"))
}

// HTTPLink returns the href when the probe is an anchor to an http(s) URL.
func (p *Probe) HTTPLink() (string, bool) {
	if p == nil || !strings.EqualFold(p.Tag, "a") {
		return "", false
	}
	href := strings.TrimSpace(p.Href)
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href, true
	}
	return "", false
}
