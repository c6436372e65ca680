package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/stepdeck/internal/types"
)

// Profile is a YAML session profile: where a session starts and how it is
// driven.
type Profile struct {
	StartURL       string          `yaml:"start_url"`
	Viewport       ProfileViewport `yaml:"viewport"`
	PollIntervalMS int             `yaml:"poll_interval_ms"`
	SubmitMode     string          `yaml:"submit_mode"`
}

type ProfileViewport struct {
	Width            int     `yaml:"width"`
	Height           int     `yaml:"height"`
	DevicePixelRatio float64 `yaml:"device_pixel_ratio"`
}

// LoadProfile reads and validates a session profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("session profile: %w", err)
	}
	if p.StartURL != "" && !strings.HasPrefix(p.StartURL, "http://") && !strings.HasPrefix(p.StartURL, "https://") {
		return nil, fmt.Errorf("session profile: start_url must be http(s), got %q", p.StartURL)
	}
	if p.Viewport.Width < 0 || p.Viewport.Height < 0 {
		return nil, fmt.Errorf("session profile: viewport must not be negative")
	}
	if m := strings.ToLower(p.SubmitMode); m != "" && m != "reject" && m != "queue" {
		return nil, fmt.Errorf("session profile: submit_mode must be reject or queue, got %q", p.SubmitMode)
	}
	return &p, nil
}

// SessionViewport returns the profile viewport with defaults filled in.
func (p *Profile) SessionViewport() types.Viewport {
	vp := types.Viewport{
		Width:            types.DefaultScreenshotWidth,
		Height:           types.DefaultScreenshotHeight,
		DevicePixelRatio: types.DefaultDevicePixelRatio,
	}
	if p == nil {
		return vp
	}
	if p.Viewport.Width > 0 && p.Viewport.Height > 0 {
		vp.Width, vp.Height = p.Viewport.Width, p.Viewport.Height
	}
	if p.Viewport.DevicePixelRatio > 0 {
		vp.DevicePixelRatio = p.Viewport.DevicePixelRatio
	}
	return vp
}
