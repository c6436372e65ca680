// Package coords maps points between a scaled screenshot as rendered on a
// display surface and the remote browser viewport.
package coords

import (
	"errors"
	"math"

	"github.com/dgnsrekt/stepdeck/internal/types"
)

var (
	ErrNoScreenshot = errors.New("no screenshot to map against")
	ErrEmptyBounds  = errors.New("rendered screenshot has no area")
)

// Point is a position on the display surface.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is the rendered screenshot box on the display surface.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether p falls inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Left && p.X <= r.Left+r.Width && p.Y >= r.Top && p.Y <= r.Top+r.Height
}

func scales(bounds Rect, shot types.Screenshot) (float64, float64, error) {
	if shot.Width <= 0 || shot.Height <= 0 {
		return 0, 0, ErrNoScreenshot
	}
	if bounds.Width <= 0 || bounds.Height <= 0 {
		return 0, 0, ErrEmptyBounds
	}
	return float64(shot.Width) / bounds.Width, float64(shot.Height) / bounds.Height, nil
}

// ToViewport converts a display point into viewport coordinates.
func ToViewport(p Point, bounds Rect, shot types.Screenshot) (types.Coords, error) {
	sx, sy, err := scales(bounds, shot)
	if err != nil {
		return types.Coords{}, err
	}
	return types.Coords{
		X: int(math.Round((p.X - bounds.Left) * sx)),
		Y: int(math.Round((p.Y - bounds.Top) * sy)),
	}, nil
}

// ToDisplay converts viewport coordinates back onto the display surface.
func ToDisplay(c types.Coords, bounds Rect, shot types.Screenshot) (Point, error) {
	sx, sy, err := scales(bounds, shot)
	if err != nil {
		return Point{}, err
	}
	return Point{
		X: bounds.Left + float64(c.X)/sx,
		Y: bounds.Top + float64(c.Y)/sy,
	}, nil
}

// ToDisplayRect positions a viewport rectangle (a probed element or a
// context region) on the display surface.
func ToDisplayRect(r types.ProbeRect, bounds Rect, shot types.Screenshot) (Rect, error) {
	sx, sy, err := scales(bounds, shot)
	if err != nil {
		return Rect{}, err
	}
	return Rect{
		Left:   bounds.Left + r.X/sx,
		Top:    bounds.Top + r.Y/sy,
		Width:  r.Width / sx,
		Height: r.Height / sy,
	}, nil
}

// RegionRect converts an integer region into a ProbeRect.
func RegionRect(r types.Region) types.ProbeRect {
	return types.ProbeRect{X: float64(r.X), Y: float64(r.Y), Width: float64(r.Width), Height: float64(r.Height)}
}
