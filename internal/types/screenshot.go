package types

// Default screenshot geometry used when the remote side omits dimensions.
const (
	DefaultScreenshotWidth  = 1280
	DefaultScreenshotHeight = 800
	DefaultDevicePixelRatio = 1.0
)

// Screenshot is the last image returned by the remote side. Its dimensions
// define the coordinate space of subsequently recorded coords.
type Screenshot struct {
	ImageBase64      string  `json:"image_base64"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
}

// NormalizeScreenshot fills missing dimensions with the defaults. A nil or
// image-less screenshot yields nil.
func NormalizeScreenshot(s *Screenshot) *Screenshot {
	if s == nil || s.ImageBase64 == "" {
		return nil
	}
	out := *s
	if out.Width <= 0 {
		out.Width = DefaultScreenshotWidth
	}
	if out.Height <= 0 {
		out.Height = DefaultScreenshotHeight
	}
	if out.DevicePixelRatio <= 0 {
		out.DevicePixelRatio = DefaultDevicePixelRatio
	}
	return &out
}

// Viewport returns the viewport described by the screenshot geometry.
func (s Screenshot) Viewport() Viewport {
	return Viewport{Width: s.Width, Height: s.Height, DevicePixelRatio: s.DevicePixelRatio}
}
