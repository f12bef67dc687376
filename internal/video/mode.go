package video

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMode is returned by VideoMode.Validate.
var ErrInvalidMode = errors.New("invalid video mode")

// VideoMode describes the frames produced by a Display and consumed by an
// output backend. It is fixed before the frame pump starts.
type VideoMode struct {
	Format Format `json:"format" yaml:"format"`
	Width  uint32 `json:"width" yaml:"width"`
	Height uint32 `json:"height" yaml:"height"`
	Rate   uint32 `json:"rate" yaml:"rate"`
}

// Validate checks that every field is usable.
func (m VideoMode) Validate() error {
	if !m.Format.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidMode, ErrUnsupportedFormat)
	}
	if m.Width == 0 || m.Height == 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidMode, m.Width, m.Height)
	}
	if m.Rate == 0 {
		return fmt.Errorf("%w: frame rate must be positive", ErrInvalidMode)
	}
	return nil
}

// Pixels returns width*height.
func (m VideoMode) Pixels() int {
	return int(m.Width) * int(m.Height)
}

// FrameSize is the byte length of one packed frame.
func (m VideoMode) FrameSize() int {
	return m.Pixels() * BytesPerPixel
}

// Period is the target time between frames.
func (m VideoMode) Period() time.Duration {
	if m.Rate == 0 {
		return 0
	}
	return time.Second / time.Duration(m.Rate)
}

// Caps renders the mode as raw-video GStreamer caps.
func (m VideoMode) Caps() string {
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		m.Format, m.Width, m.Height, m.Rate)
}

func (m VideoMode) String() string {
	return fmt.Sprintf("%dx%d@%d %s", m.Width, m.Height, m.Rate, m.Format)
}
