package video

import (
	"fmt"
	"time"
)

// Frame is one complete image fetched from a Display. The frame pump owns
// it for the duration of a single dispatch.
type Frame struct {
	Data     []byte
	Format   Format
	Width    int
	Height   int
	Seq      uint64
	Captured time.Time
}

// NewFrame wraps data as a frame of the given mode, checking its length.
func NewFrame(mode VideoMode, data []byte, seq uint64) (*Frame, error) {
	if len(data) != mode.FrameSize() {
		return nil, fmt.Errorf("frame is %d bytes, mode %s needs %d", len(data), mode, mode.FrameSize())
	}
	return &Frame{
		Data:     data,
		Format:   mode.Format,
		Width:    int(mode.Width),
		Height:   int(mode.Height),
		Seq:      seq,
		Captured: time.Now(),
	}, nil
}
