// Package display provides the frame sources driven by the frame pump.
//
// A Display is thread-affine: NextFrame must only be called from the
// goroutine (and OS thread) that created it. The serve command satisfies
// this by locking main to its thread and running the pump there.
package display

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bryanchriswhite/weadless/internal/video"
)

var (
	// ErrEOS is returned by NextFrame once the source has ended.
	ErrEOS = errors.New("display: end of stream")
	// ErrFlushing is returned by NextFrame while the source is being torn down.
	ErrFlushing = errors.New("display: flushing")
	// ErrNoFrame is returned when no frame became ready in time. It is transient.
	ErrNoFrame = errors.New("display: no frame ready")
	// ErrModeNotSet is returned by NextFrame before SetMode.
	ErrModeNotSet = errors.New("display: mode not set")
	// ErrUnknownRenderNode is returned by Create for unrecognised render nodes.
	ErrUnknownRenderNode = errors.New("display: unknown render node")
)

// Display is a frame source with a fixed mode.
type Display interface {
	// SetMode fixes the format and geometry of every later frame.
	SetMode(mode video.VideoMode) error
	// NextFrame returns the next complete frame.
	NextFrame() (*video.Frame, error)
	// EnvVars returns the environment clients need to attach to this
	// display, e.g. DISPLAY=:1.
	EnvVars() map[string]string
	Close() error
}

// Create opens the frame source named by renderNode:
//
//	software        built-in test pattern
//	x11, x11:N      root window of X display :N (default $DISPLAY)
//	gst:<desc>      a GStreamer source bin description
func Create(renderNode string) (Display, error) {
	node := strings.TrimSpace(renderNode)
	switch {
	case node == "" || node == "software":
		return NewSoftware(), nil
	case node == "x11" || strings.HasPrefix(node, "x11:"):
		return NewX11(strings.TrimPrefix(strings.TrimPrefix(node, "x11"), ":"))
	case strings.HasPrefix(node, "gst:"):
		return NewGst(strings.TrimPrefix(node, "gst:"))
	}
	return nil, fmt.Errorf("%w: %q (use software, x11[:N] or gst:<source>)", ErrUnknownRenderNode, renderNode)
}

// IsDraining reports whether err from NextFrame means the source is going
// away and the caller should stop fetching.
func IsDraining(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEOS) || errors.Is(err, ErrFlushing) {
		return true
	}
	// Errors from foreign sources are only recognisable by their text.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "flushing") || strings.Contains(msg, "end of stream") {
		return true
	}
	for _, word := range strings.FieldsFunc(msg, func(r rune) bool {
		return !('a' <= r && r <= 'z')
	}) {
		if word == "eos" {
			return true
		}
	}
	return false
}
