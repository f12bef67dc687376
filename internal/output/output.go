package output

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/rfb"
	"github.com/bryanchriswhite/weadless/internal/stream"
	"github.com/bryanchriswhite/weadless/internal/video"
)

// Kind selects the output backend.
type Kind string

const (
	KindNone    Kind = "none"
	KindAppsrc  Kind = "appsrc"
	KindRTSP    Kind = "rtsp"
	KindVNC     Kind = "vnc"
	KindMJPEG   Kind = "mjpeg"
	KindPreview Kind = "preview"
)

var (
	// ErrUnknownOutput is returned by ParseKind.
	ErrUnknownOutput = errors.New("unknown output")
	// ErrBackendActive is returned when a second active backend is opened.
	ErrBackendActive = errors.New("an output backend is already active")
	// ErrStopped is returned by WriteFrame after Stop.
	ErrStopped = errors.New("output stopped")
)

// ParseKind accepts none, appsrc, rtsp, vnc, mjpeg or preview.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindNone, KindAppsrc, KindRTSP, KindVNC, KindMJPEG, KindPreview:
		return k, nil
	case "":
		return KindNone, nil
	}
	return "", fmt.Errorf("%w: %q (use none, appsrc, rtsp, vnc, mjpeg or preview)", ErrUnknownOutput, s)
}

// Backend is the one place frames go. The set of implementations is closed:
// Disabled, Streaming, Framebuffer, MJPEG and Preview.
type Backend interface {
	// Name returns a human-readable name for this output type
	Name() string
	Kind() Kind
	// WriteFrame delivers one frame. Errors are per-frame.
	WriteFrame(f *video.Frame) error
	// Stop drains and releases the backend. Only the first call acts.
	Stop() error

	sealed()
}

// active guards the one-active-backend rule.
var active atomic.Bool

func acquire() error {
	if !active.CompareAndSwap(false, true) {
		return ErrBackendActive
	}
	return nil
}

func release() { active.Store(false) }

// Disabled drops every frame. The pump still paces so the display keeps
// running.
type Disabled struct {
	Reason string
}

func (d *Disabled) Name() string                  { return "Disabled" }
func (d *Disabled) Kind() Kind                    { return KindNone }
func (d *Disabled) WriteFrame(*video.Frame) error { return nil }
func (d *Disabled) Stop() error                   { return nil }
func (d *Disabled) sealed()                       {}

// IsDisabled reports whether b drops frames.
func IsDisabled(b Backend) bool {
	_, ok := b.(*Disabled)
	return ok
}

// Streaming pushes frames into an encoding pipeline.
type Streaming struct {
	injector stream.Injector
	protocol stream.Protocol
	endpoint stream.Endpoint

	stopOnce sync.Once
	stopErr  error
}

// NewStreaming wraps a started pipeline. It claims the active-backend slot.
func NewStreaming(inj stream.Injector, proto stream.Protocol, ep stream.Endpoint) (*Streaming, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	return &Streaming{injector: inj, protocol: proto, endpoint: ep}, nil
}

func (s *Streaming) Name() string { return "RTP/H.264 stream" }
func (s *Streaming) Kind() Kind   { return KindAppsrc }
func (s *Streaming) sealed()      {}

// Protocol and Endpoint describe where the stream goes.
func (s *Streaming) Protocol() stream.Protocol { return s.protocol }
func (s *Streaming) Endpoint() stream.Endpoint { return s.endpoint }

func (s *Streaming) WriteFrame(f *video.Frame) error {
	return s.injector.Push(f)
}

// Stop sends end-of-stream and waits for the pipeline to drain.
func (s *Streaming) Stop() error {
	s.stopOnce.Do(func() {
		logger.WithComponent("output").Info().Msg("Sending end of stream")
		s.stopErr = s.injector.Close()
		release()
	})
	return s.stopErr
}

// FramebufferServer is the part of a VNC server the pump writes to.
type FramebufferServer interface {
	UpdateRegion(x, y, w, h int, rgb []byte) error
	Close() error
}

// Framebuffer converts frames to RGB and writes them as full-frame
// updates to an RFB server.
type Framebuffer struct {
	server FramebufferServer
	events <-chan rfb.Event

	mu      sync.Mutex
	rgb     []byte
	stopped bool

	stopOnce sync.Once
	stopErr  error
}

// NewFramebuffer wraps a running server. It claims the active-backend slot.
func NewFramebuffer(server FramebufferServer, events <-chan rfb.Event) (*Framebuffer, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	return &Framebuffer{server: server, events: events}, nil
}

func (fb *Framebuffer) Name() string { return "VNC server" }
func (fb *Framebuffer) Kind() Kind   { return KindVNC }
func (fb *Framebuffer) sealed()      {}

// Server returns the wrapped server.
func (fb *Framebuffer) Server() FramebufferServer { return fb.server }

// Events carries viewer connection events; nil when the server has none.
func (fb *Framebuffer) Events() <-chan rfb.Event { return fb.events }

func (fb *Framebuffer) WriteFrame(f *video.Frame) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.stopped {
		return ErrStopped
	}

	var err error
	fb.rgb, err = video.AppendRGB(fb.rgb, f.Data, f.Format)
	if err != nil {
		return fmt.Errorf("failed to convert frame %d: %w", f.Seq, err)
	}
	if err := fb.server.UpdateRegion(0, 0, f.Width, f.Height, fb.rgb); err != nil {
		return fmt.Errorf("failed to update framebuffer: %w", err)
	}
	return nil
}

// Stop disconnects every viewer.
func (fb *Framebuffer) Stop() error {
	fb.stopOnce.Do(func() {
		fb.mu.Lock()
		fb.stopped = true
		fb.mu.Unlock()
		fb.stopErr = fb.server.Close()
		release()
	})
	return fb.stopErr
}

// Clients returns how many viewers b is serving. Backends that do not
// track viewers report 0.
func Clients(b Backend) int {
	switch b := b.(type) {
	case *Framebuffer:
		if c, ok := b.server.(interface{ Clients() int }); ok {
			return c.Clients()
		}
	case *MJPEG:
		return b.Clients()
	}
	return 0
}

// Shower is a local window frames are drawn into.
type Shower interface {
	Show(f *video.Frame) error
	Close() error
}

// Preview draws every frame into a local window.
type Preview struct {
	window Shower

	stopOnce sync.Once
	stopErr  error
}

// NewPreview wraps an open window. It claims the active-backend slot.
func NewPreview(window Shower) (*Preview, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	return &Preview{window: window}, nil
}

func (p *Preview) Name() string { return "Preview window" }
func (p *Preview) Kind() Kind   { return KindPreview }
func (p *Preview) sealed()      {}

func (p *Preview) WriteFrame(f *video.Frame) error {
	return p.window.Show(f)
}

// Stop closes the window.
func (p *Preview) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.window.Close()
		release()
	})
	return p.stopErr
}
