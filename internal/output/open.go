package output

import (
	"context"
	"fmt"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/preview"
	"github.com/bryanchriswhite/weadless/internal/stream"
	"github.com/bryanchriswhite/weadless/internal/video"
	"github.com/bryanchriswhite/weadless/internal/vnc"
)

// Options selects and configures the backend opened by Open.
type Options struct {
	Kind Kind
	Mode video.VideoMode

	// appsrc
	Address  string
	Protocol string
	Builder  *stream.Builder

	// rtsp
	RTSPPort int

	// vnc
	VNCPort     int
	VNCPassword string

	// mjpeg
	JPEGQuality int

	// preview; empty means $DISPLAY
	PreviewDisplay string
}

// Open builds the backend named by opts.Kind. Construction failures are
// fatal to the caller; nothing here is retried.
func Open(ctx context.Context, opts Options) (Backend, error) {
	log := logger.WithComponent("output")

	switch opts.Kind {
	case KindNone, "":
		log.Info().Msg("Output disabled, frames are fetched and dropped")
		return &Disabled{Reason: "output none"}, nil

	case KindRTSP:
		log.Warn().
			Int("rtsp_port", opts.RTSPPort).
			Msg("RTSP output is not implemented yet, continuing with output disabled")
		return &Disabled{Reason: "rtsp not implemented"}, nil

	case KindAppsrc:
		b := opts.Builder
		if b == nil {
			b = stream.NewBuilder()
		}
		p, err := b.Build(ctx, opts.Mode, opts.Address, opts.Protocol)
		if err != nil {
			return nil, fmt.Errorf("failed to build streaming pipeline: %w", err)
		}
		s, err := NewStreaming(p, p.Plan.Protocol, p.Plan.Endpoint)
		if err != nil {
			p.Close()
			return nil, err
		}
		return s, nil

	case KindVNC:
		h, events, err := vnc.Launch(ctx, opts.Mode, opts.VNCPort, opts.VNCPassword)
		if err != nil {
			return nil, err
		}
		fb, err := NewFramebuffer(h, events)
		if err != nil {
			h.Close()
			return nil, err
		}
		return fb, nil

	case KindMJPEG:
		m, err := NewMJPEG(opts.Mode, opts.JPEGQuality)
		if err != nil {
			return nil, err
		}
		return m, nil

	case KindPreview:
		w, err := preview.Open(opts.PreviewDisplay, opts.Mode, "weadless preview")
		if err != nil {
			return nil, fmt.Errorf("failed to open preview window: %w", err)
		}
		p, err := NewPreview(w)
		if err != nil {
			w.Close()
			return nil, err
		}
		return p, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownOutput, opts.Kind)
}
