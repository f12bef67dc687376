package display

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Gst pulls frames from an arbitrary GStreamer source, e.g.
// "videotestsrc pattern=ball" or "filesrc location=a.mkv ! decodebin".
// The source is scaled and converted to the display mode.
type Gst struct {
	source string

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	closed   bool

	mode video.VideoMode
	seq  uint64
}

// NewGst validates nothing beyond a non-empty description; the pipeline is
// built by SetMode once the caps are known.
func NewGst(source string) (*Gst, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: gst: needs a source description", ErrUnknownRenderNode)
	}
	return &Gst{source: source}, nil
}

func (g *Gst) SetMode(mode video.VideoMode) error {
	if err := mode.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pipeline != nil {
		return fmt.Errorf("gst display mode already set")
	}

	log := logger.WithComponent("display")

	gst.Init(nil)

	desc := fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! videorate ! %s ! "+
			"appsink name=sink emit-signals=false max-buffers=2 drop=true",
		g.source, mode.Caps(),
	)
	log.Debug().Str("pipeline", desc).Msg("Creating GStreamer source pipeline")

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("failed to get appsink: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	g.pipeline = pipeline
	g.sink = app.SinkFromElement(sinkElement)
	g.mode = mode

	log.Info().
		Str("source", "gst").
		Str("mode", mode.String()).
		Msg("GStreamer source pipeline started")
	return nil
}

func (g *Gst) NextFrame() (*video.Frame, error) {
	g.mu.Lock()
	sink, closed := g.sink, g.closed
	g.mu.Unlock()

	if closed {
		return nil, ErrFlushing
	}
	if sink == nil {
		return nil, ErrModeNotSet
	}

	sample := sink.TryPullSample(2 * g.mode.Period())
	if sample == nil {
		if sink.IsEOS() {
			return nil, ErrEOS
		}
		return nil, ErrNoFrame
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, ErrNoFrame
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("failed to map buffer")
	}
	data := append([]byte(nil), mapInfo.Bytes()...)
	buffer.Unmap()

	f, err := video.NewFrame(g.mode, data, g.seq)
	if err != nil {
		return nil, err
	}
	g.seq++
	return f, nil
}

func (g *Gst) EnvVars() map[string]string {
	return map[string]string{}
}

// Close stops the pipeline. Later NextFrame calls report ErrFlushing.
func (g *Gst) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	if g.pipeline != nil {
		if err := g.pipeline.SetState(gst.StateNull); err != nil {
			return fmt.Errorf("failed to stop pipeline: %w", err)
		}
		g.pipeline = nil
		g.sink = nil
	}

	// Let the streaming threads observe the state change.
	time.Sleep(10 * time.Millisecond)
	logger.WithComponent("display").Info().Msg("GStreamer source pipeline stopped")
	return nil
}
