package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// eosTimeout bounds how long Close waits for EOS to reach the sink.
const eosTimeout = 2 * time.Second

// GstLauncher launches plans as GStreamer pipelines.
type GstLauncher struct{}

func (GstLauncher) Launch(ctx context.Context, plan Plan) (Injector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, &StageError{Stage: StagePipeline, Err: fmt.Errorf("failed to create pipeline: %w", err)}
	}

	asm := &gstAssembler{pipeline: pipeline, elems: make(map[Stage]*gst.Element, len(plan.Elements))}
	if err := plan.Assemble(asm); err != nil {
		return nil, err
	}

	srcElement, ok := asm.elems[StageSource]
	if !ok {
		return nil, &StageError{Stage: StageSource, Err: fmt.Errorf("plan has no %s stage", StageSource)}
	}
	src := app.SrcFromElement(srcElement)
	bus := pipeline.GetPipelineBus()

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		stage, cause := firstBusError(bus)
		pipeline.SetState(gst.StateNull)
		if cause != nil {
			err = fmt.Errorf("%w: %v", err, cause)
		}
		return nil, &StageError{Stage: stage, Err: err}
	}

	inj := &gstInjector{
		pipeline: pipeline,
		src:      src,
		stop:     make(chan struct{}),
		eos:      make(chan struct{}),
		watched:  make(chan struct{}),
	}
	go inj.watchBus(bus)
	return inj, nil
}

// gstAssembler builds a plan into a pipeline with go-gst.
type gstAssembler struct {
	pipeline *gst.Pipeline
	elems    map[Stage]*gst.Element
}

func (a *gstAssembler) Create(stage Stage, factory string) error {
	el, err := gst.NewElementWithName(factory, string(stage))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", factory, err)
	}
	if err := a.pipeline.Add(el); err != nil {
		return fmt.Errorf("failed to add %s to pipeline: %w", factory, err)
	}
	a.elems[stage] = el
	return nil
}

// Set parses the value into the property's own type, so enums such as
// x264enc's tune and caps strings go through the same path.
func (a *gstAssembler) Set(stage Stage, prop Property) error {
	el, ok := a.elems[stage]
	if !ok {
		return fmt.Errorf("no element for stage %s", stage)
	}
	if _, err := el.GetPropertyType(prop.Name); err != nil {
		return fmt.Errorf("%s has no property %q: %w", el.GetName(), prop.Name, err)
	}
	el.SetArg(prop.Name, prop.Value)
	return nil
}

func (a *gstAssembler) Link(from, to Stage) error {
	src, ok := a.elems[from]
	if !ok {
		return fmt.Errorf("no element for stage %s", from)
	}
	dst, ok := a.elems[to]
	if !ok {
		return fmt.Errorf("no element for stage %s", to)
	}
	if err := src.Link(dst); err != nil {
		return fmt.Errorf("failed to link %s to %s: %w", from, to, err)
	}
	return nil
}

// firstBusError drains queued bus messages looking for the element that
// posted the first error.
func firstBusError(bus *gst.Bus) (Stage, error) {
	for {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			return StagePipeline, nil
		}
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			return Stage(msg.Source()), fmt.Errorf("%s (%s)", gerr.Error(), gerr.DebugString())
		}
	}
}

type gstInjector struct {
	pipeline *gst.Pipeline
	src      *app.Source

	mu     sync.Mutex
	closed bool

	pushed  atomic.Uint64
	stop    chan struct{}
	eos     chan struct{}
	eosOnce sync.Once
	watched chan struct{}
}

func (i *gstInjector) Push(f *video.Frame) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return ErrClosed
	}
	if ret := i.src.PushBuffer(gst.NewBufferFromBytes(f.Data)); ret != gst.FlowOK {
		return fmt.Errorf("failed to push frame %d: flow %v", f.Seq, ret)
	}
	i.pushed.Add(1)
	return nil
}

// Close sends EOS, waits for it to drain through the sink, then stops the
// pipeline. Only the first call does anything.
func (i *gstInjector) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	log := logger.WithComponent("stream")

	if ret := i.src.EndStream(); ret != gst.FlowOK {
		log.Warn().Str("flow", fmt.Sprint(ret)).Msg("End of stream was not accepted")
	} else {
		select {
		case <-i.eos:
			log.Debug().Msg("End of stream reached sink")
		case <-time.After(eosTimeout):
			log.Warn().Dur("timeout", eosTimeout).Msg("Timed out waiting for end of stream")
		}
	}

	close(i.stop)
	<-i.watched

	if err := i.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	log.Info().Uint64("frames", i.pushed.Load()).Msg("Streaming pipeline stopped")
	return nil
}

// watchBus logs pipeline errors and notices EOS. Errors here are runtime
// hiccups: the frame pump keeps pushing.
func (i *gstInjector) watchBus(bus *gst.Bus) {
	defer close(i.watched)
	log := logger.WithComponent("gst-bus")

	for {
		select {
		case <-i.stop:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			i.eosOnce.Do(func() { close(i.eos) })

		case gst.MessageError:
			gerr := msg.ParseError()
			log.Error().
				Str("stage", msg.Source()).
				Str("error", gerr.Error()).
				Str("debug", gerr.DebugString()).
				Msg("Pipeline error")

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			log.Warn().
				Str("stage", msg.Source()).
				Str("warning", gerr.Error()).
				Msg("Pipeline warning")
		}
	}
}
