// Package stream builds the H.264/RTP streaming pipeline that carries
// frames to network clients over UDP or TCP.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
)

var (
	// ErrPipelineStart is matched by every *StageError.
	ErrPipelineStart = errors.New("pipeline failed to start")
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("pipeline closed")
)

// StageError reports which pipeline stage failed to start.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline failed to start at %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPipelineStart) hold for any StageError.
func (e *StageError) Is(target error) bool { return target == ErrPipelineStart }

// Injector hands frames to a running pipeline.
type Injector interface {
	// Push queues one frame. Errors are per-frame and not fatal.
	Push(f *video.Frame) error
	// Close signals end-of-stream and tears the pipeline down.
	Close() error
}

// Launcher starts a planned pipeline.
type Launcher interface {
	Launch(ctx context.Context, plan Plan) (Injector, error)
}

// Pipeline is a started stream.
type Pipeline struct {
	Injector
	Plan Plan
}

// Builder resolves and starts streaming pipelines.
type Builder struct {
	Registry Registry
	Launcher Launcher
}

// NewBuilder returns a builder backed by GStreamer.
func NewBuilder() *Builder {
	return &Builder{
		Registry: NewGstRegistry(),
		Launcher: GstLauncher{},
	}
}

// Build validates the address and protocol, picks an encoder, and starts
// the pipeline. Nothing is looked up or started when the address is invalid.
func (b *Builder) Build(ctx context.Context, mode video.VideoMode, address, protocol string) (*Pipeline, error) {
	log := logger.WithComponent("stream")

	ep, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	proto, err := ParseProtocol(protocol)
	if err != nil {
		return nil, err
	}

	enc, err := SelectEncoder(b.Registry)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("encoder", enc.Factory).
		Str("description", enc.Description).
		Bool("hardware", enc.Hardware).
		Msg("Selected H.264 encoder")

	plan, err := NewPlan(mode, enc, ep, proto)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("pipeline", plan.Description()).Msg("Launching streaming pipeline")

	inj, err := b.Launcher.Launch(ctx, plan)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &StageError{Stage: StagePipeline, Err: err}
	}

	log.Info().
		Str("url", fmt.Sprintf("%s://%s", proto, ep)).
		Msg("Streaming pipeline started")
	log.Info().Msg("Clients can receive the stream with:")
	log.Info().Msg("  " + ReceiverCommand(proto, ep))

	return &Pipeline{Injector: inj, Plan: plan}, nil
}
