// Package pump drives a display at a fixed frame rate and hands every
// frame to the active output backend.
package pump

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/weadless/internal/display"
	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/output"
	"github.com/bryanchriswhite/weadless/internal/video"
)

const (
	// DefaultPollInterval bounds how long a raised shutdown goes unnoticed.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultReportEvery is how many frames go into one frame-rate sample.
	DefaultReportEvery = 60
)

// ErrStopped is returned by Run on a pump that already ran.
var ErrStopped = errors.New("pump already stopped")

// Source is the part of a display the pump uses.
type Source interface {
	NextFrame() (*video.Frame, error)
}

// State is RUNNING until Run returns, then STOPPED for good.
type State int32

const (
	StateRunning State = iota
	StateStopped
)

func (s State) String() string {
	if s == StateStopped {
		return "STOPPED"
	}
	return "RUNNING"
}

// Config tunes the loop. Zero values take the defaults.
type Config struct {
	Rate         uint32
	PollInterval time.Duration
	ReportEvery  uint64
}

// Stats is a snapshot of the pump counters.
type Stats struct {
	State          string    `json:"state"`
	Fetched        uint64    `json:"fetched"`
	Dispatched     uint64    `json:"dispatched"`
	DispatchErrors uint64    `json:"dispatch_errors"`
	FetchErrors    uint64    `json:"fetch_errors"`
	AvgFPS         float64   `json:"avg_fps"`
	StartedAt      time.Time `json:"started_at"`
}

// Pump owns the fetch→dispatch loop.
type Pump struct {
	src     Source
	backend output.Backend
	cfg     Config
	period  time.Duration

	state          atomic.Int32
	ran            atomic.Bool
	fetched        atomic.Uint64
	dispatched     atomic.Uint64
	dispatchErrors atomic.Uint64
	fetchErrors    atomic.Uint64
	fpsBits        atomic.Uint64
	startedAt      atomic.Int64
}

// New creates a pump. cfg.Rate must be positive.
func New(src Source, backend output.Backend, cfg Config) *Pump {
	if cfg.Rate == 0 {
		cfg.Rate = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReportEvery == 0 {
		cfg.ReportEvery = DefaultReportEvery
	}
	return &Pump{
		src:     src,
		backend: backend,
		cfg:     cfg,
		period:  time.Second / time.Duration(cfg.Rate),
	}
}

// State returns the current state.
func (p *Pump) State() State {
	return State(p.state.Load())
}

// Stats returns the current counters.
func (p *Pump) Stats() Stats {
	var started time.Time
	if ns := p.startedAt.Load(); ns != 0 {
		started = time.Unix(0, ns)
	}
	return Stats{
		State:          p.State().String(),
		Fetched:        p.fetched.Load(),
		Dispatched:     p.dispatched.Load(),
		DispatchErrors: p.dispatchErrors.Load(),
		FetchErrors:    p.fetchErrors.Load(),
		AvgFPS:         math.Float64frombits(p.fpsBits.Load()),
		StartedAt:      started,
	}
}

// Run loops on the calling goroutine until ctx is cancelled or the source
// drains, then stops the backend. Displays are thread-affine, so call Run
// from the goroutine that created the source.
func (p *Pump) Run(ctx context.Context) error {
	if !p.ran.CompareAndSwap(false, true) {
		return ErrStopped
	}

	log := logger.WithComponent("pump")
	disabled := output.IsDisabled(p.backend)
	poll := min(p.cfg.PollInterval, p.period)

	p.startedAt.Store(time.Now().UnixNano())
	log.Info().
		Uint32("rate", p.cfg.Rate).
		Str("backend", p.backend.Name()).
		Msg("Frame pump started")

	defer func() {
		p.state.Store(int32(StateStopped))
		if err := p.backend.Stop(); err != nil {
			log.Error().Err(err).Str("backend", p.backend.Name()).Msg("Failed to stop backend")
		}
		log.Info().
			Uint64("fetched", p.fetched.Load()).
			Uint64("dispatched", p.dispatched.Load()).
			Msg("Frame pump stopped")
	}()

	wait := time.NewTimer(poll)
	defer wait.Stop()

	windowStart := time.Now()
	var windowFrames uint64

	for {
		iterStart := time.Now()

		// Bounded wait for shutdown.
		wait.Reset(poll)
		select {
		case <-ctx.Done():
			return nil
		case <-wait.C:
		}

		frame, err := p.src.NextFrame()
		if err != nil {
			if display.IsDraining(err) {
				log.Info().Err(err).Msg("Display is draining, stopping")
				return nil
			}
			p.fetchErrors.Add(1)
			if errors.Is(err, display.ErrNoFrame) {
				log.Debug().Err(err).Msg("No frame this iteration")
			} else {
				log.Warn().Err(err).Msg("Failed to fetch frame")
			}
		} else {
			p.fetched.Add(1)
			windowFrames++

			if !disabled {
				p.dispatched.Add(1)
				if err := p.backend.WriteFrame(frame); err != nil {
					p.dispatchErrors.Add(1)
					log.Warn().Err(err).Uint64("seq", frame.Seq).Str("backend", p.backend.Name()).Msg("Failed to dispatch frame")
				}
			}

			if windowFrames >= p.cfg.ReportEvery {
				fps := float64(windowFrames) / time.Since(windowStart).Seconds()
				p.fpsBits.Store(math.Float64bits(fps))
				log.Debug().Float64("fps", fps).Uint64("frames", p.fetched.Load()).Msg("Average frame rate")
				windowStart = time.Now()
				windowFrames = 0
			}
		}

		// Hold the target rate; the poll wait above counts toward it.
		if rest := p.period - time.Since(iterStart); rest > 0 {
			wait.Reset(rest)
			select {
			case <-ctx.Done():
				return nil
			case <-wait.C:
			}
		}
	}
}
