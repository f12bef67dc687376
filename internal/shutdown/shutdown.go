// Package shutdown fans a single stop request (usually SIGINT) out to every
// goroutine that has to wind down: the frame pump and any backend-owned
// workers.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/bryanchriswhite/weadless/internal/logger"
)

// Coordinator is a one-shot broadcast. The first Trigger cancels the
// context; later calls are no-ops.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
}

// New creates a coordinator whose context is derived from parent.
func New(parent context.Context) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{ctx: ctx, cancel: cancel}
}

// Context is cancelled once shutdown has been triggered.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Done is shorthand for Context().Done().
func (c *Coordinator) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Trigger requests shutdown. It returns true only for the call that
// actually fired the signal.
func (c *Coordinator) Trigger(reason string) bool {
	c.mu.Lock()
	if c.reason != "" || c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.reason = reason
	c.mu.Unlock()

	logger.WithComponent("shutdown").Info().Str("reason", reason).Msg("Shutdown requested")
	c.cancel()
	return true
}

// Reason returns what triggered shutdown, or "" while still running.
// A cancelled parent context reports "parent context cancelled".
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" && c.ctx.Err() != nil {
		return "parent context cancelled"
	}
	return c.reason
}

// OnShutdown runs fn once, on its own goroutine, after shutdown fires.
// The returned function deregisters fn and reports whether it did so
// before fn started.
func (c *Coordinator) OnShutdown(fn func()) (stop func() bool) {
	return context.AfterFunc(c.ctx, fn)
}

// NotifyOnSignal triggers shutdown when any of sigs arrives. The returned
// function stops listening.
func (c *Coordinator) NotifyOnSignal(sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				if !c.Trigger("signal: " + sig.String()) {
					logger.WithComponent("shutdown").Warn().
						Str("signal", sig.String()).
						Msg("Already shutting down")
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
