// Package vnc launches the RFB server that exposes frames to VNC viewers.
package vnc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/rfb"
	"github.com/bryanchriswhite/weadless/internal/video"
)

// DisplayName is what viewers show as the desktop name.
const DisplayName = "weadless"

// ErrInvalidPort is returned for port 0 or ports above 65535.
var ErrInvalidPort = errors.New("invalid VNC port")

// LaunchError reports a listener that could not be bound.
type LaunchError struct {
	Port int
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start VNC server on port %d: %v", e.Port, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Handle controls a running server. UpdateRegion may be called from any
// goroutine; the server serialises framebuffer writes internally.
type Handle struct {
	srv  *rfb.Server
	addr net.Addr

	done      chan struct{}
	closeOnce sync.Once
}

// Launch binds 0.0.0.0:port and serves viewers on a background goroutine
// until ctx is cancelled or Close is called. Bind failures are returned
// here; later accept failures arrive as rfb.EventServeFailed.
func Launch(ctx context.Context, mode video.VideoMode, port int, password string) (*Handle, <-chan rfb.Event, error) {
	if port <= 0 || port > 65535 {
		return nil, nil, &LaunchError{Port: port, Err: fmt.Errorf("%w: %d (use 1-65535)", ErrInvalidPort, port)}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, nil, &LaunchError{Port: port, Err: err}
	}
	return LaunchListener(ctx, mode, ln, password)
}

// LaunchListener is Launch on an existing listener.
func LaunchListener(ctx context.Context, mode video.VideoMode, ln net.Listener, password string) (*Handle, <-chan rfb.Event, error) {
	if err := mode.Validate(); err != nil {
		ln.Close()
		return nil, nil, err
	}
	if mode.Width > 65535 || mode.Height > 65535 {
		ln.Close()
		return nil, nil, fmt.Errorf("%w: RFB framebuffers are at most 65535x65535", video.ErrInvalidMode)
	}

	srv, events := rfb.NewServer(int(mode.Width), int(mode.Height), DisplayName, password)
	h := &Handle{
		srv:  srv,
		addr: ln.Addr(),
		done: make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		// The accept loop gets a thread of its own, apart from the pump's.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		err := srv.Serve(ctx, ln)
		if err != nil && !errors.Is(err, rfb.ErrServerClosed) {
			logger.WithComponent("vnc").Error().Err(err).Msg("VNC server stopped")
		}
	}()

	logger.WithComponent("vnc").Info().
		Str("addr", ln.Addr().String()).
		Uint32("width", mode.Width).
		Uint32("height", mode.Height).
		Bool("auth", password != "").
		Msg("VNC server started")

	return h, events, nil
}

// UpdateRegion writes packed RGB triplets into the framebuffer.
func (h *Handle) UpdateRegion(x, y, w, ht int, rgb []byte) error {
	return h.srv.UpdateRegion(x, y, w, ht, rgb)
}

// Addr is the bound listen address.
func (h *Handle) Addr() net.Addr { return h.addr }

// Port is the bound TCP port.
func (h *Handle) Port() int {
	if tcp, ok := h.addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Clients returns the number of connected viewers.
func (h *Handle) Clients() int { return h.srv.Clients() }

// Close disconnects every viewer and waits for the accept loop to exit.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.srv.Close()
		<-h.done
	})
	return err
}
