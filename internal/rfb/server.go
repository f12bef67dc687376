// Package rfb is a minimal remote-framebuffer (VNC) server. It serves one
// shared RGB framebuffer with Raw encoding to any number of viewers.
package rfb

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"sync"
	"time"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

var (
	// ErrRegionOutOfBounds is returned by UpdateRegion for regions outside
	// the framebuffer.
	ErrRegionOutOfBounds = errors.New("region outside framebuffer")
	// ErrRegionSize is returned when the pixel data does not match the region.
	ErrRegionSize = errors.New("region data has wrong length")
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("rfb: server closed")
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	eventBuffer      = 64
	acceptRetryMin   = 5 * time.Millisecond
	acceptRetryMax   = time.Second
)

// EventKind classifies connection events.
type EventKind int

const (
	EventClientConnected EventKind = iota
	EventClientDisconnected
	EventAuthFailed
	EventServeFailed
)

func (k EventKind) String() string {
	switch k {
	case EventClientConnected:
		return "client_connected"
	case EventClientDisconnected:
		return "client_disconnected"
	case EventAuthFailed:
		return "auth_failed"
	case EventServeFailed:
		return "serve_failed"
	default:
		return "unknown"
	}
}

// Event reports connection lifecycle. Events are observational; nothing in
// the frame path waits on them.
type Event struct {
	Kind     EventKind
	ClientID uuid.UUID
	Addr     string
	Err      error
	Time     time.Time
}

// Server holds the framebuffer and the connected clients.
type Server struct {
	width, height int
	name          string
	password      string

	fbMu sync.RWMutex
	fb   []byte // packed RGB

	clientsMu sync.Mutex
	clients   map[uuid.UUID]*client
	conns     map[net.Conn]struct{}
	listeners map[net.Listener]struct{}
	closed    bool

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool

	wg conc.WaitGroup
}

// NewServer creates a server for a width×height framebuffer. An empty
// password disables authentication. The returned channel carries
// connection events until Close.
func NewServer(width, height int, name, password string) (*Server, <-chan Event) {
	s := &Server{
		width:     width,
		height:    height,
		name:      name,
		password:  password,
		fb:        make([]byte, width*height*3),
		clients:   make(map[uuid.UUID]*client),
		conns:     make(map[net.Conn]struct{}),
		listeners: make(map[net.Listener]struct{}),
		events:    make(chan Event, eventBuffer),
	}
	return s, s.events
}

// Bounds is the framebuffer rectangle.
func (s *Server) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.width, s.height)
}

// Clients returns the number of viewers past the handshake.
func (s *Server) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// UpdateRegion copies rgb (w*h packed RGB triplets) into the framebuffer at
// (x, y) and schedules the region for every client.
func (s *Server) UpdateRegion(x, y, w, h int, rgb []byte) error {
	r := image.Rect(x, y, x+w, y+h)
	if w <= 0 || h <= 0 || !r.In(s.Bounds()) {
		return fmt.Errorf("%w: %v not in %v", ErrRegionOutOfBounds, r, s.Bounds())
	}
	if len(rgb) != w*h*3 {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrRegionSize, len(rgb), w*h*3)
	}

	s.fbMu.Lock()
	if x == 0 && w == s.width {
		copy(s.fb[y*s.width*3:], rgb)
	} else {
		for row := 0; row < h; row++ {
			off := ((y+row)*s.width + x) * 3
			copy(s.fb[off:off+w*3], rgb[row*w*3:(row+1)*w*3])
		}
	}
	s.fbMu.Unlock()

	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.markDirty(r)
	}
	s.clientsMu.Unlock()
	return nil
}

// snapshot copies rect r of the framebuffer as packed RGB.
func (s *Server) snapshot(r image.Rectangle, dst []byte) []byte {
	n := r.Dx() * r.Dy() * 3
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	s.fbMu.RLock()
	for row := 0; row < r.Dy(); row++ {
		off := ((r.Min.Y+row)*s.width + r.Min.X) * 3
		copy(dst[row*r.Dx()*3:], s.fb[off:off+r.Dx()*3])
	}
	s.fbMu.RUnlock()
	return dst
}

// Serve accepts viewers on ln until ctx is cancelled or Close is called.
// Temporary accept errors such as EMFILE are retried with backoff; any
// other accept failure is reported as an EventServeFailed event and
// returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := logger.WithComponent("rfb")

	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.clientsMu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("RFB server listening")

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = acceptRetryMin
	retry.MaxInterval = acceptRetryMax
	retry.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.clientsMu.Lock()
			closed := s.closed
			s.clientsMu.Unlock()
			if closed {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				delay := retry.NextBackOff()
				log.Warn().Err(err).Dur("retry_in", delay).Msg("Accept failed, retrying")
				select {
				case <-ctx.Done():
					return ErrServerClosed
				case <-time.After(delay):
				}
				continue
			}
			s.emit(Event{Kind: EventServeFailed, Addr: ln.Addr().String(), Err: err})
			return fmt.Errorf("accept failed: %w", err)
		}

		retry.Reset()

		s.clientsMu.Lock()
		if s.closed {
			s.clientsMu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.conns[conn] = struct{}{}
		s.wg.Go(func() { s.serveConn(conn) })
		s.clientsMu.Unlock()
	}
}

// Close stops every listener and disconnects every client, then waits for
// their goroutines. The event channel is closed afterwards.
func (s *Server) Close() error {
	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		return nil
	}
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.clientsMu.Unlock()

	s.wg.Wait()

	s.eventsMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.eventsMu.Unlock()
	return nil
}

func (s *Server) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		logger.WithComponent("rfb").Debug().Str("event", ev.Kind.String()).Msg("Event dropped, receiver is slow")
	}
}

func (s *Server) serveConn(conn net.Conn) {
	log := logger.WithComponent("rfb")
	addr := conn.RemoteAddr().String()
	defer func() {
		conn.Close()
		s.clientsMu.Lock()
		delete(s.conns, conn)
		s.clientsMu.Unlock()
	}()

	c := newClient(s, conn)

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := c.handshake(); err != nil {
		if errors.Is(err, errAuthFailed) {
			s.emit(Event{Kind: EventAuthFailed, ClientID: c.id, Addr: addr, Err: err})
		}
		log.Warn().Err(err).Str("addr", addr).Msg("Handshake failed")
		return
	}
	conn.SetDeadline(time.Time{})

	if !s.register(c) {
		return
	}
	s.emit(Event{Kind: EventClientConnected, ClientID: c.id, Addr: addr})

	err := c.run()

	s.unregister(c)
	s.emit(Event{Kind: EventClientDisconnected, ClientID: c.id, Addr: addr, Err: err})
}

func (s *Server) register(c *client) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	return true
}

func (s *Server) unregister(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
}
