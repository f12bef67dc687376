package output

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
)

// MJPEG streams frames as Motion JPEG over HTTP. Mount Handler at /stream
// and open it in a browser.
type MJPEG struct {
	mode    video.VideoMode
	quality int

	mu      sync.RWMutex
	running bool

	// Connected clients; closed is set by Stop under the same lock.
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
	closed    bool

	latestMu sync.RWMutex
	latest   []byte

	frameCount atomic.Uint64
	startTime  time.Time

	stopOnce sync.Once
}

// NewMJPEG creates a running MJPEG output. It claims the active-backend
// slot.
func NewMJPEG(mode video.VideoMode, quality int) (*MJPEG, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	logger.WithComponent("mjpeg").Info().
		Str("mode", mode.String()).
		Int("quality", quality).
		Msg("MJPEG output started")

	return &MJPEG{
		mode:      mode,
		quality:   quality,
		running:   true,
		clients:   make(map[chan []byte]struct{}),
		startTime: time.Now(),
	}, nil
}

func (m *MJPEG) Name() string { return "MJPEG HTTP stream" }
func (m *MJPEG) Kind() Kind   { return KindMJPEG }
func (m *MJPEG) sealed()      {}

// WriteFrame encodes f and sends it to every connected client. Slow clients
// skip frames.
func (m *MJPEG) WriteFrame(f *video.Frame) error {
	if !m.IsRunning() {
		return ErrStopped
	}

	img, err := video.ToRGBA(f)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.latestMu.Lock()
	m.latest = jpegData
	m.latestMu.Unlock()

	m.frameCount.Add(1)

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// IsRunning returns true until Stop.
func (m *MJPEG) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Clients returns the number of connected HTTP clients.
func (m *MJPEG) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Latest returns the most recent JPEG, or nil before the first frame.
func (m *MJPEG) Latest() []byte {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latest
}

// addClient registers a new stream. It fails once Stop has run, so every
// registered channel is closed by Stop.
func (m *MJPEG) addClient() (chan []byte, int, bool) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if m.closed {
		return nil, 0, false
	}
	ch := make(chan []byte, 2)
	m.clients[ch] = struct{}{}
	return ch, len(m.clients), true
}

// Stop ends every client stream.
func (m *MJPEG) Stop() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()

		m.clientsMu.Lock()
		m.closed = true
		for ch := range m.clients {
			close(ch)
		}
		m.clients = make(map[chan []byte]struct{})
		m.clientsMu.Unlock()

		release()
		logger.WithComponent("mjpeg").Info().
			Uint64("frames", m.frameCount.Load()).
			Dur("uptime", time.Since(m.startTime)).
			Msg("MJPEG output stopped")
	})
	return nil
}

// Handler serves the multipart stream.
func (m *MJPEG) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithComponent("mjpeg")

		frameChan, clientCount, ok := m.addClient()
		if !ok {
			http.Error(w, "stream stopped", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		log.Info().Int("clients", clientCount).Str("remote", r.RemoteAddr).Msg("Client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Client disconnected")
		}()

		// Start with the latest frame so a new viewer is not blank until
		// the next one.
		if latest := m.Latest(); latest != nil {
			if writePart(w, latest) != nil {
				return
			}
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if writePart(w, jpegData) != nil {
					return
				}
			}
		}
	}
}

// SnapshotHandler serves the latest frame as a single JPEG.
func (m *MJPEG) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latest := m.Latest()
		if latest == nil {
			http.Error(w, "no frame yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(latest)
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
