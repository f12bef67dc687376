// Package api serves the read-only status endpoints of a running weadless
// process, its event websocket, and the MJPEG stream when that output is
// selected.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/weadless/internal/config"
	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/output"
	"github.com/bryanchriswhite/weadless/internal/pump"
	"github.com/bryanchriswhite/weadless/internal/video"
)

// Version is reported by /api/health.
const Version = "0.1.0"

const (
	defaultStatsInterval = 2 * time.Second
	shutdownTimeout      = 2 * time.Second
	writeTimeout         = 5 * time.Second
)

// Status is the body of /api/status.
type Status struct {
	RenderNode string            `json:"render_node"`
	Mode       video.VideoMode   `json:"mode"`
	Output     string            `json:"output"`
	Backend    string            `json:"backend"`
	// Stream is protocol://host:port of the RTP stream, if any.
	Stream string `json:"stream,omitempty"`
	// Clients counts VNC viewers or MJPEG clients.
	Clients          int               `json:"clients"`
	EventSubscribers int               `json:"event_subscribers"`
	Env              map[string]string `json:"env,omitempty"`
	Pump             pump.Stats        `json:"pump"`
}

// Options configures a Server.
type Options struct {
	Config *config.Config
	// Status is called for every status request and stats tick.
	Status func() Status
	Hub    *Hub
	// MJPEG is mounted at /stream and /snapshot.jpg when set.
	MJPEG *output.MJPEG
	// StatsInterval is the period of "stats" messages on /api/events.
	StatsInterval time.Duration
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}
	if opts.Status == nil {
		opts.Status = func() Status { return Status{} }
	}

	s := &Server{
		router: mux.NewRouter(),
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)

	if m := s.opts.MJPEG; m != nil {
		s.router.HandleFunc("/stream", m.Handler()).Methods("GET")
		s.router.HandleFunc("/snapshot.jpg", m.SnapshotHandler()).Methods("GET")
	} else {
		s.router.HandleFunc("/stream", s.handleNoMJPEG)
		s.router.HandleFunc("/snapshot.jpg", s.handleNoMJPEG)
	}
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Listen binds the status port on all interfaces. Call it before starting
// anything else so a taken port fails startup.
func Listen(port int) (net.Listener, error) {
	addr := ":" + strconv.Itoa(port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind status server on %s: %w (pick another --status-port, or 0 to disable it)", addr, err)
	}
	return ln, nil
}

// Serve serves on ln until ctx is cancelled, then shuts down. Streams that
// outlive the shutdown timeout are closed forcibly.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := logger.WithComponent("api")
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")

	select {
	case err := <-errCh:
		s.opts.Hub.Close()
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	s.opts.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Status server did not drain, closing")
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("Status server stopped")
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Status()
	st.EventSubscribers = s.opts.Hub.Subscribers()
	writeJSON(w, st)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		http.Error(w, "no configuration loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.Config)
}

func (s *Server) handleNoMJPEG(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "mjpeg output is not enabled (use --output mjpeg)", http.StatusNotFound)
}

// handleEvents streams hub messages plus a periodic "stats" message.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := s.opts.Hub.Subscribe()
	defer s.opts.Hub.Unsubscribe(updates)

	// Drain client frames so close messages are seen.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg Message) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	if err := write(Message{Type: "status", Time: time.Now(), Data: s.opts.Status()}); err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := write(msg); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-ticker.C:
			if err := write(Message{Type: "stats", Time: time.Now(), Data: s.opts.Status().Pump}); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}
