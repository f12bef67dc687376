package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/weadless/internal/api"
	"github.com/bryanchriswhite/weadless/internal/discovery"
	"github.com/bryanchriswhite/weadless/internal/display"
	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/output"
	"github.com/bryanchriswhite/weadless/internal/pump"
	"github.com/bryanchriswhite/weadless/internal/rfb"
	"github.com/bryanchriswhite/weadless/internal/shutdown"
	"github.com/bryanchriswhite/weadless/internal/video"
	"github.com/bryanchriswhite/weadless/internal/vnc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the display and stream its frames",
	Long: `Create the display, open the selected output and pump frames into it
at the configured rate until interrupted.

A status server with /api/status and an /api/events websocket runs on
--status-port unless it is 0.`,
	Example: `  # Test pattern, frames dropped
  weadless serve

  # H.264 over RTP to a local receiver
  weadless serve --output appsrc --output-address 127.0.0.1:5000

  # Raw H.264 over TCP
  weadless serve --output appsrc --protocol tcp --output-address 0.0.0.0:5000

  # Capture Xvfb :99 and serve it over VNC, advertised via mDNS
  weadless serve --render-node x11:99 --output vnc --vnc-port 5900 --mdns

  # Motion JPEG in the browser at http://localhost:8080/stream
  weadless serve --output mjpeg --width 1280 --height 720 --fps 30

  # Watch the frames in a local window
  weadless serve --output preview --width 640 --height 480`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("render-node", "software", "frame source: software, x11[:N] or gst:<source>")
	f.Int("width", 1920, "display width")
	f.Int("height", 1080, "display height")
	f.Int("fps", 60, "frame rate")
	f.String("format", "RGBx", "pixel format (RGBx, RGBA, BGRx, BGRA)")
	f.String("output", "none", "output backend (none, appsrc, rtsp, vnc, mjpeg, preview)")
	f.String("output-address", "127.0.0.1:5000", "host:port for the appsrc output")
	f.String("protocol", "udp", "transport for the appsrc output (udp or tcp)")
	f.Int("rtsp-port", 8554, "RTSP port (reserved)")
	f.Int("vnc-port", 5900, "VNC listen port")
	f.String("vnc-password", "", "VNC password (empty disables authentication)")
	f.Int("jpeg-quality", 80, "JPEG quality for the mjpeg output")
	f.Bool("mdns", false, "advertise the VNC server via mDNS")
	f.String("preview-display", "", "X display for the preview window (default $DISPLAY)")
	f.Int("status-port", 8080, "status server port (0 disables)")

	for key, flag := range map[string]string{
		"render_node":            "render-node",
		"display.width":          "width",
		"display.height":         "height",
		"display.fps":            "fps",
		"display.format":         "format",
		"output.kind":            "output",
		"output.address":         "output-address",
		"output.protocol":        "protocol",
		"output.rtsp_port":       "rtsp-port",
		"output.vnc_port":        "vnc-port",
		"output.vnc_password":    "vnc-password",
		"output.jpeg_quality":    "jpeg-quality",
		"output.mdns":            "mdns",
		"output.preview_display": "preview-display",
		"status_port":            "status-port",
	} {
		v.BindPFlag(key, f.Lookup(flag))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	mode, warnings, err := cfg.VideoMode()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	kind, err := output.ParseKind(cfg.Output.Kind)
	if err != nil {
		return err
	}

	log.Info().
		Str("render_node", cfg.RenderNode).
		Str("mode", mode.String()).
		Str("output", string(kind)).
		Msg("Starting weadless")

	coord := shutdown.New(cmd.Context())
	defer coord.NotifyOnSignal(os.Interrupt, syscall.SIGTERM)()

	var statusLn net.Listener
	if cfg.StatusPort > 0 {
		statusLn, err = api.Listen(cfg.StatusPort)
		if err != nil {
			return err
		}
		defer statusLn.Close()
	}

	disp, err := display.Create(cfg.RenderNode)
	if err != nil {
		return fmt.Errorf("failed to create display: %w", err)
	}
	defer disp.Close()

	if err := disp.SetMode(mode); err != nil {
		return fmt.Errorf("failed to set display mode %s: %w", mode, err)
	}
	env := disp.EnvVars()
	printClientEnv(env)

	backend, err := output.Open(coord.Context(), output.Options{
		Kind:        kind,
		Mode:        mode,
		Address:     cfg.Output.Address,
		Protocol:    cfg.Output.Protocol,
		RTSPPort:    cfg.Output.RTSPPort,
		VNCPort:     cfg.Output.VNCPort,
		VNCPassword: cfg.Output.VNCPassword,
		JPEGQuality: cfg.Output.JPEGQuality,

		PreviewDisplay: cfg.Output.PreviewDisplay,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s output: %w", kind, err)
	}

	p := pump.New(disp, backend, pump.Config{Rate: mode.Rate})
	hub := api.NewHub()
	coord.OnShutdown(func() {
		hub.Publish("shutdown", map[string]string{"reason": coord.Reason()})
	})

	g, gctx := errgroup.WithContext(coord.Context())

	if fb, ok := backend.(*output.Framebuffer); ok {
		g.Go(func() error {
			forwardEvents(fb.Events(), hub)
			return nil
		})
		if cfg.Output.MDNS {
			if h, ok := fb.Server().(*vnc.Handle); ok {
				advertise(gctx, g, h.Port(), mode, cfg.Output.VNCPassword != "")
			}
		}
	}

	if statusLn != nil {
		mjpeg, _ := backend.(*output.MJPEG)
		var streamURL string
		if s, ok := backend.(*output.Streaming); ok {
			streamURL = fmt.Sprintf("%s://%s", s.Protocol(), s.Endpoint())
		}
		srv := api.NewServer(api.Options{
			Config: cfg,
			Hub:    hub,
			MJPEG:  mjpeg,
			Status: func() api.Status {
				return api.Status{
					RenderNode: cfg.RenderNode,
					Mode:       mode,
					Output:     string(kind),
					Backend:    backend.Name(),
					Stream:     streamURL,
					Clients:    output.Clients(backend),
					Env:        env,
					Pump:       p.Stats(),
				}
			},
		})
		g.Go(func() error {
			// The port is already bound; a failure here is the server
			// dying mid-run, which stops the process like a signal.
			if err := srv.Serve(gctx, statusLn); err != nil {
				coord.Trigger("status server failed")
				return err
			}
			return nil
		})
		port := strconv.Itoa(cfg.StatusPort)
		log.Info().Msgf("Status API at http://localhost:%s/api/status", port)
		if mjpeg != nil {
			log.Info().Msgf("MJPEG stream at http://localhost:%s/stream", port)
		}
	}

	log.Info().Msg("Press Ctrl+C to stop")
	runErr := p.Run(coord.Context())
	coord.Trigger("frame pump stopped")

	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	log.Info().Str("reason", coord.Reason()).Msg("Shut down")
	return runErr
}

func printClientEnv(env map[string]string) {
	if len(env) == 0 {
		fmt.Println("Display needs no client environment.")
		return
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println("Point clients at the display with:")
	for _, k := range keys {
		fmt.Printf("  export %s=%s\n", k, env[k])
	}
	fmt.Println()
}

// forwardEvents logs VNC connection events and republishes them on the
// status hub until the server closes the channel.
func forwardEvents(events <-chan rfb.Event, hub *api.Hub) {
	log := logger.WithComponent("vnc")
	for ev := range events {
		data := map[string]string{
			"client_id": ev.ClientID.String(),
			"addr":      ev.Addr,
		}
		entry := log.Info()
		if ev.Err != nil {
			data["error"] = ev.Err.Error()
			entry = log.Warn().Err(ev.Err)
		}
		entry.Str("event", ev.Kind.String()).
			Str("client_id", data["client_id"]).
			Str("addr", ev.Addr).
			Msg("VNC event")
		hub.Publish(ev.Kind.String(), data)
	}
}

func advertise(ctx context.Context, g *errgroup.Group, port int, mode video.VideoMode, auth bool) {
	log := logger.WithComponent("mdns")
	ad, err := discovery.AdvertiseVNC(discovery.InstanceName(vnc.DisplayName), port, mode, auth)
	if err != nil {
		log.Warn().Err(err).Msg("mDNS advertisement failed, continuing without it")
		return
	}
	g.Go(func() error {
		<-ctx.Done()
		ad.Shutdown()
		return nil
	})
}
