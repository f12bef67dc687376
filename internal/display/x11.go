package display

import (
	"fmt"
	"os"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
)

// X11 captures the root window of an X display, typically an Xvfb
// instance the headless clients render into.
type X11 struct {
	name   string
	conn   *xgb.Conn
	screen *xproto.ScreenInfo

	mode video.VideoMode
	set  bool
	seq  uint64
	buf  []byte
}

// NewX11 connects to display :number, or $DISPLAY when number is empty.
func NewX11(number string) (*X11, error) {
	name := os.Getenv("DISPLAY")
	if number != "" {
		name = ":" + number
	}

	conn, err := xgb.NewConnDisplay(name)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server %q: %w", name, err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	logger.WithComponent("display").Info().
		Str("source", "x11").
		Str("display", name).
		Uint16("root_width", screen.WidthInPixels).
		Uint16("root_height", screen.HeightInPixels).
		Uint8("depth", screen.RootDepth).
		Msg("Connected to X server")

	return &X11{name: name, conn: conn, screen: screen}, nil
}

func (x *X11) SetMode(mode video.VideoMode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	if x.screen.RootDepth != 24 && x.screen.RootDepth != 32 {
		return fmt.Errorf("unsupported X root depth %d (need 24 or 32)", x.screen.RootDepth)
	}
	if mode.Width > uint32(x.screen.WidthInPixels) || mode.Height > uint32(x.screen.HeightInPixels) {
		return fmt.Errorf("%w: %dx%d exceeds X screen %dx%d", video.ErrInvalidMode,
			mode.Width, mode.Height, x.screen.WidthInPixels, x.screen.HeightInPixels)
	}
	x.mode = mode
	x.set = true
	return nil
}

func (x *X11) NextFrame() (*video.Frame, error) {
	if !x.set {
		return nil, ErrModeNotSet
	}

	reply, err := xproto.GetImage(
		x.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(x.screen.Root),
		0, 0,
		uint16(x.mode.Width), uint16(x.mode.Height),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	size := x.mode.FrameSize()
	if len(reply.Data) < size {
		return nil, fmt.Errorf("short X image: %d bytes, want %d", len(reply.Data), size)
	}

	// ZPixmap at depth 24/32 on little-endian servers is BGRx.
	x.buf = make([]byte, size)
	if err := video.Swizzle(x.buf, reply.Data[:size], video.FormatBGRx, x.mode.Format); err != nil {
		return nil, err
	}

	f, err := video.NewFrame(x.mode, x.buf, x.seq)
	if err != nil {
		return nil, err
	}
	x.seq++
	return f, nil
}

func (x *X11) EnvVars() map[string]string {
	return map[string]string{"DISPLAY": x.name}
}

func (x *X11) Close() error {
	x.conn.Close()
	return nil
}
