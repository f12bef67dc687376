// Package preview shows frames in a window on an X display, for watching
// the output locally without a viewer.
package preview

import (
	"errors"
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
)

// ErrClosed is returned by Show after Close.
var ErrClosed = errors.New("preview window closed")

// Window is a top-level X window sized to the video mode.
type Window struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	win    xproto.Window
	gc     xproto.Gcontext
	format zFormat
	rows   int

	width, height int

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// Open connects to display (empty for $DISPLAY) and maps a window of
// mode's size titled title.
func Open(display string, mode video.VideoMode, title string) (*Window, error) {
	log := logger.WithComponent("preview")

	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	w := &Window{
		conn:   conn,
		screen: screen,
		width:  int(mode.Width),
		height: int(mode.Height),
	}

	for _, f := range setup.PixmapFormats {
		if f.Depth == screen.RootDepth {
			w.format = zFormat{depth: f.Depth, bitsPerPel: f.BitsPerPixel, scanlinePad: f.ScanlinePad}
			break
		}
	}
	if w.format.bitsPerPel == 0 {
		conn.Close()
		return nil, fmt.Errorf("no pixmap format for depth %d", screen.RootDepth)
	}
	w.rows = rowsPerRequest(int(setup.MaximumRequestLength)*4, w.format.stride(w.width))

	if err := w.create(title); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().
		Int("width", w.width).
		Int("height", w.height).
		Uint32("window_id", uint32(w.win)).
		Int("rows_per_request", w.rows).
		Msg("Preview window created")

	return w, nil
}

func (w *Window) create(title string) error {
	win, err := xproto.NewWindowId(w.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	w.win = win

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}

	err = xproto.CreateWindowChecked(
		w.conn,
		w.screen.RootDepth,
		w.win,
		w.screen.Root,
		0, 0,
		uint16(w.width), uint16(w.height),
		0,
		xproto.WindowClassInputOutput,
		w.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := w.setTitle(title); err != nil {
		logger.WithComponent("preview").Warn().Err(err).Msg("Failed to set window title")
	}

	if err := xproto.MapWindowChecked(w.conn, w.win).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(w.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	w.gc = gc
	if err := xproto.CreateGCChecked(w.conn, w.gc, xproto.Drawable(w.win), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}

	w.conn.Sync()
	return nil
}

// Show draws f at the window origin. f must match the window size.
func (w *Window) Show(f *video.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if f.Width != w.width || f.Height != w.height {
		return fmt.Errorf("frame size %dx%d does not match window %dx%d", f.Width, f.Height, w.width, w.height)
	}

	var err error
	w.buf, err = packZPixmap(w.buf, f, w.format)
	if err != nil {
		return err
	}

	// Large frames exceed the maximum request length; send them in strips.
	stride := w.format.stride(w.width)
	for y := 0; y < w.height; y += w.rows {
		rows := min(w.rows, w.height-y)
		err := xproto.PutImageChecked(
			w.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(w.win),
			w.gc,
			uint16(w.width), uint16(rows),
			0, int16(y),
			0,
			w.format.depth,
			w.buf[y*stride:(y+rows)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image rows %d-%d: %w", y, y+rows, err)
		}
	}
	return nil
}

// Close destroys the window and disconnects.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.gc != 0 {
		xproto.FreeGC(w.conn, w.gc)
	}
	if w.win != 0 {
		xproto.DestroyWindow(w.conn, w.win)
		w.conn.Sync()
	}
	w.conn.Close()

	logger.WithComponent("preview").Info().Msg("Preview window closed")
	return nil
}

func (w *Window) setTitle(title string) error {
	nameAtom, err := w.atom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := w.atom("UTF8_STRING")
	if err != nil {
		return err
	}

	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.win,
		nameAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (w *Window) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
