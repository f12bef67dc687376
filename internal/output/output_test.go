package output

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/weadless/internal/stream"
	"github.com/bryanchriswhite/weadless/internal/video"
	"github.com/bryanchriswhite/weadless/internal/vnc"
)

type update struct {
	x, y, w, h int
	rgb        []byte
}

type fakeServer struct {
	updates []update
	closed  int
	err     error
}

func (s *fakeServer) UpdateRegion(x, y, w, h int, rgb []byte) error {
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, update{x, y, w, h, append([]byte(nil), rgb...)})
	return nil
}

func (s *fakeServer) Close() error { s.closed++; return nil }

type fakeInjector struct {
	pushed []uint64
	closed int
}

func (i *fakeInjector) Push(f *video.Frame) error { i.pushed = append(i.pushed, f.Seq); return nil }
func (i *fakeInjector) Close() error              { i.closed++; return nil }

func solidFrame(mode video.VideoMode, px [4]byte, seq uint64) *video.Frame {
	data := bytes.Repeat(px[:], mode.Pixels())
	f, _ := video.NewFrame(mode, data, seq)
	return f
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"none": KindNone, "APPSRC": KindAppsrc, "rtsp": KindRTSP, " vnc ": KindVNC, "mjpeg": KindMJPEG,
		"Preview": KindPreview, "": KindNone,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("webrtc"); !errors.Is(err, ErrUnknownOutput) {
		t.Fatalf("expected ErrUnknownOutput, got %v", err)
	}
}

func TestFramebufferSolidRedFrames(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatRGBx, Width: 640, Height: 480, Rate: 30}
	srv := &fakeServer{}
	fb, err := NewFramebuffer(srv, nil)
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}
	defer fb.Stop()

	for i := 0; i < 10; i++ {
		if err := fb.WriteFrame(solidFrame(mode, [4]byte{255, 0, 0, 0}, uint64(i))); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}

	if len(srv.updates) != 10 {
		t.Fatalf("got %d updates, want 10", len(srv.updates))
	}
	want := bytes.Repeat([]byte{255, 0, 0}, 640*480)
	for i, u := range srv.updates {
		if u.x != 0 || u.y != 0 || u.w != 640 || u.h != 480 {
			t.Fatalf("update %d covers %d,%d %dx%d, want full frame", i, u.x, u.y, u.w, u.h)
		}
		if len(u.rgb) != 640*480*3 {
			t.Fatalf("update %d is %d bytes, want %d", i, len(u.rgb), 640*480*3)
		}
		if !bytes.Equal(u.rgb, want) {
			t.Fatalf("update %d is not solid (255,0,0)", i)
		}
	}
}

func TestFramebufferBGRFrames(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatBGRA, Width: 2, Height: 2, Rate: 30}
	srv := &fakeServer{}
	fb, err := NewFramebuffer(srv, nil)
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}
	defer fb.Stop()

	if err := fb.WriteFrame(solidFrame(mode, [4]byte{10, 20, 30, 40}, 0)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if want := bytes.Repeat([]byte{30, 20, 10}, 4); !bytes.Equal(srv.updates[0].rgb, want) {
		t.Fatalf("rgb = %v, want %v", srv.updates[0].rgb, want)
	}
}

func TestFramebufferErrorsAreReturned(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatRGBx, Width: 2, Height: 2, Rate: 30}
	srv := &fakeServer{err: errors.New("region busy")}
	fb, err := NewFramebuffer(srv, nil)
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}

	if err := fb.WriteFrame(solidFrame(mode, [4]byte{}, 0)); err == nil {
		t.Fatal("expected update error")
	}
	bad := &video.Frame{Data: make([]byte, 15), Format: video.FormatRGBx, Width: 2, Height: 2}
	if err := fb.WriteFrame(bad); !errors.Is(err, video.ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}

	fb.Stop()
	fb.Stop()
	if srv.closed != 1 {
		t.Fatalf("server closed %d times, want 1", srv.closed)
	}
	if err := fb.WriteFrame(solidFrame(mode, [4]byte{}, 1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestStreamingStopsOnce(t *testing.T) {
	inj := &fakeInjector{}
	s, err := NewStreaming(inj, stream.ProtocolUDP, stream.Endpoint{Host: "127.0.0.1", Port: 5000})
	if err != nil {
		t.Fatalf("NewStreaming: %v", err)
	}

	mode := video.VideoMode{Format: video.FormatRGBx, Width: 1, Height: 1, Rate: 1}
	for i := uint64(0); i < 3; i++ {
		if err := s.WriteFrame(solidFrame(mode, [4]byte{}, i)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if len(inj.pushed) != 3 || inj.pushed[2] != 2 {
		t.Fatalf("pushed %v", inj.pushed)
	}
	if s.Protocol() != stream.ProtocolUDP || s.Endpoint().String() != "127.0.0.1:5000" {
		t.Fatalf("stream goes to %s://%s", s.Protocol(), s.Endpoint())
	}

	s.Stop()
	s.Stop()
	if inj.closed != 1 {
		t.Fatalf("injector closed %d times, want 1", inj.closed)
	}
}

func TestOnlyOneActiveBackend(t *testing.T) {
	first, err := NewStreaming(&fakeInjector{}, stream.ProtocolUDP, stream.Endpoint{Host: "h", Port: 1})
	if err != nil {
		t.Fatalf("NewStreaming: %v", err)
	}
	if _, err := NewFramebuffer(&fakeServer{}, nil); !errors.Is(err, ErrBackendActive) {
		t.Fatalf("expected ErrBackendActive, got %v", err)
	}

	d, err := Open(context.Background(), Options{Kind: KindNone})
	if err != nil || !IsDisabled(d) {
		t.Fatalf("Disabled should not count as active: %v", err)
	}

	first.Stop()
	second, err := NewFramebuffer(&fakeServer{}, nil)
	if err != nil {
		t.Fatalf("NewFramebuffer after Stop: %v", err)
	}
	second.Stop()
}

type fakeWindow struct {
	shown  []uint64
	closed int
}

func (w *fakeWindow) Show(f *video.Frame) error { w.shown = append(w.shown, f.Seq); return nil }
func (w *fakeWindow) Close() error              { w.closed++; return nil }

func TestPreviewShowsFramesAndStopsOnce(t *testing.T) {
	w := &fakeWindow{}
	p, err := NewPreview(w)
	if err != nil {
		t.Fatalf("NewPreview: %v", err)
	}
	mode := video.VideoMode{Format: video.FormatBGRx, Width: 2, Height: 2, Rate: 1}
	for i := uint64(0); i < 2; i++ {
		if err := p.WriteFrame(solidFrame(mode, [4]byte{}, i)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	p.Stop()
	p.Stop()
	if len(w.shown) != 2 || w.closed != 1 {
		t.Fatalf("shown %v, closed %d", w.shown, w.closed)
	}
	if p.Kind() != KindPreview {
		t.Fatalf("Kind = %q", p.Kind())
	}
}

func TestOpenRTSPIsDisabled(t *testing.T) {
	b, err := Open(context.Background(), Options{Kind: KindRTSP, RTSPPort: 8554})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d, ok := b.(*Disabled)
	if !ok {
		t.Fatalf("rtsp opened %T, want *Disabled", b)
	}
	if d.Reason == "" {
		t.Fatal("disabled rtsp backend should carry a reason")
	}
}

func TestOpenVNCBadPort(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatRGBx, Width: 4, Height: 4, Rate: 1}
	_, err := Open(context.Background(), Options{Kind: KindVNC, Mode: mode, VNCPort: 0})
	if !errors.Is(err, vnc.ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
	// The failed launch must not hold the active slot.
	fb, err := NewFramebuffer(&fakeServer{}, nil)
	if err != nil {
		t.Fatalf("slot still held: %v", err)
	}
	fb.Stop()
}

func TestOpenAppsrcInvalidAddress(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatRGBx, Width: 4, Height: 4, Rate: 1}
	b := &stream.Builder{}
	_, err := Open(context.Background(), Options{
		Kind: KindAppsrc, Mode: mode, Address: "not-an-address", Protocol: "udp", Builder: b,
	})
	if !errors.Is(err, stream.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestMJPEGSnapshotAndStream(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatBGRx, Width: 16, Height: 8, Rate: 10}
	m, err := NewMJPEG(mode, 90)
	if err != nil {
		t.Fatalf("NewMJPEG: %v", err)
	}
	defer m.Stop()

	snap := httptest.NewRecorder()
	m.SnapshotHandler()(snap, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	if snap.Code != http.StatusServiceUnavailable {
		t.Fatalf("snapshot before first frame: status %d", snap.Code)
	}

	if err := m.WriteFrame(solidFrame(mode, [4]byte{0, 0, 255, 0}, 0)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	snap = httptest.NewRecorder()
	m.SnapshotHandler()(snap, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	img, err := jpeg.Decode(snap.Body)
	if err != nil {
		t.Fatalf("snapshot is not a JPEG: %v", err)
	}
	r, g, b, _ := img.At(8, 4).RGBA()
	if r>>8 < 200 || g>>8 > 60 || b>>8 > 60 {
		t.Fatalf("snapshot pixel = (%d,%d,%d), want red", r>>8, g>>8, b>>8)
	}

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	line := make(chan string, 1)
	go func() {
		l, _ := bufio.NewReader(resp.Body).ReadString('\n')
		line <- l
	}()
	select {
	case l := <-line:
		if l != "--frame\r\n" {
			t.Fatalf("first stream line = %q", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame on stream")
	}
}

type countingServer struct {
	fakeServer
	viewers int
}

func (s *countingServer) Clients() int { return s.viewers }

func TestClientsCountsViewers(t *testing.T) {
	fb, err := NewFramebuffer(&countingServer{viewers: 3}, nil)
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}
	if n := Clients(fb); n != 3 {
		t.Fatalf("Clients(framebuffer) = %d, want 3", n)
	}
	fb.Stop()

	fb, err = NewFramebuffer(&fakeServer{}, nil)
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}
	if n := Clients(fb); n != 0 {
		t.Fatalf("Clients of a server without a count = %d, want 0", n)
	}
	fb.Stop()

	mode := video.VideoMode{Format: video.FormatRGBx, Width: 2, Height: 2, Rate: 1}
	m, err := NewMJPEG(mode, 80)
	if err != nil {
		t.Fatalf("NewMJPEG: %v", err)
	}
	defer m.Stop()
	if _, _, ok := m.addClient(); !ok {
		t.Fatal("addClient refused on a running stream")
	}
	if n := Clients(m); n != 1 {
		t.Fatalf("Clients(mjpeg) = %d, want 1", n)
	}
	if n := Clients(&Disabled{}); n != 0 {
		t.Fatalf("Clients(disabled) = %d", n)
	}
}

func TestMJPEGRefusesClientsAfterStop(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatRGBx, Width: 2, Height: 2, Rate: 1}
	m, err := NewMJPEG(mode, 80)
	if err != nil {
		t.Fatalf("NewMJPEG: %v", err)
	}
	ch, _, ok := m.addClient()
	if !ok {
		t.Fatal("addClient refused on a running stream")
	}
	m.Stop()

	if _, open := <-ch; open {
		t.Fatal("client registered before Stop was not closed")
	}
	if _, _, ok := m.addClient(); ok {
		t.Fatal("client registered after Stop")
	}
	if n := m.Clients(); n != 0 {
		t.Fatalf("%d clients left after Stop", n)
	}

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stream after Stop: status %d", rec.Code)
	}
}

func TestOpenMJPEGFailureReturnsNilBackend(t *testing.T) {
	held, err := NewFramebuffer(&fakeServer{}, nil)
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}
	defer held.Stop()

	mode := video.VideoMode{Format: video.FormatRGBx, Width: 2, Height: 2, Rate: 1}
	b, err := Open(context.Background(), Options{Kind: KindMJPEG, Mode: mode})
	if !errors.Is(err, ErrBackendActive) {
		t.Fatalf("expected ErrBackendActive, got %v", err)
	}
	if b != nil {
		t.Fatalf("failed Open returned non-nil backend %#v", b)
	}
}
