package display

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bryanchriswhite/weadless/internal/video"
)

func TestCreateRejectsUnknownNode(t *testing.T) {
	if _, err := Create("/dev/dri/renderD128"); !errors.Is(err, ErrUnknownRenderNode) {
		t.Fatalf("expected ErrUnknownRenderNode, got %v", err)
	}
	if _, err := Create("gst:"); !errors.Is(err, ErrUnknownRenderNode) {
		t.Fatalf("expected ErrUnknownRenderNode for empty gst source, got %v", err)
	}
}

func TestCreateSoftware(t *testing.T) {
	d, err := Create("software")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := d.(*Software); !ok {
		t.Fatalf("Create(software) returned %T", d)
	}
	if len(d.EnvVars()) != 0 {
		t.Fatalf("software display should export no env vars, got %v", d.EnvVars())
	}
}

func TestSoftwareNeedsMode(t *testing.T) {
	d := NewSoftware()
	if _, err := d.NextFrame(); !errors.Is(err, ErrModeNotSet) {
		t.Fatalf("expected ErrModeNotSet, got %v", err)
	}
	if err := d.SetMode(video.VideoMode{Format: video.FormatRGBx}); !errors.Is(err, video.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestSoftwareFrames(t *testing.T) {
	for _, f := range []video.Format{video.FormatRGBx, video.FormatBGRA} {
		t.Run(f.String(), func(t *testing.T) {
			mode := video.VideoMode{Format: f, Width: 64, Height: 48, Rate: 30}
			d := NewSoftware()
			if err := d.SetMode(mode); err != nil {
				t.Fatalf("SetMode: %v", err)
			}

			for i := uint64(0); i < 3; i++ {
				frame, err := d.NextFrame()
				if err != nil {
					t.Fatalf("NextFrame: %v", err)
				}
				if len(frame.Data) != mode.FrameSize() {
					t.Fatalf("frame is %d bytes, want %d", len(frame.Data), mode.FrameSize())
				}
				if frame.Format != f || frame.Width != 64 || frame.Height != 48 {
					t.Fatalf("unexpected frame geometry: %v %dx%d", frame.Format, frame.Width, frame.Height)
				}
				if frame.Seq != i {
					t.Fatalf("Seq = %d, want %d", frame.Seq, i)
				}
			}
		})
	}
}

func TestSoftwareFirstBarIsGrey(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatBGRx, Width: 70, Height: 30, Rate: 10}
	d := NewSoftware()
	if err := d.SetMode(mode); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	frame, err := d.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}

	rgb, err := video.ConvertToRGB(frame.Data, frame.Format)
	if err != nil {
		t.Fatalf("ConvertToRGB: %v", err)
	}
	// Pixel (5, 2) sits well inside the first bar.
	i := (2*70 + 5) * 3
	r, g, b := rgb[i], rgb[i+1], rgb[i+2]
	if r != g || g != b || r < 100 || r == 255 {
		t.Fatalf("pixel (5,2) = (%d,%d,%d), want light grey", r, g, b)
	}
}

func TestIsDraining(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrEOS, true},
		{ErrFlushing, true},
		{fmt.Errorf("pull: %w", ErrEOS), true},
		{errors.New("gst: pad is flushing"), true},
		{errors.New("internal data stream error: EOS"), true},
		{ErrNoFrame, false},
		{errors.New("no videos found"), false},
		{errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		if got := IsDraining(tt.err); got != tt.want {
			t.Errorf("IsDraining(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
