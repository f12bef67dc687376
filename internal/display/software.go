package display

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
	"github.com/gogpu/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// SMPTE-ish colour bars, left to right.
var bars = [...][3]float64{
	{0.75, 0.75, 0.75},
	{0.75, 0.75, 0},
	{0, 0.75, 0.75},
	{0, 0.75, 0},
	{0.75, 0, 0.75},
	{0.75, 0, 0},
	{0, 0, 0.75},
}

// Software renders a synthetic test pattern: colour bars, a marker
// sweeping across the lower third, and a frame counter.
type Software struct {
	mode video.VideoMode
	seq  uint64
	set  bool
}

// NewSoftware returns a Software display. SetMode must be called before
// NextFrame.
func NewSoftware() *Software {
	return &Software{}
}

func (s *Software) SetMode(mode video.VideoMode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	s.mode = mode
	s.set = true

	logger.WithComponent("display").Info().
		Str("source", "software").
		Str("mode", mode.String()).
		Msg("Display mode set")
	return nil
}

func (s *Software) NextFrame() (*video.Frame, error) {
	if !s.set {
		return nil, ErrModeNotSet
	}

	img, err := s.render()
	if err != nil {
		return nil, fmt.Errorf("failed to render test pattern: %w", err)
	}
	if err := video.Swizzle(img.Pix, img.Pix, video.FormatRGBA, s.mode.Format); err != nil {
		return nil, err
	}

	f, err := video.NewFrame(s.mode, img.Pix, s.seq)
	if err != nil {
		return nil, err
	}
	s.seq++
	return f, nil
}

func (s *Software) render() (*image.RGBA, error) {
	w, h := float64(s.mode.Width), float64(s.mode.Height)

	dc := gg.NewContext(int(s.mode.Width), int(s.mode.Height))
	defer dc.Close()
	dc.ClearWithColor(gg.RGB(0.1, 0.1, 0.1))

	barW := w / float64(len(bars))
	for i, c := range bars {
		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(float64(i)*barW, 0, math.Ceil(barW), h*2/3)
		if err := dc.Fill(); err != nil {
			return nil, err
		}
	}

	// One sweep every two seconds regardless of frame rate.
	period := 2 * float64(s.mode.Rate)
	phase := math.Mod(float64(s.seq), period) / period
	r := math.Max(4, h/18)
	dc.SetRGB(1, 1, 1)
	dc.DrawCircle(r+phase*(w-2*r), h*5/6, r)
	if err := dc.Fill(); err != nil {
		return nil, err
	}

	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return nil, fmt.Errorf("unexpected image type %T", dc.Image())
	}
	drawCounter(img, s.seq)
	return img, nil
}

func drawCounter(img *image.RGBA, seq uint64) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, img.Bounds().Dy()-8),
	}
	d.DrawString("frame " + strconv.FormatUint(seq, 10))
}

func (s *Software) EnvVars() map[string]string {
	return map[string]string{}
}

func (s *Software) Close() error {
	return nil
}
