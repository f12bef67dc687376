package video

import (
	"errors"
	"fmt"
	"strings"
)

// Format identifies a packed 4-byte-per-pixel layout.
type Format int

const (
	FormatUnknown Format = iota
	FormatRGBx
	FormatRGBA
	FormatBGRx
	FormatBGRA
)

var (
	// ErrUnsupportedFormat is returned for formats outside the four packed layouts.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	// ErrInvalidLength is returned when a buffer is not a whole number of pixels.
	ErrInvalidLength = errors.New("buffer length is not a multiple of 4")
)

// BytesPerPixel is the stride of every supported source format.
const BytesPerPixel = 4

// String returns the GStreamer caps name of the format.
func (f Format) String() string {
	switch f {
	case FormatRGBx:
		return "RGBx"
	case FormatRGBA:
		return "RGBA"
	case FormatBGRx:
		return "BGRx"
	case FormatBGRA:
		return "BGRA"
	default:
		return "unknown"
	}
}

// Valid reports whether f is one of the supported layouts.
func (f Format) Valid() bool {
	return f >= FormatRGBx && f <= FormatBGRA
}

// HasAlpha reports whether the fourth byte carries alpha rather than padding.
func (f Format) HasAlpha() bool {
	return f == FormatRGBA || f == FormatBGRA
}

// IsBGR reports whether the red and blue channels are swapped.
func (f Format) IsBGR() bool {
	return f == FormatBGRx || f == FormatBGRA
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ParseFormat accepts the caps names (RGBx, BGRA, ...) and the long
// names (RGBX8888, BGRA8888, ...), case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RGBX", "RGBX8888":
		return FormatRGBx, nil
	case "RGBA", "RGBA8888":
		return FormatRGBA, nil
	case "BGRX", "BGRX8888":
		return FormatBGRx, nil
	case "BGRA", "BGRA8888":
		return FormatBGRA, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %q (use RGBx, RGBA, BGRx or BGRA)", ErrUnsupportedFormat, s)
}
