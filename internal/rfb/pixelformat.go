package rfb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errColourMap = errors.New("colour-map pixel formats are not supported")

// PixelFormat is the 16-byte RFB PIXEL_FORMAT structure.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColour   bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// DefaultPixelFormat is what ServerInit advertises: 32bpp little-endian
// xRGB, depth 24.
var DefaultPixelFormat = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	TrueColour:   true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

// MarshalBinary encodes pf in wire order, including the 3 padding bytes.
func (pf PixelFormat) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16)
	b[0] = pf.BitsPerPixel
	b[1] = pf.Depth
	b[2] = boolByte(pf.BigEndian)
	b[3] = boolByte(pf.TrueColour)
	binary.BigEndian.PutUint16(b[4:], pf.RedMax)
	binary.BigEndian.PutUint16(b[6:], pf.GreenMax)
	binary.BigEndian.PutUint16(b[8:], pf.BlueMax)
	b[10] = pf.RedShift
	b[11] = pf.GreenShift
	b[12] = pf.BlueShift
	return b, nil
}

// UnmarshalBinary decodes a 16-byte PIXEL_FORMAT.
func (pf *PixelFormat) UnmarshalBinary(b []byte) error {
	if len(b) < 16 {
		return fmt.Errorf("pixel format needs 16 bytes, got %d", len(b))
	}
	*pf = PixelFormat{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColour:   b[3] != 0,
		RedMax:       binary.BigEndian.Uint16(b[4:]),
		GreenMax:     binary.BigEndian.Uint16(b[6:]),
		BlueMax:      binary.BigEndian.Uint16(b[8:]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
	return nil
}

// Validate rejects formats the encoder cannot produce.
func (pf PixelFormat) Validate() error {
	switch pf.BitsPerPixel {
	case 8, 16, 32:
	default:
		return fmt.Errorf("unsupported bits-per-pixel %d", pf.BitsPerPixel)
	}
	if !pf.TrueColour {
		return errColourMap
	}
	return nil
}

// BytesPerPixel is BitsPerPixel/8.
func (pf PixelFormat) BytesPerPixel() int {
	return int(pf.BitsPerPixel) / 8
}

// Encode converts packed RGB triplets into pf, appending to dst.
func (pf PixelFormat) Encode(dst, rgb []byte) []byte {
	bpp := pf.BytesPerPixel()
	for i := 0; i+2 < len(rgb); i += 3 {
		v := scale(rgb[i], pf.RedMax)<<pf.RedShift |
			scale(rgb[i+1], pf.GreenMax)<<pf.GreenShift |
			scale(rgb[i+2], pf.BlueMax)<<pf.BlueShift

		switch bpp {
		case 1:
			dst = append(dst, byte(v))
		case 2:
			if pf.BigEndian {
				dst = binary.BigEndian.AppendUint16(dst, uint16(v))
			} else {
				dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
			}
		default:
			if pf.BigEndian {
				dst = binary.BigEndian.AppendUint32(dst, v)
			} else {
				dst = binary.LittleEndian.AppendUint32(dst, v)
			}
		}
	}
	return dst
}

func scale(c uint8, max uint16) uint32 {
	if max == 255 {
		return uint32(c)
	}
	return (uint32(c)*uint32(max) + 127) / 255
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
