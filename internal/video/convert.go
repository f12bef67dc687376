package video

import (
	"fmt"
	"image"
)

// ConvertToRGB packs a 4-byte-per-pixel buffer into 3-byte RGB triplets,
// dropping the fourth channel. BGR layouts are swapped into RGB order.
//
// A buffer whose length is not a multiple of 4 is rejected with
// ErrInvalidLength rather than truncated.
func ConvertToRGB(data []byte, f Format) ([]byte, error) {
	return AppendRGB(nil, data, f)
}

// AppendRGB is ConvertToRGB writing into dst[:0], growing it as needed, so
// callers converting every frame can reuse one buffer.
func AppendRGB(dst, data []byte, f Format) ([]byte, error) {
	if !f.Valid() {
		return dst[:0], fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
	if len(data)%BytesPerPixel != 0 {
		return dst[:0], fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(data))
	}

	n := len(data) / BytesPerPixel * 3
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	if f.IsBGR() {
		for i, o := 0, 0; i < len(data); i, o = i+4, o+3 {
			dst[o] = data[i+2]
			dst[o+1] = data[i+1]
			dst[o+2] = data[i]
		}
		return dst, nil
	}
	for i, o := 0, 0; i < len(data); i, o = i+4, o+3 {
		dst[o] = data[i]
		dst[o+1] = data[i+1]
		dst[o+2] = data[i+2]
	}
	return dst, nil
}

// Swizzle rewrites src (in layout from) into dst (in layout to). dst and src
// may be the same slice. Padding bytes are written as 0xff; alpha is carried
// over when both layouts have it.
func Swizzle(dst, src []byte, from, to Format) error {
	if !from.Valid() || !to.Valid() {
		return ErrUnsupportedFormat
	}
	if len(src)%BytesPerPixel != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(src))
	}
	if len(dst) < len(src) {
		return fmt.Errorf("destination holds %d bytes, need %d", len(dst), len(src))
	}

	swap := from.IsBGR() != to.IsBGR()
	keepAlpha := from.HasAlpha() && to.HasAlpha()
	for i := 0; i < len(src); i += 4 {
		c0, c1, c2, c3 := src[i], src[i+1], src[i+2], src[i+3]
		if swap {
			c0, c2 = c2, c0
		}
		if !keepAlpha {
			c3 = 0xff
		}
		dst[i], dst[i+1], dst[i+2], dst[i+3] = c0, c1, c2, c3
	}
	return nil
}

// ToRGBA copies a frame into a new opaque *image.RGBA.
func ToRGBA(f *Frame) (*image.RGBA, error) {
	if f.Width*f.Height*BytesPerPixel != len(f.Data) {
		return nil, fmt.Errorf("frame is %d bytes, %dx%d needs %d", len(f.Data), f.Width, f.Height, f.Width*f.Height*BytesPerPixel)
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	if err := Swizzle(img.Pix, f.Data, f.Format, FormatRGBx); err != nil {
		return nil, err
	}
	return img, nil
}
