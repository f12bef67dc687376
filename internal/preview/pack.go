package preview

import (
	"fmt"

	"github.com/bryanchriswhite/weadless/internal/video"
)

// zFormat is the server's ZPixmap layout for one depth.
type zFormat struct {
	depth       uint8
	bitsPerPel  uint8
	scanlinePad uint8
}

// stride is the padded byte length of one scanline.
func (z zFormat) stride(width int) int {
	unpadded := width * int(z.bitsPerPel) / 8
	pad := int(z.scanlinePad) / 8
	if pad <= 1 {
		return unpadded
	}
	return (unpadded + pad - 1) / pad * pad
}

// packZPixmap converts f into the server's ZPixmap layout, reusing dst.
// Little-endian servers store 24 and 32 bpp pixels as B, G, R[, A/x].
func packZPixmap(dst []byte, f *video.Frame, z zFormat) ([]byte, error) {
	bpp := int(z.bitsPerPel) / 8
	if bpp != 3 && bpp != 4 {
		return nil, fmt.Errorf("unsupported bits per pixel: %d", z.bitsPerPel)
	}
	if len(f.Data)%video.BytesPerPixel != 0 {
		return nil, video.ErrInvalidLength
	}
	if len(f.Data) < f.Width*f.Height*video.BytesPerPixel {
		return nil, fmt.Errorf("frame %d is %d bytes, want %d", f.Seq, len(f.Data), f.Width*f.Height*video.BytesPerPixel)
	}

	r, b := 0, 2
	if f.Format.IsBGR() {
		r, b = 2, 0
	}

	stride := z.stride(f.Width)
	size := stride * f.Height
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]

	for y := 0; y < f.Height; y++ {
		row := dst[y*stride : (y+1)*stride]
		src := f.Data[y*f.Width*video.BytesPerPixel:]
		for x := 0; x < f.Width; x++ {
			s := src[x*video.BytesPerPixel:]
			d := row[x*bpp:]
			d[0] = s[b]
			d[1] = s[1]
			d[2] = s[r]
			if bpp == 4 {
				switch {
				case z.depth != 32:
					d[3] = 0
				case f.Format.HasAlpha():
					d[3] = s[3]
				default:
					d[3] = 0xff
				}
			}
		}
		for i := f.Width * bpp; i < stride; i++ {
			row[i] = 0
		}
	}
	return dst, nil
}

// rowsPerRequest is how many scanlines fit in one PutImage request.
func rowsPerRequest(maxRequestBytes, stride int) int {
	const putImageHeader = 24
	rows := (maxRequestBytes - putImageHeader) / stride
	if rows < 1 {
		return 1
	}
	return rows
}
