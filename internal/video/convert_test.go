package video

import (
	"bytes"
	"errors"
	"testing"
)

func TestConvertToRGB_RGBOrder(t *testing.T) {
	const w, h = 3, 2
	for _, f := range []Format{FormatRGBx, FormatRGBA} {
		in := make([]byte, 4*w*h)
		for i := range in {
			in[i] = byte(i * 7)
		}

		out, err := ConvertToRGB(in, f)
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", f, err)
		}
		if len(out) != 3*w*h {
			t.Fatalf("%v: expected %d bytes, got %d", f, 3*w*h, len(out))
		}
		for i := 0; i < w*h; i++ {
			want := []byte{in[4*i], in[4*i+1], in[4*i+2]}
			if !bytes.Equal(out[3*i:3*i+3], want) {
				t.Fatalf("%v: triplet %d = %v, want %v", f, i, out[3*i:3*i+3], want)
			}
		}
	}
}

func TestConvertToRGB_BGROrder(t *testing.T) {
	const w, h = 4, 4
	for _, f := range []Format{FormatBGRx, FormatBGRA} {
		in := make([]byte, 4*w*h)
		for i := range in {
			in[i] = byte(255 - i)
		}

		out, err := ConvertToRGB(in, f)
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", f, err)
		}
		for i := 0; i < w*h; i++ {
			want := []byte{in[4*i+2], in[4*i+1], in[4*i]}
			if !bytes.Equal(out[3*i:3*i+3], want) {
				t.Fatalf("%v: triplet %d = %v, want %v", f, i, out[3*i:3*i+3], want)
			}
		}
	}
}

func TestConvertToRGB_BGRxRoundTrip(t *testing.T) {
	rgb := []byte{
		255, 0, 0,
		0, 255, 0,
		0, 0, 255,
		12, 34, 56,
	}
	bgrx := make([]byte, 0, len(rgb)/3*4)
	for i := 0; i < len(rgb); i += 3 {
		bgrx = append(bgrx, rgb[i+2], rgb[i+1], rgb[i], 0)
	}

	out, err := ConvertToRGB(bgrx, FormatBGRx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, rgb) {
		t.Fatalf("round trip mismatch: got %v, want %v", out, rgb)
	}
}

func TestConvertToRGB_PartialPixelFails(t *testing.T) {
	const w, h = 8, 8
	in := make([]byte, 4*w*h-1)

	for i := 0; i < 2; i++ {
		out, err := ConvertToRGB(in, FormatRGBx)
		if !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("expected ErrInvalidLength, got %v", err)
		}
		if len(out) != 0 {
			t.Fatalf("expected no output on failure, got %d bytes", len(out))
		}
	}
}

func TestConvertToRGB_UnsupportedFormat(t *testing.T) {
	_, err := ConvertToRGB(make([]byte, 8), FormatUnknown)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestAppendRGB_ReusesBuffer(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	buf := make([]byte, 0, 64)

	out, err := AppendRGB(buf, in, FormatRGBA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if &out[0] != &buf[:1][0] {
		t.Fatal("expected AppendRGB to reuse the destination buffer")
	}
	if !bytes.Equal(out, []byte{1, 2, 3, 5, 6, 7}) {
		t.Fatalf("got %v", out)
	}
}

func TestSwizzle(t *testing.T) {
	src := []byte{10, 20, 30, 40}

	tests := []struct {
		from, to Format
		want     []byte
	}{
		{FormatRGBA, FormatBGRA, []byte{30, 20, 10, 40}},
		{FormatRGBA, FormatRGBx, []byte{10, 20, 30, 0xff}},
		{FormatBGRx, FormatRGBA, []byte{30, 20, 10, 0xff}},
		{FormatBGRx, FormatBGRx, []byte{10, 20, 30, 0xff}},
	}
	for _, tt := range tests {
		dst := make([]byte, 4)
		if err := Swizzle(dst, src, tt.from, tt.to); err != nil {
			t.Fatalf("%v->%v: unexpected error: %v", tt.from, tt.to, err)
		}
		if !bytes.Equal(dst, tt.want) {
			t.Errorf("%v->%v: got %v, want %v", tt.from, tt.to, dst, tt.want)
		}
	}
}

func TestSwizzle_InPlace(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := Swizzle(buf, buf, FormatBGRA, FormatRGBA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf, []byte{3, 2, 1, 4, 7, 6, 5, 8}) {
		t.Fatalf("got %v", buf)
	}
}

func TestToRGBA(t *testing.T) {
	f := &Frame{Data: []byte{0, 0, 255, 0}, Format: FormatBGRx, Width: 1, Height: 1}
	img, err := ToRGBA(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := img.RGBAAt(0, 0)
	if c.R != 255 || c.G != 0 || c.B != 0 || c.A != 255 {
		t.Fatalf("got %+v, want opaque red", c)
	}
}
