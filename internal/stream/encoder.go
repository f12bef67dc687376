package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrNoEncoderAvailable is returned when none of the H.264 encoders is
// installed.
var ErrNoEncoderAvailable = errors.New("no H.264 encoder available")

// Property is one element property in launch syntax.
type Property struct {
	Name  string
	Value string
}

// Encoder is a candidate H.264 encoder element.
type Encoder struct {
	Factory     string
	Description string
	Plugin      string
	Hardware    bool
	// Props tune the encoder for latency where it exposes such a knob.
	Props []Property
}

// Encoders is the fixed priority order: first installed wins.
var Encoders = []Encoder{
	{
		Factory:     "vaapih264enc",
		Description: "VA-API hardware encoder",
		Plugin:      "gstreamer1.0-vaapi",
		Hardware:    true,
		Props:       []Property{{"tune", "low-power"}},
	},
	{
		Factory:     "nvh264enc",
		Description: "NVIDIA NVENC hardware encoder",
		Plugin:      "gstreamer1.0-plugins-bad",
		Hardware:    true,
	},
	{
		Factory:     "x264enc",
		Description: "x264 software encoder",
		Plugin:      "gstreamer1.0-plugins-ugly",
		Props:       []Property{{"tune", "zerolatency"}, {"speed-preset", "ultrafast"}},
	},
	{
		Factory:     "avenc_h264",
		Description: "libav software encoder",
		Plugin:      "gstreamer1.0-libav",
	},
}

// Registry answers whether an element factory can be instantiated here.
type Registry interface {
	HasElement(factory string) bool
}

// GstRegistry queries the GStreamer plugin registry.
type GstRegistry struct{}

// NewGstRegistry initialises GStreamer and returns a registry lookup.
func NewGstRegistry() GstRegistry {
	gst.Init(nil)
	return GstRegistry{}
}

func (GstRegistry) HasElement(factory string) bool {
	return gst.Find(factory) != nil
}

// SelectEncoder returns the first encoder in Encoders that reg reports as
// installed.
func SelectEncoder(reg Registry) (Encoder, error) {
	for _, enc := range Encoders {
		if reg.HasElement(enc.Factory) {
			return enc, nil
		}
	}

	var b strings.Builder
	b.WriteString("install one of:")
	for _, enc := range Encoders {
		fmt.Fprintf(&b, "\n  - %s (%s", enc.Plugin, enc.Factory)
		if enc.Hardware {
			b.WriteString(", needs matching GPU")
		}
		b.WriteString(")")
	}
	return Encoder{}, fmt.Errorf("%w; %s", ErrNoEncoderAvailable, b.String())
}
