package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/weadless/internal/video"
)

// Stage names the elements of a streaming pipeline. Each element is created
// with its stage as element name so bus errors can be traced back.
type Stage string

const (
	StageSource    Stage = "source"
	StageConvert   Stage = "convert"
	StageEncoder   Stage = "encoder"
	StagePayloader Stage = "payloader"
	StageSink      Stage = "sink"
	StagePipeline  Stage = "pipeline"
)

const (
	// PayloadType is the dynamic RTP payload type used for H.264.
	PayloadType = 96
	// ConfigInterval re-sends SPS/PPS every second.
	ConfigInterval = 1
)

// Element is one stage of a linear pipeline.
type Element struct {
	Stage   Stage
	Factory string
	Props   []Property
}

// Plan is a fully resolved streaming pipeline, ready to launch.
type Plan struct {
	Mode     video.VideoMode
	Encoder  Encoder
	Endpoint Endpoint
	Protocol Protocol
	Elements []Element
}

// NewPlan lays out appsrc ! videoconvert ! encoder ! rtph264pay ! sink.
func NewPlan(mode video.VideoMode, enc Encoder, ep Endpoint, proto Protocol) (Plan, error) {
	if err := mode.Validate(); err != nil {
		return Plan{}, err
	}

	var sink Element
	switch proto {
	case ProtocolUDP:
		sink = Element{Stage: StageSink, Factory: "udpsink", Props: []Property{
			{"host", ep.Host},
			{"port", strconv.Itoa(int(ep.Port))},
		}}
	case ProtocolTCP:
		// sync=false keeps a slow client from pacing the encoder;
		// tcpserversink keeps accepting after a client leaves.
		sink = Element{Stage: StageSink, Factory: "tcpserversink", Props: []Property{
			{"host", ep.Host},
			{"port", strconv.Itoa(int(ep.Port))},
			{"sync", "false"},
		}}
	default:
		return Plan{}, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, proto)
	}

	return Plan{
		Mode:     mode,
		Encoder:  enc,
		Endpoint: ep,
		Protocol: proto,
		Elements: []Element{
			{Stage: StageSource, Factory: "appsrc", Props: []Property{
				{"is-live", "true"},
				{"format", "time"},
				{"do-timestamp", "true"},
				{"caps", mode.Caps()},
			}},
			{Stage: StageConvert, Factory: "videoconvert"},
			{Stage: StageEncoder, Factory: enc.Factory, Props: enc.Props},
			{Stage: StagePayloader, Factory: "rtph264pay", Props: []Property{
				{"pt", strconv.Itoa(PayloadType)},
				{"config-interval", strconv.Itoa(ConfigInterval)},
			}},
			sink,
		},
	}, nil
}

// Assembler creates, configures and links pipeline elements one at a time.
type Assembler interface {
	Create(stage Stage, factory string) error
	Set(stage Stage, prop Property) error
	Link(from, to Stage) error
}

// Assemble walks the plan through a, creating every element with its
// properties, then linking them in order. Failures name the stage.
func (p Plan) Assemble(a Assembler) error {
	for _, el := range p.Elements {
		if err := a.Create(el.Stage, el.Factory); err != nil {
			return &StageError{Stage: el.Stage, Err: err}
		}
		for _, prop := range el.Props {
			if err := a.Set(el.Stage, prop); err != nil {
				return &StageError{Stage: el.Stage, Err: err}
			}
		}
	}
	for i := 1; i < len(p.Elements); i++ {
		from, to := p.Elements[i-1].Stage, p.Elements[i].Stage
		if err := a.Link(from, to); err != nil {
			return &StageError{Stage: to, Err: err}
		}
	}
	return nil
}

// Description renders the plan in gst-launch syntax for logs.
func (p Plan) Description() string {
	parts := make([]string, 0, len(p.Elements))
	for _, el := range p.Elements {
		var b strings.Builder
		fmt.Fprintf(&b, "%s name=%s", el.Factory, el.Stage)
		for _, prop := range el.Props {
			v := prop.Value
			if strings.ContainsAny(v, " ,!=\"") {
				v = strconv.Quote(v)
			}
			fmt.Fprintf(&b, " %s=%s", prop.Name, v)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " ! ")
}

// ReceiverCommand returns the gst-launch command a client runs to play the
// stream.
func ReceiverCommand(proto Protocol, ep Endpoint) string {
	switch proto {
	case ProtocolTCP:
		return fmt.Sprintf("gst-launch-1.0 tcpclientsrc host=%s port=%d ! "+
			"application/x-rtp,encoding-name=H264,payload=%d ! rtph264depay ! h264parse ! "+
			"avdec_h264 ! videoconvert ! autovideosink", ep.Host, ep.Port, PayloadType)
	default:
		return fmt.Sprintf("gst-launch-1.0 udpsrc port=%d "+
			"caps=\"application/x-rtp,media=video,encoding-name=H264,payload=%d\" ! "+
			"rtph264depay ! avdec_h264 ! videoconvert ! autovideosink", ep.Port, PayloadType)
	}
}
