// Package receiver implements the diagnostics side of the streaming
// output: it listens for the RTP/H.264 packets produced by an appsrc
// pipeline, checks them, and can dump the elementary stream to a file.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/stream"
)

// ErrPayloadType is returned for packets not carrying the expected
// dynamic payload type.
var ErrPayloadType = errors.New("unexpected RTP payload type")

const (
	nalNonIDR = 1
	nalIDR    = 5
	nalSPS    = 7
	nalPPS    = 8
	nalSTAPA  = 24
	nalFUA    = 28

	readPoll  = 100 * time.Millisecond
	maxPacket = 1 << 16
)

// Stats counts what the receiver has seen.
type Stats struct {
	Packets    uint64 `json:"packets"`
	Bytes      uint64 `json:"bytes"`
	Lost       uint64 `json:"lost"`
	OutOfOrder uint64 `json:"out_of_order"`
	Rejected   uint64 `json:"rejected"`
	SPS        uint64 `json:"sps"`
	PPS        uint64 `json:"pps"`
	IDR        uint64 `json:"idr"`
	NonIDR     uint64 `json:"non_idr"`
	Other      uint64 `json:"other"`
	SSRC       uint32 `json:"ssrc"`
}

// Receiver validates and depacketizes one RTP stream.
type Receiver struct {
	payloadType uint8

	mu      sync.Mutex
	stats   Stats
	lastSeq uint16
	started bool
	depack  codecs.H264Packet
	out     io.Writer
}

// New creates a receiver expecting the payload type of the streaming
// output. When out is non-nil the Annex-B H.264 stream is written to it.
func New(out io.Writer) *Receiver {
	return &Receiver{payloadType: stream.PayloadType, out: out}
}

// Stats returns a snapshot of the counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// HandlePacket processes one datagram.
func (r *Receiver) HandlePacket(b []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		r.mu.Lock()
		r.stats.Rejected++
		r.mu.Unlock()
		return fmt.Errorf("failed to parse RTP packet: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pkt.PayloadType != r.payloadType {
		r.stats.Rejected++
		return fmt.Errorf("%w: got %d, want %d", ErrPayloadType, pkt.PayloadType, r.payloadType)
	}

	r.stats.Packets++
	r.stats.Bytes += uint64(len(b))
	r.trackSequence(pkt.SequenceNumber, pkt.SSRC)
	r.countNALs(pkt.Payload)

	if r.out == nil {
		return nil
	}
	data, err := r.depack.Unmarshal(pkt.Payload)
	if err != nil {
		return fmt.Errorf("failed to depacketize H.264: %w", err)
	}
	if len(data) > 0 {
		if _, err := r.out.Write(data); err != nil {
			return fmt.Errorf("failed to write H.264 stream: %w", err)
		}
	}
	return nil
}

func (r *Receiver) trackSequence(seq uint16, ssrc uint32) {
	if !r.started || ssrc != r.stats.SSRC {
		r.started = true
		r.stats.SSRC = ssrc
		r.lastSeq = seq
		return
	}
	gap := int16(seq - r.lastSeq - 1)
	switch {
	case gap > 0:
		r.stats.Lost += uint64(gap)
		r.lastSeq = seq
	case gap < 0:
		r.stats.OutOfOrder++
	default:
		r.lastSeq = seq
	}
}

func (r *Receiver) countNALs(payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch typ := payload[0] & 0x1F; typ {
	case nalSTAPA:
		for off := 1; off+2 <= len(payload); {
			size := int(payload[off])<<8 | int(payload[off+1])
			off += 2
			if size == 0 || off+size > len(payload) {
				return
			}
			r.count(payload[off] & 0x1F)
			off += size
		}
	case nalFUA:
		// Count a fragmented unit once, on its start fragment.
		if len(payload) > 1 && payload[1]&0x80 != 0 {
			r.count(payload[1] & 0x1F)
		}
	default:
		r.count(typ)
	}
}

func (r *Receiver) count(typ byte) {
	switch typ {
	case nalSPS:
		r.stats.SPS++
	case nalPPS:
		r.stats.PPS++
	case nalIDR:
		r.stats.IDR++
	case nalNonIDR:
		r.stats.NonIDR++
	default:
		r.stats.Other++
	}
}

// Run reads datagrams from conn until ctx is cancelled. Bad packets are
// logged and skipped. A summary is logged every report interval.
func (r *Receiver) Run(ctx context.Context, conn net.PacketConn, report time.Duration) error {
	log := logger.WithComponent("receiver")
	buf := make([]byte, maxPacket)

	var ticker <-chan time.Time
	if report > 0 {
		t := time.NewTicker(report)
		defer t.Stop()
		ticker = t.C
	}

	log.Info().Str("addr", conn.LocalAddr().String()).Msg("Waiting for RTP packets")

	for {
		select {
		case <-ctx.Done():
			st := r.Stats()
			log.Info().Interface("stats", st).Msg("Receiver stopped")
			return nil
		case <-ticker:
			st := r.Stats()
			log.Info().
				Uint64("packets", st.Packets).
				Uint64("lost", st.Lost).
				Uint64("idr", st.IDR).
				Uint64("sps", st.SPS).
				Msg("Receiver stats")
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readPoll))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read packet: %w", err)
		}
		if err := r.HandlePacket(buf[:n]); err != nil {
			log.Warn().Err(err).Str("from", from.String()).Msg("Dropping packet")
		}
	}
}
