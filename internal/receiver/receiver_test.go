package receiver

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

var (
	sps = []byte{0x67, 0x42, 0xc0, 0x1f, 0xda}
	pps = []byte{0x68, 0xce, 0x3c, 0x80}
)

func packet(t *testing.T, seq uint16, pt uint8, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           0xdecafbad,
		},
		Payload: payload,
	}
	b, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func stapA(nals ...[]byte) []byte {
	out := []byte{0x78} // NRI 3, type 24
	for _, n := range nals {
		out = append(out, byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out
}

func TestCountsParameterSetsAndFragments(t *testing.T) {
	var out bytes.Buffer
	r := New(&out)

	payloads := [][]byte{
		stapA(sps, pps),
		{0x7c, 0x85, 0xaa, 0xbb}, // FU-A start, IDR
		{0x7c, 0x05, 0xcc},       // middle
		{0x7c, 0x45, 0xdd},       // end
		{0x41, 0x9a, 0x01},       // single non-IDR slice
	}
	for i, p := range payloads {
		if err := r.HandlePacket(packet(t, uint16(100+i), 96, p)); err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
	}

	st := r.Stats()
	if st.Packets != 5 || st.SPS != 1 || st.PPS != 1 || st.IDR != 1 || st.NonIDR != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Lost != 0 || st.SSRC != 0xdecafbad {
		t.Fatalf("stats = %+v", st)
	}

	stream := out.Bytes()
	if !bytes.HasPrefix(stream, append([]byte{0, 0, 0, 1}, sps...)) {
		t.Fatalf("stream does not start with the SPS: % x", stream)
	}
	idr := []byte{0, 0, 0, 1, 0x65, 0xaa, 0xbb, 0xcc, 0xdd}
	if !bytes.Contains(stream, idr) {
		t.Fatalf("reassembled IDR missing from % x", stream)
	}
}

func TestSequenceTracking(t *testing.T) {
	r := New(nil)
	for _, seq := range []uint16{65534, 65535, 2, 1, 3} {
		if err := r.HandlePacket(packet(t, seq, 96, []byte{0x41, 0x00})); err != nil {
			t.Fatal(err)
		}
	}
	st := r.Stats()
	// 0 and 1 missing across the wrap, then 1 arrives late.
	if st.Lost != 2 || st.OutOfOrder != 1 {
		t.Fatalf("lost=%d out_of_order=%d, want 2 and 1", st.Lost, st.OutOfOrder)
	}
}

func TestRejectsWrongPayloadType(t *testing.T) {
	r := New(nil)
	if err := r.HandlePacket(packet(t, 1, 97, []byte{0x41})); !errors.Is(err, ErrPayloadType) {
		t.Fatalf("expected ErrPayloadType, got %v", err)
	}
	if err := r.HandlePacket([]byte{0x80}); err == nil {
		t.Fatal("expected parse error for a truncated header")
	}
	if st := r.Stats(); st.Rejected != 2 || st.Packets != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRunOverUDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	r := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, conn, 0) }()

	sender, err := net.Dial("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()
	for seq := uint16(0); seq < 3; seq++ {
		if _, err := sender.Write(packet(t, seq, 96, []byte{0x41, 0x00})); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for r.Stats().Packets < 3 {
		select {
		case <-deadline:
			t.Fatalf("received %d packets, want 3", r.Stats().Packets)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
