package discovery

import (
	"strings"
	"testing"

	"github.com/bryanchriswhite/weadless/internal/video"
)

func TestTXTRecords(t *testing.T) {
	mode := video.VideoMode{Format: video.FormatRGBx, Width: 1280, Height: 720, Rate: 60}

	got := TXTRecords(mode, true)
	want := []string{"width=1280", "height=720", "rate=60", "auth=true"}
	if len(got) != len(want) {
		t.Fatalf("TXTRecords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("TXTRecords[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if rec := TXTRecords(mode, false); rec[3] != "auth=false" {
		t.Fatalf("auth record = %q", rec[3])
	}
}

func TestInstanceName(t *testing.T) {
	name := InstanceName("weadless")
	if !strings.HasPrefix(name, "weadless") {
		t.Fatalf("InstanceName = %q", name)
	}
}
