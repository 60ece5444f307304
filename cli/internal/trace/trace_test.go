package trace

import (
	"strings"
	"testing"
	"time"
)

func TestTracer_nilWriterNoops(t *testing.T) {
	t.Parallel()
	tr := New(nil)
	if tr.Enabled() {
		t.Error("Enabled() with nil writer = true, want false")
	}
	// Must not panic.
	tr.Section("bundle")
	tr.Printf("files=%d\n", 3)
	tr.Timing("poll", time.Second)
}

func TestTracer_nilReceiver(t *testing.T) {
	t.Parallel()
	var tr *Tracer
	if tr.Enabled() {
		t.Error("nil receiver Enabled() = true, want false")
	}
	tr.Section("x")
	tr.Printf("y")
}

func TestTracer_writes(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	tr := New(&sb)
	if !tr.Enabled() {
		t.Fatal("Enabled() = false with writer set")
	}
	tr.Section("extract")
	tr.Printf("candidates=%d\n", 2)
	tr.Timing("await", 1500*time.Millisecond)
	out := sb.String()
	if !strings.Contains(out, "[redline:trace] === extract ===") {
		t.Errorf("missing section header in %q", out)
	}
	if !strings.Contains(out, "candidates=2") {
		t.Errorf("missing printf output in %q", out)
	}
	if !strings.Contains(out, "await took 1.5s") {
		t.Errorf("missing timing line in %q", out)
	}
}
