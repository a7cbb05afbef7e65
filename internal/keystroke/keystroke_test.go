package keystroke

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Tests for Recorder / Handle
// =============================================================================

func TestHandleRecordAndEnd(t *testing.T) {
	r := NewRecorder()
	h := r.Begin("abc")

	if h.Target() != "abc" {
		t.Errorf("expected target abc, got %q", h.Target())
	}

	h.Record(Event{Kind: KindDown, Key: "a", TimestampMs: 1})
	h.Record(Event{Kind: KindUp, Key: "a", TimestampMs: 80})

	if h.Len() != 2 {
		t.Errorf("expected 2 events, got %d", h.Len())
	}

	events, err := h.End()
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].TimestampMs != 80 {
		t.Errorf("events out of order: %+v", events)
	}
	if r.Active() != nil {
		t.Error("recorder should have no active handle after End")
	}
}

func TestHandleEndTwice(t *testing.T) {
	h := NewRecorder().Begin("x")
	if _, err := h.End(); err != nil {
		t.Fatalf("first End failed: %v", err)
	}
	if _, err := h.End(); !errors.Is(err, ErrCaptureEnded) {
		t.Errorf("expected ErrCaptureEnded, got %v", err)
	}
}

func TestBeginSupersedesPriorHandle(t *testing.T) {
	r := NewRecorder()
	first := r.Begin("one")
	first.Record(Event{Kind: KindDown, Key: "o", TimestampMs: 1})

	second := r.Begin("two")

	if first.Active() {
		t.Error("first handle should be inactive after Begin")
	}
	if first.Record(Event{Kind: KindUp, Key: "o", TimestampMs: 2}) {
		t.Error("superseded handle accepted an event")
	}
	if _, err := first.End(); !errors.Is(err, ErrCaptureSuperseded) {
		t.Errorf("expected ErrCaptureSuperseded, got %v", err)
	}
	if r.Active() != second {
		t.Error("second handle should be active")
	}

	// Ending the stale handle must not clear the new one.
	if !second.Active() {
		t.Error("second handle lost its active state")
	}
}

func TestRecorderAbort(t *testing.T) {
	r := NewRecorder()
	h := r.Begin("abc")
	h.Record(Event{Kind: KindDown, Key: "a", TimestampMs: 1})

	r.Abort()

	if r.Active() != nil {
		t.Error("abort should clear the active handle")
	}
	if _, err := h.End(); !errors.Is(err, ErrCaptureAborted) {
		t.Errorf("expected ErrCaptureAborted, got %v", err)
	}
}

func TestHandleConcurrentRecord(t *testing.T) {
	h := NewRecorder().Begin("concurrent")
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Record(Event{Kind: KindDown, Key: "k", TimestampMs: float64(j)})
			}
		}()
	}
	wg.Wait()

	events, err := h.End()
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if len(events) != 1000 {
		t.Errorf("expected 1000 events, got %d", len(events))
	}
}

// =============================================================================
// Tests for recordings
// =============================================================================

func TestLoadRecordingAndReplay(t *testing.T) {
	data := `[{"type":"down","key":"h","t":10},{"type":"up","key":"h","t":95.5}]`

	events, err := LoadRecording(strings.NewReader(data))
	if err != nil {
		t.Fatalf("LoadRecording failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindDown || events[1].Kind != KindUp {
		t.Errorf("unexpected kinds: %v %v", events[0].Kind, events[1].Kind)
	}

	h := NewRecorder().Begin("h")
	if n := Replay(h, events); n != 2 {
		t.Errorf("expected 2 replayed events, got %d", n)
	}
}

func TestLoadRecordingRejectsUnknownType(t *testing.T) {
	_, err := LoadRecording(strings.NewReader(`[{"type":"press","key":"h","t":1}]`))
	if err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestLoadRecordingRejectsUnknownField(t *testing.T) {
	_, err := LoadRecording(strings.NewReader(`[{"type":"down","key":"h","t":1,"code":"KeyH"}]`))
	if err == nil {
		t.Error("expected error for unknown field")
	}
}
