// Package keystroke captures key-down/key-up timing and reduces it to a
// fixed-length feature vector.
//
// Only timing is kept in the feature vector: which keys were pressed is used
// solely to drop non-character keys (modifiers, function keys, Enter) before
// the dwell and interval sequences are computed.
//
// Capture itself is driven from outside this package. Whatever owns the input
// source (a browser bridge, a terminal, a recorded session) calls
// Recorder.Begin for the challenge on screen and feeds events into the
// returned Handle until the user submits.
package keystroke

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Kind distinguishes key-down from key-up events.
type Kind uint8

const (
	// KindDown is a key press.
	KindDown Kind = iota
	// KindUp is a key release.
	KindUp
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDown:
		return "down"
	case KindUp:
		return "up"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the kind as "down" or "up".
func (k Kind) MarshalJSON() ([]byte, error) {
	switch k {
	case KindDown, KindUp:
		return json.Marshal(k.String())
	default:
		return nil, fmt.Errorf("keystroke: invalid kind %d", k)
	}
}

// UnmarshalJSON decodes "down" or "up".
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("keystroke: kind: %w", err)
	}
	switch s {
	case "down":
		*k = KindDown
	case "up":
		*k = KindUp
	default:
		return fmt.Errorf("keystroke: unknown event type %q", s)
	}
	return nil
}

// Event is one recorded key transition. TimestampMs is a monotonic
// millisecond clock reading; only differences between events matter.
type Event struct {
	Kind        Kind    `json:"type"`
	Key         string  `json:"key"`
	TimestampMs float64 `json:"t"`

	// Composing marks events delivered while an input method was composing.
	Composing bool `json:"composing,omitempty"`
}

// Capture errors.
var (
	ErrCaptureSuperseded = errors.New("keystroke: capture superseded by a newer capture")
	ErrCaptureEnded      = errors.New("keystroke: capture already ended")
	ErrCaptureAborted    = errors.New("keystroke: capture aborted")
)

type handleState uint8

const (
	stateActive handleState = iota
	stateEnded
	stateSuperseded
	stateAborted
)

// Recorder hands out capture handles. At most one handle is active at a
// time: Begin terminates the previous handle before returning the new one.
type Recorder struct {
	mu     sync.Mutex
	active *Handle
}

// NewRecorder creates a recorder with no active capture.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Begin starts capturing for the given challenge text. Any capture that is
// still running is terminated first; its End reports ErrCaptureSuperseded.
func (r *Recorder) Begin(target string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		r.active.terminate(stateSuperseded)
	}

	h := &Handle{
		rec:       r,
		target:    target,
		events:    make([]Event, 0, 2*len(target)),
		startedAt: time.Now(),
	}
	r.active = h
	return h
}

// Active returns the running handle, or nil.
func (r *Recorder) Active() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Abort terminates the running capture and discards its events.
func (r *Recorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		r.active.terminate(stateAborted)
		r.active = nil
	}
}

// release clears the active slot if it still points at h.
func (r *Recorder) release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == h {
		r.active = nil
	}
}

// Handle is a single capture session. Record may be called from the
// goroutine delivering input events while another goroutine calls End.
type Handle struct {
	rec       *Recorder
	target    string
	startedAt time.Time

	mu     sync.Mutex
	events []Event
	state  handleState
}

// Target returns the challenge text this capture was started for.
func (h *Handle) Target() string {
	return h.target
}

// StartedAt returns when Begin created the handle.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Record appends an event. It reports false, and drops the event, once the
// handle is no longer active.
func (h *Handle) Record(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateActive {
		return false
	}
	h.events = append(h.events, ev)
	return true
}

// Len returns the number of events recorded so far.
func (h *Handle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// Active reports whether the handle still accepts events.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateActive
}

// End stops the capture and returns the recorded events in arrival order.
func (h *Handle) End() ([]Event, error) {
	h.mu.Lock()
	switch h.state {
	case stateEnded:
		h.mu.Unlock()
		return nil, ErrCaptureEnded
	case stateSuperseded:
		h.mu.Unlock()
		return nil, ErrCaptureSuperseded
	case stateAborted:
		h.mu.Unlock()
		return nil, ErrCaptureAborted
	}
	h.state = stateEnded
	events := h.events
	h.events = nil
	h.mu.Unlock()

	if h.rec != nil {
		h.rec.release(h)
	}
	return events, nil
}

// terminate marks the handle finished and drops its events. Callers hold the
// recorder lock.
func (h *Handle) terminate(state handleState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateActive {
		return
	}
	h.state = state
	h.events = nil
}

// Replay records a previously captured event sequence into h and returns the
// number of events accepted.
func Replay(h *Handle, events []Event) int {
	n := 0
	for _, ev := range events {
		if !h.Record(ev) {
			break
		}
		n++
	}
	return n
}

// LoadRecording decodes a JSON array of events as produced by the browser
// capture: [{"type":"down","key":"h","t":12.5}, ...].
func LoadRecording(r io.Reader) ([]Event, error) {
	var events []Event
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&events); err != nil {
		return nil, fmt.Errorf("decode recording: %w", err)
	}
	return events, nil
}
