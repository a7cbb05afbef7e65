package keystroke

import (
	"math"
	"unicode/utf16"
)

// Feature extraction defaults.
const (
	DefaultLength = 64
	DefaultBits   = 12
	DefaultMaxMs  = 4095
)

// FeatureVector is the quantized, interleaved timing sequence
// [dwell_0, interval_0, dwell_1, interval_1, ...], padded or truncated to a
// fixed length.
type FeatureVector []uint32

// Options controls the shape of the extracted vector.
type Options struct {
	// Length is the number of components in the output.
	Length int
	// Bits is the quantizer resolution; components lie in [0, 2^Bits-1].
	Bits int
	// MaxMs is the timing value mapped to the largest code.
	MaxMs float64
}

// DefaultOptions returns the 64 x 12-bit layout the circuit expects.
func DefaultOptions() Options {
	return Options{
		Length: DefaultLength,
		Bits:   DefaultBits,
		MaxMs:  DefaultMaxMs,
	}
}

// Quantize linearly rescales ms from [0, maxMs] onto [0, 2^bits-1], rounding
// to the nearest code. Out-of-range input is clamped first.
func Quantize(ms float64, bits int, maxMs float64) uint32 {
	if bits <= 0 || bits > 31 || maxMs <= 0 || math.IsNaN(ms) {
		return 0
	}
	maxVal := float64(uint32(1)<<uint(bits) - 1)

	clamped := math.Max(0, math.Min(ms, maxMs))
	q := math.Round(clamped / maxMs * maxVal)
	if q < 0 {
		q = 0
	}
	if q > maxVal {
		q = maxVal
	}
	return uint32(q)
}

// Extract computes a DefaultLength-style vector of length n using the default
// quantizer.
func Extract(challenge string, events []Event, n int) FeatureVector {
	opts := DefaultOptions()
	opts.Length = n
	return ExtractWithOptions(challenge, events, opts)
}

// ExtractWithOptions reduces events to a feature vector.
//
// Key-downs and key-ups are paired by arrival order, not by physical key: the
// i-th release is matched with the i-th press. Under rollover this can pair a
// press with another key's release. Verifiers built against this vector
// assume the same pairing, so it must not be "fixed" here alone.
func ExtractWithOptions(challenge string, events []Event, opts Options) FeatureVector {
	n := opts.Length
	if n < 0 {
		n = 0
	}

	downs := make([]float64, 0, len(events)/2)
	ups := make([]float64, 0, len(events)/2)
	for _, ev := range events {
		if ev.Composing || !isCharacterKey(ev.Key) {
			continue
		}
		switch ev.Kind {
		case KindDown:
			downs = append(downs, ev.TimestampMs)
		case KindUp:
			ups = append(ups, ev.TimestampMs)
		}
	}

	l := min(utf16Len(challenge), len(downs), len(ups))

	out := make(FeatureVector, n)
	pos := 0
	put := func(ms float64) {
		if pos < n {
			out[pos] = Quantize(ms, opts.Bits, opts.MaxMs)
		}
		pos++
	}
	for i := 0; i < l && pos < n; i++ {
		put(math.Max(0, ups[i]-downs[i]))
		if i+1 < l {
			put(math.Max(0, downs[i+1]-downs[i]))
		}
	}
	return out
}

// isCharacterKey reports whether key names a single printable character
// rather than a named key such as "Shift" or "Enter". Lengths are counted in
// UTF-16 code units as browsers report them, so a key outside the BMP is
// treated as a named key and the challenge length counts it twice.
func isCharacterKey(key string) bool {
	return utf16Len(key) == 1
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
