// Package calibration derives an enrollment template, an adaptive distance
// threshold (tau), and diagnostic quality figures from feature vectors.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"huproof/internal/logging"
)

// Defaults for AdaptiveTau.
const (
	DefaultBaseTau    = 400
	DefaultMultiplier = 2.0

	// singleSampleMargin widens the bound when only one distance is known and
	// no spread can be measured.
	singleSampleMargin = 1.5

	// consistencySpread is the distance stddev at which the consistency score
	// reaches zero.
	consistencySpread = 200.0
)

// Errors returned by calibration operations.
var (
	ErrDimensionMismatch = errors.New("calibration: feature vectors differ in length")
	ErrEmptyInput        = errors.New("calibration: at least one feature vector required")
)

// L1 returns the Manhattan distance between two equal-length vectors.
func L1(a, b []uint32) (int64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum int64
	for i := range a {
		d := int64(a[i]) - int64(b[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum, nil
}

// Average returns the component-wise mean of vectors, each component rounded
// to the nearest integer.
func Average(vectors [][]uint32) ([]uint32, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyInput
	}
	length := len(vectors[0])
	for i, v := range vectors {
		if len(v) != length {
			return nil, fmt.Errorf("%w: vector %d has %d components, want %d",
				ErrDimensionMismatch, i, len(v), length)
		}
	}

	n := float64(len(vectors))
	out := make([]uint32, length)
	for i := 0; i < length; i++ {
		var sum uint64
		for _, v := range vectors {
			sum += uint64(v[i])
		}
		out[i] = uint32(math.Round(float64(sum) / n))
	}
	return out, nil
}

// distances returns L1(template, s) for every sample.
func distances(template []uint32, samples [][]uint32) ([]float64, error) {
	out := make([]float64, len(samples))
	for i, s := range samples {
		d, err := L1(template, s)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out[i] = float64(d)
	}
	return out, nil
}

// meanStddev returns the mean and population standard deviation.
func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// AdaptiveTau sizes the acceptance threshold from how far the enrollment
// samples sit from the template. It never returns less than baseTau.
//
// With one sample the spread is undefined, so the single distance is widened
// by a fixed margin instead of mean + multiplier*stddev.
func AdaptiveTau(template []uint32, samples [][]uint32, baseTau int, multiplier float64) (int, error) {
	if len(samples) == 0 {
		logging.Debug("no samples for adaptive tau", "base_tau", baseTau)
		return baseTau, nil
	}

	dists, err := distances(template, samples)
	if err != nil {
		return 0, err
	}

	if len(dists) < 2 {
		return max(baseTau, int(math.Round(dists[0]*singleSampleMargin))), nil
	}

	mean, stddev := meanStddev(dists)
	tau := max(baseTau, int(math.Round(mean+multiplier*stddev)))

	logging.Debug("adaptive tau calculated",
		"mean", round(mean, 2),
		"stddev", round(stddev, 2),
		"tau", tau,
		"base_tau", baseTau,
	)
	return tau, nil
}

// Quality summarizes how tightly samples cluster around a template. It is
// diagnostic only and never leaves the client.
type Quality struct {
	MeanDistance     float64 `json:"mean_distance"`
	StddevDistance   float64 `json:"stddev_distance"`
	ConsistencyScore float64 `json:"consistency_score"`
}

// TemplateQuality computes Quality for template against samples. With no
// samples every figure is zero.
func TemplateQuality(template []uint32, samples [][]uint32) (Quality, error) {
	if len(samples) == 0 {
		return Quality{}, nil
	}

	dists, err := distances(template, samples)
	if err != nil {
		return Quality{}, err
	}
	mean, stddev := meanStddev(dists)

	consistency := math.Max(0, math.Min(1, 1-stddev/consistencySpread))
	return Quality{
		MeanDistance:     round(mean, 2),
		StddevDistance:   round(stddev, 2),
		ConsistencyScore: round(consistency, 3),
	}, nil
}

// Params configures Calibrate.
type Params struct {
	BaseTau    int
	Multiplier float64
}

// DefaultParams returns the base tau and multiplier used by the backend.
func DefaultParams() Params {
	return Params{BaseTau: DefaultBaseTau, Multiplier: DefaultMultiplier}
}

// Result is the outcome of a multi-sample enrollment calibration.
type Result struct {
	Template []uint32 `json:"template"`
	Tau      int      `json:"tau"`
	Quality  Quality  `json:"quality"`
	Samples  int      `json:"samples"`
}

// Calibrate averages samples into a template and sizes tau and quality
// against that template.
func Calibrate(samples [][]uint32, p Params) (*Result, error) {
	template, err := Average(samples)
	if err != nil {
		return nil, err
	}
	tau, err := AdaptiveTau(template, samples, p.BaseTau, p.Multiplier)
	if err != nil {
		return nil, err
	}
	q, err := TemplateQuality(template, samples)
	if err != nil {
		return nil, err
	}
	return &Result{
		Template: template,
		Tau:      tau,
		Quality:  q,
		Samples:  len(samples),
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
