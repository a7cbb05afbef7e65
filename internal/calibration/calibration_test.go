package calibration

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVector(r *rand.Rand, n int) []uint32 {
	v := make([]uint32, n)
	for i := range v {
		v[i] = uint32(r.Intn(4096))
	}
	return v
}

// --- Distance metric ---

func TestL1_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		a, b, c := randomVector(r, 64), randomVector(r, 64), randomVector(r, 64)

		self, err := L1(a, a)
		require.NoError(t, err)
		assert.Zero(t, self)

		ab, _ := L1(a, b)
		ba, _ := L1(b, a)
		assert.Equal(t, ab, ba, "symmetry")

		ac, _ := L1(a, c)
		cb, _ := L1(c, b)
		assert.LessOrEqual(t, ab, ac+cb, "triangle inequality")
	}
}

func TestL1_Value(t *testing.T) {
	d, err := L1([]uint32{1, 10, 4095}, []uint32{4, 2, 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3+8+4095), d)
}

func TestL1_DimensionMismatch(t *testing.T) {
	_, err := L1([]uint32{1, 2}, []uint32{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

// --- Average ---

func TestAverage_SingleVectorIsIdentity(t *testing.T) {
	v := []uint32{0, 1, 2, 4095, 77}
	avg, err := Average([][]uint32{v})
	require.NoError(t, err)
	assert.Equal(t, v, avg)
}

func TestAverage_RoundsToNearest(t *testing.T) {
	avg, err := Average([][]uint32{{1, 2, 10}, {2, 2, 13}})
	require.NoError(t, err)
	// 1.5 rounds up, 2 stays, 11.5 rounds up.
	assert.Equal(t, []uint32{2, 2, 12}, avg)
}

func TestAverage_Errors(t *testing.T) {
	_, err := Average(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = Average([][]uint32{{1, 2}, {1, 2, 3}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

// --- Adaptive tau ---

func TestAdaptiveTau_NoSamples(t *testing.T) {
	tau, err := AdaptiveTau([]uint32{1, 2}, nil, 400, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 400, tau)
}

func TestAdaptiveTau_SingleSample(t *testing.T) {
	template := []uint32{0, 0, 0, 0}
	tau, err := AdaptiveTau(template, [][]uint32{{300, 0, 0, 0}}, 400, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 450, tau)

	tau, err = AdaptiveTau(template, [][]uint32{{100, 0, 0, 0}}, 400, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 400, tau, "never below base tau")
}

func TestAdaptiveTau_TwoSamples(t *testing.T) {
	template := []uint32{0, 0, 0, 0}
	samples := [][]uint32{{100, 0, 0, 0}, {150, 150, 0, 0}}

	// Distances 100 and 300: mean 200, stddev 100.
	tau, err := AdaptiveTau(template, samples, 400, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 400, tau)

	tau, err = AdaptiveTau(template, samples, 100, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 400, tau)

	tau, err = AdaptiveTau(template, samples, 100, 3.0)
	require.NoError(t, err)
	assert.Equal(t, 500, tau)
}

func TestAdaptiveTau_MonotonicInMultiplier(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	template := randomVector(r, 64)
	samples := [][]uint32{randomVector(r, 64), randomVector(r, 64), randomVector(r, 64)}

	prev := 0
	for m := 0.0; m <= 5.0; m += 0.25 {
		tau, err := AdaptiveTau(template, samples, 400, m)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, tau, prev)
		assert.GreaterOrEqual(t, tau, 400)
		prev = tau
	}
}

func TestAdaptiveTau_DimensionMismatch(t *testing.T) {
	_, err := AdaptiveTau([]uint32{1, 2}, [][]uint32{{1}}, 400, 2.0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

// --- Quality ---

func TestTemplateQuality(t *testing.T) {
	template := []uint32{0, 0}

	q, err := TemplateQuality(template, nil)
	require.NoError(t, err)
	assert.Equal(t, Quality{}, q)

	q, err = TemplateQuality(template, [][]uint32{{50, 50}, {50, 50}})
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.MeanDistance)
	assert.Equal(t, 0.0, q.StddevDistance)
	assert.Equal(t, 1.0, q.ConsistencyScore)

	q, err = TemplateQuality(template, [][]uint32{{100, 0}, {300, 0}})
	require.NoError(t, err)
	assert.Equal(t, 200.0, q.MeanDistance)
	assert.Equal(t, 100.0, q.StddevDistance)
	assert.Equal(t, 0.5, q.ConsistencyScore)

	q, err = TemplateQuality(template, [][]uint32{{0, 0}, {1000, 0}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, q.ConsistencyScore, "saturates at zero")
}

func TestTemplateQuality_RoundsConsistency(t *testing.T) {
	// Distances 0, 0, 1: stddev 0.4714, consistency 0.99764 -> 0.998.
	q, err := TemplateQuality([]uint32{0}, [][]uint32{{0}, {0}, {1}})
	require.NoError(t, err)
	assert.Equal(t, 0.33, q.MeanDistance)
	assert.Equal(t, 0.47, q.StddevDistance)
	assert.Equal(t, 0.998, q.ConsistencyScore)
}

// --- Calibrate ---

func TestCalibrate(t *testing.T) {
	samples := [][]uint32{{100, 200}, {120, 180}, {110, 190}}
	res, err := Calibrate(samples, DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, []uint32{110, 190}, res.Template)
	assert.Equal(t, 3, res.Samples)
	assert.Equal(t, 400, res.Tau)
	// Distances 20, 20, 0: mean 13.33, stddev 9.43.
	assert.Equal(t, 13.33, res.Quality.MeanDistance)
	assert.Equal(t, 9.43, res.Quality.StddevDistance)
	assert.Equal(t, 0.953, res.Quality.ConsistencyScore)
}

func TestCalibrate_Empty(t *testing.T) {
	_, err := Calibrate(nil, DefaultParams())
	assert.ErrorIs(t, err, ErrEmptyInput)
}
