package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAttempt(t *testing.T) {
	reg, m := NewRegistry()

	m.RecordAttempt(PurposeLogin, OutcomeAccepted)
	m.RecordAttempt(PurposeLogin, OutcomeAccepted)
	m.RecordAttempt(PurposeEnroll, OutcomeFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues(PurposeLogin, OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues(PurposeEnroll, OutcomeFailed)))

	n, err := testutil.GatherAndCount(reg, "huproof_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCountersAndGauge(t *testing.T) {
	reg, m := NewRegistry()

	m.RecordPlaceholderProof(PurposeEnroll)
	m.RecordRemoteError("/login/finish")
	m.SetCalibratedTau(512)

	expected := `
# HELP huproof_calibrated_tau Most recent adaptive threshold produced by calibration
# TYPE huproof_calibrated_tau gauge
huproof_calibrated_tau 512
# HELP huproof_placeholder_proofs_total Attempts that substituted the placeholder proof
# TYPE huproof_placeholder_proofs_total counter
huproof_placeholder_proofs_total{purpose="enroll"} 1
# HELP huproof_remote_errors_total Failed calls to the authentication server by endpoint
# TYPE huproof_remote_errors_total counter
huproof_remote_errors_total{endpoint="/login/finish"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"huproof_calibrated_tau", "huproof_placeholder_proofs_total", "huproof_remote_errors_total")
	assert.NoError(t, err)
}

func TestProofDuration(t *testing.T) {
	reg, m := NewRegistry()

	m.ObserveProof(PurposeLogin, 1500*time.Millisecond)
	timer := m.ProofTimer(PurposeLogin)
	require.NotNil(t, timer)
	timer.ObserveDuration()

	n, err := testutil.GatherAndCount(reg, "huproof_proof_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, testutil.CollectAndCount(m.proofDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAttempt(PurposeLogin, OutcomeRejected)
		m.ObserveProof(PurposeLogin, time.Second)
		m.RecordPlaceholderProof(PurposeLogin)
		m.RecordRemoteError("/enroll/start")
		m.SetCalibratedTau(1)
		assert.Nil(t, m.ProofTimer(PurposeLogin))
	})
}

func TestOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegisterer(reg), WithNamespace("custom"), WithProofBuckets([]float64{1, 2}))
	m.SetCalibratedTau(7)

	n, err := testutil.GatherAndCount(reg, "custom_calibrated_tau")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []float64{1, 2}, m.buckets)
}

func TestUnregistered(t *testing.T) {
	m := New()
	m.RecordAttempt(PurposeEnroll, OutcomeAccepted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues(PurposeEnroll, OutcomeAccepted)))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(WithRegisterer(reg))
	assert.Panics(t, func() { New(WithRegisterer(reg)) })
}

func TestWriteTextfile(t *testing.T) {
	reg, m := NewRegistry()
	m.RecordAttempt(PurposeLogin, OutcomeAccepted)

	path := filepath.Join(t.TempDir(), "huproof.prom")
	require.NoError(t, WriteTextfile(reg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `huproof_attempts_total{outcome="accepted",purpose="login"} 1`)

	assert.NoError(t, WriteTextfile(reg, ""))
}
