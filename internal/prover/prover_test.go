package prover

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() Input {
	return Input{
		C:          "123",
		Nonce:      "456",
		OriginHash: "789",
		Timestamp:  "1700000000",
		Tau:        "400",
		Sig:        "1011",
		Tmpl:       []string{"1", "2", "3"},
		Features:   []string{"1", "2", "4"},
		Salt:       "5",
		SaltKey:    "6",
	}
}

func TestInputValidate(t *testing.T) {
	in := validInput()
	require.NoError(t, in.Validate())

	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"empty C", func(in *Input) { in.C = "" }},
		{"hex sig", func(in *Input) { in.Sig = "0xff" }},
		{"negative tau", func(in *Input) { in.Tau = "-1" }},
		{"length mismatch", func(in *Input) { in.Features = in.Features[:2] }},
		{"empty template", func(in *Input) { in.Tmpl, in.Features = nil, nil }},
		{"bad component", func(in *Input) { in.Features[1] = "x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			assert.ErrorIs(t, in.Validate(), ErrInvalidInput)
		})
	}
}

func TestInputJSONKeys(t *testing.T) {
	data, err := json.Marshal(validInput())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, k := range []string{"C", "nonce", "origin_hash", "timestamp", "tau", "sig", "tmpl", "features", "salt", "salt_key"} {
		assert.Contains(t, m, k)
	}
	assert.Len(t, m, 10)
}

func TestInputLogValueHidesSecrets(t *testing.T) {
	v := validInput().LogValue().String()
	assert.Contains(t, v, "123")
	assert.NotContains(t, v, "salt")
}

func TestPlaceholderProof(t *testing.T) {
	p := PlaceholderProof()
	assert.JSONEq(t, `{"pi_a":[],"pi_b":[],"pi_c":[]}`, string(p.Proof))
	assert.True(t, IsPlaceholder(p))
	assert.True(t, IsPlaceholder(&Result{Proof: json.RawMessage(`{ "pi_a": [], "pi_b": [], "pi_c": [] }`)}))
	assert.False(t, IsPlaceholder(&Result{Proof: json.RawMessage(`{"pi_a":["1"],"pi_b":[],"pi_c":[]}`)}))
	assert.False(t, IsPlaceholder(nil))

	// Callers get their own copy.
	p.Proof[0] = 'x'
	assert.True(t, IsPlaceholder(PlaceholderProof()))
}

func TestJobWaitAndPoll(t *testing.T) {
	release := make(chan struct{})
	p := Func(func(ctx context.Context, in Input) (*Result, error) {
		<-release
		return &Result{Proof: json.RawMessage(`{}`), PublicSignals: []string{in.C}}, nil
	})

	job := Start(context.Background(), p, validInput())
	_, done, err := job.Poll()
	assert.False(t, done)
	assert.NoError(t, err)

	close(release)
	res, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"123"}, res.PublicSignals)

	res, done, err = job.Poll()
	assert.True(t, done)
	assert.NoError(t, err)
	assert.NotNil(t, res)
	assert.GreaterOrEqual(t, job.Elapsed(), time.Duration(0))
}

func TestJobWaitTimeoutAndCancel(t *testing.T) {
	p := Func(func(ctx context.Context, in Input) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job := Start(context.Background(), p, validInput())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := job.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	job.Cancel()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}
	_, done, err := job.Poll()
	assert.True(t, done)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJobParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job := Start(ctx, Func(func(ctx context.Context, in Input) (*Result, error) {
		<-ctx.Done()
		return nil, errors.Join(ErrProverFailed, ctx.Err())
	}), validInput())
	cancel()

	_, err := job.Wait(context.Background())
	assert.ErrorIs(t, err, ErrProverFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeSnarkjs writes a shell script standing in for the snarkjs binary
// along with empty circuit artifacts.
func fakeSnarkjs(t *testing.T, body string) *Snarkjs {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "snarkjs")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	wasm := filepath.Join(dir, "circuit.wasm")
	zkey := filepath.Join(dir, "circuit.zkey")
	require.NoError(t, os.WriteFile(wasm, []byte("wasm"), 0o600))
	require.NoError(t, os.WriteFile(zkey, []byte("zkey"), 0o600))

	s := NewSnarkjs(bin, wasm, zkey)
	s.TempDir = t.TempDir()
	return s
}

func TestSnarkjsProve(t *testing.T) {
	s := fakeSnarkjs(t, `
[ "$1" = groth16 ] && [ "$2" = fullprove ] || exit 2
grep -q '"salt_key":"6"' "$3" || exit 3
printf '{"pi_a":["1","2","1"],"pi_b":[],"pi_c":[],"protocol":"groth16"}\n' > "$6"
printf '["7","8"]' > "$7"`)

	res, err := s.Prove(context.Background(), validInput())
	require.NoError(t, err)
	assert.JSONEq(t, `{"pi_a":["1","2","1"],"pi_b":[],"pi_c":[],"protocol":"groth16"}`, string(res.Proof))
	assert.Equal(t, []string{"7", "8"}, res.PublicSignals)
	assert.False(t, IsPlaceholder(res))

	// Scratch directories are cleaned up.
	entries, err := os.ReadDir(s.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSnarkjsKeepArtifacts(t *testing.T) {
	s := fakeSnarkjs(t, `printf '{}' > "$6"; printf '[]' > "$7"`)
	s.KeepArtifacts = true

	_, err := s.Prove(context.Background(), validInput())
	require.NoError(t, err)
	entries, err := os.ReadDir(s.TempDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = os.Stat(filepath.Join(s.TempDir, entries[0].Name(), "input.json"))
	assert.NoError(t, err)
}

func TestSnarkjsFailure(t *testing.T) {
	s := fakeSnarkjs(t, `echo "witness generation failed" >&2; exit 1`)
	_, err := s.Prove(context.Background(), validInput())
	require.ErrorIs(t, err, ErrProverFailed)
	assert.Contains(t, err.Error(), "witness generation failed")
}

func TestSnarkjsBadProofOutput(t *testing.T) {
	s := fakeSnarkjs(t, `printf 'not json' > "$6"`)
	_, err := s.Prove(context.Background(), validInput())
	assert.ErrorIs(t, err, ErrProverFailed)
}

func TestSnarkjsTimeout(t *testing.T) {
	s := fakeSnarkjs(t, `exec sleep 10`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Prove(ctx, validInput())
	assert.ErrorIs(t, err, ErrProverFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSnarkjsMissingArtifacts(t *testing.T) {
	s := NewSnarkjs("", filepath.Join(t.TempDir(), "missing.wasm"), "")
	assert.Equal(t, "snarkjs", s.Binary)

	s.Binary = os.Args[0]
	assert.ErrorIs(t, s.Check(), ErrProverFailed)

	_, err := s.Prove(context.Background(), validInput())
	assert.ErrorIs(t, err, ErrProverFailed)
}

func TestSnarkjsRejectsInvalidInput(t *testing.T) {
	s := NewSnarkjs("snarkjs", "a.wasm", "b.zkey")
	in := validInput()
	in.Sig = ""
	_, err := s.Prove(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
