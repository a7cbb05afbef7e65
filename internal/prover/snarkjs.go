package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"huproof/internal/logging"
)

const (
	// maxOutput bounds the snarkjs output kept for error messages.
	maxOutput = 4096
	waitDelay = 2 * time.Second
)

// Snarkjs runs `snarkjs groth16 fullprove` in a scratch directory.
type Snarkjs struct {
	// Binary is the snarkjs executable, looked up on PATH if not absolute.
	Binary string
	// WasmPath is the compiled witness generator.
	WasmPath string
	// ZkeyPath is the proving key.
	ZkeyPath string
	// TempDir is where scratch directories are created. Empty uses the
	// system default.
	TempDir string
	// KeepArtifacts leaves the scratch directory in place for debugging.
	KeepArtifacts bool

	Logger *logging.Logger
}

// NewSnarkjs creates a snarkjs prover for the given circuit artifacts.
func NewSnarkjs(binary, wasmPath, zkeyPath string) *Snarkjs {
	if binary == "" {
		binary = "snarkjs"
	}
	return &Snarkjs{Binary: binary, WasmPath: wasmPath, ZkeyPath: zkeyPath}
}

// Check verifies that the binary and circuit artifacts are present.
func (s *Snarkjs) Check() error {
	if _, err := exec.LookPath(s.Binary); err != nil {
		return fmt.Errorf("%w: snarkjs not found: %v", ErrProverFailed, err)
	}
	for _, p := range []string{s.WasmPath, s.ZkeyPath} {
		if p == "" {
			return fmt.Errorf("%w: circuit artifact not configured", ErrProverFailed)
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: circuit artifact: %v", ErrProverFailed, err)
		}
	}
	return nil
}

// Prove writes the witness input, runs snarkjs, and reads back the proof
// and public signals. The scratch directory holds private inputs and is
// removed afterwards unless KeepArtifacts is set.
func (s *Snarkjs) Prove(ctx context.Context, in Input) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := s.Check(); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(s.TempDir, "huproof-prove-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if !s.KeepArtifacts {
		defer os.RemoveAll(dir)
	}

	inputPath := filepath.Join(dir, "input.json")
	proofPath := filepath.Join(dir, "proof.json")
	publicPath := filepath.Join(dir, "public.json")

	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	wasm, err := filepath.Abs(s.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("resolve wasm path: %w", err)
	}
	zkey, err := filepath.Abs(s.ZkeyPath)
	if err != nil {
		return nil, fmt.Errorf("resolve zkey path: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.Binary, "groth16", "fullprove",
		inputPath, wasm, zkey, proofPath, publicPath)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	s.logger().Debug("running snarkjs", "dir", dir, "input", in)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrProverFailed, ctx.Err())
		}
		return nil, fmt.Errorf("%w: snarkjs: %v: %s", ErrProverFailed, err, tail(out.String()))
	}

	proof, err := os.ReadFile(proofPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read proof: %v", ErrProverFailed, err)
	}
	if !json.Valid(proof) {
		return nil, fmt.Errorf("%w: proof is not valid JSON", ErrProverFailed)
	}

	var signals []string
	if raw, err := os.ReadFile(publicPath); err == nil {
		if err := json.Unmarshal(raw, &signals); err != nil {
			return nil, fmt.Errorf("%w: decode public signals: %v", ErrProverFailed, err)
		}
	}

	return &Result{Proof: json.RawMessage(bytes.TrimSpace(proof)), PublicSignals: signals}, nil
}

func (s *Snarkjs) logger() *logging.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logging.Default()
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		s = "..." + s[len(s)-maxOutput:]
	}
	return s
}
