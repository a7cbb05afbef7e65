// Package prover generates the groth16 proof that a fresh keystroke sample
// lies within tau of a committed template.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Errors returned by provers.
var (
	ErrInvalidInput = errors.New("prover: invalid input")
	ErrProverFailed = errors.New("prover: proof generation failed")
)

// Input is the circuit witness. Every scalar is a base-10 field element;
// Nonce and OriginHash are the field encodings of the challenge values.
type Input struct {
	C          string   `json:"C"`
	Nonce      string   `json:"nonce"`
	OriginHash string   `json:"origin_hash"`
	Timestamp  string   `json:"timestamp"`
	Tau        string   `json:"tau"`
	Sig        string   `json:"sig"`
	Tmpl       []string `json:"tmpl"`
	Features   []string `json:"features"`
	Salt       string   `json:"salt"`
	SaltKey    string   `json:"salt_key"`
}

// Validate checks that every field is a decimal string and the vectors
// match in length.
func (in *Input) Validate() error {
	scalars := []struct {
		name, v string
	}{
		{"C", in.C},
		{"nonce", in.Nonce},
		{"origin_hash", in.OriginHash},
		{"timestamp", in.Timestamp},
		{"tau", in.Tau},
		{"sig", in.Sig},
		{"salt", in.Salt},
		{"salt_key", in.SaltKey},
	}
	for _, s := range scalars {
		if !isDecimal(s.v) {
			return fmt.Errorf("%w: %s is not a decimal string", ErrInvalidInput, s.name)
		}
	}
	if len(in.Tmpl) == 0 {
		return fmt.Errorf("%w: empty template", ErrInvalidInput)
	}
	if len(in.Tmpl) != len(in.Features) {
		return fmt.Errorf("%w: template has %d components, features %d", ErrInvalidInput, len(in.Tmpl), len(in.Features))
	}
	for i := range in.Tmpl {
		if !isDecimal(in.Tmpl[i]) || !isDecimal(in.Features[i]) {
			return fmt.Errorf("%w: component %d is not a decimal string", ErrInvalidInput, i)
		}
	}
	return nil
}

// LogValue keeps the private witness out of logs.
func (in Input) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("C", in.C),
		slog.String("timestamp", in.Timestamp),
		slog.String("tau", in.Tau),
		slog.Int("components", len(in.Tmpl)),
	)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	return strings.Trim(s, "0123456789") == ""
}

// Result is a generated proof and the public signals it commits to.
type Result struct {
	Proof         json.RawMessage `json:"proof"`
	PublicSignals []string        `json:"publicSignals"`
}

// Prover generates proofs. Implementations must honor ctx cancellation.
type Prover interface {
	Prove(ctx context.Context, in Input) (*Result, error)
}

// Func adapts a function to the Prover interface.
type Func func(ctx context.Context, in Input) (*Result, error)

// Prove calls f.
func (f Func) Prove(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// placeholderProof is accepted only by backends running with proof
// verification bypassed.
var placeholderProof = json.RawMessage(`{"pi_a":[],"pi_b":[],"pi_c":[]}`)

// PlaceholderProof returns the empty groth16 proof object.
func PlaceholderProof() *Result {
	p := make(json.RawMessage, len(placeholderProof))
	copy(p, placeholderProof)
	return &Result{Proof: p}
}

// IsPlaceholder reports whether r carries the placeholder proof.
func IsPlaceholder(r *Result) bool {
	if r == nil {
		return false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, r.Proof); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), placeholderProof)
}
