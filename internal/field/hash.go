// Package field provides the prime-field hash capability the commitment
// scheme folds with, and the canonical encodings of strings, hex
// identifiers, and decimal wire values into field elements.
package field

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"golang.org/x/crypto/blake2b"
)

// BN254ScalarField is the modulus of the BN254 scalar field, the native field
// of the circom/Groth16 toolchain.
const BN254ScalarField = "21888242871839275222246405745257275088548364400416034343698204186575808495617"

var bn254Modulus = mustModulus(BN254ScalarField)

func mustModulus(s string) *big.Int {
	q, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("field: invalid modulus " + s)
	}
	return q
}

// FixedArityHash is a collision-resistant hash over a prime field with fixed
// input counts. Inputs must already be reduced below Modulus.
type FixedArityHash interface {
	Name() string
	Modulus() *big.Int
	Hash1(a *big.Int) (*big.Int, error)
	Hash2(a, b *big.Int) (*big.Int, error)
	Hash4(a, b, c, d *big.Int) (*big.Int, error)
}

// Errors returned by hashes and encoders.
var (
	ErrNotInField      = errors.New("field: value not below modulus")
	ErrInvalidEncoding = errors.New("field: invalid encoding")
	ErrUnknownHash     = errors.New("field: unknown hash")
)

// Poseidon is the circomlib Poseidon hash over BN254. Digests match
// circomlibjs and the circom poseidon templates for the same inputs.
type Poseidon struct{}

// NewPoseidon returns the Poseidon hash.
func NewPoseidon() Poseidon { return Poseidon{} }

func (Poseidon) Name() string { return "poseidon" }

func (Poseidon) Modulus() *big.Int { return new(big.Int).Set(bn254Modulus) }

func (p Poseidon) Hash1(a *big.Int) (*big.Int, error) {
	return p.hash(a)
}

func (p Poseidon) Hash2(a, b *big.Int) (*big.Int, error) {
	return p.hash(a, b)
}

func (p Poseidon) Hash4(a, b, c, d *big.Int) (*big.Int, error) {
	return p.hash(a, b, c, d)
}

func (Poseidon) hash(in ...*big.Int) (*big.Int, error) {
	if err := checkInputs(bn254Modulus, in); err != nil {
		return nil, err
	}
	out, err := poseidon.Hash(in)
	if err != nil {
		return nil, fmt.Errorf("poseidon: %w", err)
	}
	return out, nil
}

// blake2bDomain prefixes every Blake2b digest so its outputs never collide
// with other uses of BLAKE2b in the process.
const blake2bDomain = "huproof-blake2b-field-v1"

// Blake2b is a portable stand-in for Poseidon: BLAKE2b-256 over the
// arity-tagged 32-byte big-endian inputs, reduced modulo the field. It keeps
// the folding algorithm testable without the circuit hash but its digests
// are not accepted by a Poseidon circuit.
type Blake2b struct {
	modulus *big.Int
}

// NewBlake2b returns a Blake2b hash over the given modulus, or over BN254
// when modulus is nil.
func NewBlake2b(modulus *big.Int) *Blake2b {
	if modulus == nil {
		modulus = bn254Modulus
	}
	return &Blake2b{modulus: new(big.Int).Set(modulus)}
}

func (b *Blake2b) Name() string { return "blake2b" }

func (b *Blake2b) Modulus() *big.Int { return new(big.Int).Set(b.modulus) }

func (b *Blake2b) Hash1(a *big.Int) (*big.Int, error) {
	return b.hash(a)
}

func (b *Blake2b) Hash2(x, y *big.Int) (*big.Int, error) {
	return b.hash(x, y)
}

func (b *Blake2b) Hash4(w, x, y, z *big.Int) (*big.Int, error) {
	return b.hash(w, x, y, z)
}

func (b *Blake2b) hash(in ...*big.Int) (*big.Int, error) {
	if err := checkInputs(b.modulus, in); err != nil {
		return nil, err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("blake2b: %w", err)
	}
	h.Write([]byte(blake2bDomain))
	h.Write([]byte{byte(len(in))})

	width := (b.modulus.BitLen() + 7) / 8
	buf := make([]byte, width)
	for _, x := range in {
		x.FillBytes(buf)
		h.Write(buf)
	}

	out := new(big.Int).SetBytes(h.Sum(nil))
	return out.Mod(out, b.modulus), nil
}

func checkInputs(modulus *big.Int, in []*big.Int) error {
	for i, x := range in {
		if x == nil {
			return fmt.Errorf("%w: input %d is nil", ErrNotInField, i)
		}
		if x.Sign() < 0 || x.Cmp(modulus) >= 0 {
			return fmt.Errorf("%w: input %d", ErrNotInField, i)
		}
	}
	return nil
}

// ByName resolves a configured hash name.
func ByName(name string) (FixedArityHash, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "poseidon":
		return NewPoseidon(), nil
	case "blake2b":
		return NewBlake2b(nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, name)
	}
}
