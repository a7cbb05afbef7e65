package field

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// chunkSize is the number of string bytes packed into one element. 31 bytes
// stay below any modulus of 256 bits or more.
const chunkSize = 31

// hexDigitBits is the width of one base-2^248 digit used to collapse large
// hex identifiers.
const hexDigitBits = 248

var hexDigitBound = new(big.Int).Lsh(big.NewInt(1), hexDigitBits)

// ToDecimal renders x as unsigned base-10 ASCII with no padding. This is the
// only encoding field elements use on the wire.
func ToDecimal(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.Text(10)
}

// FromDecimal parses a canonical decimal string into an element below
// modulus. Signs, leading zeros, and non-digit characters are rejected.
func FromDecimal(s string, modulus *big.Int) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty decimal", ErrInvalidEncoding)
	}
	if len(s) > 1 && s[0] == '0' {
		return nil, fmt.Errorf("%w: leading zero in %q", ErrInvalidEncoding, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, fmt.Errorf("%w: non-digit in %q", ErrInvalidEncoding, s)
		}
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEncoding, s)
	}
	if modulus != nil && x.Cmp(modulus) >= 0 {
		return nil, ErrNotInField
	}
	return x, nil
}

// FromUint lifts a small integer (template component, timestamp, tau).
func FromUint(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// FromString encodes s by packing its UTF-8 bytes into 31-byte big-endian
// chunks and folding them with Hash2, the first chunk seeding the
// accumulator. The empty string encodes to 0 and a string of at most 31 bytes
// encodes to its single chunk.
func FromString(h FixedArityHash, s string) (*big.Int, error) {
	data := []byte(s)
	if len(data) == 0 {
		return new(big.Int), nil
	}

	var acc *big.Int
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		chunk := new(big.Int).SetBytes(data[start:end])
		if acc == nil {
			acc = chunk
			continue
		}
		next, err := h.Hash2(acc, chunk)
		if err != nil {
			return nil, fmt.Errorf("fold string chunk %d: %w", start/chunkSize, err)
		}
		acc = next
	}
	return acc, nil
}

// FromHex canonicalizes a hex identifier (optionally 0x-prefixed) into an
// element. Values below 2^248 are hashed with Hash1; larger values are split
// into base-2^248 digits, least significant first, and folded with Hash2.
func FromHex(h FixedArityHash, s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("%w: empty hex", ErrInvalidEncoding)
	}
	if s[0] == '+' || s[0] == '-' {
		return nil, fmt.Errorf("%w: signed hex %q", ErrInvalidEncoding, s)
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("%w: bad hex %q", ErrInvalidEncoding, s)
	}

	if n.Cmp(hexDigitBound) < 0 {
		return h.Hash1(n)
	}

	var digits []*big.Int
	rest := new(big.Int).Set(n)
	for rest.Sign() > 0 {
		d := new(big.Int)
		rest.DivMod(rest, hexDigitBound, d)
		digits = append(digits, d)
	}

	acc := digits[0]
	for _, d := range digits[1:] {
		next, err := h.Hash2(acc, d)
		if err != nil {
			return nil, fmt.Errorf("fold hex digit: %w", err)
		}
		acc = next
	}
	return acc, nil
}

// Random draws a uniformly random nonzero element below modulus. A nil
// reader uses crypto/rand.
func Random(modulus *big.Int, r io.Reader) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	for {
		x, err := rand.Int(r, modulus)
		if err != nil {
			return nil, fmt.Errorf("draw field element: %w", err)
		}
		if x.Sign() > 0 {
			return x, nil
		}
	}
}
