// Package commitment folds a feature template into the field elements bound
// by the authentication proof: the enrollment commitment C, the salted key
// hash, and the per-challenge signature.
//
// Folding is a left fold with the hash's two-input form:
//
//	Fold(seed, [e0, e1, ...]) = H2(...H2(H2(seed, e0), e1)..., en)
//
// The commitment seeds with the salt and the key hash seeds with the salt key
// and is closed with one more H2 over the salt key, so the two can never be
// confused even when salt and salt key coincide.
package commitment

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"huproof/internal/field"
)

var ErrNilHash = errors.New("commitment: nil hash")

// Scheme binds the folding operations to one FixedArityHash.
type Scheme struct {
	h field.FixedArityHash
}

// New returns a Scheme over h.
func New(h field.FixedArityHash) (*Scheme, error) {
	if h == nil {
		return nil, ErrNilHash
	}
	return &Scheme{h: h}, nil
}

// Hash returns the underlying hash.
func (s *Scheme) Hash() field.FixedArityHash { return s.h }

// Fold absorbs elements into seed in order.
func (s *Scheme) Fold(seed *big.Int, elements []uint32) (*big.Int, error) {
	acc := seed
	for i, e := range elements {
		next, err := s.h.Hash2(acc, field.FromUint(uint64(e)))
		if err != nil {
			return nil, fmt.Errorf("fold element %d: %w", i, err)
		}
		acc = next
	}
	return acc, nil
}

// Commit returns the public enrollment commitment C = Fold(salt, template).
func (s *Scheme) Commit(template []uint32, salt *big.Int) (*big.Int, error) {
	c, err := s.Fold(salt, template)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// KeyHash returns H2(Fold(saltKey, template), saltKey).
func (s *Scheme) KeyHash(template []uint32, saltKey *big.Int) (*big.Int, error) {
	folded, err := s.Fold(saltKey, template)
	if err != nil {
		return nil, fmt.Errorf("key hash: %w", err)
	}
	kh, err := s.h.Hash2(folded, saltKey)
	if err != nil {
		return nil, fmt.Errorf("key hash: %w", err)
	}
	return kh, nil
}

// Sign binds a challenge to the key hash: H4(nonce, originHash, timestamp,
// keyHash). Argument order is fixed by the circuit.
func (s *Scheme) Sign(nonce, originHash, timestamp, keyHash *big.Int) (*big.Int, error) {
	sig, err := s.h.Hash4(nonce, originHash, timestamp, keyHash)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Secrets are the per-template random elements. A pair is drawn once at
// enrollment and never reused across templates.
type Secrets struct {
	Salt    *big.Int
	SaltKey *big.Int
}

// NewSecrets draws a fresh salt and salt key. A nil reader uses crypto/rand.
func (s *Scheme) NewSecrets(r io.Reader) (Secrets, error) {
	q := s.h.Modulus()
	salt, err := field.Random(q, r)
	if err != nil {
		return Secrets{}, fmt.Errorf("draw salt: %w", err)
	}
	saltKey, err := field.Random(q, r)
	if err != nil {
		return Secrets{}, fmt.Errorf("draw salt key: %w", err)
	}
	return Secrets{Salt: salt, SaltKey: saltKey}, nil
}

// ChallengeBinding is the field form of the challenge values fed to Sign.
type ChallengeBinding struct {
	Nonce      *big.Int
	OriginHash *big.Int
	Timestamp  *big.Int
}

// BindChallenge encodes a raw nonce string, hex origin hash, and timestamp
// into field elements.
func (s *Scheme) BindChallenge(nonce, originHash string, timestamp uint64) (ChallengeBinding, error) {
	n, err := field.FromString(s.h, nonce)
	if err != nil {
		return ChallengeBinding{}, fmt.Errorf("encode nonce: %w", err)
	}
	o, err := field.FromHex(s.h, originHash)
	if err != nil {
		return ChallengeBinding{}, fmt.Errorf("encode origin hash: %w", err)
	}
	return ChallengeBinding{Nonce: n, OriginHash: o, Timestamp: field.FromUint(timestamp)}, nil
}

// SignChallenge is Sign over a bound challenge.
func (s *Scheme) SignChallenge(b ChallengeBinding, keyHash *big.Int) (*big.Int, error) {
	return s.Sign(b.Nonce, b.OriginHash, b.Timestamp, keyHash)
}
