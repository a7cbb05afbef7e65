// Package security holds the key material helpers for the local template
// store: secret generation, HKDF derivation, constant-time comparison, and
// owner-only secret files.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16

// RecommendedKeySize is the recommended key size in bytes.
const RecommendedKeySize = 32

// GenerateKey returns size random bytes.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// DeriveKey derives keySize bytes from masterKey with HKDF-SHA256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, salt, info), out); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return out, nil
}

// DeriveKeyWithLabel derives a key separated by label, so one master secret
// can feed several independent keys.
func DeriveKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	return DeriveKey(masterKey, nil, []byte("huproof:"+label), keySize)
}

// SecureCompare reports whether a and b are equal in constant time.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe zeroes data.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
