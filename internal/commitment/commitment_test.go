package commitment

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huproof/internal/field"
)

func newScheme(t *testing.T, h field.FixedArityHash) *Scheme {
	t.Helper()
	s, err := New(h)
	require.NoError(t, err)
	return s
}

func schemes(t *testing.T) []*Scheme {
	return []*Scheme{newScheme(t, field.NewPoseidon()), newScheme(t, field.NewBlake2b(nil))}
}

func sampleTemplate() []uint32 {
	tmpl := make([]uint32, 64)
	for i := range tmpl {
		tmpl[i] = uint32((i*37 + 11) % 4096)
	}
	return tmpl
}

func TestNew_NilHash(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilHash)
}

func TestFold_Definition(t *testing.T) {
	h := field.NewBlake2b(nil)
	s := newScheme(t, h)

	seed := big.NewInt(9)
	got, err := s.Fold(seed, []uint32{3, 5})
	require.NoError(t, err)

	step, err := h.Hash2(seed, big.NewInt(3))
	require.NoError(t, err)
	want, err := h.Hash2(step, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(got))

	empty, err := s.Fold(seed, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, seed.Cmp(empty))
}

func TestCommit_DeterministicAndSaltSensitive(t *testing.T) {
	for _, s := range schemes(t) {
		t.Run(s.Hash().Name(), func(t *testing.T) {
			tmpl := sampleTemplate()
			salt := big.NewInt(123456789)

			c1, err := s.Commit(tmpl, salt)
			require.NoError(t, err)
			c2, err := s.Commit(tmpl, salt)
			require.NoError(t, err)
			assert.Equal(t, 0, c1.Cmp(c2))

			other, err := s.Commit(tmpl, big.NewInt(123456790))
			require.NoError(t, err)
			assert.NotEqual(t, 0, c1.Cmp(other))

			tweaked := append([]uint32(nil), tmpl...)
			tweaked[63]++
			c3, err := s.Commit(tweaked, salt)
			require.NoError(t, err)
			assert.NotEqual(t, 0, c1.Cmp(c3))
		})
	}
}

func TestKeyHash_DistinctFromCommit(t *testing.T) {
	for _, s := range schemes(t) {
		t.Run(s.Hash().Name(), func(t *testing.T) {
			tmpl := sampleTemplate()
			x := big.NewInt(42)

			c, err := s.Commit(tmpl, x)
			require.NoError(t, err)
			kh, err := s.KeyHash(tmpl, x)
			require.NoError(t, err)
			assert.NotEqual(t, 0, c.Cmp(kh), "same value as salt and salt key must not collide")

			want, err := s.Hash().Hash2(c, x)
			require.NoError(t, err)
			assert.Equal(t, 0, want.Cmp(kh))
		})
	}
}

func TestSign_ArgumentOrder(t *testing.T) {
	s := newScheme(t, field.NewPoseidon())
	a, b, c, d := big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4)

	sig, err := s.Sign(a, b, c, d)
	require.NoError(t, err)
	want, err := s.Hash().Hash4(a, b, c, d)
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(sig))

	swapped, err := s.Sign(b, a, c, d)
	require.NoError(t, err)
	assert.NotEqual(t, 0, sig.Cmp(swapped))
}

func TestNewSecrets(t *testing.T) {
	s := newScheme(t, field.NewPoseidon())
	a, err := s.NewSecrets(nil)
	require.NoError(t, err)
	b, err := s.NewSecrets(nil)
	require.NoError(t, err)

	q := s.Hash().Modulus()
	for _, x := range []*big.Int{a.Salt, a.SaltKey, b.Salt, b.SaltKey} {
		assert.Equal(t, 1, x.Sign())
		assert.Equal(t, -1, x.Cmp(q))
	}
	assert.NotEqual(t, 0, a.Salt.Cmp(b.Salt))
	assert.NotEqual(t, 0, a.Salt.Cmp(a.SaltKey))
}

func TestSignChallenge_NonceAndTimestampMatter(t *testing.T) {
	s := newScheme(t, field.NewPoseidon())
	kh, err := s.KeyHash(sampleTemplate(), big.NewInt(77))
	require.NoError(t, err)

	origin := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	b1, err := s.BindChallenge("nonce-one", origin, 1700000000)
	require.NoError(t, err)
	b2, err := s.BindChallenge("nonce-two", origin, 1700000000)
	require.NoError(t, err)
	b3, err := s.BindChallenge("nonce-one", origin, 1700000001)
	require.NoError(t, err)

	s1, err := s.SignChallenge(b1, kh)
	require.NoError(t, err)
	s2, err := s.SignChallenge(b2, kh)
	require.NoError(t, err)
	s3, err := s.SignChallenge(b3, kh)
	require.NoError(t, err)

	assert.NotEqual(t, 0, s1.Cmp(s2))
	assert.NotEqual(t, 0, s1.Cmp(s3))

	again, err := s.SignChallenge(b1, kh)
	require.NoError(t, err)
	assert.Equal(t, 0, s1.Cmp(again))
}

func TestBindChallenge_BadOrigin(t *testing.T) {
	s := newScheme(t, field.NewPoseidon())
	_, err := s.BindChallenge("n", "not-hex", 1)
	assert.ErrorIs(t, err, field.ErrInvalidEncoding)
}
