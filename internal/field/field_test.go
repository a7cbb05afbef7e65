package field

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) *big.Int {
	t.Helper()
	x, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, "bad decimal %s", s)
	return x
}

func TestPoseidon_KnownVector(t *testing.T) {
	h := NewPoseidon()
	out, err := h.Hash2(big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, "7853200120776062878684798364095072458815029376092732009249414926327459813530", ToDecimal(out))
}

func TestHashes_Deterministic(t *testing.T) {
	for _, h := range []FixedArityHash{NewPoseidon(), NewBlake2b(nil)} {
		t.Run(h.Name(), func(t *testing.T) {
			a, b, c, d := big.NewInt(11), big.NewInt(22), big.NewInt(33), big.NewInt(44)

			x1, err := h.Hash4(a, b, c, d)
			require.NoError(t, err)
			x2, err := h.Hash4(a, b, c, d)
			require.NoError(t, err)
			assert.Equal(t, 0, x1.Cmp(x2))
			assert.Equal(t, -1, x1.Cmp(h.Modulus()))

			swapped, err := h.Hash4(b, a, c, d)
			require.NoError(t, err)
			assert.NotEqual(t, 0, x1.Cmp(swapped), "order must matter")

			one, err := h.Hash1(a)
			require.NoError(t, err)
			two, err := h.Hash2(a, big.NewInt(0))
			require.NoError(t, err)
			assert.NotEqual(t, 0, one.Cmp(two), "arity must matter")
		})
	}
}

func TestHashes_RejectOutOfField(t *testing.T) {
	for _, h := range []FixedArityHash{NewPoseidon(), NewBlake2b(nil)} {
		_, err := h.Hash1(h.Modulus())
		assert.ErrorIs(t, err, ErrNotInField, h.Name())

		_, err = h.Hash2(big.NewInt(-1), big.NewInt(0))
		assert.ErrorIs(t, err, ErrNotInField, h.Name())

		_, err = h.Hash1(nil)
		assert.ErrorIs(t, err, ErrNotInField, h.Name())
	}
}

func TestBlake2b_SmallModulus(t *testing.T) {
	h := NewBlake2b(big.NewInt(101))
	for i := int64(0); i < 101; i++ {
		out, err := h.Hash1(big.NewInt(i))
		require.NoError(t, err)
		assert.Equal(t, -1, out.Cmp(big.NewInt(101)))
	}
}

func TestByName(t *testing.T) {
	h, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "poseidon", h.Name())

	h, err = ByName("BLAKE2B")
	require.NoError(t, err)
	assert.Equal(t, "blake2b", h.Name())

	_, err = ByName("sha1")
	assert.ErrorIs(t, err, ErrUnknownHash)
}

// --- Encodings ---

func TestDecimal_RoundTrip(t *testing.T) {
	q := NewPoseidon().Modulus()
	maxElem := new(big.Int).Sub(q, big.NewInt(1))

	for _, x := range []*big.Int{big.NewInt(0), big.NewInt(1), big.NewInt(1234567890), maxElem} {
		s := ToDecimal(x)
		back, err := FromDecimal(s, q)
		require.NoError(t, err)
		assert.Equal(t, 0, x.Cmp(back), s)
	}
	assert.Equal(t, "0", ToDecimal(nil))
}

func TestFromDecimal_Rejects(t *testing.T) {
	q := NewPoseidon().Modulus()

	for _, s := range []string{"", "-1", "+1", "12a", " 1", "0x10", "007"} {
		_, err := FromDecimal(s, q)
		assert.ErrorIs(t, err, ErrInvalidEncoding, "%q", s)
	}

	_, err := FromDecimal(BN254ScalarField, q)
	assert.ErrorIs(t, err, ErrNotInField)
}

func TestFromString_ShortIsSingleChunk(t *testing.T) {
	h := NewBlake2b(nil)

	zero, err := FromString(h, "")
	require.NoError(t, err)
	assert.Equal(t, 0, zero.Sign())

	x, err := FromString(h, "ab")
	require.NoError(t, err)
	assert.Equal(t, int64(0x6162), x.Int64())

	s31 := strings.Repeat("z", 31)
	x, err = FromString(h, s31)
	require.NoError(t, err)
	assert.Equal(t, 0, x.Cmp(new(big.Int).SetBytes([]byte(s31))))
}

func TestFromString_FoldsChunks(t *testing.T) {
	h := NewBlake2b(nil)
	s := strings.Repeat("a", 31) + "bc"

	want, err := h.Hash2(new(big.Int).SetBytes([]byte(strings.Repeat("a", 31))), new(big.Int).SetBytes([]byte("bc")))
	require.NoError(t, err)

	got, err := FromString(h, s)
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(got))
}

func TestFromString_OriginsDiffer(t *testing.T) {
	h := NewPoseidon()
	a, err := FromString(h, "https://app.example.com")
	require.NoError(t, err)
	b, err := FromString(h, "https://app.example.org")
	require.NoError(t, err)
	assert.NotEqual(t, 0, a.Cmp(b))
}

func TestFromHex_Small(t *testing.T) {
	h := NewBlake2b(nil)
	want, err := h.Hash1(big.NewInt(0xdeadbeef))
	require.NoError(t, err)

	for _, s := range []string{"deadbeef", "0xdeadbeef", "0XDEADBEEF"} {
		got, err := FromHex(h, s)
		require.NoError(t, err)
		assert.Equal(t, 0, want.Cmp(got), s)
	}
}

func TestFromHex_LargeFoldsDigits(t *testing.T) {
	h := NewBlake2b(nil)
	// 2^248 + 5: digits (5, 1), least significant first.
	n := new(big.Int).Lsh(big.NewInt(1), 248)
	n.Add(n, big.NewInt(5))

	want, err := h.Hash2(big.NewInt(5), big.NewInt(1))
	require.NoError(t, err)

	got, err := FromHex(h, n.Text(16))
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(got))

	// A 256-bit nonce always lands inside the field.
	got, err = FromHex(NewPoseidon(), strings.Repeat("ff", 32))
	require.NoError(t, err)
	assert.Equal(t, -1, got.Cmp(NewPoseidon().Modulus()))
}

func TestFromHex_Rejects(t *testing.T) {
	h := NewBlake2b(nil)
	for _, s := range []string{"", "0x", "xyz", "-ff", "+ff", "0x+ff"} {
		_, err := FromHex(h, s)
		assert.ErrorIs(t, err, ErrInvalidEncoding, "%q", s)
	}
}

func TestRandom(t *testing.T) {
	q := NewPoseidon().Modulus()
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		x, err := Random(q, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, x.Sign())
		assert.Equal(t, -1, x.Cmp(q))
		seen[x.String()] = true
	}
	assert.Len(t, seen, 16)
}

func TestRandom_ReaderError(t *testing.T) {
	_, err := Random(big.NewInt(1000), bytes.NewReader(nil))
	assert.Error(t, err)
}
