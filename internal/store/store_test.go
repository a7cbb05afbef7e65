package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.db")
	s, err := Open(path, testKey)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func sampleRecord(userID string) *Record {
	tmpl := make([]uint32, 64)
	for i := range tmpl {
		tmpl[i] = uint32(i * 10)
	}
	return &Record{
		UserID:     userID,
		Template:   tmpl,
		Salt:       "1234567890",
		SaltKey:    "987654321",
		Commitment: "555",
		UpdatedAt:  time.Unix(1700000000, 123).UTC(),
	}
}

func TestOpen_RejectsShortKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestOpen_CreatesDirectoryAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "templates.db")
	s, err := Open(path, testKey)
	require.NoError(t, err)

	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
	require.NoError(t, s.Close())

	// Reopening is a no-op migration.
	s, err = Open(path, testKey)
	require.NoError(t, err)
	defer s.Close()
	v, err = SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
}

func TestPutGet(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	rec := sampleRecord("user-1")
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Template, got.Template)
	assert.Equal(t, rec.Salt, got.Salt)
	assert.Equal(t, rec.SaltKey, got.SaltKey)
	assert.Equal(t, rec.Commitment, got.Commitment)
	assert.Equal(t, "poseidon", got.HashName)
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))
}

func TestGet_Missing(t *testing.T) {
	s, _ := openTest(t)
	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_ReplacesWholeRecord(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleRecord("user-1")))

	next := sampleRecord("user-1")
	next.Template = make([]uint32, 64)
	next.Salt, next.SaltKey, next.Commitment = "11", "22", "33"
	next.HashName = "blake2b"
	require.NoError(t, s.Put(ctx, next))

	got, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, next.Template, got.Template)
	assert.Equal(t, "11", got.Salt)
	assert.Equal(t, "22", got.SaltKey)
	assert.Equal(t, "33", got.Commitment)
	assert.Equal(t, "blake2b", got.HashName)

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, users)
}

func TestGet_DetectsTampering(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleRecord("user-1")))

	_, err := s.db.Exec("UPDATE templates SET salt = '1' WHERE user_id = 'user-1'")
	require.NoError(t, err)

	_, err = s.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestGet_DetectsTransplantedRow(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleRecord("alice")))

	_, err := s.db.Exec("UPDATE templates SET user_id = 'mallory' WHERE user_id = 'alice'")
	require.NoError(t, err)

	_, err = s.Get(ctx, "mallory")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestGet_WrongKey(t *testing.T) {
	s, path := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleRecord("user-1")))
	require.NoError(t, s.Close())

	other, err := Open(path, bytes.Repeat([]byte{0x43}, 32))
	require.NoError(t, err)
	defer other.Close()

	_, err = other.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestDelete(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleRecord("user-1")))

	require.NoError(t, s.Delete(ctx, "user-1"))
	_, err := s.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "user-1"))
}

func TestPut_RejectsEmptyUser(t *testing.T) {
	s, _ := openTest(t)
	assert.Error(t, s.Put(context.Background(), &Record{}))
}

func TestOpenWithSecret(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "templates.db")
	secretPath := filepath.Join(dir, "store.key")
	ctx := context.Background()

	s, err := OpenWithSecret(dbPath, secretPath)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, sampleRecord("user-1")))
	require.NoError(t, s.Close())

	s, err = OpenWithSecret(dbPath, secretPath)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "555", got.Commitment)
}

func TestPing(t *testing.T) {
	s, _ := openTest(t)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
}

func TestClosedStore(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, sampleRecord("user-1")))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(ctx, sampleRecord("user-2")), ErrClosed)
	_, err := s.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Delete(ctx, "user-1"), ErrClosed)
	_, err = s.Users(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}
