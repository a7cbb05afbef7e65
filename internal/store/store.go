// Package store persists enrolled templates in SQLite.
//
// Each user id maps to exactly one record holding the template, its salt and
// salt key, and the public commitment. Records are written whole and replaced
// whole on re-enrollment. Every row carries an HMAC over its contents keyed by
// a secret the database never sees, so an edited or transplanted row fails to
// load instead of silently yielding a different template.
package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"huproof/internal/security"
)

var (
	ErrNotFound   = errors.New("store: no template for user")
	ErrIntegrity  = errors.New("store: record integrity check failed")
	ErrInvalidKey = errors.New("store: HMAC key must be at least 32 bytes")
	ErrClosed     = errors.New("store: closed")
)

// hmacLabel separates the store key from anything else derived from the
// same secret.
const hmacLabel = "template-store-hmac"

// Record is one enrolled template. Field elements are decimal strings.
type Record struct {
	UserID     string    `json:"user_id"`
	Template   []uint32  `json:"template"`
	Salt       string    `json:"salt"`
	SaltKey    string    `json:"salt_key"`
	Commitment string    `json:"commitment"`
	HashName   string    `json:"hash_name"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is a SQLite-backed template store.
type Store struct {
	db      *sql.DB
	hmacKey []byte
	mu      sync.Mutex
}

// Open opens or creates the database at path and migrates it.
func Open(path string, hmacKey []byte) (*Store, error) {
	if len(hmacKey) < 32 {
		return nil, ErrInvalidKey
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	key := make([]byte, len(hmacKey))
	copy(key, hmacKey)
	return &Store{db: db, hmacKey: key}, nil
}

// OpenWithSecret opens the store keyed from the secret file at secretPath,
// creating the secret on first use.
func OpenWithSecret(path, secretPath string) (*Store, error) {
	secret, err := security.LoadOrCreateSecret(secretPath, security.RecommendedKeySize)
	if err != nil {
		return nil, fmt.Errorf("load store secret: %w", err)
	}
	defer security.Wipe(secret)

	key, err := security.DeriveKeyWithLabel(secret, hmacLabel, 32)
	if err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	defer security.Wipe(key)
	return Open(path, key)
}

// Close closes the database and wipes the key.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	security.Wipe(s.hmacKey)
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Ping checks that the database answers and its schema is current.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	v, err := SchemaVersion(s.db)
	if err != nil {
		return err
	}
	if v != LatestVersion() {
		return fmt.Errorf("store: schema version %d, want %d", v, LatestVersion())
	}
	return nil
}

// Put stores rec, replacing any record for the same user.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	if rec.UserID == "" {
		return errors.New("store: empty user id")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.HashName == "" {
		rec.HashName = "poseidon"
	}

	tmpl, err := json.Marshal(rec.Template)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	mac := s.mac(rec, tmpl)
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO templates
			(user_id, template, salt, salt_key, commitment, hash_name, updated_at, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, string(tmpl), rec.Salt, rec.SaltKey, rec.Commitment, rec.HashName,
		rec.UpdatedAt.UnixNano(), mac,
	)
	if err != nil {
		return fmt.Errorf("put template: %w", err)
	}
	return nil
}

// Get loads the record for userID. It returns ErrNotFound when none exists
// and ErrIntegrity when the stored row fails verification.
func (s *Store) Get(ctx context.Context, userID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	var (
		rec       = Record{UserID: userID}
		tmpl      string
		updatedNs int64
		mac       []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT template, salt, salt_key, commitment, hash_name, updated_at, hmac
		FROM templates WHERE user_id = ?`, userID,
	).Scan(&tmpl, &rec.Salt, &rec.SaltKey, &rec.Commitment, &rec.HashName, &updatedNs, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	rec.UpdatedAt = time.Unix(0, updatedNs).UTC()

	if !hmac.Equal(mac, s.mac(&rec, []byte(tmpl))) {
		return nil, fmt.Errorf("%w: user %s", ErrIntegrity, userID)
	}
	if err := json.Unmarshal([]byte(tmpl), &rec.Template); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &rec, nil
}

// Delete removes the record for userID. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM templates WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

// Users lists enrolled user ids in order.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM templates ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// mac authenticates every column of a row. Variable-length fields are
// length-prefixed so adjacent fields cannot trade bytes.
func (s *Store) mac(rec *Record, tmpl []byte) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	for _, field := range [][]byte{
		[]byte(rec.UserID), tmpl, []byte(rec.Salt), []byte(rec.SaltKey),
		[]byte(rec.Commitment), []byte(rec.HashName),
	} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.UpdatedAt.UnixNano()))
	h.Write(ts[:])
	return h.Sum(nil)
}
