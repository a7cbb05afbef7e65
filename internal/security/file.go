package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	PermSecretFile os.FileMode = 0o600
	PermSecretDir  os.FileMode = 0o700
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
)

// WriteSecretFile writes data to path with owner-only permissions. The data
// lands in a temp file in the same directory first and is renamed into
// place, so readers never see a partial secret.
func WriteSecretFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	tmp := path + ".tmp." + hex.EncodeToString(suffix[:])

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, PermSecretFile)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ReadSecretFile reads path, refusing files readable by group or others on
// Unix and files larger than maxSize when maxSize > 0.
func ReadSecretFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o, expected %04o",
				ErrInsecurePermissions, path, mode, PermSecretFile)
		}
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}
	return os.ReadFile(path)
}

// LoadOrCreateSecret returns the secret stored at path, generating and
// persisting a fresh size-byte secret on first use. Creation holds an
// exclusive lock on path+".lock" so concurrent processes agree on one value.
func LoadOrCreateSecret(path string, size int) ([]byte, error) {
	if data, err := ReadSecretFile(path, int64(size)); err == nil {
		if len(data) != size {
			return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrInvalidKeySize, path, len(data), size)
		}
		return data, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Name(), err)
	}
	defer unlockFile(lock)

	// Another process may have created it while we waited.
	if data, err := ReadSecretFile(path, int64(size)); err == nil && len(data) == size {
		return data, nil
	}

	secret, err := GenerateKey(size)
	if err != nil {
		return nil, err
	}
	if err := WriteSecretFile(path, secret); err != nil {
		return nil, err
	}
	return secret, nil
}
