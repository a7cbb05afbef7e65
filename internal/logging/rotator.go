package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rolls the file over when
// it would exceed MaxSize or when the day changes. Rolled files are named
// <name>-<yyyymmdd-hhmmss><ext>, optionally gzipped, and pruned by
// MaxBackups and MaxAge.
type FileRotator struct {
	config *Config

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
	wg     sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path not set")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &FileRotator{config: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	r.opened = time.Now()
	return nil
}

func (r *FileRotator) maxBytes() int64 {
	if r.config.MaxSize <= 0 {
		return 0
	}
	return r.config.MaxSize << 20
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	limit := r.maxBytes()
	full := limit > 0 && r.size > 0 && r.size+int64(len(p)) > limit
	if full || r.opened.YearDay() != time.Now().YearDay() {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	dir, name, ext := r.parts()
	rolled := filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, time.Now().Format("20060102-150405.000"), ext))
	if err := os.Rename(r.config.FilePath, rolled); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.open(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.config.Compress {
			gzipFile(rolled)
		}
		r.prune()
	}()
	return nil
}

func (r *FileRotator) parts() (dir, name, ext string) {
	base := filepath.Base(r.config.FilePath)
	ext = filepath.Ext(base)
	return filepath.Dir(r.config.FilePath), strings.TrimSuffix(base, ext), ext
}

// backups lists rolled files, oldest first.
func (r *FileRotator) backups() []string {
	dir, name, ext := r.parts()
	matches, err := filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))
	if err != nil {
		return nil
	}
	mod := make(map[string]time.Time, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			mod[m] = info.ModTime()
		}
	}
	out := make([]string, 0, len(mod))
	for m := range mod {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return mod[out[i]].Before(mod[out[j]]) })
	return out
}

func (r *FileRotator) prune() {
	files := r.backups()
	if r.config.MaxBackups > 0 && len(files) > r.config.MaxBackups {
		for _, f := range files[:len(files)-r.config.MaxBackups] {
			os.Remove(f)
		}
		files = files[len(files)-r.config.MaxBackups:]
	}
	if r.config.MaxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.config.MaxAge)
		for _, f := range files {
			if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(f)
			}
		}
	}
}

func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// Close waits for pending compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wg.Wait()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// LogFiles returns the current log file followed by rolled files.
func (r *FileRotator) LogFiles() []string {
	return append([]string{r.config.FilePath}, r.backups()...)
}
