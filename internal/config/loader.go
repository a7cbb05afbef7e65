package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader loads a configuration file and reloads it when it changes on disk.
// One-shot commands only call Load; Watch and OnChange are for long-running
// embedders of the client.
type Loader struct {
	path string

	mu       sync.RWMutex
	config   *Config
	warnings ValidationErrors
	onChange []func(*Config)

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	errChan chan error
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		ctx:     ctx,
		cancel:  cancel,
		errChan: make(chan error, 1),
	}
}

// Load reads, overrides from the environment, and validates the file.
// Warnings do not fail the load.
func (l *Loader) Load() (*Config, error) {
	cfg, warnings, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.warnings = warnings
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, ValidationErrors, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		verrs, ok := err.(ValidationErrors)
		if !ok || verrs.HasErrors() {
			return nil, nil, fmt.Errorf("validation failed: %w", err)
		}
		return cfg, verrs.Warnings(), nil
	}
	return cfg, nil, nil
}

// Warnings returns the non-fatal issues found by the last successful load.
func (l *Loader) Warnings() ValidationErrors {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.warnings
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback run after each successful reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors reports reload failures. Only the latest unread error is kept.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts reloading the file when it is written or replaced. The
// directory is watched so editors that save via rename are seen.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	const debounce = 100 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-l.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(l.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	cfg, warnings, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.config = cfg
	l.warnings = warnings
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
