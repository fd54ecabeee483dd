package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// DefaultDebounce is how long the reloader waits after the last change.
const DefaultDebounce = 500 * time.Millisecond

// ApplyFunc installs freshly loaded specs. When it returns an error the
// previous configuration must stay in effect.
type ApplyFunc func(specs []*guard.Spec) error

// Reloader watches a configuration file and re-applies it on change.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	apply    ApplyFunc
	logger   *zap.Logger
	debounce time.Duration

	mu sync.Mutex // serializes reloads
}

// NewReloader watches the directory holding path so that editors that
// replace the file by rename are noticed.
func NewReloader(path string, apply ApplyFunc, logger *zap.Logger) (*Reloader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Reloader{
		watcher:  watcher,
		path:     abs,
		apply:    apply,
		logger:   logger,
		debounce: DefaultDebounce,
	}, nil
}

// Reload loads the file and applies it. A config error leaves the running
// configuration untouched.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	specs, err := Load(r.path)
	if err != nil {
		return err
	}
	return r.apply(specs)
}

// Run watches for file changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(r.debounce, func() {
				if err := r.Reload(); err != nil {
					r.logger.Error("guard config reload failed, keeping previous guards",
						zap.String("path", r.path),
						zap.Error(err),
					)
					return
				}
				r.logger.Info("guard config reloaded", zap.String("path", r.path))
			})

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
