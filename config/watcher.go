package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/planmesh/logging"
)

const defaultDebounce = 500 * time.Millisecond

// WatcherOptions configure a config file watcher.
type WatcherOptions struct {
	// Debounce is how long to wait for further writes before reloading.
	Debounce time.Duration
	Logger   logging.Logger
}

// Watcher reloads a config file on change and hands the result to a
// callback. Reload errors are logged and skipped; the previous configuration
// stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   logging.Logger
	onChange func(*Config)
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, onChange func(*Config), optFns ...func(o *WatcherOptions)) *Watcher {
	opts := WatcherOptions{
		Debounce: defaultDebounce,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Watcher{
		path:     path,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		onChange: onChange,
	}
}

// Run watches until the context is cancelled. The parent directory is
// watched rather than the file itself so editors that replace the file
// atomically still trigger a reload.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config.watch_error", "error", err.Error())

		case <-reload:
			cfg, err := LoadFromFile(w.path)
			if err != nil {
				w.logger.Warn("config.reload_failed", "path", w.path, "error", err.Error())
				continue
			}
			w.logger.Info("config.reloaded", "path", w.path)
			w.onChange(cfg)
		}
	}
}
