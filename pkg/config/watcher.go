package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the YAML config file when it changes on disk
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *logrus.Logger
}

// NewWatcher watches path. The parent directory is watched so editors and
// config-map updates that replace the file are seen.
func NewWatcher(path string, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{path: abs, watcher: w, logger: logger}, nil
}

// Run calls onChange with every configuration that loads and validates after
// a change to the file. Invalid configurations are logged and skipped. Run
// returns when ctx is done.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config)) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				w.logger.WithError(err).WithField("file", w.path).Warn("Ignoring invalid configuration change")
				continue
			}
			w.logger.WithField("file", w.path).Info("Configuration reloaded")
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("Config watcher error")
		}
	}
}
