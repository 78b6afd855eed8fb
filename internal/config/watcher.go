package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ApplyFunc receives the differences between the applied config and a newly
// loaded one. Returning an error keeps the previously applied config as the
// base for the next comparison.
type ApplyFunc func(d ConfigDiff, next *Config) error

// Watcher polls a config file and hands every relevant change to an
// [ApplyFunc]. Edits that fail to parse or validate are logged and skipped.
type Watcher struct {
	path     string
	interval time.Duration
	apply    ApplyFunc

	seen fileStamp

	mu      sync.Mutex
	applied *Config
	reloads int
}

// fileStamp identifies a version of the file on disk without reading it.
type fileStamp struct {
	mtime time.Time
	size  int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher whose [Watcher.Run]
// starts polling. apply may be nil, in which case changes only update
// [Watcher.Current].
func NewWatcher(path string, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
	}
	for _, opt := range opts {
		opt(w)
	}

	stamp, err := w.stat()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.applied = cfg
	w.seen = stamp
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}

// Reloads returns how many changes have been applied since the watcher was
// created.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run polls until ctx is done and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check()
		}
	}
}

// check runs on the Run goroutine only, so w.seen and w.applied are not
// written concurrently; the lock guards readers of Current and Reloads.
func (w *Watcher) check() {
	stamp, err := w.stat()
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	if stamp == w.seen {
		return
	}
	w.seen = stamp

	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config watcher: ignoring invalid config", "path", w.path, "err", err)
		return
	}
	d := Diff(w.Current(), next)
	if d.Empty() {
		return
	}
	if w.apply != nil {
		if err := w.apply(d, next); err != nil {
			slog.Error("config watcher: reload rejected", "path", w.path, "err", err)
			return
		}
	}

	w.mu.Lock()
	w.applied = next
	w.reloads++
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"tutor_changed", d.TutorChanged,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
}

func (w *Watcher) stat() (fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{mtime: info.ModTime(), size: info.Size()}, nil
}
