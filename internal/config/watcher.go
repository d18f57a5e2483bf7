package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload describes an accepted edit of the watched file.
type Reload struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher polls a config file and reports content changes that still
// validate. A rejected edit leaves the last valid config current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	onReject func(error)

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRejectFunc replaces the default warn log for rejected edits with fn.
// fn receives the decode or validation error; the same edit is reported once.
func WithRejectFunc(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads path and returns a Watcher primed with it. onReload may
// be nil. Polling starts with [Watcher.Run].
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, onReload: onReload}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.digest = cfg, sha256.Sum256(data)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.Check()
		}
	}
}

// Check reads the file once and reports whether a new config was accepted.
func (w *Watcher) Check() bool {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config: watched file unreadable", "path", w.path, "err", err)
		return false
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.digest {
		w.mu.Unlock()
		return false
	}
	// Record the digest even for a rejected edit so it is reported once.
	w.digest = sum
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		if w.onReject != nil {
			w.onReject(err)
		} else {
			slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		}
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	ev := Reload{Old: old, New: cfg, Diff: Diff(old, cfg)}
	slog.Info("config: reloaded", "path", w.path,
		"voice_changed", ev.Diff.VoiceChanged,
		"restart_required", ev.Diff.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(ev)
	}
	return true
}
