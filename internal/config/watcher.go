package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the difference between the running config and a newly
// loaded one, together with the new config.
type ReloadFunc func(d ConfigDiff, cfg *Config)

// Watcher reloads a config file when its content changes and reports what
// changed as a [ConfigDiff]. Only edits that [Diff] sees reach the callback:
// a rewritten comment or a reordered key is ignored. Invalid edits are logged
// and skipped; the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	// reloadMu serialises Reload; mu guards the fields below it.
	reloadMu sync.Mutex
	mu       sync.Mutex
	current  *Config
	hash     [sha256.Size]byte
	mtime    time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval of [Watcher.Run]. The default is 5
// seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and returns a watcher for it. Call
// [Watcher.Run] to start polling.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}

	data, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.hash = sha256.Sum256(data)
	w.mtime = mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is cancelled and calls [Watcher.Reload]
// whenever its modification time moves.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
				continue
			}
			w.mu.Lock()
			moved := !info.ModTime().Equal(w.mtime)
			w.mu.Unlock()
			if !moved {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now and swaps in the new config when its content
// changed. The callback runs only when the returned diff carries a
// hot-reloadable change or a restart-required section. On error the current
// config is kept.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	data, mtime, err := w.read()
	if err != nil {
		return ConfigDiff{}, fmt.Errorf("config: reload %s: %w", w.path, err)
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	w.mtime = mtime
	same := hash == w.hash
	old := w.current
	w.mu.Unlock()
	if same {
		return ConfigDiff{}, nil
	}

	cfg, err := loadBytes(data)
	if err != nil {
		return ConfigDiff{}, fmt.Errorf("config: reload %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.current = cfg
	w.hash = hash
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.HasChanges() && len(d.RestartRequired) == 0 {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return d, nil
	}

	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"system_prompt", d.SystemPromptChanged,
		"welcome_message", d.WelcomeMessageChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(d, cfg)
	}
	return d, nil
}

// read returns the file content and its modification time.
func (w *Watcher) read() ([]byte, time.Time, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
