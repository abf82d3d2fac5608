// Package watcher discovers audio files dropped into the watch directory.
// fsnotify provides the wake-ups; a size-stability check makes sure a file
// is fully written before it is handed to the pipeline, since recorders and
// sync clients write large files incrementally.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
)

// Discovery describes a file that is present, matches the filters, and has
// stopped growing.
type Discovery struct {
	Path      string
	SizeBytes int64
}

// Watcher emits a Discovery for every stable new audio file.
type Watcher struct {
	cfg      config.WatcherConfig
	watchDir string
	log      *slog.Logger

	mu      sync.Mutex
	tracked map[string]*candidate // files still settling
	emitted map[string]bool       // files already handed off
}

// candidate is a file waiting to pass the stability check.
type candidate struct {
	lastSize    int64
	stableCount int
}

// New builds a Watcher over watchDir.
func New(cfg config.WatcherConfig, watchDir string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		cfg:      cfg,
		watchDir: watchDir,
		log:      log,
		tracked:  make(map[string]*candidate),
		emitted:  make(map[string]bool),
	}
}

// Run watches until ctx is cancelled, sending discoveries to out. Files
// already present at startup are picked up by the initial scan, so work
// dropped while the daemon was down is not lost.
func (w *Watcher) Run(ctx context.Context, out chan<- Discovery) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.watchDir); err != nil {
		return err
	}

	w.scan()

	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.consider(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)

		case <-ticker.C:
			// The periodic pass both advances stability counters and
			// catches events fsnotify dropped.
			w.scan()
			for _, d := range w.settle() {
				select {
				case out <- d:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// scan walks the watch directory and starts tracking any new matches.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.watchDir)
	if err != nil {
		w.log.Warn("scan watch dir", "dir", w.watchDir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.consider(filepath.Join(w.watchDir, entry.Name()))
	}
}

// consider starts tracking path if it matches the filters and has not been
// emitted yet.
func (w *Watcher) consider(path string) {
	if !w.matches(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.emitted[path] {
		return
	}
	if _, ok := w.tracked[path]; !ok {
		w.tracked[path] = &candidate{lastSize: -1}
		w.log.Debug("tracking new file", "path", path)
	}
}

// settle advances the stability counter of every tracked file and returns
// those that held the same size for the configured number of checks.
func (w *Watcher) settle() []Discovery {
	w.mu.Lock()
	defer w.mu.Unlock()

	required := w.cfg.StableChecks
	if required < 1 {
		required = 1
	}

	var ready []Discovery
	for path, c := range w.tracked {
		info, err := os.Stat(path)
		if err != nil {
			// Deleted or moved while settling.
			delete(w.tracked, path)
			continue
		}
		if info.Size() != c.lastSize {
			c.lastSize = info.Size()
			c.stableCount = 0
			continue
		}
		c.stableCount++
		if c.stableCount >= required && info.Size() > 0 {
			delete(w.tracked, path)
			w.emitted[path] = true
			ready = append(ready, Discovery{Path: path, SizeBytes: info.Size()})
			w.log.Info("file stable, handing to pipeline",
				"path", path, "size_bytes", info.Size())
		}
	}
	return ready
}

// Forget drops a path from the emitted set so a re-appearing file (e.g.
// moved back after a failure) is discovered again.
func (w *Watcher) Forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.emitted, path)
}

// matches applies extension and ignore-pattern filters.
func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, pattern := range w.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return false
		}
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, allowed := range w.cfg.Extensions {
		if strings.EqualFold(allowed, ext) {
			return true
		}
	}
	return false
}
