// Package watcher reloads a single file at runtime. Bursts of filesystem
// events are debounced and the callback only fires when the file's content
// actually changed.
package watcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/marketpulse/internal/log"
)

// DefaultDebounce is the quiet period after the last event before the file
// is read.
const DefaultDebounce = 500 * time.Millisecond

// FileWatcher delivers the content of one file each time it changes.
type FileWatcher struct {
	fsw      *fsnotify.Watcher
	path     string
	debounce time.Duration
	last     [sha256.Size]byte
}

// Option configures a FileWatcher.
type Option func(*FileWatcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New watches path. The parent directory is what fsnotify observes, so
// editors that replace the file by rename are still seen. The current
// content becomes the baseline and does not trigger a callback.
func New(path string, opts ...Option) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &FileWatcher{fsw: fsw, path: filepath.Clean(path), debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(w)
	}

	if data, err := os.ReadFile(w.path); err == nil {
		w.last = sha256.Sum256(data)
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}
	return w, nil
}

// Run blocks until ctx ends, calling onChange with the new content after
// each debounced change. Calls are sequential. Run closes the watcher on
// return.
func (w *FileWatcher) Run(ctx context.Context, onChange func(data []byte)) error {
	defer func() { _ = w.fsw.Close() }()

	timer := time.NewTimer(w.debounce)
	stopTimer(timer)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("fsnotify event stream closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			stopTimer(timer)
			timer.Reset(w.debounce)

		case <-timer.C:
			w.deliver(onChange)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("fsnotify error stream closed")
			}
			log.Warn(log.CatWatcher, "fsnotify error", "path", w.path, "error", err)
		}
	}
}

// stopTimer stops t and drains a fired value without blocking.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (w *FileWatcher) deliver(onChange func([]byte)) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// Renamed away mid-replace; the Create of the new file follows.
		log.Debug(log.CatWatcher, "Watched file unreadable", "path", w.path, "error", err)
		return
	}
	sum := sha256.Sum256(data)
	if sum == w.last {
		log.Debug(log.CatWatcher, "Content unchanged, skipping", "path", w.path)
		return
	}
	w.last = sum
	onChange(data)
}
