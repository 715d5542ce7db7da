// Package watch monitors a drop directory for scan result files and
// feeds them to the ingestion pipeline as they appear.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay absorbs rapid write bursts while a file is being copied
// into the drop directory.
const debounceDelay = 500 * time.Millisecond

// IngestFunc processes one dropped results file.
type IngestFunc func(ctx context.Context, path string) error

// Watcher tails a drop directory for *.json result files.
type Watcher struct {
	dir     string
	ingest  IngestFunc
	onError func(path string, err error)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a watcher. onError may be nil; ingest failures are then
// dropped silently, which is only appropriate in tests.
func New(dir string, ingest IngestFunc, onError func(path string, err error)) *Watcher {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Watcher{
		dir:     dir,
		ingest:  ingest,
		onError: onError,
		timers:  make(map[string]*time.Timer),
	}
}

// Run watches the directory until the context is cancelled. Files
// already present at startup are ingested once before watching begins,
// so results dropped while the watcher was down are not lost.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	if err := w.sweep(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isResultsFile(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.onError(w.dir, err)
		}
	}
}

// sweep ingests result files already sitting in the directory.
func (w *Watcher) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isResultsFile(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if err := w.ingest(ctx, path); err != nil {
			w.onError(path, err)
		}
	}
	return nil
}

// schedule arms (or re-arms) the per-file debounce timer.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := w.ingest(ctx, path); err != nil {
			w.onError(path, err)
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func isResultsFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
