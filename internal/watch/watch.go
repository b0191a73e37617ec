// Package watch notices per-tab flow files changed outside of a save.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/maruel/flowtabs/internal/storage/flows"
)

// Watcher calls a function once a burst of changes under a directory tree
// settles. Backups and temporary files are ignored.
type Watcher struct {
	root     string
	debounce time.Duration
	fn       func()
	w        *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// New watches root and every directory below it. root is created if missing.
func New(root string, debounce time.Duration, fn func()) (*Watcher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create %s: %w", root, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: root, debounce: debounce, fn: fn, w: fw}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// The directory may be gone already.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.w.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// Run handles events until ctx is canceled, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.w.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching flow files", "err", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				slog.WarnContext(ctx, "Failed to watch new directory", "path", event.Name, "err", err)
			}
			w.schedule()
			return
		}
	}
	switch {
	case strings.HasSuffix(name, flows.TabFileSuffix):
	case strings.HasPrefix(name, "."):
		// Backups and temporary files.
		return
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		// Possibly a directory holding tab files.
	default:
		return
	}
	slog.DebugContext(ctx, "Flow file changed", "path", event.Name, "op", event.Op.String())
	w.schedule()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fn)
}
