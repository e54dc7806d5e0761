package instruction

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads instruction files when they are written or recreated. paths
// maps a mode to its file; directories are watched so editors that replace
// files atomically are handled. Watch blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, paths map[Mode]string) error {
	if len(paths) == 0 {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("instruction watcher: %w", err)
	}
	defer w.Close()

	byFile := make(map[string]Mode, len(paths))
	dirs := map[string]bool{}
	for mode, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("instruction watcher: %w", err)
		}
		byFile[abs] = mode
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			mode, ok := byFile[abs]
			if !ok {
				continue
			}
			if err := r.LoadFile(mode, abs); err != nil {
				r.logger.Warn("instruction reload failed", "path", abs, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("instruction watcher error", "error", err)
		}
	}
}
