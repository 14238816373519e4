package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/svcd/internal/config"
)

// DefaultDebounce coalesces bursts of record writes into one reload.
const DefaultDebounce = 300 * time.Millisecond

// Watch reloads the registry whenever a record in the config root changes,
// until ctx is done. Reload errors are logged.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := os.MkdirAll(r.opts.ConfigDir, 0o750); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(r.opts.ConfigDir); err != nil {
		return fmt.Errorf("watch %s: %w", r.opts.ConfigDir, err)
	}
	r.log.Info("watching config root", "dir", r.opts.ConfigDir)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != config.RecordExt || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("config watch error", "error", err)
		case <-timer.C:
			_ = r.Reload(ctx)
		}
	}
}
