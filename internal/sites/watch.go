package sites

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// FileDirectory serves sites from a file and reloads it when it changes.
// A reload that fails validation keeps the previous list.
type FileDirectory struct {
	path string

	mu    sync.RWMutex
	sites []types.MonitoredSite
}

// OpenFile loads path once.
func OpenFile(path string) (*FileDirectory, error) {
	list, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &FileDirectory{path: path, sites: list}, nil
}

func (d *FileDirectory) Sites(context.Context) ([]types.MonitoredSite, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]types.MonitoredSite(nil), d.sites...), nil
}

// Reload re-reads the file and reports whether the list was replaced.
func (d *FileDirectory) Reload() ([]types.MonitoredSite, error) {
	list, err := LoadFile(d.path)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.sites = list
	d.mu.Unlock()
	return append([]types.MonitoredSite(nil), list...), nil
}

// Watch reloads on write or create of the file until ctx is done, calling
// onChange with each accepted list.
func (d *FileDirectory) Watch(ctx context.Context, onChange func([]types.MonitoredSite)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// editors replace files by rename, so watch the directory
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go d.watchLoop(ctx, watcher, onChange)
	return nil
}

func (d *FileDirectory) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func([]types.MonitoredSite)) {
	defer watcher.Close()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(d.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				list, err := d.Reload()
				if err != nil {
					log.Warn("Site file reload rejected, keeping previous sites", "path", d.path, "error", err)
					return
				}
				log.Info("Site file reloaded", "path", d.path, "sites", len(list))
				if onChange != nil && ctx.Err() == nil {
					onChange(list)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Site file watcher error", "error", err)
		}
	}
}
