package catalog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"crestfall/server/internal/telemetry"
)

const reloadSettle = 250 * time.Millisecond

// Watcher re-reads the catalog file when it changes on disk and hands
// the fresh snapshot to a callback. Editors often replace files rather
// than rewrite them in place, so the parent directory is watched and
// events are filtered by name.
type Watcher struct {
	path    string
	logger  telemetry.Logger
	onLoad  func(*Catalog)
	watcher *fsnotify.Watcher
}

// NewWatcher builds a watcher for the catalog at path. onLoad runs on
// the watcher goroutine after every successful reload.
func NewWatcher(path string, logger telemetry.Logger, onLoad func(*Catalog)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, logger: logger, onLoad: onLoad, watcher: fsw}, nil
}

// Run blocks until ctx is done, reloading on writes. Rapid event bursts
// from a single save collapse into one reload.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var settle *time.Timer
	var settleC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(reloadSettle)
			} else {
				if !settle.Stop() {
					select {
					case <-settle.C:
					default:
					}
				}
				settle.Reset(reloadSettle)
			}
			settleC = settle.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("catalog watcher error: %v", err)
			}
		case <-settleC:
			settleC = nil
			cat, err := Load(w.path)
			if err != nil {
				if w.logger != nil {
					w.logger.Printf("catalog reload failed, keeping previous snapshot: %v", err)
				}
				continue
			}
			if w.onLoad != nil {
				w.onLoad(cat)
			}
		}
	}
}
