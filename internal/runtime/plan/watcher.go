package plan

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drblury/corrflow/internal/runtime/logging"
)

// DefaultReloadDebounce is used when NewWatcher receives a non-positive delay.
const DefaultReloadDebounce = 250 * time.Millisecond

// Handler receives the complete plan set after every successful reload.
type Handler func(descs []*Descriptor) error

// Watcher reloads a plans file when it changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	logger   logging.ServiceLogger
}

// NewWatcher watches the directory containing path, so editors that replace
// the file and mounted config volumes that swap symlinks are both noticed.
func NewWatcher(path string, debounce time.Duration, logger logging.ServiceLogger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("could not watch %s: %w", dir, err)
	}
	return &Watcher{
		watcher:  fw,
		path:     abs,
		debounce: debounce,
		logger:   logger.With(logging.LogFields{"plans_file": abs}),
	}, nil
}

// Run blocks until ctx is done, calling handler after changes settle. A file
// that fails to load is reported and skipped, leaving the caller's current
// plans in place.
func (w *Watcher) Run(ctx context.Context, handler Handler) {
	defer w.watcher.Close()

	var timerC <-chan time.Time
	for {
		select {
		case <-timerC:
			timerC = nil
			w.reload(handler)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Plans file changed", logging.LogFields{"op": event.Op.String()})
			if timerC == nil {
				timerC = time.After(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Plans watcher error", err, nil)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	// Symlinked config volumes update a sibling entry, not the file itself.
	return name == w.path || filepath.Base(name) == "..data"
}

func (w *Watcher) reload(handler Handler) {
	descs, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload plans file; keeping current plans", err, nil)
		return
	}
	w.logger.Info("Reloaded plans file", logging.LogFields{"plans": len(descs)})
	if handler == nil {
		return
	}
	if err := handler(descs); err != nil {
		w.logger.Error("Failed to apply reloaded plans", err, nil)
	}
}
