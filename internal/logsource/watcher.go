package logsource

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher signals when the log file is written, so the poll loop can react
// before its next tick. It watches the parent directory because the file
// may not exist yet when watching starts.
type Watcher struct {
	watcher *fsnotify.Watcher
	file    string
	notify  chan struct{}
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		watcher: fw,
		file:    abs,
		notify:  make(chan struct{}, 1),
		logger:  logger,
	}, nil
}

// C delivers a value after one or more writes. Bursts coalesce.
func (w *Watcher) C() <-chan struct{} { return w.notify }

// Start begins forwarding file events until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Debug("log watcher error", "file", w.file, "err", err)
			}
		}
	}()
}

// Stop stops watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.file {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}
}
