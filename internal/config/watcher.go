package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of file events (editors often write a
// config file several times in quick succession) into a single reload.
const debounceWindow = 500 * time.Millisecond

// Watcher observes the configuration file and emits one reload signal per
// debounced burst of modifications.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	events   chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		debounce: debounceWindow,
		events:   make(chan struct{}, 1),
	}
}

// Events returns the reload signal channel.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Start begins watching. The watch is placed on the parent directory so
// rename-based saves (temp file + rename) are observed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Debug("config file changed", "path", ev.Name, "op", ev.Op.String())
				if timer == nil {
					timer = time.NewTimer(w.debounce)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(w.debounce)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				select {
				case w.events <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
