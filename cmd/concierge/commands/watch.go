package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// stateWatcher calls onChange when the state database changes.
// It watches the containing directory so WAL and journal files are seen too.
type stateWatcher struct {
	path     string
	debounce time.Duration
	logger   zerolog.Logger
	onChange func()
}

func newStateWatcher(path string, logger zerolog.Logger, onChange func()) *stateWatcher {
	return &stateWatcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		logger:   logger.With().Str("component", "watcher").Logger(),
		onChange: onChange,
	}
}

// Run blocks until ctx is done.
func (w *stateWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Debug().Str("dir", dir).Msg("Watching state")

	base := filepath.Base(w.path)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// state.db, state.db-wal and state.db-shm
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				dirty = true
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")

		case <-ticker.C:
			if dirty {
				dirty = false
				w.onChange()
			}
		}
	}
}
