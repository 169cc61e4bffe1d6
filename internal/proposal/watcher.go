package proposal

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// #region watch
// Watch polls the ledger whenever it changes on disk until ctx ends. Events
// are debounced because editors often write a file in several steps. The
// ledger's directory is watched rather than the file so that editors which
// save by rename are still seen.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration, onChange func([]Proposal)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating ledger watcher: %w", err)
	}
	defer watcher.Close()

	path, err := filepath.Abs(m.ledger.Path())
	if err != nil {
		return fmt.Errorf("ledger path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch ledger dir: %w", err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(event.Name)
			if name != path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			changed, err := m.Poll(ctx)
			if err != nil {
				m.logger.Warn("ledger poll failed", "error", err)
				continue
			}
			if len(changed) > 0 && onChange != nil {
				onChange(changed)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("ledger watcher error", "error", err)
		}
	}
}

// #endregion watch
