package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of write events most editors emit
// when saving a file.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever its file changes on disk, until
// Close is called. No-op when the manager has no file path.
func (m *Manager) Watch(log *slog.Logger) error {
	if m.path == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the parent directory: editors replace files via rename, which
	// drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}

	go m.watchLoop(watcher, log)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, log *slog.Logger) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if err := m.Reload(); err != nil {
				log.Warn("config reload failed, keeping previous configuration",
					slog.String("path", m.path),
					slog.Any("error", err),
				)
				return
			}
			log.Info("configuration reloaded", slog.String("path", m.path))
		})
	}

	target := filepath.Clean(m.path)
	for {
		select {
		case <-m.stopWatch:
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", slog.Any("error", err))
		}
	}
}
