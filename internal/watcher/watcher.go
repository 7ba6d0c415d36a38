// Package watcher watches the config file and triggers hot reloads.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/config"
)

const (
	// replaceCheckDelay lets atomic replace (rename) settle before deciding
	// whether a Remove event indicates a real deletion.
	replaceCheckDelay    = 50 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// Watcher watches a single config file and invokes the reload callback when
// its content actually changes. Editors that write via rename are handled by
// watching the parent directory.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	reloadMu       sync.Mutex
	reloadTimer    *time.Timer
	lastConfigHash string
}

// NewWatcher creates a watcher for configPath.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fsWatcher,
	}
	if data, err := os.ReadFile(configPath); err == nil {
		w.lastConfigHash = hashBytes(data)
	}
	return w, nil
}

// Start begins watching. It returns after registering the watch; events are
// handled on a background goroutine until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.loop(ctx)
	log.Debugf("watching %s for config changes", w.configPath)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.reloadMu.Lock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
		w.reloadTimer = nil
	}
	w.reloadMu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
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
			log.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
		return
	}
	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.scheduleReload()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Atomic replace shows up as remove/rename followed by create.
		time.AfterFunc(replaceCheckDelay, func() {
			if _, err := os.Stat(w.configPath); err == nil {
				w.scheduleReload()
			} else {
				log.Warnf("config file %s removed; keeping last loaded config", w.configPath)
			}
		})
	}
}

// scheduleReload debounces bursts of write events into a single reload.
func (w *Watcher) scheduleReload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(configReloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Warnf("read config for reload: %v", err)
		return
	}
	hash := hashBytes(data)

	w.reloadMu.Lock()
	unchanged := hash == w.lastConfigHash
	w.lastConfigHash = hash
	w.reloadMu.Unlock()
	if unchanged {
		log.Debug("config content unchanged, skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("config reload failed, keeping previous config: %v", err)
		return
	}
	log.Infof("config reloaded from %s", w.configPath)
	if w.reloadCallback != nil {
		w.reloadCallback(cfg)
	}
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
