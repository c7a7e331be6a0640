// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher monitors the server configuration file and reloads the
// registry when it changes. Editors that write via rename (vim, atomic
// saves) are handled by watching the parent directory.
type ConfigWatcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *Registry
	logger    *slog.Logger

	// configPath is the absolute path of the watched servers.yaml.
	configPath string

	// debounceDelay coalesces bursts of write events into one reload.
	debounceDelay time.Duration

	mu            sync.Mutex
	pendingReload *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConfigWatcherConfig configures the config-file watcher.
type ConfigWatcherConfig struct {
	// Registry is reloaded when the config file changes.
	Registry *Registry

	// ConfigPath is the servers.yaml path. Defaults to the standard
	// location when empty.
	ConfigPath string

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay is the delay before reloading after a change
	// (defaults to 200ms).
	DebounceDelay time.Duration
}

// NewConfigWatcher creates and starts a watcher over the server
// configuration file.
func NewConfigWatcher(cfg ConfigWatcherConfig) (*ConfigWatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	path := cfg.ConfigPath
	if path == "" {
		var err error
		path, err = ServersConfigPath()
		if err != nil {
			return nil, err
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: atomic saves replace the inode
	// and a file-level watch would go stale after the first write.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &ConfigWatcher{
		fsWatcher:     fsWatcher,
		registry:      cfg.Registry,
		logger:        logger,
		configPath:    absPath,
		debounceDelay: debounceDelay,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// processEvents filters directory events down to the config file and
// schedules debounced reloads.
func (w *ConfigWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != w.configPath {
				continue
			}
			w.logger.Debug("server config changed", "file", abs)
			w.scheduleReload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// scheduleReload resets the debounce timer.
func (w *ConfigWatcher) scheduleReload() {
	w.mu.Lock()
	if w.pendingReload != nil {
		w.pendingReload.Stop()
	}
	w.pendingReload = time.AfterFunc(w.debounceDelay, w.reload)
	w.mu.Unlock()
}

// reload parses the config file and applies it to the registry. A config
// that fails to parse or validate leaves the running catalog untouched.
func (w *ConfigWatcher) reload() {
	w.mu.Lock()
	w.pendingReload = nil
	w.mu.Unlock()

	cfg, err := LoadServersConfig(w.configPath)
	if err != nil {
		w.logger.Error("failed to load changed server config", "error", err)
		return
	}
	if err := w.registry.Reload(w.ctx, cfg); err != nil {
		w.logger.Error("failed to apply changed server config", "error", err)
		return
	}
	w.logger.Info("server config reloaded", "file", w.configPath)
}

// Close shuts down the watcher.
func (w *ConfigWatcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pendingReload != nil {
		w.pendingReload.Stop()
		w.pendingReload = nil
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}
