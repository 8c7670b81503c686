// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches the write/rename bursts editors and atomic
// writers produce into a single reload.
const reloadDebounce = 100 * time.Millisecond

// Store holds the live configuration and hot-reloads it when the
// backing file changes.
//
// # Description
//
// Current() returns the active configuration; after a successful
// reload it returns the new one. A reload that fails to parse or
// validate is rejected and logged, and the previous configuration
// stays active. Consumers that need to react to changes register an
// OnReload callback.
//
// # Thread Safety
//
// Safe for concurrent use. Current() is lock-free; callbacks run
// sequentially on the watch goroutine.
type Store struct {
	path   string
	logger *slog.Logger

	current atomic.Pointer[Config]

	mu       sync.Mutex
	onReload []func(*Config)

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewStore wraps an already-loaded configuration. path may be empty
// when there is no file to watch; Watch then reports an error.
func NewStore(cfg *Config, path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.current.Store(cfg)
	return s
}

// Current returns the active configuration. The returned value must
// be treated as read-only.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// OnReload registers fn to run after each successful reload. It must
// be called before Watch.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Watch begins watching the configuration file for changes.
//
// The watch is placed on the file's directory rather than the file
// itself: editors and configuration management tools typically write
// a temp file and rename it over the original, which would silently
// detach a watch on the file's inode.
func (s *Store) Watch() error {
	if s.path == "" {
		return fmt.Errorf("no config file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = watcher

	go s.watchLoop()
	return nil
}

// Close stops watching. The current configuration remains readable.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

func (s *Store) watchLoop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(s.path)

	for {
		select {
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			s.reload()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (s *Store) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		s.logger.Warn("config reload rejected, keeping previous configuration",
			"path", s.path,
			"error", err)
		return
	}

	s.current.Store(cfg)
	s.logger.Info("configuration reloaded", "path", s.path)

	s.mu.Lock()
	callbacks := make([]func(*Config), len(s.onReload))
	copy(callbacks, s.onReload)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}
