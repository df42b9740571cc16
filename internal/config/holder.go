// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 500 * time.Millisecond

// Holder owns the current Snapshot behind an atomic pointer and an optional
// fsnotify watcher that debounces and re-loads the backing file on change.
// Apply and Reload both validate the fully-merged candidate before
// swapping, so either the whole update lands or none of it does.
type Holder struct {
	opMu     sync.Mutex
	epoch    atomic.Uint64
	snapshot atomic.Pointer[Snapshot]

	path   string
	dir    string
	file   string
	logger zerolog.Logger

	watcher   *fsnotify.Watcher
	listeners []chan<- *Snapshot
	listMu    sync.RWMutex
}

// NewHolder creates a Holder already populated with a validated initial
// snapshot built from the config at path (or built-in defaults if path is
// empty or missing).
func NewHolder(path string) (*Holder, error) {
	h := &Holder{path: path, logger: log.WithComponent("config")}
	if path != "" {
		h.dir = filepath.Dir(path)
		h.file = filepath.Base(path)
	}

	fc, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg := ApplyDefaults(fc)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("initial config invalid: %w", err)
	}
	h.store(cfg)
	return h, nil
}

// Get returns the currently effective config.
func (h *Holder) Get() AppConfig {
	snap := h.snapshot.Load()
	if snap == nil {
		return AppConfig{}
	}
	return snap.Config
}

// Current returns the current immutable snapshot pointer.
func (h *Holder) Current() *Snapshot {
	return h.snapshot.Load()
}

func (h *Holder) store(cfg AppConfig) *Snapshot {
	snap := &Snapshot{Epoch: h.epoch.Add(1), Config: cfg}
	h.snapshot.Store(snap)
	h.notify(snap)
	return snap
}

// Apply validates delta merged onto the current config and, only if every
// field passes, atomically swaps to the merged result. On failure the
// current snapshot is left untouched and the validation error is returned.
func (h *Holder) Apply(delta Delta) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	candidate := delta.Apply(h.Get())
	if err := Validate(candidate); err != nil {
		return err
	}
	h.store(candidate)
	return nil
}

// Reload re-reads the backing file, validates it, and swaps on success.
// The old snapshot is kept unchanged if loading or validation fails.
func (h *Holder) Reload(_ context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	fc, err := Load(h.path)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	cfg := ApplyDefaults(fc)
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	h.store(cfg)
	h.logger.Info().Uint64("epoch", h.Current().Epoch).Msg("config reloaded")
	return nil
}

// RegisterListener registers a channel to receive every future snapshot.
// Sends are non-blocking: a full channel is skipped with a warning rather
// than stalling the reload path.
func (h *Holder) RegisterListener(ch chan<- *Snapshot) {
	h.listMu.Lock()
	defer h.listMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(snap *Snapshot) {
	h.listMu.RLock()
	defer h.listMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- snap:
		default:
			h.logger.Warn().Msg("skipped notifying config listener: channel full")
		}
	}
}

// StartWatcher watches the backing file's directory for writes (covering
// editors that replace-by-rename) and debounces bursts of events into a
// single Reload. A no-op if the holder was built without a file path.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(h.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.watcher = watcher

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		h.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != h.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}
