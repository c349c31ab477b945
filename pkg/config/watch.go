package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a config file when it changes on disk
type Watcher struct {
	Path     string
	Debounce time.Duration
	// Load builds the full config for Path; defaults to LoadFile
	Load     func(path string) (*ServerConfig, error)
	OnChange func(*ServerConfig)
	Logger   zerolog.Logger

	lastMod time.Time
}

// Run watches until ctx is done. The parent directory is watched so that
// editors which replace the file by rename are still picked up.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Path == "" {
		return nil
	}
	load := w.Load
	if load == nil {
		load = LoadFile
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.Path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	if st, err := os.Stat(w.Path); err == nil {
		w.lastMod = st.ModTime()
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.Path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				timer.Reset(w.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			st, err := os.Stat(w.Path)
			if err != nil || !st.ModTime().After(w.lastMod) {
				continue
			}
			w.lastMod = st.ModTime()
			cfg, err := load(w.Path)
			if err != nil {
				w.Logger.Error().Err(err).Str("path", w.Path).Msg("config reload failed")
				continue
			}
			w.Logger.Info().Str("path", w.Path).Msg("config reloaded")
			if w.OnChange != nil {
				w.OnChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
