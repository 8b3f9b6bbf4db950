package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads cfgFile whenever it changes on disk and calls onChange with
// the validated result. Reloads that fail to parse are logged and skipped so
// a half-written file never replaces a working config.
func Watch(cfgFile string, onChange func(*Config, ValidationResult)) (*Config, error) {
	v := newViper(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		next, err := decode(v)
		if err != nil {
			slog.Warn("config reload failed", "file", e.Name, "error", err)
			return
		}
		result := next.ValidateTiered()
		if result.HasFatals() {
			slog.Warn("config reload rejected", "file", e.Name, "errors", len(result.Fatals))
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(next, result)
	})
	v.WatchConfig()
	return cfg, nil
}
