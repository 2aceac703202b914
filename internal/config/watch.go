package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads path whenever it changes and passes each valid configuration to
// onChange. Invalid edits are logged and ignored, leaving the previous configuration in
// effect. Only settings read through the callback are live; the rest need a restart.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("%w: watch needs an explicit config path", ErrInvalidConfig)
	}
	logger = logger.Named("config")

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid configuration change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
