package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// WatchProject reloads the layered configuration whenever the project file
// changes and hands the result to onChange. Configurations that fail to load
// or validate are logged and dropped. The project file must exist. The
// watcher lives for the rest of the process.
func WatchProject(globalPath, projectPath string, logger zerolog.Logger, onChange func(*Config)) error {
	if _, err := os.Stat(projectPath); err != nil {
		return fmt.Errorf("watching project config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(projectPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", projectPath, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(globalPath, projectPath)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("ignoring config change")
			return
		}
		logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
