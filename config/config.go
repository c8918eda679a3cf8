// Package config loads the application configuration file and decodes it
// into the typed sections the framework components consume.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/linchenxuan/pipelink/log"
	"github.com/linchenxuan/pipelink/pipe"
)

// AppConfig is the root of the configuration file.
type AppConfig struct {
	// Log configures the logger.
	Log log.LogCfg `mapstructure:"log"`
	// Server configures the pipe server.
	Server pipe.ServerConfig `mapstructure:"server"`
	// Plugin holds the raw plugin sections, decoded per-plugin by the
	// plugin manager.
	Plugin map[string]any `mapstructure:"plugin"`
}

// Load reads and validates the configuration file at path. The format is
// inferred from the file extension (yaml, toml, or json).
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file '%s': %w", path, err)
	}

	if cfg.Log.LogLevel == 0 {
		cfg.Log = *defaultLogCfg()
	}
	if err := cfg.Log.Validate(); err != nil {
		return nil, fmt.Errorf("invalid log config: %w", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

func defaultLogCfg() *log.LogCfg {
	return &log.LogCfg{
		LogLevel:        log.InfoLevel,
		ConsoleAppender: true,
	}
}
