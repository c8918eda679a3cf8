package log

import "fmt"

// LogCfg configures the logger: minimum level, output destinations, and
// file-rotation thresholds for the file appender.
type LogCfg struct {
	// LogPath is the target file for the file appender.
	LogPath string `mapstructure:"path"`
	// LogLevel is the minimum level emitted.
	LogLevel Level `mapstructure:"level"`
	// FileSplitMB rotates the log file once it exceeds this size.
	FileSplitMB int `mapstructure:"splitMB"`
	// MaxBackups bounds the number of rotated files kept on disk.
	MaxBackups int `mapstructure:"maxBackups"`
	// FileAppender enables file output.
	FileAppender bool `mapstructure:"fileAppender"`
	// ConsoleAppender enables stdout output.
	ConsoleAppender bool `mapstructure:"consoleAppender"`
}

// GetName returns the configuration key for LogCfg.
func (cfg *LogCfg) GetName() string {
	return "log"
}

// Validate checks the configuration for consistency.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel < DebugLevel || cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level: %d", cfg.LogLevel)
	}
	if cfg.FileSplitMB < 0 {
		return fmt.Errorf("file split size must be non-negative, got %dMB", cfg.FileSplitMB)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("log path cannot be empty when file appender is enabled")
	}
	if !cfg.FileAppender && !cfg.ConsoleAppender {
		return fmt.Errorf("at least one appender (file or console) must be enabled")
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogLevel:        InfoLevel,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
