package log

import "gopkg.in/natefinch/lumberjack.v2"

// FileAppender writes log lines to a file with size-based rotation,
// delegating the rotation bookkeeping to lumberjack.
type FileAppender struct {
	out *lumberjack.Logger
}

// NewFileAppender creates a file appender for the configured path. Rotation
// triggers at cfg.FileSplitMB megabytes; cfg.MaxBackups bounds retained
// rotated files (0 keeps them all).
func NewFileAppender(cfg *LogCfg) *FileAppender {
	return &FileAppender{
		out: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.FileSplitMB,
			MaxBackups: cfg.MaxBackups,
		},
	}
}

// Write appends the line to the current log file, rotating first if needed.
func (fa *FileAppender) Write(buf []byte) (int, error) {
	return fa.out.Write(buf)
}

// Close closes the underlying file.
func (fa *FileAppender) Close() error {
	return fa.out.Close()
}
