package log

import "sync"

// Logger is the interface for a structured logging component.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	AddAppender(appender LogAppender)
	Close()
}

// GameLogger routes log events filtered by level to a set of appenders.
type GameLogger struct {
	cfg       *LogCfg
	mu        sync.Mutex
	appenders []LogAppender
}

// NewLogger builds a logger from the configuration, wiring the console and
// file appenders it enables.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	l := &GameLogger{cfg: cfg}
	if cfg.ConsoleAppender {
		l.AddAppender(NewConsoleAppender())
	}
	if cfg.FileAppender {
		l.AddAppender(NewFileAppender(cfg))
	}
	return l
}

func (l *GameLogger) event(level Level) *LogEvent {
	if level < l.cfg.LogLevel {
		return nil
	}
	return newEvent(l, level)
}

// Debug starts a debug-level event; nil when filtered.
func (l *GameLogger) Debug() *LogEvent { return l.event(DebugLevel) }

// Info starts an info-level event; nil when filtered.
func (l *GameLogger) Info() *LogEvent { return l.event(InfoLevel) }

// Warn starts a warn-level event; nil when filtered.
func (l *GameLogger) Warn() *LogEvent { return l.event(WarnLevel) }

// Error starts an error-level event; nil when filtered.
func (l *GameLogger) Error() *LogEvent { return l.event(ErrorLevel) }

// Fatal starts a fatal-level event; nil when filtered.
func (l *GameLogger) Fatal() *LogEvent { return l.event(FatalLevel) }

// AddAppender attaches another output destination.
func (l *GameLogger) AddAppender(appender LogAppender) {
	l.mu.Lock()
	l.appenders = append(l.appenders, appender)
	l.mu.Unlock()
}

func (l *GameLogger) write(line []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.appenders {
		_, _ = a.Write(line)
	}
}

// Close closes every appender.
func (l *GameLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.appenders {
		_ = a.Close()
	}
	l.appenders = nil
}

var _defaultLogger *GameLogger

func init() {
	// Users can call Initialize later with a specific configuration.
	_defaultLogger = NewLogger(getDefaultCfg())
}

// Initialize configures the default logger. A nil cfg restores defaults.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetDefaultLogger(NewLogger(cfg))
	return nil
}

// SetDefaultLogger replaces the package-level default logger.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger = logger
}

// Close flushes and closes the default logger's appenders.
func Close() {
	_defaultLogger.Close()
}

// Debug starts a debug-level event on the default logger.
func Debug() *LogEvent { return _defaultLogger.Debug() }

// Info starts an info-level event on the default logger.
func Info() *LogEvent { return _defaultLogger.Info() }

// Warn starts a warn-level event on the default logger.
func Warn() *LogEvent { return _defaultLogger.Warn() }

// Error starts an error-level event on the default logger.
func Error() *LogEvent { return _defaultLogger.Error() }

// Fatal starts a fatal-level event on the default logger.
func Fatal() *LogEvent { return _defaultLogger.Fatal() }
