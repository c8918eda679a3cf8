package log

import "os"

// ConsoleAppender writes log lines directly to stdout without buffering.
// Suitable for development and containerized deployments.
type ConsoleAppender struct{}

// NewConsoleAppender returns a stateless console appender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

// Write writes the line to stdout.
func (ca *ConsoleAppender) Write(buf []byte) (int, error) {
	return os.Stdout.Write(buf)
}

// Close is a no-op; there is nothing to release.
func (ca *ConsoleAppender) Close() error {
	return nil
}
