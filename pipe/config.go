package pipe

import (
	"errors"
	"fmt"
	"strings"
)

// Default tuning values applied by Validate when a field is zero.
const (
	// DefaultBufferSize sizes the per-slot staging buffers and the OS
	// instance buffers.
	DefaultBufferSize = 65536
	// DefaultInstanceTimeoutMS is the instance-creation timeout hint in
	// milliseconds.
	DefaultInstanceTimeoutMS = 50
	// DefaultMaxPendingPerClient bounds the per-client pending write queue.
	DefaultMaxPendingPerClient = 1000
	// DefaultMaxMessageSize bounds a single logical message.
	DefaultMaxMessageSize = 64 * 1024
)

// WriteLimits bounds the per-client outbound pipeline. Sends above
// MaxMessageSize fail with ErrMessageTooLarge; sends that would grow the
// pending queue past MaxPendingPerClient fail with ErrQueueFull.
type WriteLimits struct {
	MaxPendingPerClient int `mapstructure:"maxPendingPerClient"` // Max queued messages per client.
	MaxMessageSize      int `mapstructure:"maxMessageSize"`      // Max size of one logical message in bytes.
}

// ServerConfig holds all tuning parameters for the pipe server. A value is
// snapshotted into the loop on every (re)initialization; mutating a config
// after passing it to the server has no effect until SetConfig is called.
type ServerConfig struct {
	// PipeName is the short endpoint name. The full OS endpoint path is
	// derived from it (`\\.\pipe\{PipeName}` on the native platform).
	PipeName string `mapstructure:"pipeName"`
	// BufferSize sizes both inbound and outbound staging buffers and the OS
	// instance buffers.
	BufferSize int `mapstructure:"bufferSize"`
	// InstanceTimeoutMS is passed to the OS instance-creation call as the
	// default wait hint. It does not bound any library-level operation.
	InstanceTimeoutMS uint32 `mapstructure:"instanceTimeoutMS"`
	// WriteLimits bounds the outbound write pipeline.
	WriteLimits WriteLimits `mapstructure:"writeLimits"`
}

// GetName returns the identifying name of ServerConfig. config.AppConfig
// decodes the server settings from the `server` section, not from a
// section of this name.
func (c *ServerConfig) GetName() string {
	return "pipe_server"
}

// Validate checks the configuration and fills defaulted fields in place.
func (c *ServerConfig) Validate() error {
	if c.PipeName == "" {
		return errors.New("PipeName cannot be empty")
	}
	if strings.ContainsAny(c.PipeName, `\/`) {
		return fmt.Errorf("PipeName %q must not contain path separators", c.PipeName)
	}
	if c.BufferSize < 0 {
		return errors.New("BufferSize must be positive")
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.InstanceTimeoutMS == 0 {
		c.InstanceTimeoutMS = DefaultInstanceTimeoutMS
	}
	if c.WriteLimits.MaxPendingPerClient < 0 {
		return errors.New("MaxPendingPerClient must be positive")
	}
	if c.WriteLimits.MaxPendingPerClient == 0 {
		c.WriteLimits.MaxPendingPerClient = DefaultMaxPendingPerClient
	}
	if c.WriteLimits.MaxMessageSize < 0 {
		return errors.New("MaxMessageSize must be positive")
	}
	if c.WriteLimits.MaxMessageSize == 0 {
		c.WriteLimits.MaxMessageSize = DefaultMaxMessageSize
	}
	return nil
}
