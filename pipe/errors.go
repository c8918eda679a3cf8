// Package pipe implements an asynchronous local-IPC server on top of the
// operating system's named-pipe primitive. A single loop goroutine owns a
// fixed set of client slots, multiplexes every pipe instance through one
// I/O completion port, and exchanges commands with producer goroutines via
// synthetic completions carrying packed keys.
package pipe

import "errors"

// Closed error taxonomy for server operations. Every error delivered to a
// user callback is one of these sentinels (possibly wrapped), an error
// wrapping one of the internal classification sentinels below, or an OS
// error passed through unchanged.
var (
	// ErrClientIndexOutOfRange reports a client index outside [0, MaxClients).
	ErrClientIndexOutOfRange = errors.New("client index out of range")
	// ErrInvalidPipeHandle reports an operation against a slot whose pipe
	// instance has not been created or has already been torn down.
	ErrInvalidPipeHandle = errors.New("invalid pipe handle")
	// ErrCompletionPortCreate reports a failure to create the completion port.
	ErrCompletionPortCreate = errors.New("failed to create IO completion port")
	// ErrNamedPipeCreate reports a failure to create a named pipe instance.
	ErrNamedPipeCreate = errors.New("failed to create named pipe")
	// ErrNotConnected reports an operation on a slot with no connected client.
	ErrNotConnected = errors.New("client is not connected")
	// ErrServerStopped reports an operation aborted because the server is
	// stopping, stopped, or re-initializing after a configuration change.
	ErrServerStopped = errors.New("server has been stopped")
	// ErrMessageTooLarge reports a payload above WriteLimits.MaxMessageSize.
	ErrMessageTooLarge = errors.New("message size exceeds the maximum allowed")
	// ErrQueueFull reports a send rejected by per-client back-pressure.
	ErrQueueFull = errors.New("per-client write queue is full")
	// ErrUnhandledException reports a panic recovered inside the serve phase.
	ErrUnhandledException = errors.New("unhandled exception in server loop")
	// ErrUnknownSystem is the fallback for unexpected system errors.
	ErrUnknownSystem = errors.New("unknown system error")
)

// Sentinels used between the OS port layer and the loop. The platform driver
// maps native error codes onto these so the loop never inspects raw codes.
var (
	// errBrokenPipe signals that the far side of the instance is gone.
	errBrokenPipe = errors.New("pipe: broken pipe")
	// errNoData signals a client that connected and disconnected before the
	// server observed it.
	errNoData = errors.New("pipe: no data")
	// errAborted signals a completion for an operation cancelled by the loop.
	errAborted = errors.New("pipe: operation aborted")
	// errPortClosed signals that the completion port has been closed.
	errPortClosed = errors.New("pipe: completion port closed")
)
