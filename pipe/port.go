package pipe

// ioOp identifies which of a slot's two overlapped operations a completion
// refers to.
type ioOp int

const (
	// opNone marks synthetic completions (commands and posted connect
	// notifications) that carry no overlapped state.
	opNone ioOp = iota
	// opRead marks completions of the slot's read/connect overlapped state.
	opRead
	// opWrite marks completions of the slot's write overlapped state.
	opWrite
)

// ioResult is one dequeued completion, already classified by the driver.
type ioResult struct {
	key   completionKey
	op    ioOp
	bytes uint32
	// more is set on read completions when the OS reports that the current
	// message did not fit the read buffer and further fragments follow.
	more bool
	// err is the operation-level error (errBrokenPipe, errNoData,
	// errAborted, or a wrapped OS error); nil on success.
	err error
}

// ioPort is the completion queue shared by the loop and all pipe instances.
// Wait is called only by the loop goroutine; Post is safe from any
// goroutine and is the producers' sole wake-up mechanism.
type ioPort interface {
	// Wait blocks until one completion is available. A non-nil error is a
	// queue-level failure: errPortClosed ends the serve phase, anything
	// else is surfaced as an ErrorOccurred event.
	Wait() (ioResult, error)
	// Post enqueues a synthetic zero-byte completion carrying key.
	Post(key completionKey) error
	// Close tears the port down and releases waiters with errPortClosed.
	Close() error
}

// pipeInstance is one server-side endpoint of the named pipe, bound to one
// slot for the server's entire runtime window. All methods are called only
// by the loop goroutine.
type pipeInstance interface {
	// Listen posts an asynchronous connect. pending reports whether a real
	// completion will arrive later; pending=false with a nil error means the
	// client is already connected and the caller must synthesize the
	// completion by posting the slot's pure-index key.
	Listen() (pending bool, err error)
	// Read posts one overlapped read into buf. buf must stay valid until the
	// completion arrives. A synchronous errBrokenPipe or errNoData means the
	// client is gone; any other error is surfaced as ErrorOccurred.
	Read(buf []byte) error
	// Write posts one overlapped write of buf.
	Write(buf []byte) error
	// CancelIO cancels outstanding overlapped operations on the instance.
	CancelIO()
	// Disconnect severs the current client but keeps the instance for the
	// next Listen, preserving slot identity across reconnections.
	Disconnect() error
	// Close releases the OS handle.
	Close() error
}

// pipeDriver creates the OS resources for one serve phase. The production
// driver wraps the platform named-pipe and completion-port primitives; tests
// substitute an in-memory implementation.
type pipeDriver interface {
	// NewPort creates the completion port for a serve phase.
	NewPort() (ioPort, error)
	// NewInstance creates one instance of the configured endpoint and
	// associates it with port under the slot's pure-index key.
	NewInstance(port ioPort, cfg *ServerConfig, slot int) (pipeInstance, error)
}
