//go:build windows

package pipe

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// newSystemDriver returns the production driver backed by the Win32
// named-pipe and I/O completion-port primitives.
func newSystemDriver() pipeDriver {
	return &winDriver{}
}

type winDriver struct{}

func (d *winDriver) NewPort() (ioPort, error) {
	h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &winPort{
		handle: h,
		ovTags: make(map[uintptr]ovTag),
	}, nil
}

func (d *winDriver) NewInstance(port ioPort, cfg *ServerConfig, slot int) (pipeInstance, error) {
	wp, ok := port.(*winPort)
	if !ok {
		return nil, fmt.Errorf("port is not a win32 completion port")
	}

	path, err := windows.UTF16PtrFromString(`\\.\pipe\` + cfg.PipeName)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateNamedPipe(
		path,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED,
		windows.PIPE_TYPE_MESSAGE|windows.PIPE_READMODE_MESSAGE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		uint32(cfg.BufferSize),
		uint32(cfg.BufferSize),
		cfg.InstanceTimeoutMS,
		nil)
	if err != nil {
		return nil, err
	}
	if _, err := windows.CreateIoCompletionPort(h, wp.handle, uintptr(slotKey(slot)), 0); err != nil {
		_ = windows.CloseHandle(h)
		return nil, err
	}

	inst := &winInstance{
		handle:  h,
		readOv:  new(windows.Overlapped),
		writeOv: new(windows.Overlapped),
	}
	// Register the two overlapped addresses so Wait can classify
	// completions back to (slot, direction). Only the loop goroutine
	// creates instances and waits, so the map needs no lock.
	wp.ovTags[uintptr(unsafe.Pointer(inst.readOv))] = ovTag{key: slotKey(slot), op: opRead}
	wp.ovTags[uintptr(unsafe.Pointer(inst.writeOv))] = ovTag{key: slotKey(slot), op: opWrite}
	return inst, nil
}

// ovTag maps a registered overlapped address to its slot key and direction.
type ovTag struct {
	key completionKey
	op  ioOp
}

// winPort wraps one completion-port handle. Wait is loop-only; Post is safe
// from any goroutine because PostQueuedCompletionStatus is.
type winPort struct {
	handle windows.Handle
	ovTags map[uintptr]ovTag
}

func (p *winPort) Wait() (ioResult, error) {
	var bytes uint32
	var key uintptr
	var ov *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(p.handle, &bytes, &key, &ov, windows.INFINITE)

	if ov == nil {
		// Queue-level failure: all output values are undefined.
		if err != nil {
			if err == windows.ERROR_ABANDONED_WAIT_0 || err == windows.ERROR_INVALID_HANDLE {
				return ioResult{}, errPortClosed
			}
			return ioResult{}, err
		}
		// A synthetic completion posted with a nil overlapped.
		return ioResult{key: completionKey(key), op: opNone, bytes: bytes}, nil
	}

	res := ioResult{key: completionKey(key), op: opNone, bytes: bytes}
	if tag, ok := p.ovTags[uintptr(unsafe.Pointer(ov))]; ok {
		res.key = tag.key
		res.op = tag.op
	}
	if err != nil {
		switch err {
		case windows.ERROR_MORE_DATA:
			res.more = true
		case windows.ERROR_BROKEN_PIPE, windows.ERROR_PIPE_NOT_CONNECTED:
			res.err = fmt.Errorf("%w: %v", errBrokenPipe, err)
		case windows.ERROR_NO_DATA:
			res.err = fmt.Errorf("%w: %v", errNoData, err)
		case windows.ERROR_OPERATION_ABORTED:
			res.err = errAborted
		default:
			res.err = err
		}
	}
	return res, nil
}

func (p *winPort) Post(key completionKey) error {
	return windows.PostQueuedCompletionStatus(p.handle, 0, uintptr(key), nil)
}

func (p *winPort) Close() error {
	return windows.CloseHandle(p.handle)
}

// winInstance is one overlapped message-mode instance of the endpoint. The
// two overlapped records outlive every operation they describe because the
// instance itself lives for the whole serve phase.
type winInstance struct {
	handle  windows.Handle
	readOv  *windows.Overlapped
	writeOv *windows.Overlapped
}

func (i *winInstance) Listen() (bool, error) {
	*i.readOv = windows.Overlapped{}
	err := windows.ConnectNamedPipe(i.handle, i.readOv)
	switch err {
	case nil, windows.ERROR_IO_PENDING, windows.ERROR_PIPE_LISTENING:
		return true, nil
	case windows.ERROR_PIPE_CONNECTED:
		// The client raced the listen; fold into the completion path.
		return false, nil
	case windows.ERROR_NO_DATA:
		return false, fmt.Errorf("%w: %v", errNoData, err)
	default:
		return false, err
	}
}

func (i *winInstance) Read(buf []byte) error {
	*i.readOv = windows.Overlapped{}
	var done uint32
	err := windows.ReadFile(i.handle, buf, &done, i.readOv)
	switch err {
	case nil, windows.ERROR_IO_PENDING, windows.ERROR_MORE_DATA:
		// The completion is queued on the port in every one of these cases.
		return nil
	case windows.ERROR_BROKEN_PIPE, windows.ERROR_PIPE_NOT_CONNECTED:
		return fmt.Errorf("%w: %v", errBrokenPipe, err)
	case windows.ERROR_NO_DATA:
		return fmt.Errorf("%w: %v", errNoData, err)
	default:
		return err
	}
}

func (i *winInstance) Write(buf []byte) error {
	*i.writeOv = windows.Overlapped{}
	var done uint32
	err := windows.WriteFile(i.handle, buf, &done, i.writeOv)
	switch err {
	case nil, windows.ERROR_IO_PENDING:
		return nil
	case windows.ERROR_BROKEN_PIPE, windows.ERROR_PIPE_NOT_CONNECTED:
		return fmt.Errorf("%w: %v", errBrokenPipe, err)
	case windows.ERROR_NO_DATA:
		return fmt.Errorf("%w: %v", errNoData, err)
	default:
		return err
	}
}

func (i *winInstance) CancelIO() {
	_ = windows.CancelIoEx(i.handle, nil)
}

func (i *winInstance) Disconnect() error {
	return windows.DisconnectNamedPipe(i.handle)
}

func (i *winInstance) Close() error {
	return windows.CloseHandle(i.handle)
}
