//go:build !windows

package pipe

import "errors"

// newSystemDriver on non-Windows platforms returns a driver whose port
// creation always fails: the named-pipe completion-port primitives have no
// equivalent here. The loop surfaces the failure as ErrCompletionPortCreate
// and waits for a fresh configuration, so a Server is still constructible
// (and fully testable through a substitute driver).
func newSystemDriver() pipeDriver {
	return unsupportedDriver{}
}

type unsupportedDriver struct{}

func (unsupportedDriver) NewPort() (ioPort, error) {
	return nil, errors.New("named pipes are not supported on this platform")
}

func (unsupportedDriver) NewInstance(ioPort, *ServerConfig, int) (pipeInstance, error) {
	return nil, errors.New("named pipes are not supported on this platform")
}
