package pipe

import (
	"sync"
	"sync/atomic"
)

// Conn is the thin, user-facing reference to one client slot. A Conn is
// published with EventClientConnected and stays valid for that connected
// interval; once the slot disconnects every method fails with
// ErrNotConnected. A Conn never extends the server's lifetime.
type Conn struct {
	clientID int
	srv      *Server
	mu       sync.Mutex
	alive    atomic.Bool
}

func newConn(clientID int, srv *Server) *Conn {
	c := &Conn{clientID: clientID, srv: srv}
	c.alive.Store(true)
	return c
}

// Send forwards a payload to the server's per-client send path. Validation
// errors are delivered synchronously through onDone and returned.
func (c *Conn) Send(payload []byte, onDone func(error)) error {
	c.mu.Lock()
	if !c.IsAlive() {
		c.mu.Unlock()
		if onDone != nil {
			onDone(ErrNotConnected)
		}
		return ErrNotConnected
	}
	srv := c.srv
	c.mu.Unlock()
	return srv.SendTo(c.clientID, payload, onDone)
}

// Close requests a user-initiated close of the underlying slot.
func (c *Conn) Close(onDone func(error)) error {
	c.mu.Lock()
	if !c.IsAlive() {
		c.mu.Unlock()
		if onDone != nil {
			onDone(ErrNotConnected)
		}
		return ErrNotConnected
	}
	srv := c.srv
	c.mu.Unlock()
	return srv.CloseClient(c.clientID, onDone)
}

// IsConnected reports whether the underlying slot currently has a client.
func (c *Conn) IsConnected() bool {
	if !c.IsAlive() {
		return false
	}
	return c.srv.IsConnected(c.clientID)
}

// ClientID returns the slot index this handle refers to.
func (c *Conn) ClientID() int {
	return c.clientID
}

// IsAlive reports whether the handle still refers to a live connected
// interval. It flips false exactly once, on disconnection.
func (c *Conn) IsAlive() bool {
	return c.alive.Load()
}

// invalidate is called by the loop when the slot disconnects.
func (c *Conn) invalidate() {
	c.mu.Lock()
	c.alive.Store(false)
	c.mu.Unlock()
}
