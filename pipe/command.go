package pipe

// writeCommand is one logical outbound message. It is created by a producer
// goroutine, moved into a slot's active queue by the loop, advanced across
// zero or more write completions, and destroyed with exactly one onDone
// invocation.
type writeCommand struct {
	slot    int
	sent    int // Bytes already handed to the OS, advanced optimistically at post time.
	payload []byte
	onDone  func(error)
}

// done invokes the completion callback at most once.
func (c *writeCommand) done(err error) {
	if c.onDone != nil {
		cb := c.onDone
		c.onDone = nil
		cb(err)
	}
}

// closeCommand carries the optional completion callback of one user-requested
// close.
type closeCommand struct {
	onDone func(error)
}

func (c *closeCommand) done(err error) {
	if c.onDone != nil {
		cb := c.onDone
		c.onDone = nil
		cb(err)
	}
}
