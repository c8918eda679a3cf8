package pipe

import (
	"bytes"
	"sync/atomic"

	"github.com/linchenxuan/pipelink/log"
	"github.com/linchenxuan/pipelink/metrics"
)

// clientSlot is the per-client state record. The slot itself exists for the
// server's entire runtime window; only its pipe instance is created, torn
// down, and recreated. Everything here is owned by the loop goroutine
// except the pending queues (guarded by Server.writeMu) and the connected
// flag (atomic, written only by the loop).
type clientSlot struct {
	index int
	srv   *Server

	// Loop-owned I/O state.
	inst       pipeInstance
	readBuf    []byte
	writeBuf   []byte
	reassembly bytes.Buffer
	readPosted bool
	writing    bool
	listening  bool // A connect is posted and has not completed yet.
	needListen bool // A failed re-listen awaits a throttled retry.

	// activeWrites is the loop-owned FIFO currently being transmitted.
	activeWrites []*writeCommand

	// connected is true exactly between the loop observing this slot's
	// connect completion and the loop observing its disconnect.
	connected atomic.Bool

	// conn is the published handle for the current connected interval.
	conn *Conn

	// Producer-filled queues, guarded by Server.writeMu.
	pendingWrites []*writeCommand
	pendingCloses []closeCommand
}

// reset prepares the slot for a serve phase with the given buffer size.
func (s *clientSlot) reset(bufferSize int) {
	s.inst = nil
	s.readBuf = make([]byte, bufferSize)
	s.writeBuf = make([]byte, bufferSize)
	s.reassembly.Reset()
	s.readPosted = false
	s.writing = false
	s.listening = false
	s.needListen = false
	s.activeWrites = nil
	s.connected.Store(false)
	s.conn = nil
}

// drainPending moves every queued write command into the active queue in
// FIFO order. Called by the loop on a SEND command.
func (s *clientSlot) drainPending() {
	s.srv.writeMu.Lock()
	if len(s.pendingWrites) > 0 {
		s.activeWrites = append(s.activeWrites, s.pendingWrites...)
		s.pendingWrites = s.pendingWrites[:0]
	}
	s.srv.writeMu.Unlock()
}

// popClose removes and returns one queued close command.
func (s *clientSlot) popClose() (closeCommand, bool) {
	s.srv.writeMu.Lock()
	defer s.srv.writeMu.Unlock()
	if len(s.pendingCloses) == 0 {
		return closeCommand{}, false
	}
	cc := s.pendingCloses[0]
	s.pendingCloses = s.pendingCloses[1:]
	return cc, true
}

// startNextWrite posts the next chunk of the head command. At most one
// write is outstanding per slot; a logical message larger than the staging
// buffer is fragmented across consecutive completions.
func (s *clientSlot) startNextWrite() {
	for {
		if len(s.activeWrites) == 0 {
			s.writing = false
			return
		}
		c := s.activeWrites[0]
		if !s.connected.Load() {
			s.popActive()
			c.done(ErrNotConnected)
			continue
		}
		if s.inst == nil {
			s.popActive()
			c.done(ErrInvalidPipeHandle)
			continue
		}

		remaining := len(c.payload) - c.sent
		n := len(s.writeBuf)
		if remaining < n {
			n = remaining
		}
		copy(s.writeBuf[:n], c.payload[c.sent:c.sent+n])
		c.sent += n

		if err := s.inst.Write(s.writeBuf[:n]); err != nil {
			log.Error().Err(err).Int("client", s.index).Msg("Failed to post write")
			s.popActive()
			c.done(err)
			s.writing = false
			continue
		}
		s.writing = true
		return
	}
}

// onWriteComplete handles one write completion: the head command is popped
// and completed only once its whole payload has been handed to the OS,
// otherwise it stays at head for the next chunk.
func (s *clientSlot) onWriteComplete() {
	if len(s.activeWrites) == 0 {
		s.writing = false
		return
	}
	c := s.activeWrites[0]
	if c.sent >= len(c.payload) {
		s.popActive()
		metrics.IncrCounterWithGroup(_metricSendTotal, _metricGroup, 1)
		metrics.IncrCounterWithGroup(_metricSendBytes, _metricGroup, metrics.Value(len(c.payload)))
		c.done(nil)
	}
	s.startNextWrite()
}

func (s *clientSlot) popActive() {
	s.activeWrites = s.activeWrites[1:]
}

// failWrites completes every queued command: the in-flight head with cause,
// the rest with rest. Pending producer-side commands are failed too, so no
// callback is dropped between the disconnect and the next connect.
func (s *clientSlot) failWrites(cause, rest error) {
	if s.writing && len(s.activeWrites) > 0 {
		c := s.activeWrites[0]
		s.popActive()
		c.done(cause)
	}
	for _, c := range s.activeWrites {
		c.done(rest)
	}
	s.activeWrites = nil
	s.writing = false

	s.srv.writeMu.Lock()
	pending := s.pendingWrites
	s.pendingWrites = nil
	s.srv.writeMu.Unlock()
	for _, c := range pending {
		c.done(rest)
	}
}

// failCloses completes every queued close callback with err.
func (s *clientSlot) failCloses(err error) {
	s.srv.writeMu.Lock()
	closes := s.pendingCloses
	s.pendingCloses = nil
	s.srv.writeMu.Unlock()
	for i := range closes {
		closes[i].done(err)
	}
}
