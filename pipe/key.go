package pipe

// MaxClients is the fixed number of client slots. The slot index is packed
// into the low 8 bits of every completion key, so this constant must stay
// at or below 256.
const MaxClients = 64

// Completion-Key Structure and Bit Offsets
// A completion key is a 64-bit integer delivered with every dequeued
// completion. Real I/O completions carry a pure slot index; synthetic
// command completions posted by producer goroutines set exactly one of the
// disjoint command bits above the index.
//
// The structure (from most significant bit to least significant bit) is:
// [ ... unused | 1 bit: STOP | 1 bit: CLOSE | 1 bit: SEND | 8 bits: slot ]
const (
	_slotBits = 8
	_slotMask = (1 << _slotBits) - 1
)

// completionKey is the packed key posted to and dequeued from the port.
type completionKey uint64

// Command bits. Exactly one may be set on a synthetic completion.
const (
	cmdNone  completionKey = 0
	cmdSend  completionKey = 1 << (_slotBits + iota - 1) // Drain a slot's pending writes.
	cmdClose                                             // Perform a user-requested close.
	cmdStop                                              // Exit the serve phase.

	_cmdMask = cmdSend | cmdClose | cmdStop
)

// slotKey returns the pure-index key real completions are associated with.
func slotKey(i int) completionKey {
	return completionKey(uint64(i) & _slotMask)
}

// sendKey packs a SEND command for slot i.
func sendKey(i int) completionKey {
	return cmdSend | slotKey(i)
}

// closeKey packs a CLOSE command for slot i.
func closeKey(i int) completionKey {
	return cmdClose | slotKey(i)
}

// stopKey returns the STOP command key. The slot bits are irrelevant.
func stopKey() completionKey {
	return cmdStop
}

// slot extracts the slot index from the low bits of the key.
func (k completionKey) slot() int {
	return int(k & _slotMask)
}

// command extracts the command bits; cmdNone identifies a real completion.
func (k completionKey) command() completionKey {
	return k & _cmdMask
}
