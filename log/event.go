package log

import (
	"bytes"
	"strconv"
	"time"
)

// LogEvent is one structured log entry under construction. It offers a
// fluent API for appending typed key-value pairs; Msg finalizes the entry
// and hands it to the logger's appenders. A nil *LogEvent (from a filtered
// level) absorbs every call, so call sites need no level checks.
type LogEvent struct {
	buf    bytes.Buffer
	logger *GameLogger
	level  Level
}

func newEvent(l *GameLogger, level Level) *LogEvent {
	e := &LogEvent{logger: l, level: level}
	e.buf.Grow(256)
	e.buf.WriteByte('{')
	e.appendKey("time")
	e.appendString(time.Now().Format("2006-01-02 15:04:05.000"))
	e.appendKey("level")
	e.appendString(level.String())
	return e
}

func (e *LogEvent) appendKey(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	e.appendString(k)
	e.buf.WriteByte(':')
}

func (e *LogEvent) appendString(s string) {
	e.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			e.buf.WriteByte('\\')
			e.buf.WriteByte(c)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				e.buf.WriteString(`\u00`)
				const hex = "0123456789abcdef"
				e.buf.WriteByte(hex[c>>4])
				e.buf.WriteByte(hex[c&0xf])
			} else {
				e.buf.WriteByte(c)
			}
		}
	}
	e.buf.WriteByte('"')
}

// Str appends a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(k)
	e.appendString(v)
	return e
}

// Int appends an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(k)
	e.buf.WriteString(strconv.Itoa(v))
	return e
}

// Int64 appends an int64 field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(k)
	e.buf.WriteString(strconv.FormatInt(v, 10))
	return e
}

// Uint32 appends a uint32 field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(k)
	e.buf.WriteString(strconv.FormatUint(uint64(v), 10))
	return e
}

// Uint64 appends a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(k)
	e.buf.WriteString(strconv.FormatUint(v, 10))
	return e
}

// Bool appends a bool field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.appendKey(k)
	e.buf.WriteString(strconv.FormatBool(v))
	return e
}

// Err appends the error's message under the "error" key. A nil error
// appends nothing.
func (e *LogEvent) Err(v error) *LogEvent {
	if e == nil || v == nil {
		return e
	}
	e.appendKey("error")
	e.appendString(v.Error())
	return e
}

// Msg sets the message field, finalizes the entry, and writes it to every
// appender. The event must not be reused afterwards.
func (e *LogEvent) Msg(v string) {
	if e == nil {
		return
	}
	e.appendKey("msg")
	e.appendString(v)
	e.buf.WriteString("}\n")
	e.logger.write(e.buf.Bytes())
}
