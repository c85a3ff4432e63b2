package evwh

import (
	"encoding/binary"
)

// HeaderSize is the fixed frame header length.
const HeaderSize = 8

// EncodeFrame prepends the frame header to payload.
func EncodeFrame(seq uint32, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], seq)
	copy(frame[HeaderSize:], payload)
	return frame
}

// Assembler collects socket reads until a whole frame is present.
type Assembler struct {
	buf []byte
}

// Add appends a chunk as read from the socket.
func (a *Assembler) Add(chunk []byte) {
	a.buf = append(a.buf, chunk...)
}

// Buffered returns the number of bytes collected so far.
func (a *Assembler) Buffered() int { return len(a.buf) }

// Frame returns the first complete frame, if any. Bytes beyond it are kept.
func (a *Assembler) Frame() (seq uint32, payload []byte, ok bool) {
	if len(a.buf) < HeaderSize {
		return 0, nil, false
	}
	size := int(binary.BigEndian.Uint32(a.buf[0:4]))
	if len(a.buf) < HeaderSize+size {
		return 0, nil, false
	}
	seq = binary.BigEndian.Uint32(a.buf[4:8])
	payload = make([]byte, size)
	copy(payload, a.buf[HeaderSize:HeaderSize+size])
	a.buf = a.buf[HeaderSize+size:]
	return seq, payload, true
}

// Reset discards everything buffered.
func (a *Assembler) Reset() { a.buf = nil }
