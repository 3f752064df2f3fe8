// Package buffer provides a simple growable byte buffer with cursor-based
// reads of the binary frame fields used on the wire.
package buffer

import (
	"encoding/binary"
)

// Buffer is a wrapper around a slice of bytes with a read cursor.
type Buffer struct {
	b []byte
	i int // read index
}

// New creates a new Buffer backed by b. The read cursor starts at zero.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Next returns a slice containing the next n bytes from the buffer and
// advances the cursor. If fewer than n bytes remain, ok is false and the
// cursor is unchanged.
func (b *Buffer) Next(n int) ([]byte, bool) {
	if b.i+n > len(b.b) {
		return nil, false
	}
	out := b.b[b.i : b.i+n]
	b.i += n
	return out, true
}

// ReadByte reads a single byte, advancing the cursor.
func (b *Buffer) ReadByte() (byte, bool) {
	if b.i >= len(b.b) {
		return 0, false
	}
	c := b.b[b.i]
	b.i++
	return c, true
}

// ReadUint32 reads a big-endian uint32, advancing the cursor.
func (b *Buffer) ReadUint32() (uint32, bool) {
	p, ok := b.Next(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(p), true
}

// Bytes returns the unconsumed portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.b[b.i:]
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.i
}

// Detach returns the entire underlying slice and resets the buffer.
// Used to hand an encoded frame off without copying.
func (b *Buffer) Detach() []byte {
	out := b.b
	b.b = nil
	b.i = 0
	return out
}

// Reset clears the buffer for reuse, retaining the allocation.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.i = 0
}

// Append appends p to the buffer.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.b = append(b.b, c)
}

// AppendString appends the raw bytes of s.
func (b *Buffer) AppendString(s string) {
	b.b = append(b.b, s...)
}

// AppendUint32 appends n in big-endian byte order.
func (b *Buffer) AppendUint32(n uint32) {
	b.b = append(b.b,
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}
