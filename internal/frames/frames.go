// Package frames defines the wire frames of the transfer protocol and their
// binary encoding.
//
// Every frame starts with the sentinel byte 0x0B followed by an ASCII opcode.
// Multi-byte integers are big-endian. Session ids are 36 ASCII characters and
// treated as opaque by the codec. Frames are self-delimited by the datagram
// boundary; over a stream each frame is written in a single send.
package frames

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/transf-net/transf/internal/buffer"
)

// Sentinel is the first byte of every frame. It lets the receiver cheaply
// reject stray traffic on a shared port.
const Sentinel = 0x0B

// SessionIDLen is the fixed length of a session id on the wire.
const SessionIDLen = 36

// Opcodes as they appear on the wire, without the sentinel.
const (
	opHello    = "HELLO"
	opHS       = "HS"
	opOK       = "OK"
	opTransfer = "TRANSFER"
	opReceived = "RECEIVED"
	opDone     = "DONE"
	opReject   = "REJECT"
	opDrop     = "DROP"
)

// TransferOverhead is the number of frame bytes a TRANSFER spends before its
// data payload: sentinel, opcode, session id and chunk number. The sender's
// per-chunk data capacity is the chunk size minus this.
const TransferOverhead = 1 + len(opTransfer) + SessionIDLen + 4

// ErrMalformed reports a buffer that is not a well-formed frame: wrong
// sentinel, unknown opcode, or a payload shorter than the opcode's fixed
// fields.
var ErrMalformed = errors.New("frames: malformed frame")

// FrameBody is implemented by all frame types.
type FrameBody interface {
	frameBody()
}

// Hello is the liveness probe. Sent by either side; the receiver echoes it.
type Hello struct{}

func (h *Hello) frameBody() {}

func (h *Hello) marshal(wr *buffer.Buffer) error {
	wr.AppendString(opHello)
	return nil
}

func (h *Hello) String() string { return "Hello{}" }

// Handshake opens a transfer: the total file size followed by the advertised
// filename, which runs to the end of the frame.
type Handshake struct {
	FileSize uint32
	Filename string
}

func (h *Handshake) frameBody() {}

func (h *Handshake) marshal(wr *buffer.Buffer) error {
	wr.AppendString(opHS)
	wr.AppendUint32(h.FileSize)
	wr.AppendString(h.Filename)
	return nil
}

func (h *Handshake) unmarshal(r *buffer.Buffer) error {
	size, ok := r.ReadUint32()
	if !ok {
		return ErrMalformed
	}
	h.FileSize = size
	h.Filename = string(r.Bytes())
	return nil
}

func (h *Handshake) String() string {
	return fmt.Sprintf("Handshake{FileSize: %d, Filename: %s}", h.FileSize, h.Filename)
}

// OK acknowledges a handshake and carries the minted session id.
type OK struct {
	SessionID string
}

func (o *OK) frameBody() {}

func (o *OK) marshal(wr *buffer.Buffer) error {
	if err := checkSessionID(o.SessionID); err != nil {
		return err
	}
	wr.AppendString(opOK)
	wr.AppendString(o.SessionID)
	return nil
}

func (o *OK) unmarshal(r *buffer.Buffer) error {
	id, ok := r.Next(SessionIDLen)
	if !ok {
		return ErrMalformed
	}
	o.SessionID = string(id)
	return nil
}

func (o *OK) String() string { return fmt.Sprintf("OK{SessionID: %s}", o.SessionID) }

// Transfer carries one chunk of file data. Chunks are numbered from 1.
type Transfer struct {
	SessionID string
	Chunk     uint32
	Data      []byte
}

func (t *Transfer) frameBody() {}

func (t *Transfer) marshal(wr *buffer.Buffer) error {
	if err := checkSessionID(t.SessionID); err != nil {
		return err
	}
	wr.AppendString(opTransfer)
	wr.AppendString(t.SessionID)
	wr.AppendUint32(t.Chunk)
	wr.Append(t.Data)
	return nil
}

func (t *Transfer) unmarshal(r *buffer.Buffer) error {
	id, ok := r.Next(SessionIDLen)
	if !ok {
		return ErrMalformed
	}
	chunk, ok := r.ReadUint32()
	if !ok {
		return ErrMalformed
	}
	t.SessionID = string(id)
	t.Chunk = chunk
	// Copy out of the caller's receive buffer; frames may outlive it.
	t.Data = append([]byte{}, r.Bytes()...)
	return nil
}

func (t *Transfer) String() string {
	return fmt.Sprintf("Transfer{SessionID: %s, Chunk: %d, Data [size]: %d}",
		t.SessionID, t.Chunk, len(t.Data))
}

// Received acknowledges one chunk and names the chunk expected next.
type Received struct {
	SessionID string
	NextChunk uint32
}

func (rc *Received) frameBody() {}

func (rc *Received) marshal(wr *buffer.Buffer) error {
	if err := checkSessionID(rc.SessionID); err != nil {
		return err
	}
	wr.AppendString(opReceived)
	wr.AppendString(rc.SessionID)
	wr.AppendUint32(rc.NextChunk)
	return nil
}

func (rc *Received) unmarshal(r *buffer.Buffer) error {
	id, ok := r.Next(SessionIDLen)
	if !ok {
		return ErrMalformed
	}
	next, ok := r.ReadUint32()
	if !ok {
		return ErrMalformed
	}
	rc.SessionID = string(id)
	rc.NextChunk = next
	return nil
}

func (rc *Received) String() string {
	return fmt.Sprintf("Received{SessionID: %s, NextChunk: %d}", rc.SessionID, rc.NextChunk)
}

// Done acknowledges the final chunk; the session is closed on both sides.
type Done struct {
	SessionID string
	NextChunk uint32
}

func (d *Done) frameBody() {}

func (d *Done) marshal(wr *buffer.Buffer) error {
	if err := checkSessionID(d.SessionID); err != nil {
		return err
	}
	wr.AppendString(opDone)
	wr.AppendString(d.SessionID)
	wr.AppendUint32(d.NextChunk)
	return nil
}

func (d *Done) unmarshal(r *buffer.Buffer) error {
	id, ok := r.Next(SessionIDLen)
	if !ok {
		return ErrMalformed
	}
	next, ok := r.ReadUint32()
	if !ok {
		return ErrMalformed
	}
	d.SessionID = string(id)
	d.NextChunk = next
	return nil
}

func (d *Done) String() string {
	return fmt.Sprintf("Done{SessionID: %s, NextChunk: %d}", d.SessionID, d.NextChunk)
}

// Reject aborts the session: unsafe filename, unknown session, or a chunk
// number the receiver did not expect.
type Reject struct{}

func (r *Reject) frameBody() {}

func (r *Reject) marshal(wr *buffer.Buffer) error {
	wr.AppendString(opReject)
	return nil
}

func (r *Reject) String() string { return "Reject{}" }

// Drop aborts the session because of an I/O failure on the receiver.
type Drop struct{}

func (d *Drop) frameBody() {}

func (d *Drop) marshal(wr *buffer.Buffer) error {
	wr.AppendString(opDrop)
	return nil
}

func (d *Drop) String() string { return "Drop{}" }

type marshaler interface {
	marshal(*buffer.Buffer) error
}

type unmarshaler interface {
	unmarshal(*buffer.Buffer) error
}

func checkSessionID(id string) error {
	if len(id) != SessionIDLen {
		return fmt.Errorf("frames: session id must be %d bytes, got %d", SessionIDLen, len(id))
	}
	return nil
}

// Encode writes fr to wr as a single frame.
func Encode(wr *buffer.Buffer, fr FrameBody) error {
	m, ok := fr.(marshaler)
	if !ok {
		return fmt.Errorf("frames: unknown frame type %T", fr)
	}
	wr.AppendByte(Sentinel)
	return m.marshal(wr)
}

// Marshal encodes fr into a fresh contiguous buffer.
func Marshal(fr FrameBody) ([]byte, error) {
	wr := buffer.New(nil)
	if err := Encode(wr, fr); err != nil {
		return nil, err
	}
	return wr.Detach(), nil
}

// Decode parses a single frame from buf. It returns ErrMalformed if the
// sentinel is missing, the opcode is unknown, or the payload is shorter than
// the opcode's fixed fields. TRANSFER data is copied out of buf, so buf may
// be reused by the caller.
func Decode(buf []byte) (FrameBody, error) {
	if len(buf) == 0 || buf[0] != Sentinel {
		return nil, ErrMalformed
	}
	body := buf[1:]

	var fr FrameBody
	switch {
	case hasOpcode(body, opHello):
		return &Hello{}, nil
	case hasOpcode(body, opHS):
		fr = &Handshake{}
		body = body[len(opHS):]
	case hasOpcode(body, opOK):
		fr = &OK{}
		body = body[len(opOK):]
	case hasOpcode(body, opTransfer):
		fr = &Transfer{}
		body = body[len(opTransfer):]
	case hasOpcode(body, opReceived):
		fr = &Received{}
		body = body[len(opReceived):]
	case hasOpcode(body, opDone):
		fr = &Done{}
		body = body[len(opDone):]
	case hasOpcode(body, opReject):
		return &Reject{}, nil
	case hasOpcode(body, opDrop):
		return &Drop{}, nil
	default:
		return nil, ErrMalformed
	}

	if u, ok := fr.(unmarshaler); ok {
		if err := u.unmarshal(buffer.New(body)); err != nil {
			return nil, err
		}
	}
	return fr, nil
}

func hasOpcode(body []byte, op string) bool {
	return bytes.HasPrefix(body, []byte(op))
}
