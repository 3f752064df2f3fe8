package frames

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testSessionID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		fr   FrameBody
	}{
		{"hello", &Hello{}},
		{"handshake", &Handshake{FileSize: 1234, Filename: "a.bin"}},
		{"handshake empty name", &Handshake{FileSize: 0, Filename: ""}},
		{"ok", &OK{SessionID: testSessionID}},
		{"transfer", &Transfer{SessionID: testSessionID, Chunk: 7, Data: []byte("hello")}},
		{"transfer empty data", &Transfer{SessionID: testSessionID, Chunk: 1, Data: []byte{}}},
		{"received", &Received{SessionID: testSessionID, NextChunk: 8}},
		{"done", &Done{SessionID: testSessionID, NextChunk: 2}},
		{"reject", &Reject{}},
		{"drop", &Drop{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.fr)
			require.NoError(t, err)
			require.Equal(t, byte(Sentinel), b[0])

			got, err := Decode(b)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.fr, got); diff != "" {
				t.Fatalf("decoded frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeWireLayout(t *testing.T) {
	// TRANSFER: sentinel, opcode, 36-byte id, big-endian chunk, data.
	b, err := Marshal(&Transfer{SessionID: testSessionID, Chunk: 0x01020304, Data: []byte("xy")})
	require.NoError(t, err)

	want := append([]byte{Sentinel}, []byte("TRANSFER")...)
	want = append(want, []byte(testSessionID)...)
	want = append(want, 0x01, 0x02, 0x03, 0x04, 'x', 'y')
	require.True(t, bytes.Equal(want, b), "wire layout mismatch:\nwant %x\ngot  %x", want, b)

	require.Equal(t, len(b)-2, TransferOverhead)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"no sentinel", []byte("HELLO")},
		{"wrong sentinel", append([]byte{0x0C}, "HELLO"...)},
		{"unknown opcode", append([]byte{Sentinel}, "NOPE"...)},
		{"hs too short", append([]byte{Sentinel}, "HS\x00\x01"...)},
		{"ok short id", append([]byte{Sentinel}, "OKabc"...)},
		{"transfer short id", append([]byte{Sentinel}, "TRANSFERabc"...)},
		{"received no chunk", append([]byte{Sentinel}, "RECEIVED"+testSessionID...)},
		{"done no chunk", append([]byte{Sentinel}, "DONE"+testSessionID...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeRejectVsReceived(t *testing.T) {
	// REJECT and RECEIVED share a two-byte prefix; make sure they do not
	// shadow each other.
	fr, err := Decode(append([]byte{Sentinel}, "REJECT"...))
	require.NoError(t, err)
	require.IsType(t, &Reject{}, fr)

	b, err := Marshal(&Received{SessionID: testSessionID, NextChunk: 2})
	require.NoError(t, err)
	fr, err = Decode(b)
	require.NoError(t, err)
	require.IsType(t, &Received{}, fr)
}

func TestMarshalBadSessionID(t *testing.T) {
	for _, fr := range []FrameBody{
		&OK{SessionID: "short"},
		&Transfer{SessionID: "short", Chunk: 1},
		&Received{SessionID: "short", NextChunk: 2},
		&Done{SessionID: "short", NextChunk: 2},
	} {
		_, err := Marshal(fr)
		require.Error(t, err, "%T must refuse a non-36-byte session id", fr)
	}
}

func TestTransferDataCopied(t *testing.T) {
	buf, err := Marshal(&Transfer{SessionID: testSessionID, Chunk: 1, Data: []byte("abc")})
	require.NoError(t, err)

	fr, err := Decode(buf)
	require.NoError(t, err)
	tr := fr.(*Transfer)

	// Clobber the receive buffer; the decoded frame must be unaffected.
	for i := range buf {
		buf[i] = 0xFF
	}
	require.Equal(t, []byte("abc"), tr.Data)
}
