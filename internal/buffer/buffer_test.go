package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	b := New(nil)
	b.AppendByte(0x0B)
	b.AppendString("OK")
	b.AppendUint32(0x01020304)
	b.Append([]byte("tail"))

	require.Equal(t, 11, b.Len())

	c, ok := b.ReadByte()
	require.True(t, ok)
	require.Equal(t, byte(0x0B), c)

	op, ok := b.Next(2)
	require.True(t, ok)
	require.Equal(t, "OK", string(op))

	n, ok := b.ReadUint32()
	require.True(t, ok)
	require.Equal(t, uint32(0x01020304), n)

	require.Equal(t, []byte("tail"), b.Bytes())
	require.Equal(t, 4, b.Len())
}

func TestReadPastEnd(t *testing.T) {
	b := New([]byte{1, 2})

	_, ok := b.ReadUint32()
	require.False(t, ok)

	// The failed read must not consume anything.
	p, ok := b.Next(2)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2}, p)

	_, ok = b.ReadByte()
	require.False(t, ok)
}

func TestDetachAndReset(t *testing.T) {
	b := New(nil)
	b.AppendString("abc")
	out := b.Detach()
	require.Equal(t, []byte("abc"), out)
	require.Zero(t, b.Len())

	b.AppendString("xy")
	b.Reset()
	require.Zero(t, b.Len())
}
