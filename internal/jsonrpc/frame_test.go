package jsonrpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"get","params":["show clock"]}`),
		[]byte(`{}`),
		bytes.Repeat([]byte("x"), 70000),
	}
	for _, b := range bodies {
		require.NoError(t, WriteFrame(&buf, b))
	}

	// One byte per read exercises reassembly of partial reads.
	r := iotest.OneByteReader(&buf)
	for _, want := range bodies {
		got, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_Header(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, buf.Bytes())
}

func TestReadFrame_TooLarge(t *testing.T) {
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadFrame(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestWriteFrame_TooLarge(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
