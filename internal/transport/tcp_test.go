package transport

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	npdu := []byte{0x01, 0x00, 0x30, 0x07, 0x0C}

	frame, err := EncodeFrame(npdu)
	require.NoError(t, err)
	assert.Equal(t, byte(FrameType), frame[0])
	assert.Len(t, frame, FrameHeaderSize+len(npdu))

	got, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	assert.Equal(t, npdu, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	frame, err := EncodeFrame(nil)
	require.NoError(t, err)

	got, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEncodeFrameRejectsOversizePayload(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFramePayload+1))
	assert.Error(t, err)
}

func TestReadFrameRejectsBadType(t *testing.T) {
	frame, err := EncodeFrame([]byte{0x01})
	require.NoError(t, err)
	frame[0] = 0x81

	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	assert.Error(t, err)
}

func TestReadFrameRejectsShortLength(t *testing.T) {
	frame := []byte{FrameType, 0x00, 0x00, 0x02}
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	assert.Error(t, err)
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{FrameType, 0x00})))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	frame, err := EncodeFrame([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(frame[:len(frame)-1])))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameConsumesStream(t *testing.T) {
	var stream bytes.Buffer
	for _, payload := range [][]byte{{0x01}, {0x02, 0x03}, {0x04, 0x05, 0x06}} {
		frame, err := EncodeFrame(payload)
		require.NoError(t, err)
		stream.Write(frame)
	}

	r := bufio.NewReader(&stream)
	for _, want := range [][]byte{{0x01}, {0x02, 0x03}, {0x04, 0x05, 0x06}} {
		got, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}
