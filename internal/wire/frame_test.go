package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")

	require.NoError(t, WriteFrame(&buf, payload, DefaultMaxFrame))
	assert.Equal(t, "0000000005", buf.String()[:headerLen])

	got, err := ReadFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameSequentialReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first"), DefaultMaxFrame))
	require.NoError(t, WriteFrame(&buf, []byte("second message"), DefaultMaxFrame))

	one, err := ReadFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	two, err := ReadFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)

	assert.Equal(t, "first", string(one))
	assert.Equal(t, "second message", string(two))
}

func TestReadFrameRejectsOversize(t *testing.T) {
	r := strings.NewReader("0000000011" + strings.Repeat("x", 11))
	_, err := ReadFrame(r, 10)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 11), 10)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing may reach the wire after a refused frame")
}

func TestReadFrameRejectsGarbageHeader(t *testing.T) {
	_, err := ReadFrame(strings.NewReader("abcdefghij"), DefaultMaxFrame)
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestReadFrameRejectsEmptyFrame(t *testing.T) {
	_, err := ReadFrame(strings.NewReader("0000000000"), DefaultMaxFrame)
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	_, err := ReadFrame(strings.NewReader("0000000010abc"), DefaultMaxFrame)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrFrameTooLarge))
}
