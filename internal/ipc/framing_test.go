package ipc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	want := []byte(`{"$type":"GetStatusRequest"}`)

	require.NoError(t, writeFrame(&buf, want))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadFrame_ZeroLengthIsFramingViolation(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})

	_, err := readFrame(buf)
	assert.Error(t, err)
}

func TestReadFrame_OversizedLengthIsFramingViolation(t *testing.T) {
	t.Parallel()

	lenBuf := make([]byte, 4)
	// One byte over MaxMessageSize, encoded little-endian; the body never
	// needs to actually be present, since readFrame rejects the length
	// before attempting to read it.
	n := uint32(MaxMessageSize + 1)
	lenBuf[0] = byte(n)
	lenBuf[1] = byte(n >> 8)
	lenBuf[2] = byte(n >> 16)
	lenBuf[3] = byte(n >> 24)

	buf := bytes.NewBuffer(lenBuf)

	_, err := readFrame(buf)
	assert.Error(t, err)
}

func TestReadFrame_TruncatedHeaderIsAnError(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer([]byte{1, 2})

	_, err := readFrame(buf)
	assert.Error(t, err)
}
