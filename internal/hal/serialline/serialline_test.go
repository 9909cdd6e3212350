package serialline

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goburrow/serial"
)

// memTransport replays canned reply bytes and captures writes.
type memTransport struct {
	wrote   bytes.Buffer
	replies *bytes.Reader
	readErr error
	closed  bool
}

func newMemTransport(replies string) *memTransport {
	return &memTransport{replies: bytes.NewReader([]byte(replies))}
}

func (m *memTransport) Write(p []byte) (int, error) { return m.wrote.Write(p) }

func (m *memTransport) Read(p []byte) (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.replies.Read(p)
}

func (m *memTransport) Close() error {
	m.closed = true
	return nil
}

func TestRoundTrip(t *testing.T) {
	tr := newMemTransport("OK\n")
	c := New(tr)

	reply, err := c.RoundTrip("LASER_OFF")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	assert.Equal(t, "LASER_OFF\n", tr.wrote.String(), "exactly one newline-terminated command")
}

func TestRoundTripTrimsCRLF(t *testing.T) {
	c := New(newMemTransport("PHOTODIODE:42.5\r\n"))
	reply, err := c.RoundTrip("GET_PHOTODIODE")
	require.NoError(t, err)
	assert.Equal(t, "PHOTODIODE:42.5", reply)
}

func TestRoundTripSequential(t *testing.T) {
	c := New(newMemTransport("OK\nFOOTPEDAL:1\n"))

	first, err := c.RoundTrip("WDT_RESET")
	require.NoError(t, err)
	assert.Equal(t, "OK", first)

	second, err := c.RoundTrip("GET_FOOTPEDAL")
	require.NoError(t, err)
	assert.Equal(t, "FOOTPEDAL:1", second)
}

func TestReadTimeoutIsNormalized(t *testing.T) {
	tr := newMemTransport("")
	tr.readErr = serial.ErrTimeout
	c := New(tr)

	_, err := c.RoundTrip("GET_STATUS")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestReadErrorIsWrapped(t *testing.T) {
	tr := newMemTransport("")
	tr.readErr = io.ErrUnexpectedEOF
	c := New(tr)

	_, err := c.RoundTrip("GET_STATUS")
	require.Error(t, err)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestCloseReleasesTransport(t *testing.T) {
	tr := newMemTransport("")
	c := New(tr)
	require.NoError(t, c.Close())
	assert.True(t, tr.closed)
}

func TestNilClient(t *testing.T) {
	var c *Client
	_, err := c.RoundTrip("X")
	require.Error(t, err)
	require.NoError(t, c.Close())
}

func TestOpenRequiresAddress(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}
