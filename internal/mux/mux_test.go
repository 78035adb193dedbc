package mux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWaitReportsReadable(t *testing.T) {
	r, w := testPipe(t)

	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)

	ready, err := Wait([]unix.PollFd{{Fd: int32(r), Events: unix.POLLIN}}, 1)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, r, ready[0].FD)
	assert.True(t, ready[0].Readable)
	assert.False(t, ready[0].Writable)
}

func TestWaitTimesOutEmpty(t *testing.T) {
	r, _ := testPipe(t)

	start := time.Now()
	ready, err := Wait([]unix.PollFd{{Fd: int32(r), Events: unix.POLLIN}}, 0)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitReportsWritable(t *testing.T) {
	_, w := testPipe(t)

	ready, err := Wait([]unix.PollFd{{Fd: int32(w), Events: unix.POLLOUT}}, 1)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.True(t, ready[0].Writable)
}

func TestWaitReportsHangupAsReadable(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() { unix.Close(fds[0]) })

	// Close the write end: the read end must wake as readable (EOF).
	require.NoError(t, unix.Close(fds[1]))

	ready, err := Wait([]unix.PollFd{{Fd: int32(fds[0]), Events: unix.POLLIN}}, 1)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.True(t, ready[0].Readable)
}

func TestReadySet(t *testing.T) {
	set := NewReadySet([]Ready{{FD: 3, Readable: true}, {FD: 4, Writable: true}})

	assert.True(t, set.Readable(3))
	assert.False(t, set.Readable(4))
	assert.True(t, set.Writable(4))

	set.Clear(3)
	assert.False(t, set.Readable(3))
}
