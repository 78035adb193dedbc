package sigbridge

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Poll(pfd, 50)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		if n > 0 {
			return
		}
	}
	t.Fatal("self-pipe never became readable")
}

func TestKickLatchesFlags(t *testing.T) {
	b, err := New(zap.NewNop(), false)
	require.NoError(t, err)
	defer b.Close()

	b.Kick(syscall.SIGCHLD)
	waitReadable(t, b.ReadFD())

	latches := b.Drain()
	assert.True(t, latches.DeadChildren)
	assert.False(t, latches.NeedReload)
	assert.False(t, latches.StopScheduler)

	// Pipe drained: next call sees nothing.
	assert.Equal(t, Latches{}, b.Drain())
}

func TestHupMapsToReload(t *testing.T) {
	b, err := New(zap.NewNop(), false)
	require.NoError(t, err)
	defer b.Close()

	b.Kick(syscall.SIGHUP)
	waitReadable(t, b.ReadFD())

	assert.True(t, b.Drain().NeedReload)
}

func TestHupMapsToStopWhenRunAsUser(t *testing.T) {
	b, err := New(zap.NewNop(), true)
	require.NoError(t, err)
	defer b.Close()

	b.Kick(syscall.SIGHUP)
	waitReadable(t, b.ReadFD())

	latches := b.Drain()
	assert.True(t, latches.StopScheduler)
	assert.False(t, latches.NeedReload)
}

func TestHoldWithholdsLatches(t *testing.T) {
	b, err := New(zap.NewNop(), false)
	require.NoError(t, err)
	defer b.Close()

	b.Hold()
	b.Hold()

	b.Kick(syscall.SIGTERM)
	waitReadable(t, b.ReadFD())

	// Drained but withheld while held.
	assert.Equal(t, Latches{}, b.Drain())

	b.Release()
	assert.Equal(t, Latches{}, b.Drain())

	b.Release()
	assert.True(t, b.Drain().StopScheduler)
}

func TestReleaseWithoutHoldPanics(t *testing.T) {
	b, err := New(zap.NewNop(), false)
	require.NoError(t, err)
	defer b.Close()

	assert.Panics(t, func() { b.Release() })
}

func TestDuplicateWakeupsCoalesce(t *testing.T) {
	b, err := New(zap.NewNop(), false)
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 10; i++ {
		b.Kick(syscall.SIGCHLD)
	}
	waitReadable(t, b.ReadFD())
	time.Sleep(20 * time.Millisecond)

	latches := b.Drain()
	assert.True(t, latches.DeadChildren)
	assert.Equal(t, Latches{}, b.Drain())
}
