package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRunOnce_InvokesCallbackOnReadability(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	defer d.Close()

	a, b := socketpair(t)

	var gotEvents Events
	invocations := 0
	_, err = d.Register(a, InterestRead, "test", func(events Events) bool {
		invocations++
		gotEvents = events
		return false
	})
	require.NoError(t, err)

	_, err = unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	n, err := d.RunOnce(1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, invocations)
	require.True(t, gotEvents.Has(EventRead))
}

func TestDeregister_DuringCallback_IsDeferredSafely(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	defer d.Close()

	a, b := socketpair(t)
	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	var f *File
	f, err = d.Register(a, InterestRead, "self-deregister", func(events Events) bool {
		return false
	})
	require.NoError(t, err)

	// Replace callback to deregister itself mid-wakeup.
	f.callback = func(events Events) bool {
		require.NoError(t, d.Deregister(f))
		return false
	}

	_, err = d.RunOnce(1000)
	require.NoError(t, err)

	// fd should no longer be tracked; a second RunOnce must not invoke it.
	_, ok := d.files[a]
	require.False(t, ok)
}

func TestRunOnce_ShutdownRequestedFromCallback(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	defer d.Close()

	a, b := socketpair(t)
	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	_, err = d.Register(a, InterestRead, "shutdown", func(events Events) bool {
		return true
	})
	require.NoError(t, err)

	_, err = d.RunOnce(1000)
	require.NoError(t, err)

	d.mu.Lock()
	shutdown := d.shutdown
	d.mu.Unlock()
	require.True(t, shutdown)
}
