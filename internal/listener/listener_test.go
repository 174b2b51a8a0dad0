package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bitstreamout/dbus-broker/internal/dispatch"
)

func newUnixListener(t *testing.T) (fd int, path string) {
	t.Helper()
	path = t.TempDir() + "/test.sock"

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })

	addr := &unix.SockaddrUnix{Name: path}
	require.NoError(t, unix.Bind(fd, addr))
	require.NoError(t, unix.Listen(fd, 16))
	return fd, path
}

func TestListener_AcceptsConnectionAndReportsCredentials(t *testing.T) {
	listenFD, path := newUnixListener(t)

	d, err := dispatch.New()
	require.NoError(t, err)
	defer d.Close()

	accepted := make(chan Accepted, 1)
	_, err = New(d, listenFD, func(a Accepted) { accepted <- a })
	require.NoError(t, err)

	clientFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(clientFD)
	require.NoError(t, unix.Connect(clientFD, &unix.SockaddrUnix{Name: path}))

	_, err = d.RunOnce(1000)
	require.NoError(t, err)

	select {
	case a := <-accepted:
		require.Greater(t, a.FD, 0)
		unix.Close(a.FD)
	case <-time.After(time.Second):
		t.Fatal("listener did not accept within timeout")
	}
}
