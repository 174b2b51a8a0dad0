package connection

import (
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bitstreamout/dbus-broker/internal/dbus"
	"github.com/bitstreamout/dbus-broker/internal/dispatch"
	"github.com/bitstreamout/dbus-broker/internal/user"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

// readLinePumping drives the dispatcher while waiting for a CRLF-terminated
// line to arrive on fd, since the server only writes its response once
// RunOnce processes the client's prior line.
func readLinePumping(t *testing.T, d *dispatch.Dispatcher, fd int) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var buf []byte
	chunk := make([]byte, 256)
	for time.Now().Before(deadline) {
		if _, err := d.RunOnce(20); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		n, err := unix.Read(fd, chunk)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			t.Fatalf("read: %v", err)
		}
		buf = append(buf, chunk[:n]...)
		if len(buf) >= 2 && string(buf[len(buf)-2:]) == "\r\n" {
			return string(buf[:len(buf)-2])
		}
	}
	t.Fatal("timed out waiting for line")
	return ""
}

func runUntil(t *testing.T, d *dispatch.Dispatcher, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		_, err := d.RunOnce(20)
		require.NoError(t, err)
	}
	t.Fatal("condition not satisfied before deadline")
}

func TestConnection_ServerSASLHandshakeThenMessageDelivery(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	defer unix.Close(clientFD)

	d, err := dispatch.New()
	require.NoError(t, err)
	defer d.Close()

	identity := &user.Identity{UID: 1000}
	var received *dbus.Message
	conn, err := NewServer(d, serverFD, "test", identity, false,
		func(c *Connection, msg *dbus.Message) { received = msg },
		nil,
	)
	require.NoError(t, err)
	require.NoError(t, conn.Open())

	hexUID := hex.EncodeToString([]byte(strconv.FormatUint(1000, 10)))
	_, err = unix.Write(clientFD, []byte("AUTH EXTERNAL "+hexUID+"\r\n"))
	require.NoError(t, err)
	okLine := readLinePumping(t, d, clientFD)
	require.Regexp(t, `^OK `, okLine)

	_, err = unix.Write(clientFD, []byte("BEGIN\r\n"))
	require.NoError(t, err)
	runUntil(t, d, func() bool { return conn.State() == StateRunning })

	wire, err := dbus.EncodeMessage(
		dbus.Header{Type: dbus.TypeSignal, Serial: 1, Version: dbus.ProtocolVersion},
		dbus.Fields{Path: "/test", HasPath: true, Interface: "org.test.X", HasInterface: true, Member: "Ping", HasMember: true},
		nil,
	)
	require.NoError(t, err)
	_, err = unix.Write(clientFD, wire)
	require.NoError(t, err)

	runUntil(t, d, func() bool { return received != nil })
	require.Equal(t, "Ping", received.Fields.Member)
}

func TestConnection_Queue_DropsRepeatedTransactionID(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	defer unix.Close(clientFD)
	defer unix.Close(serverFD)

	d, err := dispatch.New()
	require.NoError(t, err)
	defer d.Close()

	identity := &user.Identity{UID: 1000}
	conn, err := NewServer(d, serverFD, "test", identity, false, func(*Connection, *dbus.Message) {}, nil)
	require.NoError(t, err)

	msg := &dbus.Message{Header: dbus.Header{Type: dbus.TypeSignal, Version: dbus.ProtocolVersion}}
	require.NoError(t, conn.Queue(5, msg))
	require.NoError(t, conn.Queue(5, msg)) // same transaction id, silently dropped
	require.Error(t, conn.Queue(4, msg))   // id must never regress
}

func TestConnection_Close_InvokesCloseHandlerOnce(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	defer unix.Close(clientFD)

	d, err := dispatch.New()
	require.NoError(t, err)
	defer d.Close()

	closes := 0
	identity := &user.Identity{UID: 1000}
	conn, err := NewServer(d, serverFD, "test", identity, false, func(*Connection, *dbus.Message) {}, func(*Connection, error) { closes++ })
	require.NoError(t, err)

	conn.Close(nil)
	conn.Close(nil) // idempotent
	require.Equal(t, 1, closes)
	require.Equal(t, StateClosed, conn.State())
}
