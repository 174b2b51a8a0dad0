package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bitstreamout/dbus-broker/internal/connection"
	"github.com/bitstreamout/dbus-broker/internal/dbus"
	"github.com/bitstreamout/dbus-broker/internal/dispatch"
	"github.com/bitstreamout/dbus-broker/internal/dvar"
	"github.com/bitstreamout/dbus-broker/internal/fdlist"
	"github.com/bitstreamout/dbus-broker/internal/user"
)

type fakeBus struct {
	addedFD int
	err     error
}

func (b *fakeBus) AddListener(fd int) error {
	b.addedFD = fd
	return b.err
}

func newTestConnection(t *testing.T) *connection.Connection {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	d, err := dispatch.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	identity := &user.Identity{UID: 1000}
	conn, err := connection.NewServer(d, fds[0], "test-conn", identity, false, func(*connection.Connection, *dbus.Message) {}, nil)
	require.NoError(t, err)
	return conn
}

func methodCallMessage(path, iface, member, signature string, body []byte, fdCount int, fdsOwned []int) *dbus.Message {
	msg := &dbus.Message{
		Header: dbus.Header{Type: dbus.TypeMethodCall, Serial: 42, Version: dbus.ProtocolVersion},
		Fields: dbus.Fields{
			Path: path, HasPath: true,
			Member: member, HasMember: true,
		},
		Body: body,
		FDs:  fdsOwned,
	}
	if iface != "" {
		msg.Fields.Interface = iface
		msg.Fields.HasInterface = true
	}
	if signature != "" {
		msg.Fields.Signature = signature
		msg.Fields.HasSignature = true
	}
	if fdCount > 0 {
		msg.Fields.UnixFDs = uint32(fdCount)
		msg.Fields.HasUnixFDs = true
	}
	return msg
}

func addListenerBody(t *testing.T) []byte {
	t.Helper()
	w := dvar.NewWriter(dvar.ParseType("h"), false, fdlist.New(nil))
	require.NoError(t, w.WriteUnixFD(0))
	body, err := w.End()
	require.NoError(t, err)
	return body
}

func TestDispatch_AddListener_InstallsListenerOnBus(t *testing.T) {
	conn := newTestConnection(t)
	listenerFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer func() { _ = unix.Close(listenerFDs[1]) }()

	body := addListenerBody(t)
	msg := methodCallMessage(ControllerPath, ControllerInterface, "AddListener", "h", body, 1, []int{listenerFDs[0]})

	bus := &fakeBus{}
	err = Dispatch(bus, conn, msg)
	require.NoError(t, err)
	assert.Equal(t, listenerFDs[0], bus.addedFD)
	t.Cleanup(func() { _ = unix.Close(bus.addedFD) })
}

func TestDispatch_WrongPath_RepliesAccessDenied(t *testing.T) {
	conn := newTestConnection(t)
	body := addListenerBody(t)
	msg := methodCallMessage("/not/the/controller", ControllerInterface, "AddListener", "h", body, 0, nil)

	bus := &fakeBus{}
	err := Dispatch(bus, conn, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, bus.addedFD)
}

func TestDispatch_UnknownMethod_DoesNotCallBus(t *testing.T) {
	conn := newTestConnection(t)
	msg := methodCallMessage(ControllerPath, ControllerInterface, "DoesNotExist", "", nil, 0, nil)

	bus := &fakeBus{}
	err := Dispatch(bus, conn, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, bus.addedFD)
}

func TestDispatch_WrongSignature_RepliesInvalidArgs(t *testing.T) {
	conn := newTestConnection(t)
	// "AddListener" expects "h", but this body advertises "s".
	w := dvar.NewWriter(dvar.ParseType("s"), false, nil)
	require.NoError(t, w.WriteString("not-a-handle"))
	body, err := w.End()
	require.NoError(t, err)

	msg := methodCallMessage(ControllerPath, ControllerInterface, "AddListener", "s", body, 0, nil)
	bus := &fakeBus{}
	err = Dispatch(bus, conn, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, bus.addedFD)
}

func TestDispatch_MatchingSignatureButMalformedBody_Disconnects(t *testing.T) {
	conn := newTestConnection(t)
	// Signature "h" matches AddListener's inType, but the body is empty, so
	// reading the unix-fd index runs out of bounds.
	msg := methodCallMessage(ControllerPath, ControllerInterface, "AddListener", "h", nil, 0, nil)

	bus := &fakeBus{}
	err := Dispatch(bus, conn, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, bus.addedFD)
	assert.Equal(t, connection.StateClosed, conn.State())
}

func TestDispatch_NonMethodCall_Ignored(t *testing.T) {
	conn := newTestConnection(t)
	msg := &dbus.Message{Header: dbus.Header{Type: dbus.TypeSignal}}

	bus := &fakeBus{}
	err := Dispatch(bus, conn, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, bus.addedFD)
}
