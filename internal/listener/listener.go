// Package listener wraps one listening socket: on readability it accepts as
// many pending connections as are ready and hands each accepted fd, plus its
// SO_PEERCRED credentials, to the owning bus (spec.md §3's Listener
// invariants).
package listener

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bitstreamout/dbus-broker/internal/dispatch"
	"github.com/bitstreamout/dbus-broker/internal/logger"
)

// Accepted is what the owning bus learns about a freshly accepted peer.
type Accepted struct {
	FD  int
	UID uint32
	GID uint32
	PID int32
}

// AcceptHandler is invoked once per accepted connection.
type AcceptHandler func(Accepted)

// Listener registers a listening socket with a Dispatcher and accepts
// connections as they arrive, never blocking the dispatcher thread.
type Listener struct {
	id         string
	fd         int
	dispatcher *dispatch.Dispatcher
	file       *dispatch.File
	onAccept   AcceptHandler
}

// New registers fd (already listening, non-blocking) with d. onAccept is
// called on the dispatcher's own goroutine for every accepted connection.
func New(d *dispatch.Dispatcher, fd int, onAccept AcceptHandler) (*Listener, error) {
	l := &Listener{
		id:         uuid.NewString(),
		fd:         fd,
		dispatcher: d,
		onAccept:   onAccept,
	}
	f, err := d.Register(fd, dispatch.InterestRead, "listener:"+l.id, l.handleEvents)
	if err != nil {
		return nil, fmt.Errorf("listener: register fd %d: %w", fd, err)
	}
	l.file = f
	return l, nil
}

// Close deregisters and closes the listening socket.
func (l *Listener) Close() error {
	_ = l.dispatcher.Deregister(l.file)
	return unix.Close(l.fd)
}

func (l *Listener) handleEvents(events dispatch.Events) (shutdown bool) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			logger.Warn("listener accept error", logger.KeyFD, l.fd, logger.KeyError, err.Error())
			return false
		}

		cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			logger.Warn("listener: peer credentials unavailable, closing", logger.KeyFD, fd, logger.KeyError, err.Error())
			_ = unix.Close(fd)
			continue
		}

		l.onAccept(Accepted{FD: fd, UID: cred.Uid, GID: cred.Gid, PID: cred.Pid})
	}
}
