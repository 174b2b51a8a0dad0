// Package fdlist implements the ownership-transfer discipline spec.md §5 and
// §9 require for file descriptors in motion: every FD in a List is owned by
// exactly one container at a time, and handover uses Steal, which
// invalidates the source slot so the FD cannot be closed twice.
package fdlist

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bitstreamout/dbus-broker/internal/dbuserr"
)

// List is an ordered, arena-like slice of file descriptors attached to one
// incoming or outgoing Message via ancillary data. An entry of -1 marks a
// slot whose FD has already been stolen.
type List struct {
	fds []int
}

// New wraps an ordered slice of received FDs. The List takes ownership.
func New(fds []int) *List {
	return &List{fds: fds}
}

// Len reports how many slots the list has (stolen or not).
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.fds)
}

// Get returns the FD at index, or an error satisfying errors.Is(err,
// dbuserr.ErrInvalidMessage) if the index is out of range or already
// stolen. This resolves the open question in spec.md §9 around the
// "XXX: error handling" comment in the original AddListener handler: an
// out-of-range FD index is conservatively treated as an invalid message.
func (l *List) Get(index uint32) (int, error) {
	if l == nil || index >= uint32(len(l.fds)) {
		return -1, fmt.Errorf("fdlist: index %d out of range: %w", index, dbuserr.ErrInvalidMessage)
	}
	fd := l.fds[index]
	if fd < 0 {
		return -1, fmt.Errorf("fdlist: index %d already stolen: %w", index, dbuserr.ErrInvalidMessage)
	}
	return fd, nil
}

// Append adds fd to the end of the list (taking ownership of it) and
// returns its index, used by the codec when marshaling an outgoing 'h'
// value.
func (l *List) Append(fd int) uint32 {
	l.fds = append(l.fds, fd)
	return uint32(len(l.fds) - 1)
}

// Steal transfers ownership of the FD at index out of the list. After
// Steal, the slot no longer owns the FD: the list's Close will not close
// it, and a second Steal or Get at the same index fails.
func (l *List) Steal(index uint32) (int, error) {
	fd, err := l.Get(index)
	if err != nil {
		return -1, err
	}
	l.fds[index] = -1
	return fd, nil
}

// Owned returns every FD still held by the list (not stolen), in index
// order, used by outgoing replies to learn which descriptors they must
// attach as ancillary data.
func (l *List) Owned() []int {
	if l == nil {
		return nil
	}
	var out []int
	for _, fd := range l.fds {
		if fd >= 0 {
			out = append(out, fd)
		}
	}
	return out
}

// Close closes every FD still owned by the list (i.e. not stolen). It is
// idempotent: calling it twice closes nothing the second time.
func (l *List) Close() {
	if l == nil {
		return
	}
	for i, fd := range l.fds {
		if fd >= 0 {
			_ = unix.Close(fd)
			l.fds[i] = -1
		}
	}
}
