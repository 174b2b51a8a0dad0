// Package dispatch implements the broker's single-threaded readiness loop:
// an epoll(7) multiplexer over registered file sources, the only blocking
// primitive anywhere in the core (spec.md §4.1, §5).
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bitstreamout/dbus-broker/internal/logger"
	"github.com/bitstreamout/dbus-broker/internal/metrics"
)

// Interest is a bitmask of the readiness events a File wants to be woken for.
type Interest uint32

const (
	InterestRead  Interest = unix.EPOLLIN
	InterestWrite Interest = unix.EPOLLOUT
)

// Events is the bitmask of events the dispatcher observed on a wakeup,
// passed verbatim to the registered Callback. Hang-up and error bits are
// always included even if not requested, matching epoll's own behavior.
type Events uint32

const (
	EventRead  Events = unix.EPOLLIN
	EventWrite Events = unix.EPOLLOUT
	EventHup   Events = unix.EPOLLHUP
	EventErr   Events = unix.EPOLLERR
	EventRdHup Events = unix.EPOLLRDHUP
)

func (e Events) Has(bit Events) bool { return e&bit != 0 }

// Callback is invoked exactly once per wakeup for a ready File, with the
// bitmask of events that fired. Returning true requests the dispatcher
// initiate process shutdown after the current wakeup's callbacks finish.
type Callback func(events Events) (shutdown bool)

// File is one registration: an FD, the interest mask currently armed for
// it, and the callback that consumes its readiness. Exactly one File may be
// registered per FD at a time (spec.md §3's DispatchFile invariant).
type File struct {
	fd       int
	interest Interest
	callback Callback
	tag      string // for logging only
}

// Tag is a caller-supplied label surfaced in dispatcher logs, e.g. a
// connection ID or "listener".
func (f *File) Tag() string { return f.tag }

type pendingOp struct {
	kind int // opRegister, opUpdate, opDeregister
	file *File
}

const (
	opRegister = iota
	opUpdate
	opDeregister
)

// Dispatcher is a single-threaded epoll-based readiness multiplexer.
// Methods are NOT safe for concurrent use from multiple goroutines — the
// entire broker core runs on the Dispatcher's own goroutine, per spec.md
// §5's cooperative-scheduling model. register/update/deregister called
// from within a Callback are deferred until the end of the current wakeup,
// so a callback may safely deregister itself or another File mid-iteration.
type Dispatcher struct {
	epfd     int
	files    map[int]*File
	pending  []pendingOp
	inWakeup bool
	shutdown bool
	mu       sync.Mutex // guards shutdown only, set from signal handlers etc.
}

// New creates a Dispatcher backed by a fresh epoll instance.
func New() (*Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatch: epoll_create1: %w", err)
	}
	return &Dispatcher{
		epfd:  epfd,
		files: make(map[int]*File),
	}, nil
}

// Close releases the dispatcher's epoll instance. Registered Files are not
// closed; callers must deregister and close their own FDs first.
func (d *Dispatcher) Close() error {
	return unix.Close(d.epfd)
}

// Register arms fd with interest and returns the File handle. callback is
// invoked on every wakeup where fd is ready, until Deregister is called.
func (d *Dispatcher) Register(fd int, interest Interest, tag string, callback Callback) (*File, error) {
	f := &File{fd: fd, interest: interest, callback: callback, tag: tag}
	if d.inWakeup {
		d.pending = append(d.pending, pendingOp{kind: opRegister, file: f})
		return f, nil
	}
	return f, d.doRegister(f)
}

func (d *Dispatcher) doRegister(f *File) error {
	if _, exists := d.files[f.fd]; exists {
		return fmt.Errorf("dispatch: fd %d already registered", f.fd)
	}
	event := unix.EpollEvent{Events: uint32(f.interest) | uint32(EventHup) | uint32(EventRdHup)}
	event.Fd = int32(f.fd)
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, f.fd, &event); err != nil {
		return fmt.Errorf("dispatch: epoll_ctl(ADD, %d): %w", f.fd, err)
	}
	d.files[f.fd] = f
	return nil
}

// Update replaces the armed interest mask for f, e.g. to select or
// deselect write-readiness after draining the outbound queue.
func (d *Dispatcher) Update(f *File, interest Interest) error {
	f.interest = interest
	if d.inWakeup {
		d.pending = append(d.pending, pendingOp{kind: opUpdate, file: f})
		return nil
	}
	return d.doUpdate(f)
}

func (d *Dispatcher) doUpdate(f *File) error {
	event := unix.EpollEvent{Events: uint32(f.interest) | uint32(EventHup) | uint32(EventRdHup)}
	event.Fd = int32(f.fd)
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, f.fd, &event); err != nil {
		return fmt.Errorf("dispatch: epoll_ctl(MOD, %d): %w", f.fd, err)
	}
	return nil
}

// Deregister removes f from the epoll set. Safe to call from within f's own
// callback, or any other callback running in the same wakeup.
func (d *Dispatcher) Deregister(f *File) error {
	if d.inWakeup {
		d.pending = append(d.pending, pendingOp{kind: opDeregister, file: f})
		return nil
	}
	return d.doDeregister(f)
}

func (d *Dispatcher) doDeregister(f *File) error {
	if _, exists := d.files[f.fd]; !exists {
		return nil
	}
	delete(d.files, f.fd)
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, f.fd, nil); err != nil {
		return fmt.Errorf("dispatch: epoll_ctl(DEL, %d): %w", f.fd, err)
	}
	return nil
}

// RequestShutdown marks the dispatcher's run loop to stop after the current
// wakeup completes. Safe to call from any Callback.
func (d *Dispatcher) RequestShutdown() {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()
}

const maxEventsPerWakeup = 256

// RunOnce blocks until at least one registered File is ready or
// timeoutMillis elapses (negative blocks indefinitely), invokes each ready
// File's callback exactly once, then applies any registration changes the
// callbacks deferred. Returns the number of callbacks invoked.
func (d *Dispatcher) RunOnce(timeoutMillis int) (int, error) {
	var raw [maxEventsPerWakeup]unix.EpollEvent
	n, err := unix.EpollWait(d.epfd, raw[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("dispatch: epoll_wait: %w", err)
	}

	d.inWakeup = true
	invoked := 0
	for i := 0; i < n; i++ {
		f, ok := d.files[int(raw[i].Fd)]
		if !ok {
			continue // deregistered by an earlier callback in this same wakeup
		}
		events := Events(raw[i].Events)
		invoked++
		if f.callback(events) {
			d.RequestShutdown()
		}
	}
	d.inWakeup = false

	if invoked > 0 {
		metrics.DispatchWakeups.Inc()
		metrics.DispatchCallbacks.Add(float64(invoked))
	}

	if err := d.drainPending(); err != nil {
		return invoked, err
	}
	return invoked, nil
}

func (d *Dispatcher) drainPending() error {
	ops := d.pending
	d.pending = nil
	for _, op := range ops {
		var err error
		switch op.kind {
		case opRegister:
			err = d.doRegister(op.file)
		case opUpdate:
			err = d.doUpdate(op.file)
		case opDeregister:
			err = d.doDeregister(op.file)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Run loops RunOnce until RequestShutdown has been called by some Callback,
// or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.mu.Lock()
		stop := d.shutdown
		d.mu.Unlock()
		if stop {
			logger.Info("dispatcher shutting down")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := d.RunOnce(1000); err != nil {
			return err
		}
	}
}
