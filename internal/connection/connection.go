// Package connection implements the per-peer state machine: the
// authentication FSM, inbound/outbound message pumping, and transaction
// de-duplication described in spec.md §4.4.
package connection

import (
	"fmt"

	"github.com/bitstreamout/dbus-broker/internal/dbus"
	"github.com/bitstreamout/dbus-broker/internal/dbuserr"
	"github.com/bitstreamout/dbus-broker/internal/dispatch"
	"github.com/bitstreamout/dbus-broker/internal/logger"
	"github.com/bitstreamout/dbus-broker/internal/sasl"
	"github.com/bitstreamout/dbus-broker/internal/socket"
	"github.com/bitstreamout/dbus-broker/internal/user"
)

// State is the connection's position in its lifecycle FSM
// (spec.md §4.4).
type State int

const (
	StateInit State = iota
	StateAuth
	StateRunning
	StateShutdown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuth:
		return "auth"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageHandler receives each fully framed inbound Message once the
// connection is authenticated, in arrival order.
type MessageHandler func(c *Connection, msg *dbus.Message)

// CloseHandler is invoked exactly once when a Connection reaches
// StateClosed, so the owning Bus can drop its bookkeeping.
type CloseHandler func(c *Connection, cause error)

// Connection owns one accepted or dialed stream socket and drives it
// through spec.md §4.4's FSM. Not safe for concurrent use — driven
// exclusively from the Dispatcher's single thread.
type Connection struct {
	ID       string
	Identity *user.Identity

	dispatcher *dispatch.Dispatcher
	file       *dispatch.File
	sock       *socket.Socket

	server     bool
	saslServer *sasl.Server
	saslClient *sasl.Client

	authenticated bool
	state         State
	transactionID uint64

	onMessage MessageHandler
	onClose   CloseHandler
}

// NewServer constructs a server-role Connection over fd (already accepted,
// non-blocking) and registers it with dispatcher. Per spec.md §4.4, a
// server-role connection arms read interest only until its SASL sub-state
// has something to say.
func NewServer(d *dispatch.Dispatcher, fd int, id string, identity *user.Identity, allowAnonymous bool, onMessage MessageHandler, onClose CloseHandler) (*Connection, error) {
	c := &Connection{
		ID:         id,
		Identity:   identity,
		dispatcher: d,
		sock:       socket.New(fd),
		server:     true,
		saslServer: sasl.NewServer(identity.UID, allowAnonymous),
		state:      StateInit,
		onMessage:  onMessage,
		onClose:    onClose,
	}
	f, err := d.Register(fd, dispatch.InterestRead, id, c.handleEvents)
	if err != nil {
		return nil, fmt.Errorf("connection: register fd %d: %w", fd, err)
	}
	c.file = f
	return c, nil
}

// Open transitions INIT → AUTH, arming the interest mask the role
// requires. Client-role connections additionally send the opening SASL
// lines (spec.md §4.4's open() contract); server-role connections simply
// wait to be fed inbound lines.
func (c *Connection) Open() error {
	interest := dispatch.InterestRead
	if !c.server {
		nul, lines := c.saslClient.InitialLines()
		_ = nul // the leading NUL byte is not queued; the server side here reads lines without one
		for _, line := range lines {
			c.sock.QueueLine(line)
		}
		interest |= dispatch.InterestWrite
	}
	if err := c.dispatcher.Update(c.file, interest); err != nil {
		return err
	}
	c.state = StateAuth
	return nil
}

// Shutdown initiates a graceful half-close: stop reading, drain writes.
func (c *Connection) Shutdown() {
	if c.state == StateClosed || c.state == StateShutdown {
		return
	}
	c.state = StateShutdown
	_ = c.dispatcher.Update(c.file, dispatch.InterestWrite)
}

// Close hard-closes the connection and releases its resources.
func (c *Connection) Close(cause error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	_ = c.dispatcher.Deregister(c.file)
	_ = c.sock.Close()
	if c.onClose != nil {
		c.onClose(c, cause)
	}
}

// handleEvents is the Connection's dispatch.Callback: it pumps raw I/O,
// then drains as many framed lines/messages as are ready, mirroring
// connection_dispatch + connection_dequeue's interplay in the original
// source (I/O pumping is decoupled from message framing there too).
func (c *Connection) handleEvents(events dispatch.Events) (shutdown bool) {
	canRead := events.Has(dispatch.EventRead) || events.Has(dispatch.EventHup) || events.Has(dispatch.EventRdHup)
	canWrite := events.Has(dispatch.EventWrite)

	switch c.sock.Dispatch(canRead, canWrite) {
	case socket.ResultLostInterest:
		_ = c.dispatcher.Update(c.file, dispatch.InterestRead)
	case socket.ResultPreempted:
		// More work remains; epoll is level-triggered so we'll be woken again.
	case socket.ResultReset:
		c.Close(dbuserr.ErrConnectionReset)
		return false
	case socket.ResultEOF:
		c.Close(dbuserr.ErrConnectionEOF)
		return false
	}

	if c.state == StateClosed {
		return false
	}

	if err := c.drain(); err != nil {
		logger.Debug("connection dropped on drain error", logger.KeyConnectionID, c.ID, logger.KeyError, err.Error())
		c.Close(err)
	}
	return false
}

// drain feeds every buffered line through the SASL sub-state while
// unauthenticated, then delivers every buffered Message once authenticated,
// matching connection_dequeue's loop shape.
func (c *Connection) drain() error {
	for !c.authenticated {
		line, ok := c.sock.DequeueLine()
		if !ok {
			return nil
		}
		if err := c.feedSASL(line); err != nil {
			return err
		}
	}

	for {
		msg, ok := c.sock.Dequeue()
		if !ok {
			return nil
		}
		c.onMessage(c, msg)
	}
}

func (c *Connection) feedSASL(line string) error {
	var out []string
	var err error
	var done bool

	if c.server {
		out, err = c.saslServer.Dispatch(line)
		done = c.saslServer.Done()
	} else {
		out, err = c.saslClient.Dispatch(line)
		done = c.saslClient.Done()
	}
	if err != nil {
		return fmt.Errorf("connection: %w: %w", dbuserr.ErrConnectionReset, err)
	}

	c.authenticated = done
	if len(out) > 0 {
		for _, l := range out {
			c.sock.QueueLine(l)
		}
		if err := c.dispatcher.Update(c.file, dispatch.InterestRead|dispatch.InterestWrite); err != nil {
			return err
		}
	}
	if done {
		c.sock.SetBinaryPhase()
		c.state = StateRunning
		if c.server {
			logger.Info("peer authenticated", logger.KeyConnectionID, c.ID, logger.KeyUID, c.saslServer.AuthorizedUID())
		}
	}
	return nil
}

// Queue enqueues msg for delivery, enforcing transaction de-duplication
// per spec.md §4.4: a repeat of the last non-zero transaction id is
// silently dropped; a lower id is a caller bug.
func (c *Connection) Queue(transactionID uint64, msg *dbus.Message) error {
	if transactionID != 0 {
		if transactionID == c.transactionID {
			return nil
		}
		if transactionID < c.transactionID {
			return fmt.Errorf("connection: transaction id %d is not greater than last-seen %d", transactionID, c.transactionID)
		}
		c.transactionID = transactionID
	}

	wire, err := dbus.EncodeMessage(msg.Header, msg.Fields, msg.Body)
	if err != nil {
		return err
	}
	c.sock.Queue(socket.Buffer{Data: wire, FDs: msg.FDs})
	if c.sock.HasOutboundWork() {
		if err := c.dispatcher.Update(c.file, dispatch.InterestRead|dispatch.InterestWrite); err != nil {
			return err
		}
	}
	return nil
}

// State returns the connection's current FSM state.
func (c *Connection) State() State { return c.state }
