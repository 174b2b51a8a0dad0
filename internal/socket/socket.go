// Package socket wraps a single non-blocking stream socket FD, framing its
// bytes as either authentication-phase lines or binary D-Bus messages, and
// carrying file descriptors passed as SCM_RIGHTS ancillary data
// (spec.md §4.2).
package socket

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bitstreamout/dbus-broker/internal/dbus"
	"github.com/bitstreamout/dbus-broker/internal/dbuserr"
	"github.com/bitstreamout/dbus-broker/internal/logger"
)

// Result is the outcome of a Dispatch call.
type Result int

const (
	ResultOK Result = iota
	ResultLostInterest
	ResultPreempted
	ResultReset
	ResultEOF
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultLostInterest:
		return "lost-interest"
	case ResultPreempted:
		return "preempted"
	case ResultReset:
		return "reset"
	case ResultEOF:
		return "eof"
	default:
		return "unknown"
	}
}

// Phase selects which framing the socket applies to inbound bytes.
type Phase int

const (
	PhaseLine Phase = iota
	PhaseBinary
)

// Buffer is a pre-serialized outbound unit: bytes plus any file descriptors
// that must accompany them as ancillary data on the first send.
type Buffer struct {
	Data []byte
	FDs  []int
}

const (
	maxLineSize             = 16 * 1024
	defaultMaxMessageSize   = 128 * 1024 * 1024
	maxReadChunk            = 64 * 1024
	maxWritesPerPump        = 64 // fairness: yield PREEMPTED if more outbound work remains
	oobBufSize              = 512
)

var maxMessageSizeOverride atomic.Int64

// SetMaxMessageSize overrides the message-size ceiling every Socket enforces
// (spec.md §4.2's framing ceiling), exposed as the CLI's
// DBUS_BROKER_MAX_MESSAGE_SIZE knob. A non-positive value restores the
// default.
func SetMaxMessageSize(n int) {
	maxMessageSizeOverride.Store(int64(n))
}

func maxMessageSize() int64 {
	if n := maxMessageSizeOverride.Load(); n > 0 {
		return n
	}
	return defaultMaxMessageSize
}

// Socket is a non-blocking stream socket with line and binary framing.
// Not safe for concurrent use; the owning Connection drives it from the
// single dispatcher thread.
type Socket struct {
	fd    int
	phase Phase

	inbound []byte // bytes read but not yet framed
	readFDs []int  // FDs received via ancillary data, FIFO, not yet attached to a message

	outbound   []Buffer
	outOffset  int // bytes of outbound[0].Data already written
	fdsSent    bool // whether outbound[0]'s FDs have already gone out

	pendingLines    []string
	pendingMessages []*dbus.Message

	peerClosed bool // recvmsg returned EOF; still draining buffered input
}

// New wraps fd, which must already be non-blocking.
func New(fd int) *Socket {
	return &Socket{fd: fd, phase: PhaseLine}
}

// FD returns the underlying descriptor, for dispatcher registration.
func (s *Socket) FD() int { return s.fd }

// SetBinaryPhase switches framing from line-oriented to binary, called once
// by the owning Connection when its SASL sub-state signals BEGIN.
func (s *Socket) SetBinaryPhase() { s.phase = PhaseBinary }

// Close closes the underlying FD and any FDs still queued for output or
// received but never dequeued.
func (s *Socket) Close() error {
	for _, fd := range s.readFDs {
		_ = unix.Close(fd)
	}
	s.readFDs = nil
	for _, msg := range s.pendingMessages {
		for _, fd := range msg.FDs {
			_ = unix.Close(fd)
		}
	}
	s.pendingMessages = nil
	for _, buf := range s.outbound {
		for _, fd := range buf.FDs {
			_ = unix.Close(fd)
		}
	}
	s.outbound = nil
	return unix.Close(s.fd)
}

// Queue appends a pre-serialized binary message to the outbound queue.
// Non-blocking; never drops.
func (s *Socket) Queue(buf Buffer) {
	s.outbound = append(s.outbound, buf)
}

// QueueLine appends an authentication-phase line, adding the CRLF
// terminator.
func (s *Socket) QueueLine(text string) {
	s.outbound = append(s.outbound, Buffer{Data: []byte(text + "\r\n")})
}

// HasOutboundWork reports whether Dispatch has bytes left to write, used by
// the Connection to decide whether write-interest should stay armed.
func (s *Socket) HasOutboundWork() bool {
	return len(s.outbound) > 0
}

// Dispatch pumps I/O in response to dispatcher events: draining as much of
// the outbound queue as fairness allows, then reading and framing as much
// inbound data as is available.
func (s *Socket) Dispatch(canRead, canWrite bool) Result {
	if canWrite {
		switch r := s.pumpWrites(); r {
		case ResultReset:
			return ResultReset
		case ResultPreempted:
			return ResultPreempted
		}
	}
	if canRead {
		if r := s.pumpReads(); r != ResultOK {
			return r
		}
	}
	if len(s.outbound) == 0 {
		return ResultLostInterest
	}
	return ResultOK
}

func (s *Socket) pumpWrites() Result {
	writes := 0
	for len(s.outbound) > 0 {
		if writes >= maxWritesPerPump {
			return ResultPreempted
		}
		head := &s.outbound[0]
		n, err := s.send(head)
		if err != nil {
			if err == unix.EAGAIN {
				return ResultOK
			}
			logger.Debug("socket write error", logger.KeyError, err.Error())
			return ResultReset
		}
		writes++
		s.outOffset += n
		if s.outOffset >= len(head.Data) {
			s.outbound = s.outbound[1:]
			s.outOffset = 0
			s.fdsSent = false
		}
	}
	return ResultOK
}

func (s *Socket) send(head *Buffer) (int, error) {
	data := head.Data[s.outOffset:]
	if !s.fdsSent && len(head.FDs) > 0 {
		rights := unix.UnixRights(head.FDs...)
		n, err := unix.SendmsgN(s.fd, data, rights, nil, 0)
		if err != nil {
			return 0, err
		}
		s.fdsSent = true
		return n, nil
	}
	n, err := unix.Write(s.fd, data)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Socket) pumpReads() Result {
	buf := make([]byte, maxReadChunk)
	oob := make([]byte, oobBufSize)
	for {
		n, oobn, flags, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			logger.Debug("socket read error", logger.KeyError, err.Error())
			return ResultReset
		}
		if flags&unix.MSG_CTRUNC != 0 {
			logger.Warn("socket control message truncated, closing connection")
			return ResultReset
		}
		if oobn > 0 {
			if err := s.absorbAncillary(oob[:oobn]); err != nil {
				logger.Warn("socket ancillary data error", logger.KeyError, err.Error())
				return ResultReset
			}
		}
		if n == 0 {
			s.peerClosed = true
			break
		}
		s.inbound = append(s.inbound, buf[:n]...)
	}

	if err := s.frame(); err != nil {
		logger.Debug("socket framing error", logger.KeyError, err.Error())
		return ResultReset
	}

	if s.peerClosed {
		if len(s.inbound) == 0 {
			if len(s.readFDs) > 0 {
				// FDs arrived that no message ever consumed.
				return ResultReset
			}
			return ResultEOF
		}
		// Peer closed with an incomplete line/message still buffered: it
		// will never be completed. Treat as spec.md §8 scenario 5 (truncated
		// header), not a clean EOF, so the dispatcher doesn't spin forever
		// on a HUP that keeps re-arming with leftover bytes.
		return ResultReset
	}
	return ResultOK
}

func (s *Socket) absorbAncillary(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("socket: parse control message: %w", err)
	}
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return fmt.Errorf("socket: parse unix rights: %w", err)
		}
		s.readFDs = append(s.readFDs, fds...)
	}
	return nil
}

func (s *Socket) frame() error {
	switch s.phase {
	case PhaseLine:
		return s.frameLines()
	default:
		return s.frameMessages()
	}
}

func (s *Socket) frameLines() error {
	for {
		idx := indexCRLF(s.inbound)
		if idx < 0 {
			if len(s.inbound) > maxLineSize {
				return fmt.Errorf("socket: line exceeds %d bytes: %w", maxLineSize, dbuserr.ErrConnectionReset)
			}
			return nil
		}
		line := string(s.inbound[:idx])
		s.pendingLines = append(s.pendingLines, line)
		s.inbound = s.inbound[idx+2:]
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func (s *Socket) frameMessages() error {
	for {
		if len(s.inbound) < dbus.FixedPrefixSize {
			return nil
		}
		header, err := dbus.ParsePrelude(s.inbound)
		if err != nil {
			return err
		}
		fieldArrayLen, err := dbus.FieldArrayLength(s.inbound, header.BigEndian)
		if err != nil {
			return err
		}
		headerRegion := dbus.HeaderRegionSize(fieldArrayLen)
		total := dbus.TotalMessageSize(headerRegion, header.BodyLength)
		if ceiling := maxMessageSize(); int64(total) > ceiling {
			return fmt.Errorf("socket: message size %d exceeds ceiling %d: %w", total, ceiling, dbuserr.ErrConnectionReset)
		}
		if len(s.inbound) < total {
			return nil
		}

		fields, err := dbus.DecodeFields(s.inbound, header.BigEndian, fieldArrayLen)
		if err != nil {
			return err
		}
		want := int(fields.UnixFDs)
		if len(s.readFDs) < want {
			return nil // held back until enough FDs have arrived
		}

		msgBuf := make([]byte, total)
		copy(msgBuf, s.inbound[:total])
		var msgFDs []int
		if want > 0 {
			msgFDs = append(msgFDs, s.readFDs[:want]...)
			s.readFDs = s.readFDs[want:]
		}

		msg, err := dbus.DecodeMessage(msgBuf, msgFDs)
		if err != nil {
			return err
		}
		s.pendingMessages = append(s.pendingMessages, msg)
		s.inbound = s.inbound[total:]
	}
}

// DequeueLine returns the next complete handshake line, if any.
func (s *Socket) DequeueLine() (string, bool) {
	if len(s.pendingLines) == 0 {
		return "", false
	}
	line := s.pendingLines[0]
	s.pendingLines = s.pendingLines[1:]
	return line, true
}

// Dequeue returns the next complete framed Message, if any.
func (s *Socket) Dequeue() (*dbus.Message, bool) {
	if len(s.pendingMessages) == 0 {
		return nil, false
	}
	msg := s.pendingMessages[0]
	s.pendingMessages = s.pendingMessages[1:]
	return msg, true
}
