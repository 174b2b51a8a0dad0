// Package controller implements the broker's in-process control interface:
// matching inbound method calls by (path, interface, member, signature)
// and invoking handlers that produce typed replies (spec.md §4.5).
package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitstreamout/dbus-broker/internal/connection"
	"github.com/bitstreamout/dbus-broker/internal/dbus"
	"github.com/bitstreamout/dbus-broker/internal/dbuserr"
	"github.com/bitstreamout/dbus-broker/internal/dvar"
	"github.com/bitstreamout/dbus-broker/internal/fdlist"
	"github.com/bitstreamout/dbus-broker/internal/logger"
	"github.com/bitstreamout/dbus-broker/internal/metrics"
	"github.com/bitstreamout/dbus-broker/internal/tracing"
)

const (
	// ControllerPath and ControllerInterface are the fixed object identity
	// the controller answers on, per spec.md §6.
	ControllerPath      = "/org/bus1/Controller"
	ControllerInterface = "org.bus1.Controller"
)

// Bus is the narrow slice of the owning bus a controller method handler
// may call into — kept minimal to avoid a dependency cycle with the bus
// package, which itself calls Dispatch.
type Bus interface {
	// AddListener installs fd as a new listening socket whose accepts
	// become server-role Connections on this same bus.
	AddListener(fd int) error
}

type methodFunc func(bus Bus, in *dvar.Reader, out *dvar.Writer, fds *fdlist.List) error

type method struct {
	name   string
	fn     methodFunc
	inType dvar.Type
	// outType is empty for every method in the table; handle opens one
	// writer of this type, passes it to fn, and sends what it holds as the
	// reply body.
	outType dvar.Type
}

// methods is the static dispatch table, matching controller_dispatch_method
// in the original source. Linear scan is fine at this size; alphabetical
// ordering would permit a later binary search per spec.md §9.
var methods = []method{
	{
		name:    "AddListener",
		fn:      methodAddListener,
		inType:  dvar.ParseType("h"),
		outType: dvar.ParseType(""),
	},
}

func methodAddListener(bus Bus, in *dvar.Reader, out *dvar.Writer, fds *fdlist.List) error {
	index, err := in.ReadUnixFDIndex()
	if err != nil {
		return err
	}
	if err := in.End(); err != nil {
		return err
	}

	fd, err := fds.Steal(index)
	if err != nil {
		return err
	}

	if err := bus.AddListener(fd); err != nil {
		return err
	}
	return nil
}

// Dispatch is the controller's single entry point. It validates the
// message in the order spec.md §4.5 lists, and on success, invokes the
// matched method and enqueues the reply on conn.
func Dispatch(bus Bus, conn *connection.Connection, msg *dbus.Message) error {
	meta, err := dbus.ParseMetadata(msg)
	if err != nil {
		return disconnect(conn)
	}

	if meta.Header.Type != dbus.TypeMethodCall {
		// Non-METHOD_CALL traffic on the controller socket is silently
		// ignored, matching the peer-facing driver's tolerance
		// (spec.md §4.5 rule 1; open question noted in SPEC_FULL.md §9).
		return nil
	}

	member := meta.Fields.Member

	ctx, span := tracing.StartControllerSpan(context.Background(), meta.Fields.Path, meta.Fields.Interface, member, meta.Header.Serial)
	defer span.End()

	if meta.Fields.Path != ControllerPath {
		metrics.ControllerCalls.WithLabelValues(member, "access-denied").Inc()
		return replyError(conn, meta.Header.Serial, dbus.ErrorAccessDenied)
	}
	if meta.Fields.HasInterface && meta.Fields.Interface != ControllerInterface {
		metrics.ControllerCalls.WithLabelValues(member, "unknown-interface").Inc()
		return replyError(conn, meta.Header.Serial, dbus.ErrorUnknownInterface)
	}

	m := lookup(member)
	if m == nil {
		metrics.ControllerCalls.WithLabelValues(member, "unknown-method").Inc()
		return replyError(conn, meta.Header.Serial, dbus.ErrorUnknownMethod)
	}

	if err := dvar.VerifySignature(m.inType, meta.Fields.EffectiveSignature()); err != nil {
		metrics.ControllerCalls.WithLabelValues(member, "invalid-args").Inc()
		return replyError(conn, meta.Header.Serial, dbus.ErrorInvalidArgs)
	}

	if err := handle(bus, conn, meta.Header.Serial, m, msg); err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, dbuserr.ErrInvalidMessage) {
			metrics.ControllerCalls.WithLabelValues(member, "disconnect").Inc()
			return disconnect(conn)
		}
		metrics.ControllerCalls.WithLabelValues(member, "error").Inc()
		return err
	}
	metrics.ControllerCalls.WithLabelValues(member, "ok").Inc()
	return nil
}

func lookup(name string) *method {
	for i := range methods {
		if methods[i].name == name {
			return &methods[i]
		}
	}
	return nil
}

func handle(bus Bus, conn *connection.Connection, serial uint32, m *method, msg *dbus.Message) error {
	fds := fdlist.New(msg.FDs)
	in := dvar.NewReader(m.inType, msg.Header.BigEndian, msg.Body, fds)

	outFDs := fdlist.New(nil)
	out := dvar.NewWriter(m.outType, msg.Header.BigEndian, outFDs)

	if err := m.fn(bus, in, out, fds); err != nil {
		return foldBodyError(m.name, err)
	}

	body, err := out.End()
	if err != nil {
		// A codec error while writing a reply is a broker-side bug, never
		// the peer's fault (spec.md §4.4's failure semantics); escalate to
		// disconnect rather than risk an inconsistent wire reply.
		logger.Error("controller reply marshaling failed", logger.KeyError, err.Error())
		return disconnect(conn)
	}

	reply := &dbus.Message{
		Header: dbus.Header{
			BigEndian: msg.Header.BigEndian,
			Type:      dbus.TypeMethodReturn,
			Flags:     dbus.FlagNoReplyExpected,
			Version:   dbus.ProtocolVersion,
		},
		Fields: dbus.Fields{
			ReplySerial:    serial,
			HasReplySerial: true,
			Signature:      m.outType.String(),
			HasSignature:   true,
		},
		Body: body,
	}
	if len(outFDs.Owned()) > 0 {
		reply.FDs = outFDs.Owned()
		reply.Fields.UnixFDs = uint32(len(reply.FDs))
		reply.Fields.HasUnixFDs = true
	}
	return conn.Queue(0, reply)
}

// foldBodyError folds codec-level errors surfaced while a method handler
// reads its argument body into ErrInvalidMessage, mirroring
// controller_end_read's CORRUPT_DATA/OUT_OF_BOUNDS/TYPE_MISMATCH ->
// CONTROLLER_E_INVALID_MESSAGE fold in the original source: a body that
// fails to parse even though its signature matched is still the peer's
// fault, not this broker's. Errors unrelated to body parsing (e.g. a
// handler's own side effect failing) pass through unchanged.
func foldBodyError(method string, err error) error {
	switch {
	case errors.Is(err, dbuserr.ErrInvalidMessage):
		return err
	case errors.Is(err, dbuserr.ErrCorruptData), errors.Is(err, dbuserr.ErrOutOfBounds), errors.Is(err, dbuserr.ErrTypeMismatch):
		return fmt.Errorf("controller: %s: %w: %w", method, err, dbuserr.ErrInvalidMessage)
	default:
		return err
	}
}

func replyError(conn *connection.Connection, serial uint32, name string) error {
	reply := &dbus.Message{
		Header: dbus.Header{
			Type:    dbus.TypeError,
			Flags:   dbus.FlagNoReplyExpected,
			Version: dbus.ProtocolVersion,
		},
		Fields: dbus.Fields{
			ReplySerial:    serial,
			HasReplySerial: true,
			ErrorName:      name,
			HasErrorName:   true,
		},
	}
	if err := conn.Queue(0, reply); err != nil {
		// An enqueue failure while writing an error reply escalates to
		// disconnect; it never fails silently (spec.md §7).
		return disconnect(conn)
	}
	return nil
}

func disconnect(conn *connection.Connection) error {
	conn.Close(dbuserr.ErrDisconnect)
	return nil
}
