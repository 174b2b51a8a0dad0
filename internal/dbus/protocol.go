// Package dbus defines the D-Bus wire-protocol data model this core parses
// and dispatches: message types, header field codes, and the Message value
// itself. It has no knowledge of the socket or codec layers that produce
// and consume Message values.
package dbus

// Message types (prelude byte 1).
const (
	TypeInvalid     byte = 0
	TypeMethodCall  byte = 1
	TypeMethodReturn byte = 2
	TypeError       byte = 3
	TypeSignal      byte = 4
)

// Header flags (prelude byte 2).
const (
	FlagNoReplyExpected byte = 0x1
	FlagNoAutoStart     byte = 0x2
	FlagAllowInteractive byte = 0x4
)

// Endianness markers (prelude byte 0).
const (
	LittleEndian byte = 'l'
	BigEndian    byte = 'B'
)

// Header field codes, per the D-Bus specification's header-field array.
const (
	FieldInvalid     byte = 0
	FieldPath        byte = 1
	FieldInterface   byte = 2
	FieldMember      byte = 3
	FieldErrorName   byte = 4
	FieldReplySerial byte = 5
	FieldDestination byte = 6
	FieldSender      byte = 7
	FieldSignature   byte = 8
	FieldUnixFDs     byte = 9
)

// PreludeSize is the fixed portion of every message: endianness, type,
// flags, protocol version, body length, serial.
const PreludeSize = 12

// ProtocolVersion is the only version this core speaks.
const ProtocolVersion = 1

// Standard error names this core's controller may produce.
const (
	ErrorAccessDenied      = "org.freedesktop.DBus.Error.AccessDenied"
	ErrorUnknownInterface  = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorUnknownMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
)

// Fields holds the at-most-one-of-each header fields a Message carries.
type Fields struct {
	Path        string
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   string
	UnixFDs     uint32

	HasPath        bool
	HasInterface   bool
	HasMember      bool
	HasErrorName   bool
	HasReplySerial bool
	HasDestination bool
	HasSender      bool
	HasSignature   bool
	HasUnixFDs     bool
}

// Header is the decoded fixed 12-byte prelude.
type Header struct {
	BigEndian  bool
	Type       byte
	Flags      byte
	Version    byte
	BodyLength uint32
	Serial     uint32
}

// Message is a fully framed, parsed unit: prelude, fields, body, and the
// file descriptors this message owns (received as ancillary data).
type Message struct {
	Header Header
	Fields Fields
	Body   []byte
	FDs    []int
}

// Metadata is the subset of a Message's parsed attributes the controller
// needs, mirroring the C source's MessageMetadata.
type Metadata struct {
	Header Header
	Fields Fields
}

// ParseMetadata extracts the Metadata already carried by a parsed Message.
// It exists as a named step (rather than inlining m.Header/m.Fields at call
// sites) because the original C source parses header fields lazily on
// first access; here the socket layer already did that work when it framed
// the message, so ParseMetadata never fails in practice — it is kept as an
// explicit call so the controller's error-handling shape matches the
// C source's `r = message_parse_metadata(...)` followed by a fold/error
// check, which future header-field additions may need to fail.
func ParseMetadata(m *Message) (Metadata, error) {
	return Metadata{Header: m.Header, Fields: m.Fields}, nil
}

// EffectiveSignature returns the message's declared body signature, or "" if the
// signature field is absent (absence implies an empty signature).
func (f Fields) EffectiveSignature() string {
	if !f.HasSignature {
		return ""
	}
	return f.Signature
}
