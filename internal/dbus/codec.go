package dbus

import (
	"fmt"

	"github.com/bitstreamout/dbus-broker/internal/dbuserr"
	"github.com/bitstreamout/dbus-broker/internal/dvar"
)

// FixedPrefixSize is how many bytes must be buffered before the header
// field array's byte length is known: the 12-byte prelude plus its 4-byte
// length prefix, per spec.md §4.2 rule 2.
const FixedPrefixSize = PreludeSize + 4

// headerFieldsType is the "a(yv)" header field array behind a "u" lead-in.
// The dvar codec aligns relative to the start of its buffer, and the array
// starts at message offset 12; covering the 4 serial bytes before it (offset
// 8) keeps the codec's padding in step with the message's own offsets.
var headerFieldsType = dvar.ParseType("ua(yv)")

func align8(n int) int {
	if rem := n % 8; rem != 0 {
		n += 8 - rem
	}
	return n
}

// ParsePrelude decodes the fixed 12-byte prelude. buf must be at least 12
// bytes.
func ParsePrelude(buf []byte) (Header, error) {
	if len(buf) < PreludeSize {
		return Header{}, fmt.Errorf("dbus: prelude needs %d bytes, have %d: %w", PreludeSize, len(buf), dbuserr.ErrOutOfBounds)
	}
	var h Header
	switch buf[0] {
	case LittleEndian:
		h.BigEndian = false
	case BigEndian:
		h.BigEndian = true
	default:
		return Header{}, fmt.Errorf("dbus: invalid endianness marker %q: %w", buf[0], dbuserr.ErrCorruptData)
	}
	h.Type = buf[1]
	h.Flags = buf[2]
	h.Version = buf[3]
	if h.BigEndian {
		h.BodyLength = be32(buf[4:8])
		h.Serial = be32(buf[8:12])
	} else {
		h.BodyLength = le32(buf[4:8])
		h.Serial = le32(buf[8:12])
	}
	return h, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// FieldArrayLength reads the 4-byte header-field-array byte length that
// immediately follows the prelude. buf must hold at least FixedPrefixSize
// bytes.
func FieldArrayLength(buf []byte, bigEndian bool) (uint32, error) {
	if len(buf) < FixedPrefixSize {
		return 0, fmt.Errorf("dbus: header length prefix needs %d bytes, have %d: %w", FixedPrefixSize, len(buf), dbuserr.ErrOutOfBounds)
	}
	if bigEndian {
		return be32(buf[PreludeSize:FixedPrefixSize]), nil
	}
	return le32(buf[PreludeSize:FixedPrefixSize]), nil
}

// HeaderRegionSize returns the total byte size of prelude + length prefix +
// header field array, padded to an 8-byte boundary (spec.md §4.2 rule 2).
func HeaderRegionSize(fieldArrayLen uint32) int {
	return align8(FixedPrefixSize + int(fieldArrayLen))
}

// TotalMessageSize returns the full on-wire size of a message once its
// header region and body length are both known.
func TotalMessageSize(headerRegionSize int, bodyLength uint32) int {
	return headerRegionSize + int(bodyLength)
}

// DecodeFields parses the header field array out of buf[FixedPrefixSize :
// FixedPrefixSize+fieldArrayLen], returning the typed Fields value.
// Unrecognized field codes are skipped, not rejected, since future field
// additions must not break older brokers.
func DecodeFields(buf []byte, bigEndian bool, fieldArrayLen uint32) (Fields, error) {
	end := FixedPrefixSize + int(fieldArrayLen)
	if len(buf) < end {
		return Fields{}, fmt.Errorf("dbus: header field array needs %d bytes, have %d: %w", end, len(buf), dbuserr.ErrOutOfBounds)
	}

	// The array's own length prefix lives at buf[12:16]; the reader expects
	// to read it itself. Hand it the slice from offset 8 and skip the serial
	// first, so its alignment matches the message's.
	r := dvar.NewReader(headerFieldsType, bigEndian, buf[PreludeSize-4:end], nil)
	if _, err := r.ReadUint32(); err != nil {
		return Fields{}, err
	}
	if err := r.BeginArray(); err != nil {
		return Fields{}, err
	}

	var f Fields
	for r.ArrayHasMore() {
		if err := r.BeginStruct(); err != nil {
			return Fields{}, err
		}
		code, err := r.ReadByte()
		if err != nil {
			return Fields{}, err
		}
		sig, err := r.BeginVariant()
		if err != nil {
			return Fields{}, err
		}
		switch code {
		case FieldPath:
			f.Path, err = r.ReadObjectPath()
			f.HasPath = err == nil
		case FieldInterface:
			f.Interface, err = r.ReadString()
			f.HasInterface = err == nil
		case FieldMember:
			f.Member, err = r.ReadString()
			f.HasMember = err == nil
		case FieldErrorName:
			f.ErrorName, err = r.ReadString()
			f.HasErrorName = err == nil
		case FieldReplySerial:
			f.ReplySerial, err = r.ReadUint32()
			f.HasReplySerial = err == nil
		case FieldDestination:
			f.Destination, err = r.ReadString()
			f.HasDestination = err == nil
		case FieldSender:
			f.Sender, err = r.ReadString()
			f.HasSender = err == nil
		case FieldSignature:
			f.Signature, err = r.ReadSignature()
			f.HasSignature = err == nil
		case FieldUnixFDs:
			f.UnixFDs, err = r.ReadUint32()
			f.HasUnixFDs = err == nil
		default:
			err = r.SkipVariantValue(sig)
		}
		if err != nil {
			return Fields{}, err
		}
		if err := r.EndVariant(); err != nil {
			return Fields{}, err
		}
		if err := r.EndStruct(); err != nil {
			return Fields{}, err
		}
	}
	if err := r.EndArray(); err != nil {
		return Fields{}, err
	}
	return f, nil
}

// DecodeMessage parses a complete framed message out of buf, which must
// hold exactly TotalMessageSize(HeaderRegionSize(...), bodyLength) bytes.
// fds is consumed destructively (stolen) into the returned Message's FD
// list per the count declared by the unix-fds field.
func DecodeMessage(buf []byte, fds []int) (*Message, error) {
	header, err := ParsePrelude(buf)
	if err != nil {
		return nil, err
	}
	arrayLen, err := FieldArrayLength(buf, header.BigEndian)
	if err != nil {
		return nil, err
	}
	fields, err := DecodeFields(buf, header.BigEndian, arrayLen)
	if err != nil {
		return nil, err
	}
	headerRegion := HeaderRegionSize(arrayLen)
	total := TotalMessageSize(headerRegion, header.BodyLength)
	if len(buf) != total {
		return nil, fmt.Errorf("dbus: decode buffer is %d bytes, message declares %d: %w", len(buf), total, dbuserr.ErrCorruptData)
	}
	wantFDs := int(fields.UnixFDs)
	if len(fds) != wantFDs {
		return nil, fmt.Errorf("dbus: message declares unix-fds=%d, %d arrived: %w", wantFDs, len(fds), dbuserr.ErrInvalidMessage)
	}
	return &Message{
		Header: header,
		Fields: fields,
		Body:   buf[headerRegion:total],
		FDs:    fds,
	}, nil
}

// EncodeHeaderFields marshals fields into the wire "a(yv)" array, used by
// EncodeMessage for every outbound message, controller replies included
// (spec.md §4.5).
func EncodeHeaderFields(w *dvar.Writer, f Fields) error {
	if err := w.BeginArray(); err != nil {
		return err
	}
	write := func(code byte, sig string, fn func() error) error {
		if err := w.BeginStruct(); err != nil {
			return err
		}
		if err := w.WriteByte(code); err != nil {
			return err
		}
		if err := w.BeginVariant(sig); err != nil {
			return err
		}
		if err := fn(); err != nil {
			return err
		}
		if err := w.EndVariant(); err != nil {
			return err
		}
		return w.EndStruct()
	}
	if f.HasPath {
		if err := write(FieldPath, "o", func() error { return w.WriteObjectPath(f.Path) }); err != nil {
			return err
		}
	}
	if f.HasInterface {
		if err := write(FieldInterface, "s", func() error { return w.WriteString(f.Interface) }); err != nil {
			return err
		}
	}
	if f.HasMember {
		if err := write(FieldMember, "s", func() error { return w.WriteString(f.Member) }); err != nil {
			return err
		}
	}
	if f.HasErrorName {
		if err := write(FieldErrorName, "s", func() error { return w.WriteString(f.ErrorName) }); err != nil {
			return err
		}
	}
	if f.HasReplySerial {
		if err := write(FieldReplySerial, "u", func() error { return w.WriteUint32(f.ReplySerial) }); err != nil {
			return err
		}
	}
	if f.HasDestination {
		if err := write(FieldDestination, "s", func() error { return w.WriteString(f.Destination) }); err != nil {
			return err
		}
	}
	if f.HasSender {
		if err := write(FieldSender, "s", func() error { return w.WriteString(f.Sender) }); err != nil {
			return err
		}
	}
	if f.HasSignature {
		if err := write(FieldSignature, "g", func() error { return w.WriteSignature(f.Signature) }); err != nil {
			return err
		}
	}
	if f.HasUnixFDs {
		if err := write(FieldUnixFDs, "u", func() error { return w.WriteUint32(f.UnixFDs) }); err != nil {
			return err
		}
	}
	return w.EndArray()
}

// EncodeMessage serializes a complete message: prelude, header field array
// padded to 8 bytes, then body. body is already a flat byte slice — the
// caller (a controller method handler, or any other reply producer) marshals
// it through its own dvar.Writer first and hands over the finished bytes.
func EncodeMessage(header Header, fields Fields, body []byte) ([]byte, error) {
	buf := make([]byte, PreludeSize)
	if header.BigEndian {
		buf[0] = BigEndian
	} else {
		buf[0] = LittleEndian
	}
	buf[1] = header.Type
	buf[2] = header.Flags
	buf[3] = header.Version
	putLen := func(dst []byte, v uint32) {
		if header.BigEndian {
			dst[0], dst[1], dst[2], dst[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		} else {
			dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		}
	}
	putLen(buf[4:8], uint32(len(body)))
	putLen(buf[8:12], header.Serial)

	// A 4-byte lead-in stands for the serial at offset 8, so the field
	// array's padding is computed from the message's own offsets.
	w := dvar.NewWriter(headerFieldsType, header.BigEndian, nil)
	if err := w.WriteUint32(0); err != nil {
		return nil, err
	}
	if err := EncodeHeaderFields(w, fields); err != nil {
		return nil, err
	}
	fieldBytes, err := w.End()
	if err != nil {
		return nil, err
	}

	out := append(buf, fieldBytes[4:]...)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	out = append(out, body...)
	return out, nil
}
