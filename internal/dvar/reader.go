package dvar

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/bitstreamout/dbus-broker/internal/dbuserr"
	"github.com/bitstreamout/dbus-broker/internal/fdlist"
)

type rframe struct {
	typ     Type
	pos     int
	kind    int
	dataEnd int // byte offset the array's element data must stop at
}

// Reader unmarshals values against a declared Type tree from a byte
// buffer, mirroring Writer's structure and enforcing the same alignment
// and nesting rules on the way in.
type Reader struct {
	big   bool
	buf   []byte
	off   int
	fds   *fdlist.List
	stack []rframe
}

// NewReader begins reading a value of the given top-level Type out of buf.
// fds is the (possibly nil) list of file descriptors received alongside
// the message, consulted by ReadUnixFD.
func NewReader(typ Type, bigEndian bool, buf []byte, fds *fdlist.List) *Reader {
	return &Reader{
		big:   bigEndian,
		buf:   buf,
		fds:   fds,
		stack: []rframe{{typ: typ, kind: frameTop}},
	}
}

func (r *Reader) top() *rframe { return &r.stack[len(r.stack)-1] }

func (r *Reader) expect(tok Token) error {
	f := r.top()
	if f.pos >= len(f.typ) || f.typ[f.pos] != tok {
		got := Token(0)
		if f.pos < len(f.typ) {
			got = f.typ[f.pos]
		}
		return fmt.Errorf("dvar: read expected %q, have %q at %d: %w", tok, got, f.pos, dbuserr.ErrTypeMismatch)
	}
	f.pos++
	if f.kind == frameArrayElem && f.pos == len(f.typ) {
		f.pos = 0
	}
	return nil
}

func (r *Reader) align(n int) error {
	for r.off%n != 0 {
		if r.off >= len(r.buf) {
			return fmt.Errorf("dvar: out of bounds while padding to %d-byte alignment: %w", n, dbuserr.ErrOutOfBounds)
		}
		if r.buf[r.off] != 0 {
			return fmt.Errorf("dvar: non-zero alignment padding: %w", dbuserr.ErrCorruptData)
		}
		r.off++
	}
	return nil
}

func (r *Reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("dvar: need %d bytes at offset %d, have %d: %w", n, r.off, len(r.buf), dbuserr.ErrOutOfBounds)
	}
	return nil
}

func (r *Reader) getUint16() uint16 {
	var v uint16
	if r.big {
		v = binary.BigEndian.Uint16(r.buf[r.off:])
	} else {
		v = binary.LittleEndian.Uint16(r.buf[r.off:])
	}
	r.off += 2
	return v
}

func (r *Reader) getUint32() uint32 {
	var v uint32
	if r.big {
		v = binary.BigEndian.Uint32(r.buf[r.off:])
	} else {
		v = binary.LittleEndian.Uint32(r.buf[r.off:])
	}
	r.off += 4
	return v
}

func (r *Reader) getUint64() uint64 {
	var v uint64
	if r.big {
		v = binary.BigEndian.Uint64(r.buf[r.off:])
	} else {
		v = binary.LittleEndian.Uint64(r.buf[r.off:])
	}
	r.off += 8
	return v
}

// ReadByte reads a single byte ('y').
func (r *Reader) ReadByte() (byte, error) {
	if err := r.expect(TokByte); err != nil {
		return 0, err
	}
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// ReadBool reads a 32-bit boolean ('b'); any nonzero value other than 1 is
// corrupt data.
func (r *Reader) ReadBool() (bool, error) {
	if err := r.expect(TokBool); err != nil {
		return false, err
	}
	if err := r.align(4); err != nil {
		return false, err
	}
	if err := r.need(4); err != nil {
		return false, err
	}
	v := r.getUint32()
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("dvar: invalid bool value %d: %w", v, dbuserr.ErrCorruptData)
	}
}

// ReadInt16 reads a signed 16-bit integer ('n').
func (r *Reader) ReadInt16() (int16, error) {
	if err := r.expect(TokInt16); err != nil {
		return 0, err
	}
	if err := r.align(2); err != nil {
		return 0, err
	}
	if err := r.need(2); err != nil {
		return 0, err
	}
	return int16(r.getUint16()), nil
}

// ReadUint16 reads an unsigned 16-bit integer ('q').
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.expect(TokUint16); err != nil {
		return 0, err
	}
	if err := r.align(2); err != nil {
		return 0, err
	}
	if err := r.need(2); err != nil {
		return 0, err
	}
	return r.getUint16(), nil
}

// ReadInt32 reads a signed 32-bit integer ('i').
func (r *Reader) ReadInt32() (int32, error) {
	if err := r.expect(TokInt32); err != nil {
		return 0, err
	}
	if err := r.align(4); err != nil {
		return 0, err
	}
	if err := r.need(4); err != nil {
		return 0, err
	}
	return int32(r.getUint32()), nil
}

// ReadUint32 reads an unsigned 32-bit integer ('u').
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.expect(TokUint32); err != nil {
		return 0, err
	}
	if err := r.align(4); err != nil {
		return 0, err
	}
	if err := r.need(4); err != nil {
		return 0, err
	}
	return r.getUint32(), nil
}

// ReadInt64 reads a signed 64-bit integer ('x').
func (r *Reader) ReadInt64() (int64, error) {
	if err := r.expect(TokInt64); err != nil {
		return 0, err
	}
	if err := r.align(8); err != nil {
		return 0, err
	}
	if err := r.need(8); err != nil {
		return 0, err
	}
	return int64(r.getUint64()), nil
}

// ReadUint64 reads an unsigned 64-bit integer ('t').
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.expect(TokUint64); err != nil {
		return 0, err
	}
	if err := r.align(8); err != nil {
		return 0, err
	}
	if err := r.need(8); err != nil {
		return 0, err
	}
	return r.getUint64(), nil
}

// ReadDouble reads an IEEE-754 double ('d').
func (r *Reader) ReadDouble() (float64, error) {
	if err := r.expect(TokDouble); err != nil {
		return 0, err
	}
	if err := r.align(8); err != nil {
		return 0, err
	}
	if err := r.need(8); err != nil {
		return 0, err
	}
	return math.Float64frombits(r.getUint64()), nil
}

func (r *Reader) readLengthPrefixedString() (string, error) {
	if err := r.align(4); err != nil {
		return "", err
	}
	if err := r.need(4); err != nil {
		return "", err
	}
	n := r.getUint32()
	if err := r.need(int(n) + 1); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	if r.buf[r.off+int(n)] != 0 {
		return "", fmt.Errorf("dvar: string missing NUL terminator: %w", dbuserr.ErrCorruptData)
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("dvar: string is not valid UTF-8: %w", dbuserr.ErrCorruptData)
	}
	r.off += int(n) + 1
	return s, nil
}

// ReadString reads a UTF-8 string ('s').
func (r *Reader) ReadString() (string, error) {
	if err := r.expect(TokString); err != nil {
		return "", err
	}
	return r.readLengthPrefixedString()
}

// ReadObjectPath reads an object path ('o').
func (r *Reader) ReadObjectPath() (string, error) {
	if err := r.expect(TokObjPath); err != nil {
		return "", err
	}
	return r.readLengthPrefixedString()
}

// ReadSignature reads a type signature ('g'): a 1-byte length, the
// signature bytes, and a NUL terminator, with no alignment padding.
func (r *Reader) ReadSignature() (string, error) {
	if err := r.expect(TokSignature); err != nil {
		return "", err
	}
	if err := r.need(1); err != nil {
		return "", err
	}
	n := int(r.buf[r.off])
	r.off++
	if err := r.need(n + 1); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+n])
	if r.buf[r.off+n] != 0 {
		return "", fmt.Errorf("dvar: signature missing NUL terminator: %w", dbuserr.ErrCorruptData)
	}
	r.off += n + 1
	return s, nil
}

// ReadUnixFD reads a wire index ('h') and resolves it against the
// reader's attached FD list, returning the underlying descriptor. The
// descriptor is NOT stolen out of the list by this call — callers that
// want ownership must call the list's Steal explicitly, matching the
// controller's AddListener discipline in spec.md §4.5.
func (r *Reader) ReadUnixFD() (int, error) {
	if err := r.expect(TokUnixFD); err != nil {
		return -1, err
	}
	if err := r.align(4); err != nil {
		return -1, err
	}
	if err := r.need(4); err != nil {
		return -1, err
	}
	index := r.getUint32()
	fd, err := r.fds.Get(index)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// ReadUnixFDIndex reads the raw wire index ('h') without resolving it,
// letting the caller decide how to consult the FD list (e.g. to Steal
// rather than Get).
func (r *Reader) ReadUnixFDIndex() (uint32, error) {
	if err := r.expect(TokUnixFD); err != nil {
		return 0, err
	}
	if err := r.align(4); err != nil {
		return 0, err
	}
	if err := r.need(4); err != nil {
		return 0, err
	}
	return r.getUint32(), nil
}

// BeginStruct opens a struct ('(').
func (r *Reader) BeginStruct() error {
	if err := r.expect(TokStructOpen); err != nil {
		return err
	}
	return r.align(8)
}

// EndStruct closes a struct (')').
func (r *Reader) EndStruct() error {
	return r.expect(TokStructClose)
}

// BeginArray opens an array ('a'), reading its byte-length prefix and
// preparing the reader to iterate elements via ArrayHasMore/element reads.
func (r *Reader) BeginArray() error {
	f := r.top()
	elemStart := f.pos + 1
	if err := r.expect(TokArray); err != nil {
		return err
	}
	elemEnd := span(f.typ, elemStart)
	elemType := append(Type(nil), f.typ[elemStart:elemEnd]...)
	// Step the parent past the element type, so the token after the array
	// is the next one expected once EndArray pops the element frame.
	f.pos = elemEnd
	if f.kind == frameArrayElem && f.pos == len(f.typ) {
		f.pos = 0
	}

	if err := r.align(4); err != nil {
		return err
	}
	if err := r.need(4); err != nil {
		return err
	}
	n := r.getUint32()

	if len(elemType) > 0 {
		if err := r.align(alignment(elemType[0])); err != nil {
			return err
		}
	}
	dataEnd := r.off + int(n)
	if dataEnd > len(r.buf) {
		return fmt.Errorf("dvar: array declares %d bytes past buffer end: %w", n, dbuserr.ErrOutOfBounds)
	}

	r.stack = append(r.stack, rframe{typ: elemType, kind: frameArrayElem, dataEnd: dataEnd})
	return nil
}

// ArrayHasMore reports whether another element remains to be read in the
// innermost open array.
func (r *Reader) ArrayHasMore() bool {
	f := r.top()
	if f.kind != frameArrayElem {
		return false
	}
	return r.off < f.dataEnd
}

// EndArray closes an array, asserting every byte the length prefix
// declared was consumed by exactly whole elements.
func (r *Reader) EndArray() error {
	f := r.top()
	if f.kind != frameArrayElem {
		return fmt.Errorf("dvar: EndArray without matching BeginArray: %w", dbuserr.ErrTypeMismatch)
	}
	if r.off != f.dataEnd {
		return fmt.Errorf("dvar: array element data left unconsumed (%d of %d bytes): %w", f.dataEnd-r.off, f.dataEnd, dbuserr.ErrCorruptData)
	}
	if f.pos != 0 {
		return fmt.Errorf("dvar: array closed mid-element: %w", dbuserr.ErrCorruptData)
	}
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

// BeginVariant opens a variant ('v'), reading its signature and switching
// the active frame to the signature's type so subsequent Read* calls parse
// the variant's contents. Returns the parsed inner signature so the caller
// can decide how to interpret the value (D-Bus variants are
// self-describing).
func (r *Reader) BeginVariant() (string, error) {
	if err := r.expect(TokVariant); err != nil {
		return "", err
	}
	sig, err := r.ReadSignature()
	if err != nil {
		return "", err
	}
	innerType := ParseType(sig)
	if len(innerType) > 0 {
		if err := r.align(alignment(innerType[0])); err != nil {
			return "", err
		}
	}
	r.stack = append(r.stack, rframe{typ: innerType, kind: frameVariant})
	return sig, nil
}

// EndVariant closes a variant, asserting its signature's type was fully
// consumed.
func (r *Reader) EndVariant() error {
	f := r.top()
	if f.kind != frameVariant {
		return fmt.Errorf("dvar: EndVariant without matching BeginVariant: %w", dbuserr.ErrTypeMismatch)
	}
	if f.pos != len(f.typ) {
		return fmt.Errorf("dvar: variant body left partially read: %w", dbuserr.ErrCorruptData)
	}
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

// SkipVariantValue consumes and discards whatever value a just-opened
// variant carries, for callers that only care about specific members of a
// header-field array (e.g. dbus.DecodeFields skips unrecognized field
// codes).
func (r *Reader) SkipVariantValue(sig string) error {
	for _, tok := range ParseType(sig) {
		if err := r.skipOne(tok); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) skipOne(tok Token) error {
	switch tok {
	case TokByte:
		_, err := r.ReadByte()
		return err
	case TokBool:
		_, err := r.ReadBool()
		return err
	case TokInt16:
		_, err := r.ReadInt16()
		return err
	case TokUint16:
		_, err := r.ReadUint16()
		return err
	case TokInt32:
		_, err := r.ReadInt32()
		return err
	case TokUint32:
		_, err := r.ReadUint32()
		return err
	case TokInt64:
		_, err := r.ReadInt64()
		return err
	case TokUint64:
		_, err := r.ReadUint64()
		return err
	case TokDouble:
		_, err := r.ReadDouble()
		return err
	case TokString:
		_, err := r.ReadString()
		return err
	case TokObjPath:
		_, err := r.ReadObjectPath()
		return err
	case TokSignature:
		_, err := r.ReadSignature()
		return err
	case TokUnixFD:
		_, err := r.ReadUnixFDIndex()
		return err
	default:
		return fmt.Errorf("dvar: cannot skip token %q outside a type-directed read: %w", tok, dbuserr.ErrTypeMismatch)
	}
}

// End asserts the top-level type was fully read, mirroring c_dvar_end_read;
// a partial read is reported as corrupt data per spec.md §4.3.
func (r *Reader) End() error {
	if len(r.stack) != 1 {
		return fmt.Errorf("dvar: End called with %d open containers: %w", len(r.stack)-1, dbuserr.ErrCorruptData)
	}
	f := r.top()
	if f.pos != len(f.typ) {
		return fmt.Errorf("dvar: End called with unread type remaining: %w", dbuserr.ErrCorruptData)
	}
	return nil
}
