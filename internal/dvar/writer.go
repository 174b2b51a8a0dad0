package dvar

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bitstreamout/dbus-broker/internal/dbuserr"
	"github.com/bitstreamout/dbus-broker/internal/fdlist"
)

const (
	frameTop = iota
	frameArrayElem
	frameVariant
)

type frame struct {
	typ     Type
	pos     int
	kind    int
	dataPos int // byte offset, used for array length patching
	resume  int // for array elems: byte offset where element data starts (after the first element's padding)
}

// Writer marshals values against a declared Type tree, enforcing alignment
// and structure as it goes. Construct with NewWriter, finish with End.
type Writer struct {
	big   bool
	buf   []byte
	fds   *fdlist.List
	stack []frame
}

// NewWriter begins writing a value of the given top-level Type. fds may be
// nil if the message being written carries no embedded file descriptors.
func NewWriter(typ Type, bigEndian bool, fds *fdlist.List) *Writer {
	return &Writer{
		big:   bigEndian,
		fds:   fds,
		stack: []frame{{typ: typ, kind: frameTop}},
	}
}

func (w *Writer) top() *frame { return &w.stack[len(w.stack)-1] }

// expect verifies the next token in the active frame matches tok and
// advances the cursor past it, auto-rewinding an array-element frame back
// to its start once a full element has been written.
func (w *Writer) expect(tok Token) error {
	f := w.top()
	if f.pos >= len(f.typ) || f.typ[f.pos] != tok {
		got := Token(0)
		if f.pos < len(f.typ) {
			got = f.typ[f.pos]
		}
		return fmt.Errorf("dvar: write expected %q, have %q at %d: %w", tok, got, f.pos, dbuserr.ErrTypeMismatch)
	}
	f.pos++
	if f.kind == frameArrayElem && f.pos == len(f.typ) {
		f.pos = 0
	}
	return nil
}

func (w *Writer) align(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) putUint16(v uint16) {
	var b [2]byte
	if w.big {
		binary.BigEndian.PutUint16(b[:], v)
	} else {
		binary.LittleEndian.PutUint16(b[:], v)
	}
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) putUint32(v uint32) {
	var b [4]byte
	if w.big {
		binary.BigEndian.PutUint32(b[:], v)
	} else {
		binary.LittleEndian.PutUint32(b[:], v)
	}
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) putUint64(v uint64) {
	var b [8]byte
	if w.big {
		binary.BigEndian.PutUint64(b[:], v)
	} else {
		binary.LittleEndian.PutUint64(b[:], v)
	}
	w.buf = append(w.buf, b[:]...)
}

// WriteByte writes a single byte ('y').
func (w *Writer) WriteByte(v byte) error {
	if err := w.expect(TokByte); err != nil {
		return err
	}
	w.buf = append(w.buf, v)
	return nil
}

// WriteBool writes a 32-bit boolean ('b').
func (w *Writer) WriteBool(v bool) error {
	if err := w.expect(TokBool); err != nil {
		return err
	}
	w.align(4)
	if v {
		w.putUint32(1)
	} else {
		w.putUint32(0)
	}
	return nil
}

// WriteInt16 writes a signed 16-bit integer ('n').
func (w *Writer) WriteInt16(v int16) error {
	if err := w.expect(TokInt16); err != nil {
		return err
	}
	w.align(2)
	w.putUint16(uint16(v))
	return nil
}

// WriteUint16 writes an unsigned 16-bit integer ('q').
func (w *Writer) WriteUint16(v uint16) error {
	if err := w.expect(TokUint16); err != nil {
		return err
	}
	w.align(2)
	w.putUint16(v)
	return nil
}

// WriteInt32 writes a signed 32-bit integer ('i').
func (w *Writer) WriteInt32(v int32) error {
	if err := w.expect(TokInt32); err != nil {
		return err
	}
	w.align(4)
	w.putUint32(uint32(v))
	return nil
}

// WriteUint32 writes an unsigned 32-bit integer ('u').
func (w *Writer) WriteUint32(v uint32) error {
	if err := w.expect(TokUint32); err != nil {
		return err
	}
	w.align(4)
	w.putUint32(v)
	return nil
}

// WriteInt64 writes a signed 64-bit integer ('x').
func (w *Writer) WriteInt64(v int64) error {
	if err := w.expect(TokInt64); err != nil {
		return err
	}
	w.align(8)
	w.putUint64(uint64(v))
	return nil
}

// WriteUint64 writes an unsigned 64-bit integer ('t').
func (w *Writer) WriteUint64(v uint64) error {
	if err := w.expect(TokUint64); err != nil {
		return err
	}
	w.align(8)
	w.putUint64(v)
	return nil
}

// WriteDouble writes an IEEE-754 double ('d').
func (w *Writer) WriteDouble(v float64) error {
	if err := w.expect(TokDouble); err != nil {
		return err
	}
	w.align(8)
	w.putUint64(math.Float64bits(v))
	return nil
}

func (w *Writer) writeLengthPrefixedString(v string) {
	w.align(4)
	w.putUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
	w.buf = append(w.buf, 0)
}

// WriteString writes a UTF-8 string ('s').
func (w *Writer) WriteString(v string) error {
	if err := w.expect(TokString); err != nil {
		return err
	}
	w.writeLengthPrefixedString(v)
	return nil
}

// WriteObjectPath writes an object path ('o'), wire-identical to a string.
func (w *Writer) WriteObjectPath(v string) error {
	if err := w.expect(TokObjPath); err != nil {
		return err
	}
	w.writeLengthPrefixedString(v)
	return nil
}

// WriteSignature writes a type signature ('g'): a 1-byte length followed by
// the signature bytes and a NUL terminator, with no alignment padding.
func (w *Writer) WriteSignature(v string) error {
	if err := w.expect(TokSignature); err != nil {
		return err
	}
	if len(v) > 255 {
		return fmt.Errorf("dvar: signature too long (%d bytes): %w", len(v), dbuserr.ErrCorruptData)
	}
	w.buf = append(w.buf, byte(len(v)))
	w.buf = append(w.buf, v...)
	w.buf = append(w.buf, 0)
	return nil
}

// WriteUnixFD appends fd to the writer's attached FD list and writes its
// index on the wire ('h'), per spec.md §4.3.
func (w *Writer) WriteUnixFD(fd int) error {
	if err := w.expect(TokUnixFD); err != nil {
		return err
	}
	if w.fds == nil {
		return fmt.Errorf("dvar: write unix-fd with no attached fd list: %w", dbuserr.ErrTypeMismatch)
	}
	index := w.fds.Append(fd)
	w.align(4)
	w.putUint32(index)
	return nil
}

// BeginStruct opens a struct ('('), aligning to 8 bytes.
func (w *Writer) BeginStruct() error {
	if err := w.expect(TokStructOpen); err != nil {
		return err
	}
	w.align(8)
	return nil
}

// EndStruct closes a struct (')'). Struct closers carry no wire bytes.
func (w *Writer) EndStruct() error {
	return w.expect(TokStructClose)
}

// BeginArray opens an array ('a'), writing a placeholder length field that
// EndArray patches once the element count is known. Call the element's
// Write* methods in a loop, then EndArray.
func (w *Writer) BeginArray() error {
	f := w.top()
	elemStart := f.pos + 1
	if err := w.expect(TokArray); err != nil {
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

	w.align(4)
	lenPos := len(w.buf)
	w.putUint32(0) // placeholder, patched in EndArray

	// The first element's alignment padding is inserted but not counted in
	// the array's declared byte length, per the D-Bus marshaling rules.
	if len(elemType) > 0 {
		w.align(alignment(elemType[0]))
	}
	dataStart := len(w.buf)

	w.stack = append(w.stack, frame{
		typ:     elemType,
		kind:    frameArrayElem,
		dataPos: lenPos,
		resume:  dataStart,
	})
	return nil
}

// EndArray closes an array, patching its length field with the number of
// bytes written for the element data.
func (w *Writer) EndArray() error {
	f := w.top()
	if f.kind != frameArrayElem {
		return fmt.Errorf("dvar: EndArray without matching BeginArray: %w", dbuserr.ErrTypeMismatch)
	}
	if f.pos != 0 && f.pos != len(f.typ) {
		return fmt.Errorf("dvar: array element left partially written: %w", dbuserr.ErrTypeMismatch)
	}
	n := uint32(len(w.buf) - f.resume)
	lenPos := f.dataPos
	if w.big {
		binary.BigEndian.PutUint32(w.buf[lenPos:lenPos+4], n)
	} else {
		binary.LittleEndian.PutUint32(w.buf[lenPos:lenPos+4], n)
	}
	w.stack = w.stack[:len(w.stack)-1]
	return nil
}

// BeginVariant opens a variant ('v'), writing its inner signature and
// switching the active frame to innerType so subsequent Write* calls
// marshal the variant's contents. EndVariant must follow once innerType is
// fully written.
func (w *Writer) BeginVariant(innerSignature string) error {
	if err := w.expect(TokVariant); err != nil {
		return err
	}
	if err := w.WriteSignature(innerSignature); err != nil {
		return err
	}
	innerType := ParseType(innerSignature)
	if len(innerType) > 0 {
		w.align(alignment(innerType[0]))
	}
	w.stack = append(w.stack, frame{typ: innerType, kind: frameVariant})
	return nil
}

// EndVariant closes a variant, asserting its declared inner type was fully
// consumed.
func (w *Writer) EndVariant() error {
	f := w.top()
	if f.kind != frameVariant {
		return fmt.Errorf("dvar: EndVariant without matching BeginVariant: %w", dbuserr.ErrTypeMismatch)
	}
	if f.pos != len(f.typ) {
		return fmt.Errorf("dvar: variant body left partially written: %w", dbuserr.ErrTypeMismatch)
	}
	w.stack = w.stack[:len(w.stack)-1]
	return nil
}

// End asserts the top-level type was fully written and returns the
// serialized bytes, mirroring c_dvar_end_write.
func (w *Writer) End() ([]byte, error) {
	if len(w.stack) != 1 {
		return nil, fmt.Errorf("dvar: End called with %d open containers: %w", len(w.stack)-1, dbuserr.ErrTypeMismatch)
	}
	f := w.top()
	if f.pos != len(f.typ) {
		return nil, fmt.Errorf("dvar: End called with unwritten type remaining: %w", dbuserr.ErrTypeMismatch)
	}
	return w.buf, nil
}
