package dvar

import (
	"fmt"

	"github.com/bitstreamout/dbus-broker/internal/dbuserr"
)

// VerifySignature checks that sig equals the flattened token sequence of
// typ's single top-level element, per spec.md §4.3's signature-verification
// rule. A mismatch is reported as dbuserr.ErrUnexpectedSignature so callers
// at the dispatch boundary can fold it into the right protocol error reply.
func VerifySignature(typ Type, sig string) error {
	if typ.String() != sig {
		return fmt.Errorf("dvar: signature %q does not match declared type %q: %w", sig, typ.String(), dbuserr.ErrUnexpectedSignature)
	}
	return nil
}

// ExtractBodySignature extracts the inner body signature X from a message
// type of the outer shape "((header-fields)(X))" — the controller's
// envelope, which nests the D-Bus header-field struct and the body struct
// as the two elements of one top-level struct. It returns the flattened
// contents of the second element's own parens, i.e. X itself (possibly
// empty), mirroring controller_dvar_verify_signature_in /
// controller_dvar_write_signature_out in the original source.
func ExtractBodySignature(outerSignature string) (string, error) {
	outer := ParseType(outerSignature)
	if len(outer) < 2 || outer[0] != TokStructOpen || outer[len(outer)-1] != TokStructClose {
		return "", fmt.Errorf("dvar: %q is not a struct-wrapped message envelope: %w", outerSignature, dbuserr.ErrCorruptData)
	}
	// The header-fields element is itself a flattened sequence of several
	// top-level members (not one element span()-can skip in a single call),
	// so walk members one at a time until only the final one — the
	// body struct — remains before the envelope's closing ')'.
	end := len(outer) - 1
	bodyElemStart := 1
	for {
		next := span(outer, bodyElemStart)
		if next <= bodyElemStart || next > end {
			return "", fmt.Errorf("dvar: %q is malformed: %w", outerSignature, dbuserr.ErrCorruptData)
		}
		if next == end {
			break
		}
		bodyElemStart = next
	}
	if outer[bodyElemStart] != TokStructOpen {
		return "", fmt.Errorf("dvar: %q has no struct-wrapped body element: %w", outerSignature, dbuserr.ErrCorruptData)
	}
	bodyElemEnd := span(outer, bodyElemStart)
	if bodyElemEnd != end || bodyElemEnd-bodyElemStart < 2 {
		return "", fmt.Errorf("dvar: %q has a malformed body element: %w", outerSignature, dbuserr.ErrCorruptData)
	}
	inner := outer[bodyElemStart+1 : bodyElemEnd-1]
	return inner.String(), nil
}

// WrapEnvelope builds the outer "((header)(X))" type given the flattened
// header-fields type and a body type X, the shape ExtractBodySignature
// reads. The controller's reply path does not use it: it encodes header
// and body separately through dbus.EncodeMessage.
func WrapEnvelope(headerType, bodyType Type) Type {
	out := make(Type, 0, len(headerType)+len(bodyType)+4)
	out = append(out, TokStructOpen)
	out = append(out, headerType...)
	out = append(out, TokStructOpen)
	out = append(out, bodyType...)
	out = append(out, TokStructClose)
	out = append(out, TokStructClose)
	return out
}
