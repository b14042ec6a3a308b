// Package codec marshals and unmarshals typed values against a signature.
//
// Two framing modes share the signature grammar. ModeStrict is the classic
// alignment-heavy wire format: every scalar is padded to its natural boundary
// measured from the start of the serialized message, arrays carry an explicit
// byte-length prefix, and structs align to 8 bytes. ModeCompact is the
// offset-table alternative: fixed-size types need no framing at all, and
// containers holding variable-size elements append a trailing offset table
// whose entry width is inferred from the total container length.
//
// Decoding treats its input as untrusted. Truncated buffers, oversized
// declared lengths, invalid text, bad scalar bit patterns and over-deep
// nesting all fail with a *DecodeError; the decoder never reads out of
// bounds and never panics on adversarial input.
package codec

import (
	"encoding/binary"
	"fmt"

	"wirebus/signature"
)

// Mode selects the framing format for Marshal and Unmarshal.
type Mode byte

const (
	// ModeStrict is the alignment-padded format used on the wire.
	ModeStrict Mode = iota
	// ModeCompact is the offset-table format.
	ModeCompact
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeCompact:
		return "compact"
	default:
		return fmt.Sprintf("Mode(%d)", byte(m))
	}
}

// MaxDepth bounds container recursion during encode and decode. It matches
// the signature parser's nesting bound, so any parseable signature can be
// encoded, but a decoder fed a hostile buffer still terminates.
const MaxDepth = signature.MaxDepth

// MaxArrayLength is the strict-mode ceiling on a single array's byte length.
const MaxArrayLength = 1 << 26 // 64 MiB

// EncodeError reports a value/signature mismatch or a size overflow while
// marshaling.
type EncodeError struct {
	Sig    string
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %q: %s", e.Sig, e.Reason)
}

// Is matches any *EncodeError target, supporting errors.Is checks against
// the zero value.
func (e *EncodeError) Is(target error) bool {
	_, ok := target.(*EncodeError)
	return ok
}

// DecodeError reports malformed input: truncation, bad declared lengths,
// depth violations, invalid text encoding or invalid scalar bit patterns.
// Pos is the byte offset at which decoding failed.
type DecodeError struct {
	Sig    string
	Pos    int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q at offset %d: %s", e.Sig, e.Pos, e.Reason)
}

// Is matches any *DecodeError target.
func (e *DecodeError) Is(target error) bool {
	_, ok := target.(*DecodeError)
	return ok
}

// Marshal encodes values against sig in the given mode. startOffset is the
// absolute byte offset at which the output will be placed within the
// enclosing message; strict-mode padding is computed from it. values must
// contain exactly one value per top-level type in sig.
func Marshal(mode Mode, sig signature.Sig, values []any, startOffset int) ([]byte, error) {
	if len(values) != len(sig.Types()) {
		return nil, &EncodeError{
			Sig:    sig.String(),
			Reason: fmt.Sprintf("signature has %d types but %d values given", len(sig.Types()), len(values)),
		}
	}
	switch mode {
	case ModeStrict:
		e := &strictEncoder{start: startOffset}
		for i, t := range sig.Types() {
			if err := e.encode(t, values[i], 0); err != nil {
				return nil, err
			}
		}
		return e.buf, nil
	case ModeCompact:
		return compactMarshal(sig, values)
	default:
		return nil, &EncodeError{Sig: sig.String(), Reason: fmt.Sprintf("unknown mode %d", mode)}
	}
}

// Unmarshal decodes data against sig in the given mode, returning one value
// per top-level type. In strict mode the data is assumed to begin on an
// 8-byte boundary of the enclosing message, which holds for message bodies
// and for buffers produced by Marshal with an 8-aligned startOffset.
// Scalars are read little-endian; use UnmarshalOrder for messages whose
// endianness marker says otherwise.
func Unmarshal(mode Mode, sig signature.Sig, data []byte) ([]any, error) {
	return UnmarshalOrder(mode, sig, data, binary.LittleEndian)
}

// UnmarshalOrder is Unmarshal with an explicit scalar byte order. The order
// applies to strict mode only; the compact format is defined little-endian.
func UnmarshalOrder(mode Mode, sig signature.Sig, data []byte, order binary.ByteOrder) ([]any, error) {
	switch mode {
	case ModeStrict:
		d := &strictDecoder{sig: sig.String(), data: data, order: order}
		var out []any
		for _, t := range sig.Types() {
			v, err := d.decode(t, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		if d.pos != len(data) {
			return nil, &DecodeError{Sig: sig.String(), Pos: d.pos, Reason: "trailing bytes after value"}
		}
		return out, nil
	case ModeCompact:
		return compactUnmarshal(sig, data)
	default:
		return nil, &DecodeError{Sig: sig.String(), Reason: fmt.Sprintf("unknown mode %d", mode)}
	}
}
