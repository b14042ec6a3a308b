package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"wirebus/signature"
)

// strictEncoder writes the alignment-padded wire format. Padding is always
// computed against the absolute position within the serialized message
// (start + len(buf)), never against the start of the enclosing container;
// getting this wrong produces buffers other implementations cannot read.
//
// Scalars are written little-endian. The endianness marker of the enclosing
// message must say so.
type strictEncoder struct {
	buf   []byte
	start int
}

func (e *strictEncoder) abs() int { return e.start + len(e.buf) }

// pad advances to the next multiple of align with zero bytes.
func (e *strictEncoder) pad(align int) {
	for e.abs()%align != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *strictEncoder) putU16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *strictEncoder) putU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *strictEncoder) putU64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *strictEncoder) mismatch(t *signature.Type, v any) error {
	return &EncodeError{
		Sig:    t.String(),
		Reason: fmt.Sprintf("cannot encode %T as %q", v, t.String()),
	}
}

func (e *strictEncoder) encode(t *signature.Type, v any, depth int) error {
	if depth > MaxDepth {
		return &EncodeError{Sig: t.String(), Reason: "nesting too deep"}
	}
	switch t.Code {
	case signature.Byte:
		b, ok := v.(byte)
		if !ok {
			return e.mismatch(t, v)
		}
		e.buf = append(e.buf, b)

	case signature.Bool:
		b, ok := v.(bool)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(4)
		if b {
			e.putU32(1)
		} else {
			e.putU32(0)
		}

	case signature.Int16:
		n, ok := v.(int16)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(2)
		e.putU16(uint16(n))

	case signature.Uint16:
		n, ok := v.(uint16)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(2)
		e.putU16(n)

	case signature.Int32:
		n, ok := v.(int32)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(4)
		e.putU32(uint32(n))

	case signature.Uint32:
		n, ok := v.(uint32)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(4)
		e.putU32(n)

	case signature.Int64:
		n, ok := v.(int64)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(8)
		e.putU64(uint64(n))

	case signature.Uint64:
		n, ok := v.(uint64)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(8)
		e.putU64(n)

	case signature.Double:
		f, ok := v.(float64)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(8)
		e.putU64(math.Float64bits(f))

	case signature.UnixFD:
		fd, ok := v.(UnixFD)
		if !ok {
			return e.mismatch(t, v)
		}
		e.pad(4)
		e.putU32(uint32(fd))

	case signature.String:
		s, ok := v.(string)
		if !ok {
			return e.mismatch(t, v)
		}
		if !validString(s) {
			return &EncodeError{Sig: t.String(), Reason: "string is not valid UTF-8 or contains NUL"}
		}
		e.putStr(s)

	case signature.ObjectPath:
		p, ok := v.(ObjectPath)
		if !ok {
			return e.mismatch(t, v)
		}
		if !p.Valid() {
			return &EncodeError{Sig: t.String(), Reason: fmt.Sprintf("invalid object path %q", string(p))}
		}
		e.putStr(string(p))

	case signature.Signature:
		s, ok := v.(signature.Sig)
		if !ok {
			return e.mismatch(t, v)
		}
		e.putSig(s.String())

	case signature.Variant:
		va, ok := v.(Variant)
		if !ok {
			return e.mismatch(t, v)
		}
		inner, ok := va.Sig.Single()
		if !ok {
			return &EncodeError{
				Sig:    t.String(),
				Reason: fmt.Sprintf("variant signature %q is not one complete type", va.Sig.String()),
			}
		}
		e.putSig(va.Sig.String())
		if err := e.encode(inner, va.Value, depth+1); err != nil {
			return err
		}

	case signature.Array:
		return e.encodeArray(t, v, depth)

	default: // struct or dict entry
		fields, vals, err := structFields(t, v)
		if err != nil {
			return e.mismatch(t, v)
		}
		e.pad(8)
		for i, f := range fields {
			if err := e.encode(f, vals[i], depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// putStr writes a 4-byte length, the bytes and a NUL terminator. The
// terminator is not counted in the length.
func (e *strictEncoder) putStr(s string) {
	e.pad(4)
	e.putU32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// putSig is putStr with a single-byte length and no alignment.
func (e *strictEncoder) putSig(s string) {
	e.buf = append(e.buf, byte(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// encodeArray writes the 4-byte body length, pads to the element alignment
// and appends the elements. The length field counts element bytes only,
// excluding the pad between it and the first element, and is patched in
// after the fact because it is not known up front.
func (e *strictEncoder) encodeArray(t *signature.Type, v any, depth int) error {
	e.pad(4)
	lenAt := len(e.buf)
	e.putU32(0)
	e.pad(strictAlign(t.Elem))
	bodyAt := len(e.buf)

	if t.Elem.IsDictEntry() {
		m, ok := v.(map[any]any)
		if !ok {
			return e.mismatch(t, v)
		}
		for k, val := range m {
			e.pad(8)
			kw, err := dictKeyWire(t.Elem.Key, k)
			if err != nil {
				return &EncodeError{Sig: t.String(), Reason: err.Error()}
			}
			if err := e.encode(t.Elem.Key, kw, depth+1); err != nil {
				return err
			}
			if err := e.encode(t.Elem.Elem, val, depth+1); err != nil {
				return err
			}
		}
	} else {
		elems, ok := v.([]any)
		if !ok {
			return e.mismatch(t, v)
		}
		for _, el := range elems {
			if err := e.encode(t.Elem, el, depth+1); err != nil {
				return err
			}
		}
	}

	n := len(e.buf) - bodyAt
	if n > MaxArrayLength {
		return &EncodeError{Sig: t.String(), Reason: fmt.Sprintf("array body of %d bytes exceeds maximum", n)}
	}
	binary.LittleEndian.PutUint32(e.buf[lenAt:], uint32(n))
	return nil
}

// structFields flattens a struct or dict-entry node and its value into
// parallel field/value slices.
func structFields(t *signature.Type, v any) ([]*signature.Type, []any, error) {
	if t.IsDictEntry() {
		pair, ok := v.([]any)
		if !ok || len(pair) != 2 {
			return nil, nil, fmt.Errorf("dict entry needs a 2-element value")
		}
		return []*signature.Type{t.Key, t.Elem}, pair, nil
	}
	vals, ok := v.([]any)
	if !ok || len(vals) != len(t.Fields) {
		return nil, nil, fmt.Errorf("struct field count mismatch")
	}
	return t.Fields, vals, nil
}
