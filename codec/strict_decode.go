package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"wirebus/signature"
)

// strictDecoder reads the alignment-padded format. Every read is bounds
// checked before touching the buffer; the input comes from the peer and is
// not trusted to be well-formed.
type strictDecoder struct {
	sig   string
	data  []byte
	pos   int
	order binary.ByteOrder
}

func (d *strictDecoder) fail(reason string) error {
	return &DecodeError{Sig: d.sig, Pos: d.pos, Reason: reason}
}

// skip advances to the next multiple of align. The protocol requires the
// padding bytes to be zero but tolerating nonzero pad is harmless; only the
// bounds matter.
func (d *strictDecoder) skip(align int) error {
	next := alignUp(d.pos, align)
	if next > len(d.data) {
		return d.fail("truncated at alignment padding")
	}
	d.pos = next
	return nil
}

func (d *strictDecoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.data)-d.pos < n {
		return nil, d.fail(fmt.Sprintf("need %d bytes, have %d", n, len(d.data)-d.pos))
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *strictDecoder) u16() (uint16, error) {
	if err := d.skip(2); err != nil {
		return 0, err
	}
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *strictDecoder) u32() (uint32, error) {
	if err := d.skip(4); err != nil {
		return 0, err
	}
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *strictDecoder) u64() (uint64, error) {
	if err := d.skip(8); err != nil {
		return 0, err
	}
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *strictDecoder) decode(t *signature.Type, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, d.fail("nesting too deep")
	}
	switch t.Code {
	case signature.Byte:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil

	case signature.Bool:
		v, err := d.u32()
		if err != nil {
			return nil, err
		}
		switch v {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, d.fail(fmt.Sprintf("invalid boolean value %d", v))
		}

	case signature.Int16:
		v, err := d.u16()
		return int16(v), err

	case signature.Uint16:
		return d.u16()

	case signature.Int32:
		v, err := d.u32()
		return int32(v), err

	case signature.Uint32:
		return d.u32()

	case signature.Int64:
		v, err := d.u64()
		return int64(v), err

	case signature.Uint64:
		return d.u64()

	case signature.Double:
		v, err := d.u64()
		return math.Float64frombits(v), err

	case signature.UnixFD:
		v, err := d.u32()
		return UnixFD(v), err

	case signature.String:
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		if !validString(s) {
			return nil, d.fail("string is not valid UTF-8")
		}
		return s, nil

	case signature.ObjectPath:
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if !p.Valid() {
			return nil, d.fail(fmt.Sprintf("invalid object path %q", s))
		}
		return p, nil

	case signature.Signature:
		return d.sigValue()

	case signature.Variant:
		inner, err := d.sigValue()
		if err != nil {
			return nil, err
		}
		single, ok := inner.Single()
		if !ok {
			return nil, d.fail(fmt.Sprintf("variant signature %q is not one complete type", inner.String()))
		}
		v, err := d.decode(single, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{Sig: inner, Value: v}, nil

	case signature.Array:
		return d.decodeArray(t, depth)

	default: // struct or dict entry
		if err := d.skip(8); err != nil {
			return nil, err
		}
		fields := t.Fields
		if t.IsDictEntry() {
			fields = []*signature.Type{t.Key, t.Elem}
		}
		out := make([]any, 0, len(fields))
		for _, f := range fields {
			v, err := d.decode(f, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
}

// str reads a 4-byte length, the bytes and the NUL terminator.
func (d *strictDecoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	if n > MaxArrayLength {
		return "", d.fail(fmt.Sprintf("declared string length %d exceeds maximum", n))
	}
	b, err := d.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", d.fail("string is not NUL terminated")
	}
	return string(b[:n]), nil
}

func (d *strictDecoder) sigValue() (signature.Sig, error) {
	lb, err := d.take(1)
	if err != nil {
		return signature.Sig{}, err
	}
	b, err := d.take(int(lb[0]) + 1)
	if err != nil {
		return signature.Sig{}, err
	}
	if b[lb[0]] != 0 {
		return signature.Sig{}, d.fail("signature is not NUL terminated")
	}
	s, err := signature.Parse(string(b[:lb[0]]))
	if err != nil {
		return signature.Sig{}, d.fail(err.Error())
	}
	return s, nil
}

func (d *strictDecoder) decodeArray(t *signature.Type, depth int) (any, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxArrayLength {
		return nil, d.fail(fmt.Sprintf("declared array length %d exceeds maximum", n))
	}
	if err := d.skip(strictAlign(t.Elem)); err != nil {
		return nil, err
	}
	if len(d.data)-d.pos < int(n) {
		return nil, d.fail(fmt.Sprintf("declared array length %d exceeds remaining input", n))
	}
	end := d.pos + int(n)

	if t.Elem.IsDictEntry() {
		m := make(map[any]any)
		for d.pos < end {
			if err := d.skip(8); err != nil {
				return nil, err
			}
			k, err := d.decode(t.Elem.Key, depth+1)
			if err != nil {
				return nil, err
			}
			v, err := d.decode(t.Elem.Elem, depth+1)
			if err != nil {
				return nil, err
			}
			m[dictKey(k)] = v
		}
		if d.pos != end {
			return nil, d.fail("array elements overrun declared length")
		}
		return m, nil
	}

	elems := []any{}
	for d.pos < end {
		v, err := d.decode(t.Elem, depth+1)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	if d.pos != end {
		return nil, d.fail("array elements overrun declared length")
	}
	return elems, nil
}
