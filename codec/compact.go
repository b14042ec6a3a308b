package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"wirebus/signature"
)

// Compact framing. Fixed-size values are raw scalars with no framing at all.
// Variable-size containers carry a trailing table of end offsets instead of
// length prefixes: arrays store one offset per element in order, structs
// store one offset per variable-size field except the last, in reverse
// order. The table's entry width is not declared anywhere; both sides
// derive it from the total serialized length of the container, so the
// encoder must pick the width a decoder will infer. All scalars are
// little-endian.
//
// Serialization is container-relative: each container is laid out against
// its own start. Because a container's alignment is at least that of
// anything inside it, relative alignment implies absolute alignment once
// the container itself is placed on a boundary of its own alignment.

// offsetWidth returns the table entry width a container of total length n
// uses: the smallest of 1, 2, 4 or 8 bytes that can express any offset
// into the container.
func offsetWidth(n int) int {
	switch {
	case n <= 0xff:
		return 1
	case n <= 0xffff:
		return 2
	case n <= 0xffffffff:
		return 4
	default:
		return 8
	}
}

// pickWidth chooses the encoder-side entry width for a body of bodyLen
// bytes plus entries offsets: the smallest width w such that a decoder
// seeing bodyLen+entries*w total bytes infers w back.
func pickWidth(bodyLen, entries int) int {
	for _, w := range []int{1, 2, 4, 8} {
		if offsetWidth(bodyLen+entries*w) == w {
			return w
		}
	}
	return 8
}

func appendOffset(buf []byte, v, width int) []byte {
	switch width {
	case 1:
		return append(buf, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case 4:
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
}

func readOffset(b []byte, width int) int {
	switch width {
	case 1:
		return int(b[0])
	case 2:
		return int(binary.LittleEndian.Uint16(b))
	case 4:
		return int(binary.LittleEndian.Uint32(b))
	default:
		v := binary.LittleEndian.Uint64(b)
		if v > 1<<31 {
			return 1 << 31 // clamp; bounds checks reject it
		}
		return int(v)
	}
}

// compactMarshal serializes a multi-type signature. A single value is
// serialized bare; several values are framed like struct fields so the
// boundaries are recoverable.
func compactMarshal(sig signature.Sig, values []any) ([]byte, error) {
	if t, ok := sig.Single(); ok {
		return compactEncode(t, values[0], 0)
	}
	return compactEncodeFields(sig.Types(), values, 0)
}

func compactUnmarshal(sig signature.Sig, data []byte) ([]any, error) {
	if t, ok := sig.Single(); ok {
		v, err := compactDecode(t, data, 0)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}
	return compactDecodeFields(sig.String(), sig.Types(), data, 0)
}

// compactEncode serializes one value, container-relative.
func compactEncode(t *signature.Type, v any, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, &EncodeError{Sig: t.String(), Reason: "nesting too deep"}
	}
	mismatch := func() error {
		return &EncodeError{Sig: t.String(), Reason: fmt.Sprintf("cannot encode %T as %q", v, t.String())}
	}

	switch t.Code {
	case signature.Byte:
		b, ok := v.(byte)
		if !ok {
			return nil, mismatch()
		}
		return []byte{b}, nil

	case signature.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case signature.Int16, signature.Uint16:
		var u uint16
		switch n := v.(type) {
		case int16:
			if t.Code != signature.Int16 {
				return nil, mismatch()
			}
			u = uint16(n)
		case uint16:
			if t.Code != signature.Uint16 {
				return nil, mismatch()
			}
			u = n
		default:
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint16(nil, u), nil

	case signature.Int32, signature.Uint32, signature.UnixFD:
		var u uint32
		switch n := v.(type) {
		case int32:
			if t.Code != signature.Int32 {
				return nil, mismatch()
			}
			u = uint32(n)
		case uint32:
			if t.Code != signature.Uint32 {
				return nil, mismatch()
			}
			u = n
		case UnixFD:
			if t.Code != signature.UnixFD {
				return nil, mismatch()
			}
			u = uint32(n)
		default:
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint32(nil, u), nil

	case signature.Int64, signature.Uint64, signature.Double:
		u, err := scalar64(t.Code, v)
		if err != nil {
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint64(nil, u), nil

	case signature.String:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		if !validString(s) {
			return nil, &EncodeError{Sig: t.String(), Reason: "string is not valid UTF-8 or contains NUL"}
		}
		return append([]byte(s), 0), nil

	case signature.ObjectPath:
		p, ok := v.(ObjectPath)
		if !ok {
			return nil, mismatch()
		}
		if !p.Valid() {
			return nil, &EncodeError{Sig: t.String(), Reason: fmt.Sprintf("invalid object path %q", string(p))}
		}
		return append([]byte(p), 0), nil

	case signature.Signature:
		s, ok := v.(signature.Sig)
		if !ok {
			return nil, mismatch()
		}
		return append([]byte(s.String()), 0), nil

	case signature.Variant:
		va, ok := v.(Variant)
		if !ok {
			return nil, mismatch()
		}
		inner, ok := va.Sig.Single()
		if !ok {
			return nil, &EncodeError{
				Sig:    t.String(),
				Reason: fmt.Sprintf("variant signature %q is not one complete type", va.Sig.String()),
			}
		}
		body, err := compactEncode(inner, va.Value, depth+1)
		if err != nil {
			return nil, err
		}
		body = append(body, 0)
		return append(body, va.Sig.String()...), nil

	case signature.Array:
		return compactEncodeArray(t, v, depth)

	default: // struct or dict entry
		fields, vals, err := structFields(t, v)
		if err != nil {
			return nil, mismatch()
		}
		return compactEncodeFields(fields, vals, depth)
	}
}

func scalar64(code byte, v any) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if code == signature.Int64 {
			return uint64(n), nil
		}
	case uint64:
		if code == signature.Uint64 {
			return n, nil
		}
	case float64:
		if code == signature.Double {
			return math.Float64bits(n), nil
		}
	}
	return 0, fmt.Errorf("type mismatch")
}

func compactEncodeArray(t *signature.Type, v any, depth int) ([]byte, error) {
	elemAlign, _, elemFixed := compactInfo(t.Elem)

	var elems []any
	if t.Elem.IsDictEntry() {
		m, ok := v.(map[any]any)
		if !ok {
			return nil, &EncodeError{Sig: t.String(), Reason: fmt.Sprintf("cannot encode %T as %q", v, t.String())}
		}
		for k, val := range m {
			kw, err := dictKeyWire(t.Elem.Key, k)
			if err != nil {
				return nil, &EncodeError{Sig: t.String(), Reason: err.Error()}
			}
			elems = append(elems, []any{kw, val})
		}
	} else {
		s, ok := v.([]any)
		if !ok {
			return nil, &EncodeError{Sig: t.String(), Reason: fmt.Sprintf("cannot encode %T as %q", v, t.String())}
		}
		elems = s
	}

	var body []byte
	var ends []int
	for _, el := range elems {
		body = padTo(body, elemAlign)
		eb, err := compactEncode(t.Elem, el, depth+1)
		if err != nil {
			return nil, err
		}
		body = append(body, eb...)
		ends = append(ends, len(body))
	}
	if elemFixed {
		// Fixed-size elements tile the body; no table needed.
		return body, nil
	}
	w := pickWidth(len(body), len(ends))
	for _, end := range ends {
		body = appendOffset(body, end, w)
	}
	return body, nil
}

// compactEncodeFields lays out struct fields: each field padded to its
// alignment, end offsets recorded for every variable-size field except the
// last field, appended in reverse order. A fully fixed-size struct instead
// pads its tail to the struct alignment and carries no table.
func compactEncodeFields(fields []*signature.Type, vals []any, depth int) ([]byte, error) {
	var body []byte
	var ends []int
	for i, f := range fields {
		fa, _, ff := compactInfo(f)
		body = padTo(body, fa)
		fb, err := compactEncode(f, vals[i], depth+1)
		if err != nil {
			return nil, err
		}
		body = append(body, fb...)
		if !ff && i != len(fields)-1 {
			ends = append(ends, len(body))
		}
	}

	structAlign, _, structFixed := compactInfoFields(fields)
	if structFixed {
		return padTo(body, structAlign), nil
	}
	w := pickWidth(len(body), len(ends))
	for i := len(ends) - 1; i >= 0; i-- {
		body = appendOffset(body, ends[i], w)
	}
	return body, nil
}

func compactInfoFields(fields []*signature.Type) (align, size int, fixed bool) {
	return compactInfo(&signature.Type{Code: 'r', Fields: fields})
}

func padTo(b []byte, align int) []byte {
	for len(b)%align != 0 {
		b = append(b, 0)
	}
	return b
}

// compactDecode decodes one value from exactly the container's bytes.
func compactDecode(t *signature.Type, data []byte, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, &DecodeError{Sig: t.String(), Reason: "nesting too deep"}
	}
	fail := func(pos int, reason string) error {
		return &DecodeError{Sig: t.String(), Pos: pos, Reason: reason}
	}

	_, size, fixed := compactInfo(t)
	if fixed && t.IsBasic() {
		if len(data) != size {
			return nil, fail(0, fmt.Sprintf("fixed-size value needs %d bytes, have %d", size, len(data)))
		}
	}

	switch t.Code {
	case signature.Byte:
		return data[0], nil

	case signature.Bool:
		switch data[0] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, fail(0, fmt.Sprintf("invalid boolean value %d", data[0]))
		}

	case signature.Int16:
		return int16(binary.LittleEndian.Uint16(data)), nil
	case signature.Uint16:
		return binary.LittleEndian.Uint16(data), nil
	case signature.Int32:
		return int32(binary.LittleEndian.Uint32(data)), nil
	case signature.Uint32:
		return binary.LittleEndian.Uint32(data), nil
	case signature.UnixFD:
		return UnixFD(binary.LittleEndian.Uint32(data)), nil
	case signature.Int64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case signature.Uint64:
		return binary.LittleEndian.Uint64(data), nil
	case signature.Double:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil

	case signature.String, signature.ObjectPath, signature.Signature:
		if len(data) == 0 || data[len(data)-1] != 0 {
			return nil, fail(len(data), "string is not NUL terminated")
		}
		s := string(data[:len(data)-1])
		switch t.Code {
		case signature.String:
			if !validString(s) {
				return nil, fail(0, "string is not valid UTF-8")
			}
			return s, nil
		case signature.ObjectPath:
			p := ObjectPath(s)
			if !p.Valid() {
				return nil, fail(0, fmt.Sprintf("invalid object path %q", s))
			}
			return p, nil
		default:
			sig, err := signature.Parse(s)
			if err != nil {
				return nil, fail(0, err.Error())
			}
			return sig, nil
		}

	case signature.Variant:
		// Value bytes, a zero separator, then the signature text. The
		// separator is the last zero byte, scanning from the end.
		sep := -1
		for i := len(data) - 1; i >= 0; i-- {
			if data[i] == 0 {
				sep = i
				break
			}
		}
		if sep < 0 {
			return nil, fail(0, "variant has no signature separator")
		}
		sig, err := signature.Parse(string(data[sep+1:]))
		if err != nil {
			return nil, fail(sep+1, err.Error())
		}
		inner, ok := sig.Single()
		if !ok {
			return nil, fail(sep+1, fmt.Sprintf("variant signature %q is not one complete type", sig.String()))
		}
		v, err := compactDecode(inner, data[:sep], depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{Sig: sig, Value: v}, nil

	case signature.Array:
		return compactDecodeArray(t, data, depth)

	default: // struct or dict entry
		fields := t.Fields
		if t.IsDictEntry() {
			fields = []*signature.Type{t.Key, t.Elem}
		}
		vals, err := compactDecodeFields(t.String(), fields, data, depth)
		if err != nil {
			return nil, err
		}
		return vals, nil
	}
}

func compactDecodeArray(t *signature.Type, data []byte, depth int) (any, error) {
	fail := func(pos int, reason string) error {
		return &DecodeError{Sig: t.String(), Pos: pos, Reason: reason}
	}
	elemAlign, elemSize, elemFixed := compactInfo(t.Elem)

	collect := func(n int, elem func(i int) ([]byte, error)) (any, error) {
		if t.Elem.IsDictEntry() {
			m := make(map[any]any)
			for i := 0; i < n; i++ {
				b, err := elem(i)
				if err != nil {
					return nil, err
				}
				pair, err := compactDecode(t.Elem, b, depth+1)
				if err != nil {
					return nil, err
				}
				kv := pair.([]any)
				m[dictKey(kv[0])] = kv[1]
			}
			return m, nil
		}
		out := []any{}
		for i := 0; i < n; i++ {
			b, err := elem(i)
			if err != nil {
				return nil, err
			}
			v, err := compactDecode(t.Elem, b, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	if elemFixed {
		if len(data)%elemSize != 0 {
			return nil, fail(len(data), fmt.Sprintf("container length %d is not a multiple of element size %d", len(data), elemSize))
		}
		return collect(len(data)/elemSize, func(i int) ([]byte, error) {
			return data[i*elemSize : (i+1)*elemSize], nil
		})
	}

	if len(data) == 0 {
		return collect(0, nil)
	}

	// The last table entry is the end of the last element, which is also
	// where the table begins; that pins down the element count.
	w := offsetWidth(len(data))
	if len(data) < w {
		return nil, fail(0, "container too short for its offset table")
	}
	tableAt := readOffset(data[len(data)-w:], w)
	if tableAt > len(data)-w || (len(data)-tableAt)%w != 0 {
		return nil, fail(len(data)-w, fmt.Sprintf("invalid offset table position %d", tableAt))
	}
	n := (len(data) - tableAt) / w
	prevEnd := 0
	return collect(n, func(i int) ([]byte, error) {
		start := alignUp(prevEnd, elemAlign)
		end := readOffset(data[tableAt+i*w:], w)
		if end < start || end > tableAt {
			return nil, fail(tableAt+i*w, fmt.Sprintf("element %d offset %d out of range", i, end))
		}
		prevEnd = end
		return data[start:end], nil
	})
}

// compactDecodeFields walks struct fields forward, resolving each field's
// end from its fixed size, from the reverse-ordered offset table, or, for
// the last field, from where the table begins.
func compactDecodeFields(sig string, fields []*signature.Type, data []byte, depth int) ([]any, error) {
	fail := func(pos int, reason string) error {
		return &DecodeError{Sig: sig, Pos: pos, Reason: reason}
	}

	_, fixedSize, structFixed := compactInfoFields(fields)
	if structFixed && len(data) != fixedSize {
		return nil, fail(0, fmt.Sprintf("fixed-size value needs %d bytes, have %d", fixedSize, len(data)))
	}

	// Count table entries: variable fields excluding the last field.
	entries := 0
	for i, f := range fields {
		if _, _, ff := compactInfo(f); !ff && i != len(fields)-1 {
			entries++
		}
	}
	w := offsetWidth(len(data))
	tableLen := entries * w
	if tableLen > len(data) {
		return nil, fail(0, "container too short for its offset table")
	}
	bodyEnd := len(data) - tableLen

	out := make([]any, 0, len(fields))
	pos := 0
	entry := 0
	for i, f := range fields {
		fa, fs, ff := compactInfo(f)
		pos = alignUp(pos, fa)
		var end int
		switch {
		case ff:
			end = pos + fs
		case i != len(fields)-1:
			// Offset for the j-th variable field sits j entries from the
			// container's end.
			at := len(data) - (entry+1)*w
			end = readOffset(data[at:], w)
			entry++
		default:
			end = bodyEnd
		}
		if end < pos || end > bodyEnd {
			return nil, fail(pos, fmt.Sprintf("field %d spans %d..%d outside body of %d bytes", i, pos, end, bodyEnd))
		}
		v, err := compactDecode(f, data[pos:end], depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		pos = end
	}
	return out, nil
}
