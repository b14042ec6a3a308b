package codec

import (
	"strings"
	"unicode/utf8"

	"wirebus/signature"
)

// ObjectPath is a slash-separated object path, e.g. "/org/example/Widget".
type ObjectPath string

// Valid reports whether p satisfies the object-path grammar: absolute,
// segments of [A-Za-z0-9_], no empty segment, no trailing slash except on
// the root path itself.
func (p ObjectPath) Valid() bool {
	s := string(p)
	if s == "/" {
		return true
	}
	if len(s) == 0 || s[0] != '/' || strings.HasSuffix(s, "/") {
		return false
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if len(seg) == 0 {
			return false
		}
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
				return false
			}
		}
	}
	return true
}

// UnixFD is an index into a message's file-descriptor list.
type UnixFD uint32

// Variant is a self-describing value: the signature of exactly one complete
// type, plus a value of that type.
type Variant struct {
	Sig   signature.Sig
	Value any
}

// MakeVariant wraps v with the given signature text. It panics on an
// invalid signature and is intended for literals.
func MakeVariant(sig string, v any) Variant {
	return Variant{Sig: signature.MustParse(sig), Value: v}
}

// validString reports whether s is legal message text: well-formed UTF-8
// with no interior NUL byte.
func validString(s string) bool {
	return !strings.ContainsRune(s, 0) && utf8.ValidString(s)
}

// dictKey returns the map key for a decoded dict-entry key. signature.Sig
// holds a slice and cannot be hashed, so signature-keyed dicts carry the
// signature text as the key instead.
func dictKey(v any) any {
	if s, ok := v.(signature.Sig); ok {
		return s.String()
	}
	return v
}

// dictKeyWire undoes dictKey on the encode side: a signature-keyed dict
// holds its keys as text, which is parsed back before serialization.
func dictKeyWire(t *signature.Type, k any) (any, error) {
	if t.Code != signature.Signature {
		return k, nil
	}
	s, ok := k.(string)
	if !ok {
		return k, nil
	}
	sig, err := signature.Parse(s)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Basic-type alignment in bytes. Container alignment is handled by the
// encoders: strict mode aligns arrays to 4 (their length field) and
// structs and dict entries to 8; compact mode aligns containers to their
// element or widest-field alignment.
func basicAlign(code byte) int {
	switch code {
	case signature.Byte, signature.Signature:
		return 1
	case signature.Int16, signature.Uint16:
		return 2
	case signature.Bool, signature.Int32, signature.Uint32,
		signature.String, signature.ObjectPath, signature.UnixFD:
		return 4
	case signature.Int64, signature.Uint64, signature.Double:
		return 8
	}
	return 1
}

// strictAlign is the strict-mode alignment of any type node.
func strictAlign(t *signature.Type) int {
	switch {
	case t.Code == signature.Array:
		return 4 // the length field; elements re-align after it
	case t.IsStruct() || t.IsDictEntry():
		return 8
	case t.Code == signature.Variant:
		return 1 // the embedded signature; the value re-aligns itself
	default:
		return basicAlign(t.Code)
	}
}

// compactInfo returns the compact-mode alignment of t, its fixed byte size,
// and whether it is fixed-size at all. Strings and variants are variable;
// arrays always are; a struct or dict entry is fixed only when every field
// is, and its fixed size is padded to its own alignment.
func compactInfo(t *signature.Type) (align, size int, fixed bool) {
	switch t.Code {
	case signature.Byte:
		return 1, 1, true
	case signature.Bool:
		return 1, 1, true
	case signature.Int16, signature.Uint16:
		return 2, 2, true
	case signature.Int32, signature.Uint32, signature.UnixFD:
		return 4, 4, true
	case signature.Int64, signature.Uint64, signature.Double:
		return 8, 8, true
	case signature.String, signature.ObjectPath, signature.Signature:
		return 1, 0, false
	case signature.Variant:
		return 8, 0, false
	case signature.Array:
		a, _, _ := compactInfo(t.Elem)
		return a, 0, false
	default: // struct or dict entry
		fields := t.Fields
		if t.IsDictEntry() {
			fields = []*signature.Type{t.Key, t.Elem}
		}
		align, size, fixed = 1, 0, true
		for _, f := range fields {
			fa, fs, ff := compactInfo(f)
			if fa > align {
				align = fa
			}
			if !ff {
				fixed = false
				continue
			}
			if fixed {
				size = alignUp(size, fa) + fs
			}
		}
		if !fixed {
			return align, 0, false
		}
		return align, alignUp(size, align), true
	}
}

func alignUp(n, align int) int {
	if r := n % align; r != 0 {
		return n + align - r
	}
	return n
}
