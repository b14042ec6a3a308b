// Package signature parses D-Bus type signatures into typed trees.
//
// A signature is a compact string of single-character type codes describing
// the exact shape of a marshaled value, e.g. "a{sv}" is an array of
// string-to-variant dictionary entries. The same grammar is shared by the
// strict wire format and the compact (GVariant) format; only the byte-level
// encoding differs.
package signature

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Basic type codes.
const (
	Byte       byte = 'y'
	Bool       byte = 'b'
	Int16      byte = 'n'
	Uint16     byte = 'q'
	Int32      byte = 'i'
	Uint32     byte = 'u'
	Int64      byte = 'x'
	Uint64     byte = 't'
	Double     byte = 'd'
	String     byte = 's'
	ObjectPath byte = 'o'
	Signature  byte = 'g'
	UnixFD     byte = 'h'
)

// Container type codes. Struct and DictEntry have no single wire code of
// their own ("()" and "{}" delimit them in the string form); the traditional
// 'r' and 'e' codes are used internally to tag the parsed nodes.
const (
	Array       byte = 'a'
	Variant     byte = 'v'
	structCode  byte = 'r'
	dictCode    byte = 'e'
	structOpen  byte = '('
	structClose byte = ')'
	dictOpen    byte = '{'
	dictClose   byte = '}'
)

// MaxDepth bounds the combined array/struct nesting of a signature.
// The protocol specification allows 32 levels of each independently; a single
// combined bound of 64 admits every signature the split bounds admit while
// keeping the parser's recursion depth trivially bounded.
const MaxDepth = 64

// Type is one node of a parsed signature tree. It is immutable once parsed
// and safe to share by reference.
type Type struct {
	// Code is a basic type code, or Array, Variant, 'r' (struct) or
	// 'e' (dict entry) for containers.
	Code byte

	// Elem is the array element type, or the dict-entry value type.
	Elem *Type

	// Key is the dict-entry key type. Always a basic type.
	Key *Type

	// Fields are the struct field types, in declaration order. Never empty
	// for a struct node.
	Fields []*Type
}

// IsBasic reports whether t is a fixed grammar leaf (not a container and
// not a variant).
func (t *Type) IsBasic() bool {
	switch t.Code {
	case Array, Variant, structCode, dictCode:
		return false
	}
	return true
}

// IsStruct reports whether t is a struct node.
func (t *Type) IsStruct() bool { return t.Code == structCode }

// IsDictEntry reports whether t is a dict-entry node.
func (t *Type) IsDictEntry() bool { return t.Code == dictCode }

// String reconstructs the canonical signature text for this single type.
func (t *Type) String() string {
	switch t.Code {
	case structCode:
		s := "("
		for _, f := range t.Fields {
			s += f.String()
		}
		return s + ")"
	case dictCode:
		return "{" + t.Key.String() + t.Elem.String() + "}"
	case Array:
		return "a" + t.Elem.String()
	default:
		return string(t.Code)
	}
}

// Sig is a parsed signature: an ordered sequence of complete types plus the
// canonical string they were parsed from.
type Sig struct {
	str   string
	types []*Type
}

// String returns the canonical string form.
func (s Sig) String() string { return s.str }

// Types returns the top-level types, in order. Callers must not modify the
// returned slice.
func (s Sig) Types() []*Type { return s.types }

// Empty reports whether the signature contains no types.
func (s Sig) Empty() bool { return len(s.types) == 0 }

// Single returns the sole type of a single-type signature.
func (s Sig) Single() (*Type, bool) {
	if len(s.types) != 1 {
		return nil, false
	}
	return s.types[0], true
}

// InvalidSignatureError reports a grammar or depth violation, with the byte
// position in the signature text where parsing failed.
type InvalidSignatureError struct {
	Sig    string
	Pos    int
	Reason string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature %q at position %d: %s", e.Sig, e.Pos, e.Reason)
}

// MaxLength is the protocol limit on signature text length.
const MaxLength = 255

// Signatures are parsed once per distinct string; trees are immutable so the
// cached Sig can be handed out to any number of goroutines. Decoders feed
// Parse peer-controlled strings, so the cache is bounded; once full, new
// signatures are parsed on every call and only existing entries are reused.
const cacheLimit = 4096

var (
	cache     sync.Map // string -> Sig
	cacheSize atomic.Int64
)

// Parse parses a signature string into its type sequence.
func Parse(s string) (Sig, error) {
	if v, ok := cache.Load(s); ok {
		return v.(Sig), nil
	}
	if len(s) > MaxLength {
		return Sig{}, &InvalidSignatureError{Sig: s, Pos: MaxLength, Reason: "exceeds 255 bytes"}
	}
	p := &parser{sig: s}
	var types []*Type
	for p.pos < len(s) {
		t, err := p.parseOne(0)
		if err != nil {
			return Sig{}, err
		}
		types = append(types, t)
	}
	parsed := Sig{str: s, types: types}
	if cacheSize.Load() < cacheLimit {
		if _, loaded := cache.LoadOrStore(s, parsed); !loaded {
			cacheSize.Add(1)
		}
	}
	return parsed, nil
}

// MustParse is Parse for signature literals known to be valid.
func MustParse(s string) Sig {
	sig, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sig
}

type parser struct {
	sig string
	pos int
}

func (p *parser) fail(reason string) error {
	return &InvalidSignatureError{Sig: p.sig, Pos: p.pos, Reason: reason}
}

// parseOne consumes exactly one complete type starting at p.pos. depth counts
// open array and struct/dict brackets combined.
func (p *parser) parseOne(depth int) (*Type, error) {
	if depth > MaxDepth {
		return nil, p.fail("nesting too deep")
	}
	if p.pos >= len(p.sig) {
		return nil, p.fail("unexpected end of signature")
	}
	c := p.sig[p.pos]
	switch c {
	case Byte, Bool, Int16, Uint16, Int32, Uint32, Int64, Uint64,
		Double, String, ObjectPath, Signature, UnixFD:
		p.pos++
		return &Type{Code: c}, nil

	case Variant:
		// Self-describing; consumes no following type.
		p.pos++
		return &Type{Code: Variant}, nil

	case Array:
		p.pos++
		if p.pos >= len(p.sig) {
			return nil, p.fail("array with no element type")
		}
		elem, err := p.parseElem(depth + 1)
		if err != nil {
			return nil, err
		}
		return &Type{Code: Array, Elem: elem}, nil

	case structOpen:
		open := p.pos
		p.pos++
		var fields []*Type
		for {
			if p.pos >= len(p.sig) {
				p.pos = open
				return nil, p.fail("unmatched '('")
			}
			if p.sig[p.pos] == structClose {
				break
			}
			f, err := p.parseOne(depth + 1)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return nil, p.fail("empty struct")
		}
		p.pos++ // ')'
		return &Type{Code: structCode, Fields: fields}, nil

	case dictOpen:
		return nil, p.fail("dict entry only valid as array element")

	case structClose, dictClose:
		return nil, p.fail("unmatched closing bracket")

	default:
		return nil, p.fail(fmt.Sprintf("unknown type code %q", c))
	}
}

// parseElem parses an array element, which may be a dict entry.
func (p *parser) parseElem(depth int) (*Type, error) {
	if depth > MaxDepth {
		return nil, p.fail("nesting too deep")
	}
	if p.sig[p.pos] != dictOpen {
		return p.parseOne(depth)
	}
	open := p.pos
	p.pos++
	if p.pos >= len(p.sig) || p.sig[p.pos] == dictClose {
		return nil, p.fail("dict entry needs exactly two types")
	}
	key, err := p.parseOne(depth + 1)
	if err != nil {
		return nil, err
	}
	if !key.IsBasic() {
		return nil, p.fail("dict entry key must be a basic type")
	}
	if p.pos >= len(p.sig) || p.sig[p.pos] == dictClose {
		return nil, p.fail("dict entry needs exactly two types")
	}
	val, err := p.parseOne(depth + 1)
	if err != nil {
		return nil, err
	}
	if p.pos >= len(p.sig) {
		p.pos = open
		return nil, p.fail("unmatched '{'")
	}
	if p.sig[p.pos] != dictClose {
		return nil, p.fail("dict entry needs exactly two types")
	}
	p.pos++ // '}'
	return &Type{Code: dictCode, Key: key, Elem: val}, nil
}
