package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"wirebus/signature"
)

func strictRoundTrip(t *testing.T, sig string, values []any) []any {
	t.Helper()
	s := signature.MustParse(sig)
	data, err := Marshal(ModeStrict, s, values, 0)
	if err != nil {
		t.Fatalf("Marshal(%q): %v", sig, err)
	}
	out, err := Unmarshal(ModeStrict, s, data)
	if err != nil {
		t.Fatalf("Unmarshal(%q): %v", sig, err)
	}
	return out
}

func TestStrictBasicRoundTrip(t *testing.T) {
	cases := []struct {
		sig    string
		values []any
	}{
		{"y", []any{byte(0xfe)}},
		{"b", []any{true}},
		{"b", []any{false}},
		{"n", []any{int16(-300)}},
		{"q", []any{uint16(65535)}},
		{"i", []any{int32(-1)}},
		{"u", []any{uint32(0xdeadbeef)}},
		{"x", []any{int64(-1 << 40)}},
		{"t", []any{uint64(1) << 63}},
		{"d", []any{3.25}},
		{"h", []any{UnixFD(4)}},
		{"s", []any{"hello"}},
		{"s", []any{""}},
		{"s", []any{"héllo wörld"}},
		{"o", []any{ObjectPath("/com/example/Thing")}},
		{"g", []any{signature.MustParse("a{sv}")}},
		{"yis", []any{byte(1), int32(2), "three"}},
	}
	for _, tc := range cases {
		out := strictRoundTrip(t, tc.sig, tc.values)
		if len(out) != len(tc.values) {
			t.Fatalf("%q: got %d values back, want %d", tc.sig, len(out), len(tc.values))
		}
		for i := range out {
			want := tc.values[i]
			if s, ok := want.(signature.Sig); ok {
				got, ok := out[i].(signature.Sig)
				if !ok || got.String() != s.String() {
					t.Errorf("%q value %d: got %v, want %v", tc.sig, i, out[i], want)
				}
				continue
			}
			if out[i] != want {
				t.Errorf("%q value %d: got %#v, want %#v", tc.sig, i, out[i], want)
			}
		}
	}
}

func TestStrictContainerRoundTrip(t *testing.T) {
	out := strictRoundTrip(t, "ai", []any{[]any{int32(1), int32(2), int32(3)}})
	elems := out[0].([]any)
	if len(elems) != 3 || elems[0] != int32(1) || elems[2] != int32(3) {
		t.Fatalf("array came back wrong: %#v", elems)
	}

	out = strictRoundTrip(t, "(ybs)", []any{[]any{byte(9), true, "x"}})
	fields := out[0].([]any)
	if fields[0] != byte(9) || fields[1] != true || fields[2] != "x" {
		t.Fatalf("struct came back wrong: %#v", fields)
	}

	out = strictRoundTrip(t, "a{su}", []any{map[any]any{"a": uint32(1), "b": uint32(2)}})
	m := out[0].(map[any]any)
	if len(m) != 2 || m["a"] != uint32(1) || m["b"] != uint32(2) {
		t.Fatalf("dict came back wrong: %#v", m)
	}

	out = strictRoundTrip(t, "aas", []any{[]any{[]any{"x"}, []any{"y", "z"}}})
	outer := out[0].([]any)
	if len(outer) != 2 || outer[1].([]any)[1] != "z" {
		t.Fatalf("nested array came back wrong: %#v", outer)
	}
}

// Dicts keyed by signatures come back keyed by the signature text, since
// signature.Sig itself cannot be a map key.
func TestStrictSignatureKeyedDict(t *testing.T) {
	// One entry: key "y", value 7. Hand-framed so a hostile peer's bytes
	// exercise the decode path directly.
	data := []byte{4, 0, 0, 0, 0, 0, 0, 0, 1, 'y', 0, 7}
	out, err := Unmarshal(ModeStrict, signature.MustParse("a{gy}"), data)
	if err != nil {
		t.Fatal(err)
	}
	m := out[0].(map[any]any)
	if len(m) != 1 || m["y"] != byte(7) {
		t.Fatalf("dict came back wrong: %#v", m)
	}

	out = strictRoundTrip(t, "a{gy}", []any{map[any]any{"a{sv}": byte(2)}})
	m = out[0].(map[any]any)
	if len(m) != 1 || m["a{sv}"] != byte(2) {
		t.Fatalf("dict came back wrong after round trip: %#v", m)
	}

	_, err = Marshal(ModeStrict, signature.MustParse("a{gy}"),
		[]any{map[any]any{"not a sig": byte(0)}}, 0)
	if !errors.Is(err, &EncodeError{}) {
		t.Fatalf("invalid signature key: got %v, want EncodeError", err)
	}
}

func TestStrictVariantRoundTrip(t *testing.T) {
	out := strictRoundTrip(t, "v", []any{MakeVariant("s", "inner")})
	v := out[0].(Variant)
	if v.Sig.String() != "s" || v.Value != "inner" {
		t.Fatalf("variant came back wrong: %#v", v)
	}

	// Variant holding a container.
	out = strictRoundTrip(t, "v", []any{MakeVariant("ai", []any{int32(7)})})
	v = out[0].(Variant)
	if v.Sig.String() != "ai" || v.Value.([]any)[0] != int32(7) {
		t.Fatalf("container variant came back wrong: %#v", v)
	}
}

// Known byte layouts pin the padding rules down exactly.
func TestStrictWireLayout(t *testing.T) {
	// A byte then a uint32: three pad bytes in between.
	data, err := Marshal(ModeStrict, signature.MustParse("yu"), []any{byte(1), uint32(2)}, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 0, 0, 0, 2, 0, 0, 0}
	if !bytes.Equal(data, want) {
		t.Fatalf("yu layout = % x, want % x", data, want)
	}

	// String: length, bytes, NUL. Length excludes the terminator.
	data, err = Marshal(ModeStrict, signature.MustParse("s"), []any{"abc"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	want = []byte{3, 0, 0, 0, 'a', 'b', 'c', 0}
	if !bytes.Equal(data, want) {
		t.Fatalf("s layout = % x, want % x", data, want)
	}

	// Array of uint64: length field, then 4 bytes of pad to reach the
	// 8-aligned first element. The length counts element bytes only.
	data, err = Marshal(ModeStrict, signature.MustParse("at"), []any{[]any{uint64(5)}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 16 {
		t.Fatalf("at length = %d, want 16", len(data))
	}
	if n := binary.LittleEndian.Uint32(data[0:4]); n != 8 {
		t.Fatalf("array length field = %d, want 8 (pad excluded)", n)
	}
	if v := binary.LittleEndian.Uint64(data[8:16]); v != 5 {
		t.Fatalf("element = %d, want 5", v)
	}

	// Bool is a full 4-byte cell.
	data, err = Marshal(ModeStrict, signature.MustParse("b"), []any{true}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{1, 0, 0, 0}) {
		t.Fatalf("b layout = % x", data)
	}
}

// Each scalar lands on a multiple of its own alignment.
func TestStrictAlignmentOffsets(t *testing.T) {
	// y at 0, n at 2, i at 4, x at 8, d at 16; 24 bytes total.
	data, err := Marshal(ModeStrict, signature.MustParse("ynixd"),
		[]any{byte(1), int16(2), int32(3), int64(4), 5.0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 24 {
		t.Fatalf("ynixd length = %d, want 24", len(data))
	}
	if data[2] != 2 || data[4] != 3 || data[8] != 4 {
		t.Fatalf("scalars misplaced: % x", data)
	}
}

// Alignment is relative to the absolute message offset, not the start of
// the marshaled fragment.
func TestStrictStartOffset(t *testing.T) {
	sig := signature.MustParse("u")
	data, err := Marshal(ModeStrict, sig, []any{uint32(7)}, 6)
	if err != nil {
		t.Fatal(err)
	}
	// Offset 6 needs 2 pad bytes to reach alignment 4.
	want := []byte{0, 0, 7, 0, 0, 0}
	if !bytes.Equal(data, want) {
		t.Fatalf("offset marshal = % x, want % x", data, want)
	}
}

func TestStrictDecodeBigEndian(t *testing.T) {
	buf := []byte{0xde, 0xad, 0xbe, 0xef}
	out, err := UnmarshalOrder(ModeStrict, signature.MustParse("u"), buf, binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != uint32(0xdeadbeef) {
		t.Fatalf("big-endian decode = %#x", out[0])
	}
}

func TestStrictDecodeRejects(t *testing.T) {
	cases := []struct {
		name string
		sig  string
		data []byte
	}{
		{"truncated u32", "u", []byte{1, 2}},
		{"bool out of range", "b", []byte{2, 0, 0, 0}},
		{"string missing NUL", "s", []byte{1, 0, 0, 0, 'a', 'a'}},
		{"string length past end", "s", []byte{200, 0, 0, 0, 'a', 0}},
		{"string invalid utf8", "s", []byte{2, 0, 0, 0, 0xff, 0xfe, 0}},
		{"trailing garbage", "y", []byte{1, 9}},
		{"array length past end", "ai", []byte{16, 0, 0, 0, 1, 0, 0, 0}},
		{"signature not parseable", "g", []byte{1, 'z', 0}},
	}
	for _, tc := range cases {
		_, err := Unmarshal(ModeStrict, signature.MustParse(tc.sig), tc.data)
		if err == nil {
			t.Errorf("%s: expected decode error", tc.name)
			continue
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: error %T is not *DecodeError", tc.name, err)
		}
	}
}

func TestStrictEncodeRejects(t *testing.T) {
	cases := []struct {
		name   string
		sig    string
		values []any
	}{
		{"type mismatch", "i", []any{"nope"}},
		{"value count mismatch", "ii", []any{int32(1)}},
		{"string with NUL", "s", []any{"a\x00b"}},
		{"invalid object path", "o", []any{ObjectPath("relative/path")}},
		{"struct field count", "(ii)", []any{[]any{int32(1)}}},
		{"variant multi-type sig", "v", []any{Variant{Sig: signature.MustParse("ii"), Value: []any{int32(1), int32(2)}}}},
	}
	for _, tc := range cases {
		_, err := Marshal(ModeStrict, signature.MustParse(tc.sig), tc.values, 0)
		if err == nil {
			t.Errorf("%s: expected encode error", tc.name)
		}
	}
}

func TestObjectPathValid(t *testing.T) {
	valid := []string{"/", "/a", "/com/example/Thing_1"}
	for _, p := range valid {
		if !ObjectPath(p).Valid() {
			t.Errorf("%q should be valid", p)
		}
	}
	invalid := []string{"", "a/b", "/a/", "/a//b", "/a-b", "/ä"}
	for _, p := range invalid {
		if ObjectPath(p).Valid() {
			t.Errorf("%q should be invalid", p)
		}
	}
}

func TestStrictDepthLimit(t *testing.T) {
	// Build a value and signature nested past the limit using variants,
	// which add depth without widening the signature.
	v := MakeVariant("i", int32(1))
	for i := 0; i < MaxDepth+1; i++ {
		v = MakeVariant("v", v)
	}
	_, err := Marshal(ModeStrict, signature.MustParse("v"), []any{v}, 0)
	if err == nil {
		t.Fatal("expected depth error for deeply nested variants")
	}
}
