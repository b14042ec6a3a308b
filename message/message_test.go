package message

import (
	"errors"
	"testing"

	"wirebus/codec"
	"wirebus/signature"
)

func TestValidateRequiredFields(t *testing.T) {
	call := NewCall("/obj", "com.example.Iface", "Do")
	if err := call.Validate(); err != nil {
		t.Fatalf("call with path and member should validate: %v", err)
	}

	// Interface is optional for calls.
	bare := NewCall("/obj", "", "Do")
	if err := bare.Validate(); err != nil {
		t.Fatalf("call without interface should validate: %v", err)
	}

	missing := New(KindCall)
	missing.SetField(FieldPath, codec.MakeVariant("o", codec.ObjectPath("/obj")))
	if err := missing.Validate(); err == nil {
		t.Fatal("call without member should fail validation")
	}

	sig := NewSignal("/obj", "com.example.Iface", "Changed")
	if err := sig.Validate(); err != nil {
		t.Fatalf("signal should validate: %v", err)
	}
	noIface := New(KindSignal)
	noIface.SetField(FieldPath, codec.MakeVariant("o", codec.ObjectPath("/obj")))
	noIface.SetField(FieldMember, codec.MakeVariant("s", "Changed"))
	if err := noIface.Validate(); err == nil {
		t.Fatal("signal requires an interface")
	}

	ret := NewReturn(7)
	if err := ret.Validate(); err != nil {
		t.Fatalf("return should validate: %v", err)
	}
	if err := New(KindReturn).Validate(); err == nil {
		t.Fatal("return requires a reply serial")
	}

	failure := NewError("com.example.Error.Boom", 7)
	if err := failure.Validate(); err != nil {
		t.Fatalf("error reply should validate: %v", err)
	}
	if err := New(KindError).Validate(); err == nil {
		t.Fatal("error reply requires name and reply serial")
	}
}

func TestValidateErrorIsMalformed(t *testing.T) {
	err := New(KindCall).Validate()
	var malformed *MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("validation error %T should be *MalformedError", err)
	}
}

func TestBodyRoundTrip(t *testing.T) {
	m := NewCall("/obj", "com.example.Iface", "Do")
	if err := m.SetBody(signature.MustParse("is"), int32(4), "x"); err != nil {
		t.Fatal(err)
	}
	sig, ok := m.BodySignature()
	if !ok || sig.String() != "is" {
		t.Fatalf("body signature = %q", sig.String())
	}
	vals, err := m.BodyValues()
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != int32(4) || vals[1] != "x" {
		t.Fatalf("body values %#v", vals)
	}
}

func TestEmptyBody(t *testing.T) {
	m := NewReturn(1)
	vals, err := m.BodyValues()
	if err != nil || vals != nil {
		t.Fatalf("empty body: vals=%v err=%v", vals, err)
	}
	if err := m.SetBody(signature.Sig{}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetBody(signature.Sig{}, int32(1)); err == nil {
		t.Fatal("values with empty signature should fail")
	}
}

func TestBodyWithoutSignatureField(t *testing.T) {
	m := NewReturn(1)
	m.Body = []byte{1, 2, 3}
	if _, err := m.BodyValues(); err == nil {
		t.Fatal("body without signature field should fail")
	}
}

func TestReplySerialAccessor(t *testing.T) {
	m := NewReturn(42)
	serial, ok := m.ReplySerial()
	if !ok || serial != 42 {
		t.Fatalf("ReplySerial = %d, %v", serial, ok)
	}
	if _, ok := NewCall("/o", "", "M").ReplySerial(); ok {
		t.Fatal("call has no reply serial")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(1) != KindCall || KindOf(4) != KindSignal {
		t.Fatal("known kind bytes mismapped")
	}
	if KindOf(0) != KindInvalid || KindOf(200) != KindInvalid {
		t.Fatal("unknown kind bytes should map to KindInvalid")
	}
}

func TestMatchRule(t *testing.T) {
	sig := NewSignal("/obj", "com.example.Iface", "Changed")

	cases := []struct {
		rule MatchRule
		want bool
	}{
		{MatchRule{}, true},
		{MatchRule{Kind: KindSignal}, true},
		{MatchRule{Kind: KindCall}, false},
		{MatchRule{Interface: "com.example.Iface"}, true},
		{MatchRule{Interface: "com.example.Other"}, false},
		{MatchRule{Path: "/obj", Member: "Changed"}, true},
		{MatchRule{Path: "/other"}, false},
	}
	for i, tc := range cases {
		if got := tc.rule.Matches(sig); got != tc.want {
			t.Errorf("case %d: Matches = %v, want %v", i, got, tc.want)
		}
	}
}
