// Package message defines the protocol message exchanged between bus peers.
//
// A Message is the envelope for every method call, reply, error and signal.
// The header (kind, flags, serial, header-field array) is what the framing
// layer serializes; the body stays raw bytes until a consumer asks for it,
// at which point it is decoded against the signature header field.
package message

import (
	"encoding/binary"
	"fmt"

	"wirebus/codec"
	"wirebus/signature"
)

// Kind is the message type carried in the third header byte.
type Kind byte

const (
	// KindInvalid tags unknown kind bytes on received messages. The pump
	// drops such messages rather than failing the stream.
	KindInvalid Kind = 0
	// KindCall is a method call, usually expecting a reply.
	KindCall Kind = 1
	// KindReturn is the successful reply to a method call.
	KindReturn Kind = 2
	// KindError is the failure reply to a method call.
	KindError Kind = 3
	// KindSignal is a broadcast emission with no reply.
	KindSignal Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// KindOf maps a wire byte to a Kind; anything unknown is KindInvalid.
func KindOf(b byte) Kind {
	if b >= 1 && b <= 4 {
		return Kind(b)
	}
	return KindInvalid
}

// Flags is the header flag bitmask.
type Flags byte

const (
	// FlagNoReplyExpected suppresses the reply to a method call.
	FlagNoReplyExpected Flags = 0x1
	// FlagNoAutoStart asks the bus not to launch an owner for the
	// destination name.
	FlagNoAutoStart Flags = 0x2
	// FlagAllowInteractiveAuth tells the receiver the caller will wait for
	// interactive authorization.
	FlagAllowInteractiveAuth Flags = 0x4
)

// FieldCode identifies a header field.
type FieldCode byte

const (
	FieldPath        FieldCode = 1 // o
	FieldInterface   FieldCode = 2 // s
	FieldMember      FieldCode = 3 // s
	FieldErrorName   FieldCode = 4 // s
	FieldReplySerial FieldCode = 5 // u
	FieldDestination FieldCode = 6 // s
	FieldSender      FieldCode = 7 // s
	FieldSignature   FieldCode = 8 // g
	FieldUnixFDs     FieldCode = 9 // u
)

// MalformedError reports a message that violates the protocol: a missing
// required header field, an ill-typed field, or a body/signature mismatch.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string { return "malformed message: " + e.Reason }

// Is matches any *MalformedError target.
func (e *MalformedError) Is(target error) bool {
	_, ok := target.(*MalformedError)
	return ok
}

// Message carries the data for a single protocol exchange.
//
//   - On a call: Kind is KindCall, Path/Member (and usually Interface) are
//     set, Serial is assigned by the connection at send time.
//   - On a reply: Kind is KindReturn or KindError and ReplySerial names the
//     call being answered.
type Message struct {
	Kind   Kind
	Flags  Flags
	Serial uint32

	// Fields holds the header fields keyed by code. Values are variants,
	// exactly as framed.
	Fields map[FieldCode]codec.Variant

	// Body holds the raw body bytes; decode on demand with BodyValues.
	Body []byte

	// Order is the scalar byte order the message was framed with. Nil means
	// little-endian.
	Order binary.ByteOrder
}

// New returns an empty message of the given kind.
func New(kind Kind) *Message {
	return &Message{Kind: kind, Fields: make(map[FieldCode]codec.Variant)}
}

// NewCall builds a method-call message for path, interface and member.
// The interface may be empty; the protocol makes it optional for calls.
func NewCall(path codec.ObjectPath, iface, member string) *Message {
	m := New(KindCall)
	m.SetField(FieldPath, codec.MakeVariant("o", path))
	if iface != "" {
		m.SetField(FieldInterface, codec.MakeVariant("s", iface))
	}
	m.SetField(FieldMember, codec.MakeVariant("s", member))
	return m
}

// NewReturn builds the successful reply to the call with the given serial.
func NewReturn(replySerial uint32) *Message {
	m := New(KindReturn)
	m.SetField(FieldReplySerial, codec.MakeVariant("u", replySerial))
	return m
}

// NewError builds the failure reply to the call with the given serial.
func NewError(name string, replySerial uint32) *Message {
	m := New(KindError)
	m.SetField(FieldErrorName, codec.MakeVariant("s", name))
	m.SetField(FieldReplySerial, codec.MakeVariant("u", replySerial))
	return m
}

// NewSignal builds a signal emission from path, interface and member.
func NewSignal(path codec.ObjectPath, iface, member string) *Message {
	m := New(KindSignal)
	m.SetField(FieldPath, codec.MakeVariant("o", path))
	m.SetField(FieldInterface, codec.MakeVariant("s", iface))
	m.SetField(FieldMember, codec.MakeVariant("s", member))
	return m
}

// SetField sets a header field.
func (m *Message) SetField(code FieldCode, v codec.Variant) {
	if m.Fields == nil {
		m.Fields = make(map[FieldCode]codec.Variant)
	}
	m.Fields[code] = v
}

// SetBody encodes values against sig into the body and records the
// signature header field. An empty signature clears the body.
func (m *Message) SetBody(sig signature.Sig, values ...any) error {
	if sig.Empty() {
		if len(values) != 0 {
			return &MalformedError{Reason: "body values given with empty signature"}
		}
		m.Body = nil
		delete(m.Fields, FieldSignature)
		return nil
	}
	// The body begins on an 8-byte boundary of the message, so encoding
	// from offset 0 preserves absolute alignment.
	body, err := codec.Marshal(codec.ModeStrict, sig, values, 0)
	if err != nil {
		return err
	}
	m.Body = body
	m.SetField(FieldSignature, codec.MakeVariant("g", sig))
	return nil
}

// BodyValues decodes the body against the signature header field. A message
// with no signature field and no body yields nil values.
func (m *Message) BodyValues() ([]any, error) {
	sig, ok := m.BodySignature()
	if !ok {
		if len(m.Body) != 0 {
			return nil, &MalformedError{Reason: "body present without signature field"}
		}
		return nil, nil
	}
	order := m.Order
	if order == nil {
		order = binary.LittleEndian
	}
	return codec.UnmarshalOrder(codec.ModeStrict, sig, m.Body, order)
}

// BodySignature returns the signature header field, if present and
// well-typed.
func (m *Message) BodySignature() (signature.Sig, bool) {
	v, ok := m.Fields[FieldSignature]
	if !ok {
		return signature.Sig{}, false
	}
	sig, ok := v.Value.(signature.Sig)
	return sig, ok
}

func (m *Message) strField(code FieldCode) string {
	if v, ok := m.Fields[code]; ok {
		if s, ok := v.Value.(string); ok {
			return s
		}
	}
	return ""
}

// Path returns the object path field, or "" when absent.
func (m *Message) Path() codec.ObjectPath {
	if v, ok := m.Fields[FieldPath]; ok {
		if p, ok := v.Value.(codec.ObjectPath); ok {
			return p
		}
	}
	return ""
}

// Interface returns the interface field, or "".
func (m *Message) Interface() string { return m.strField(FieldInterface) }

// Member returns the member field, or "".
func (m *Message) Member() string { return m.strField(FieldMember) }

// ErrorName returns the error-name field, or "".
func (m *Message) ErrorName() string { return m.strField(FieldErrorName) }

// Destination returns the destination field, or "".
func (m *Message) Destination() string { return m.strField(FieldDestination) }

// Sender returns the sender field, or "".
func (m *Message) Sender() string { return m.strField(FieldSender) }

// ReplySerial returns the reply-serial field and whether it is present.
func (m *Message) ReplySerial() (uint32, bool) {
	if v, ok := m.Fields[FieldReplySerial]; ok {
		if s, ok := v.Value.(uint32); ok {
			return s, true
		}
	}
	return 0, false
}

// requiredFields lists what each kind must carry.
var requiredFields = map[Kind][]FieldCode{
	KindCall:   {FieldPath, FieldMember},
	KindSignal: {FieldPath, FieldInterface, FieldMember},
	KindError:  {FieldErrorName, FieldReplySerial},
	KindReturn: {FieldReplySerial},
}

var fieldNames = map[FieldCode]string{
	FieldPath:        "Path",
	FieldInterface:   "Interface",
	FieldMember:      "Member",
	FieldErrorName:   "ErrorName",
	FieldReplySerial: "ReplySerial",
	FieldDestination: "Destination",
	FieldSender:      "Sender",
	FieldSignature:   "Signature",
	FieldUnixFDs:     "UnixFDs",
}

// Validate checks that the message carries the header fields its kind
// requires. Framing refuses to encode a message that fails this.
func (m *Message) Validate() error {
	if m.Kind == KindInvalid {
		return &MalformedError{Reason: "invalid message kind"}
	}
	for _, code := range requiredFields[m.Kind] {
		if _, ok := m.Fields[code]; !ok {
			return &MalformedError{
				Reason: fmt.Sprintf("%s message missing required field %s", m.Kind, fieldNames[code]),
			}
		}
	}
	return nil
}
