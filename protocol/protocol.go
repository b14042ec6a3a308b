// Package protocol frames complete bus messages onto a byte stream.
//
// It solves the stream's sticky-message problem the usual way: a fixed-size
// prefix is read first to determine how many bytes the rest of the message
// occupies, then exactly that many bytes are read.
//
// Wire layout (all offsets from the start of the message):
//
//	0        1    2     3       4        8       12           16
//	┌────────┬────┬─────┬───────┬────────┬───────┬────────────┬───────────┬──────┐
//	│ endian │kind│flags│version│ bodyLen│ serial│ fieldsLen  │ fields ...│ body │
//	│ 'l'/'B'│ y  │  y  │   y   │  u32   │  u32  │ u32 (a(yv))│ pad to 8  │      │
//	└────────┴────┴─────┴───────┴────────┴───────┴────────────┴───────────┴──────┘
//
// The header-field array is marshaled with the strict codec, so its
// alignment is measured from message offset 0; the body begins on the next
// 8-byte boundary after it.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"wirebus/codec"
	"wirebus/message"
	"wirebus/signature"
)

const (
	// Version is the protocol major version; only 1 exists.
	Version byte = 1

	// MinMessageSize is the fixed prefix: 12 primary bytes plus the
	// 4-byte length of the field array.
	MinMessageSize = 16

	// MaxMessageSize caps a complete message, header included.
	MaxMessageSize = 128 * 1024 * 1024 // 128 MiB

	endianLittle byte = 'l'
	endianBig    byte = 'B'
)

// headerSig describes the entire header up to (not including) the pad
// before the body.
var headerSig = signature.MustParse("yyyyuua(yv)")

var fieldSig = map[message.FieldCode]string{
	message.FieldPath:        "o",
	message.FieldInterface:   "s",
	message.FieldMember:      "s",
	message.FieldErrorName:   "s",
	message.FieldReplySerial: "u",
	message.FieldDestination: "s",
	message.FieldSender:      "s",
	message.FieldSignature:   "g",
	message.FieldUnixFDs:     "u",
}

// StreamError is a framing failure after which the byte offset of the next
// message cannot be trusted. The connection must close; per-message body
// problems are reported as *message.MalformedError instead and are
// recoverable.
type StreamError struct {
	Reason string
}

func (e *StreamError) Error() string { return "message stream corrupted: " + e.Reason }

// Is matches any *StreamError target.
func (e *StreamError) Is(target error) bool {
	_, ok := target.(*StreamError)
	return ok
}

// Encode frames m and writes it to w as a single Write call, so a writer
// serialized by the caller never interleaves partial messages.
func Encode(w io.Writer, m *message.Message) error {
	buf, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Marshal frames m into a byte slice. The message must carry the header
// fields its kind requires.
func Marshal(m *message.Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if len(m.Body) > MaxMessageSize {
		return nil, &message.MalformedError{Reason: "body exceeds maximum message size"}
	}

	// Deterministic field order; the protocol does not require one, but
	// stable bytes are easier on tests and on traffic capture.
	codes := make([]message.FieldCode, 0, len(m.Fields))
	for c := range m.Fields {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	fields := make([]any, 0, len(codes))
	for _, c := range codes {
		v := m.Fields[c]
		if want, ok := fieldSig[c]; ok && v.Sig.String() != want {
			return nil, &message.MalformedError{
				Reason: fmt.Sprintf("field %d has signature %q, want %q", c, v.Sig.String(), want),
			}
		}
		fields = append(fields, []any{byte(c), v})
	}

	head, err := codec.Marshal(codec.ModeStrict, headerSig, []any{
		endianLittle,
		byte(m.Kind),
		byte(m.Flags),
		Version,
		uint32(len(m.Body)),
		m.Serial,
		fields,
	}, 0)
	if err != nil {
		return nil, err
	}

	total := alignUp(len(head), 8) + len(m.Body)
	if total > MaxMessageSize {
		return nil, &message.MalformedError{Reason: "message exceeds maximum size"}
	}
	buf := make([]byte, 0, total)
	buf = append(buf, head...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return append(buf, m.Body...), nil
}

// Decode reads one complete message from r. io errors and *StreamError are
// fatal for the stream; a *message.MalformedError means this message is
// unusable but the next one can still be framed.
func Decode(r io.Reader) (*message.Message, error) {
	prefix := make([]byte, MinMessageSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	var order binary.ByteOrder
	switch prefix[0] {
	case endianLittle:
		order = binary.LittleEndian
	case endianBig:
		order = binary.BigEndian
	default:
		return nil, &StreamError{Reason: fmt.Sprintf("unknown endianness marker %#x", prefix[0])}
	}
	if prefix[3] != Version {
		return nil, &StreamError{Reason: fmt.Sprintf("unsupported protocol version %d", prefix[3])}
	}

	bodyLen := int(order.Uint32(prefix[4:8]))
	fieldsLen := int(order.Uint32(prefix[12:16]))
	headerLen := MinMessageSize + fieldsLen
	total := alignUp(headerLen, 8) + bodyLen
	if total > MaxMessageSize {
		return nil, &StreamError{Reason: fmt.Sprintf("declared message size %d exceeds maximum", total)}
	}

	full := make([]byte, total)
	copy(full, prefix)
	if _, err := io.ReadFull(r, full[MinMessageSize:]); err != nil {
		return nil, err
	}
	return unmarshal(full, order, headerLen, bodyLen)
}

// Unmarshal parses one complete framed message from buf.
func Unmarshal(buf []byte) (*message.Message, error) {
	if len(buf) < MinMessageSize {
		return nil, &StreamError{Reason: "message shorter than fixed header"}
	}
	var order binary.ByteOrder
	switch buf[0] {
	case endianLittle:
		order = binary.LittleEndian
	case endianBig:
		order = binary.BigEndian
	default:
		return nil, &StreamError{Reason: fmt.Sprintf("unknown endianness marker %#x", buf[0])}
	}
	if buf[3] != Version {
		return nil, &StreamError{Reason: fmt.Sprintf("unsupported protocol version %d", buf[3])}
	}
	bodyLen := int(order.Uint32(buf[4:8]))
	fieldsLen := int(order.Uint32(buf[12:16]))
	headerLen := MinMessageSize + fieldsLen
	if alignUp(headerLen, 8)+bodyLen != len(buf) {
		return nil, &StreamError{Reason: "message length does not match declared sizes"}
	}
	return unmarshal(buf, order, headerLen, bodyLen)
}

func unmarshal(full []byte, order binary.ByteOrder, headerLen, bodyLen int) (*message.Message, error) {
	vals, err := codec.UnmarshalOrder(codec.ModeStrict, headerSig, full[:headerLen], order)
	if err != nil {
		// The declared lengths framed the message correctly, so the
		// stream survives; only this message is lost.
		return nil, &message.MalformedError{Reason: "header fields: " + err.Error()}
	}

	m := message.New(message.KindOf(vals[1].(byte)))
	m.Flags = message.Flags(vals[2].(byte))
	m.Serial = vals[5].(uint32)
	m.Order = order
	m.Body = full[alignUp(headerLen, 8):]

	for _, f := range vals[6].([]any) {
		pair := f.([]any)
		code := message.FieldCode(pair[0].(byte))
		v := pair[1].(codec.Variant)
		if want, ok := fieldSig[code]; ok {
			if v.Sig.String() != want {
				return nil, &message.MalformedError{
					Reason: fmt.Sprintf("field %d has signature %q, want %q", code, v.Sig.String(), want),
				}
			}
			m.SetField(code, v)
		}
		// Unknown field codes are ignored for forward compatibility.
	}

	if _, ok := m.BodySignature(); !ok && bodyLen > 0 {
		return nil, &message.MalformedError{Reason: "body present without signature field"}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func alignUp(n, align int) int {
	if r := n % align; r != 0 {
		return n + align - r
	}
	return n
}
