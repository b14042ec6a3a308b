package message

import "wirebus/signature"

// Well-known error names carried in the ErrorName header field of error
// replies. Peers match on the name, not on the body text.
const (
	ErrNameFailed           = "bus.Error.Failed"
	ErrNameUnknownObject    = "bus.Error.UnknownObject"
	ErrNameUnknownInterface = "bus.Error.UnknownInterface"
	ErrNameUnknownMethod    = "bus.Error.UnknownMethod"
	ErrNameUnknownProperty  = "bus.Error.UnknownProperty"
	ErrNameInvalidArgs      = "bus.Error.InvalidArgs"
	ErrNameLimitsExceeded   = "bus.Error.LimitsExceeded"
	ErrNamePropertyReadOnly = "bus.Error.PropertyReadOnly"
)

var stringSig = signature.MustParse("s")

// NewErrorReply builds an error reply to call carrying name and a
// human-readable text body.
func NewErrorReply(call *Message, name, text string) *Message {
	m := NewError(name, call.Serial)
	m.SetBody(stringSig, text)
	return m
}
