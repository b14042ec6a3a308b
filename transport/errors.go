package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is the reason recorded when the local side closed the
// connection deliberately.
var ErrClosed = errors.New("connection closed")

// ClosedError resolves every call still outstanding when the connection
// reaches the closed state. Reason is what killed the transport.
type ClosedError struct {
	Reason error
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("connection closed: %v", e.Reason)
}

func (e *ClosedError) Unwrap() error { return e.Reason }

// Is matches any *ClosedError target.
func (e *ClosedError) Is(target error) bool {
	_, ok := target.(*ClosedError)
	return ok
}

// TimeoutError reports a call whose deadline elapsed with no reply.
type TimeoutError struct {
	Serial uint32
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %d timed out after %s", e.Serial, e.After)
}

// Is matches any *TimeoutError target.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// CallError is a peer's error reply to a method call: a named bus error
// plus whatever body it carried.
type CallError struct {
	Name string
	Body []any
}

func (e *CallError) Error() string {
	if len(e.Body) > 0 {
		if s, ok := e.Body[0].(string); ok {
			return e.Name + ": " + s
		}
	}
	return e.Name
}

// Is matches any *CallError target.
func (e *CallError) Is(target error) bool {
	_, ok := target.(*CallError)
	return ok
}
