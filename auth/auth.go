// Package auth implements the textual authentication handshake that
// precedes binary message framing on a bus connection.
//
// The handshake is line oriented: CRLF-terminated commands with hex-encoded
// arguments, entirely distinct from the binary framing that follows. The
// client proposes a mechanism; the server accepts, rejects or challenges.
// A rejection lets the client fall back to its next configured mechanism.
// Once the server says OK the client sends BEGIN and the channel
// irreversibly switches to binary framing.
package auth

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// MaxLineLength bounds a single handshake line. A peer sending a longer
// line is not negotiating, it is flooding; the handshake fails rather than
// buffering without bound.
const MaxLineLength = 16 * 1024

// Error reports a failed handshake: every configured mechanism exhausted,
// or a malformed exchange.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "authentication failed: " + e.Reason }

// Is matches any *Error target.
func (e *Error) Is(target error) bool {
	_, ok := target.(*Error)
	return ok
}

// Mechanism is one authentication mechanism the client can propose.
type Mechanism interface {
	// Name is the mechanism name sent on the AUTH line.
	Name() string
	// InitialResponse is the payload hex-encoded onto the AUTH line.
	InitialResponse() ([]byte, error)
	// Challenge answers a server DATA challenge.
	Challenge(challenge []byte) ([]byte, error)
}

// Authenticate runs the client side of the handshake over rw, trying each
// mechanism in order until one is accepted. It returns the server's GUID.
//
// The function reads one byte at a time so that no bytes of the binary
// stream that follows BEGIN are consumed.
func Authenticate(rw io.ReadWriter, mechs []Mechanism) (guid string, err error) {
	if len(mechs) == 0 {
		return "", &Error{Reason: "no mechanisms configured"}
	}
	// The protocol opens with a single NUL byte before the first command.
	if _, err := rw.Write([]byte{0}); err != nil {
		return "", err
	}

	var lastReject string
	for _, mech := range mechs {
		guid, retry, err := tryMechanism(rw, mech)
		if err != nil {
			return "", err
		}
		if retry == "" {
			return guid, nil
		}
		lastReject = retry
	}
	return "", &Error{Reason: "all mechanisms rejected, last: " + lastReject}
}

// tryMechanism proposes one mechanism. A non-empty retry return means the
// server rejected it and the next mechanism should be tried.
func tryMechanism(rw io.ReadWriter, mech Mechanism) (guid, retry string, err error) {
	initial, err := mech.InitialResponse()
	if err != nil {
		// A mechanism that cannot produce its payload (no cookie on disk,
		// say) is skipped, not fatal.
		return "", fmt.Sprintf("%s unavailable: %v", mech.Name(), err), nil
	}
	if err := writeLine(rw, "AUTH "+mech.Name()+" "+hex.EncodeToString(initial)); err != nil {
		return "", "", err
	}

	for {
		line, err := readLine(rw)
		if err != nil {
			return "", "", err
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "OK":
			if err := writeLine(rw, "BEGIN"); err != nil {
				return "", "", err
			}
			return arg, "", nil

		case "DATA":
			challenge, err := hex.DecodeString(arg)
			if err != nil {
				return "", "", &Error{Reason: "malformed hex in challenge"}
			}
			resp, err := mech.Challenge(challenge)
			if err != nil {
				// Bail out of this mechanism cleanly and wait for the
				// server's REJECTED before falling back.
				if err := writeLine(rw, "CANCEL"); err != nil {
					return "", "", err
				}
				continue
			}
			if err := writeLine(rw, "DATA "+hex.EncodeToString(resp)); err != nil {
				return "", "", err
			}

		case "REJECTED":
			return "", mech.Name() + " rejected (server offers: " + arg + ")", nil

		case "ERROR":
			if err := writeLine(rw, "CANCEL"); err != nil {
				return "", "", err
			}

		default:
			return "", "", &Error{Reason: "unexpected command " + cmd}
		}
	}
}

func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\r\n")
	return err
}

// readLine reads a CRLF-terminated line one byte at a time, failing once
// MaxLineLength is exceeded.
func readLine(r io.Reader) (string, error) {
	var b strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		b.WriteByte(buf[0])
		if buf[0] == '\n' {
			line := b.String()
			if !strings.HasSuffix(line, "\r\n") {
				return "", &Error{Reason: "line not CRLF terminated"}
			}
			return strings.TrimSuffix(line, "\r\n"), nil
		}
		if b.Len() > MaxLineLength {
			return "", &Error{Reason: "handshake line exceeds maximum length"}
		}
	}
}
