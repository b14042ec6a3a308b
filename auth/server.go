package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"strings"
)

// ServerConfig configures the answering side of the handshake.
type ServerConfig struct {
	// GUID identifies the server; sent on the OK line.
	GUID string

	// VerifyExternal validates an EXTERNAL identity. Nil disables the
	// mechanism.
	VerifyExternal func(identity string) bool

	// Keyring and CookieContext enable DBUS_COOKIE_SHA1. CookieID names
	// the cookie that challenges are issued against.
	Keyring       Keyring
	CookieContext string
	CookieID      string
}

func (c ServerConfig) offered() string {
	var names []string
	if c.VerifyExternal != nil {
		names = append(names, External{}.Name())
	}
	if c.CookieContext != "" {
		names = append(names, CookieSHA1{}.Name())
	}
	return strings.Join(names, " ")
}

// Serve runs the server side of the handshake over rw, returning once the
// client has sent BEGIN. Used for peer-to-peer listening endpoints and in
// tests; a bus daemon has its own implementation.
func Serve(rw io.ReadWriter, cfg ServerConfig) error {
	nul := make([]byte, 1)
	if _, err := io.ReadFull(rw, nul); err != nil {
		return err
	}
	if nul[0] != 0 {
		return &Error{Reason: "handshake does not start with NUL"}
	}

	for {
		line, err := readLine(rw)
		if err != nil {
			return err
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "AUTH":
			mech, hexArg, _ := strings.Cut(arg, " ")
			initial, err := hex.DecodeString(hexArg)
			if err != nil {
				if err := writeLine(rw, "ERROR malformed hex"); err != nil {
					return err
				}
				continue
			}
			ok, err := serveMechanism(rw, cfg, mech, string(initial))
			if err != nil {
				return err
			}
			if !ok {
				if err := writeLine(rw, "REJECTED "+cfg.offered()); err != nil {
					return err
				}
				continue
			}
			if err := writeLine(rw, "OK "+cfg.GUID); err != nil {
				return err
			}

		case "BEGIN":
			return nil

		case "CANCEL", "ERROR":
			if err := writeLine(rw, "REJECTED "+cfg.offered()); err != nil {
				return err
			}

		default:
			if err := writeLine(rw, "ERROR unknown command"); err != nil {
				return err
			}
		}
	}
}

func serveMechanism(rw io.ReadWriter, cfg ServerConfig, mech, initial string) (bool, error) {
	switch mech {
	case "EXTERNAL":
		if cfg.VerifyExternal == nil {
			return false, nil
		}
		return cfg.VerifyExternal(initial), nil

	case "DBUS_COOKIE_SHA1":
		if cfg.CookieContext == "" {
			return false, nil
		}
		cookie, err := cfg.Keyring.Lookup(cfg.CookieContext, cfg.CookieID)
		if err != nil {
			return false, nil
		}
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return false, err
		}
		serverChallenge := hex.EncodeToString(nonce)
		payload := cfg.CookieContext + " " + cfg.CookieID + " " + serverChallenge
		if err := writeLine(rw, "DATA "+hex.EncodeToString([]byte(payload))); err != nil {
			return false, err
		}

		line, err := readLine(rw)
		if err != nil {
			return false, err
		}
		cmd, arg, _ := strings.Cut(line, " ")
		if cmd != "DATA" {
			return false, nil
		}
		resp, err := hex.DecodeString(arg)
		if err != nil {
			return false, nil
		}
		parts := strings.Fields(string(resp))
		if len(parts) != 2 {
			return false, nil
		}
		want := CookieDigest(serverChallenge, parts[0], cookie)
		return subtle.ConstantTimeCompare([]byte(want), []byte(parts[1])) == 1, nil

	default:
		return false, nil
	}
}
