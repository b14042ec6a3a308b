package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"strings"
)

// External is the identity-based mechanism: the client asserts an identity
// (a numeric user id on unix systems) and the transport is trusted to have
// verified it out of band.
type External struct {
	// Identity is the asserted identity. Empty means the current user's id.
	Identity string
}

func (External) Name() string { return "EXTERNAL" }

func (m External) InitialResponse() ([]byte, error) {
	id := m.Identity
	if id == "" {
		u, err := user.Current()
		if err != nil {
			return nil, err
		}
		id = u.Uid
	}
	return []byte(id), nil
}

func (External) Challenge([]byte) ([]byte, error) {
	return nil, fmt.Errorf("EXTERNAL expects no challenge")
}

// CookieSHA1 is the shared-secret challenge/response mechanism: both sides
// read a cookie from a keyring file only the user can read, and prove
// possession by exchanging nonces and a keyed hash, never the cookie
// itself.
type CookieSHA1 struct {
	// Identity is the user name proposed to the server. Empty means the
	// current user.
	Identity string
	// Keyring locates the cookie files. The zero value uses the standard
	// per-user directory.
	Keyring Keyring
}

func (CookieSHA1) Name() string { return "DBUS_COOKIE_SHA1" }

func (m CookieSHA1) InitialResponse() ([]byte, error) {
	id := m.Identity
	if id == "" {
		u, err := user.Current()
		if err != nil {
			return nil, err
		}
		id = u.Username
	}
	return []byte(id), nil
}

// Challenge answers "context cookie-id server-challenge" with
// "client-challenge hex(sha1(server:client:cookie))".
func (m CookieSHA1) Challenge(challenge []byte) ([]byte, error) {
	parts := strings.Fields(string(challenge))
	if len(parts) != 3 {
		return nil, &Error{Reason: "cookie challenge needs 3 fields"}
	}
	context, id, serverChallenge := parts[0], parts[1], parts[2]

	cookie, err := m.Keyring.Lookup(context, id)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	clientChallenge := hex.EncodeToString(nonce)

	digest := CookieDigest(serverChallenge, clientChallenge, cookie)
	return []byte(clientChallenge + " " + digest), nil
}

// CookieDigest is the keyed hash both sides compute:
// sha1 over "server-challenge:client-challenge:cookie", hex encoded.
func CookieDigest(serverChallenge, clientChallenge, cookie string) string {
	sum := sha1.Sum([]byte(serverChallenge + ":" + clientChallenge + ":" + cookie))
	return hex.EncodeToString(sum[:])
}

// Keyring reads cookies from a directory of context files. Each line of a
// context file is "cookie-id creation-time cookie-hex".
type Keyring struct {
	// Dir overrides the cookie directory; empty means ~/.dbus-keyrings.
	Dir string
}

func (k Keyring) dir() (string, error) {
	if k.Dir != "" {
		return k.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home + "/.dbus-keyrings", nil
}

// Lookup returns the cookie with the given id from the context file.
func (k Keyring) Lookup(context, id string) (string, error) {
	// Context names become file names; refuse anything that could escape
	// the keyring directory.
	if context == "" || strings.ContainsAny(context, "/\\") || strings.Contains(context, "..") {
		return "", &Error{Reason: "invalid cookie context name"}
	}
	dir, err := k.dir()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(dir + "/" + context)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == id {
			return fields[2], nil
		}
	}
	return "", &Error{Reason: "cookie " + id + " not found in context " + context}
}
