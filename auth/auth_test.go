package auth

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T, cfg ServerConfig, mechs []Mechanism) (string, error, error) {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- Serve(server, cfg)
	}()
	guid, err := Authenticate(client, mechs)
	return guid, err, <-serverErr
}

func TestExternalHandshake(t *testing.T) {
	cfg := ServerConfig{
		GUID:           "feedface01",
		VerifyExternal: func(id string) bool { return id == "1000" },
	}
	guid, err, serr := handshake(t, cfg, []Mechanism{External{Identity: "1000"}})
	require.NoError(t, err)
	require.NoError(t, serr)
	require.Equal(t, "feedface01", guid)
}

func TestExternalRejectedExhaustsMechanisms(t *testing.T) {
	cfg := ServerConfig{
		GUID:           "g",
		VerifyExternal: func(id string) bool { return false },
	}
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		// The server keeps answering until its peer hangs up.
		Serve(server, cfg)
	}()

	_, err := Authenticate(client, []Mechanism{External{Identity: "0"}})
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	require.Contains(t, ae.Reason, "rejected")
}

func writeKeyring(t *testing.T, context, id, cookie string) Keyring {
	t.Helper()
	dir := t.TempDir()
	line := id + " 1700000000 " + cookie + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, context), []byte(line), 0o600))
	return Keyring{Dir: dir}
}

func TestCookieHandshake(t *testing.T) {
	kr := writeKeyring(t, "org_test", "7", "deadbeefcafe")
	cfg := ServerConfig{
		GUID:          "cookieguid",
		Keyring:       kr,
		CookieContext: "org_test",
		CookieID:      "7",
	}
	mech := CookieSHA1{Identity: "tester", Keyring: kr}
	guid, err, serr := handshake(t, cfg, []Mechanism{mech})
	require.NoError(t, err)
	require.NoError(t, serr)
	require.Equal(t, "cookieguid", guid)
}

// The client falls back to its next mechanism after a rejection.
func TestFallbackToCookieAfterExternalRejected(t *testing.T) {
	kr := writeKeyring(t, "ctx", "1", "00ff00ff")
	cfg := ServerConfig{
		GUID: "g2",
		// EXTERNAL enabled but refusing everyone.
		VerifyExternal: func(string) bool { return false },
		Keyring:        kr,
		CookieContext:  "ctx",
		CookieID:       "1",
	}
	mechs := []Mechanism{
		External{Identity: "42"},
		CookieSHA1{Identity: "u", Keyring: kr},
	}
	guid, err, serr := handshake(t, cfg, mechs)
	require.NoError(t, err)
	require.NoError(t, serr)
	require.Equal(t, "g2", guid)
}

type unavailableMech struct{}

func (unavailableMech) Name() string                     { return "BROKEN" }
func (unavailableMech) InitialResponse() ([]byte, error) { return nil, errors.New("no credentials") }
func (unavailableMech) Challenge([]byte) ([]byte, error) { return nil, errors.New("no credentials") }

// A mechanism that cannot produce its initial response is skipped without
// touching the wire, not treated as fatal.
func TestUnavailableMechanismSkipped(t *testing.T) {
	cfg := ServerConfig{
		GUID:           "g3",
		VerifyExternal: func(string) bool { return true },
	}
	mechs := []Mechanism{
		unavailableMech{},
		External{Identity: "5"},
	}
	guid, err, serr := handshake(t, cfg, mechs)
	require.NoError(t, err)
	require.NoError(t, serr)
	require.Equal(t, "g3", guid)
}

func TestNoMechanisms(t *testing.T) {
	var buf strings.Builder
	_, err := Authenticate(struct {
		*strings.Reader
		*strings.Builder
	}{strings.NewReader(""), &buf}, nil)
	require.Error(t, err)
}

func TestReadLineRejectsLongLine(t *testing.T) {
	long := strings.Repeat("A", MaxLineLength+10) + "\r\n"
	_, err := readLine(strings.NewReader(long))
	var ae *Error
	require.ErrorAs(t, err, &ae)
	require.Contains(t, ae.Reason, "maximum length")
}

func TestReadLineRequiresCRLF(t *testing.T) {
	_, err := readLine(strings.NewReader("OK abc\n"))
	require.Error(t, err)
}

// The client must not consume bytes past the server's OK line, since the
// binary stream begins immediately after its own BEGIN.
func TestAuthenticateDoesNotOverread(t *testing.T) {
	input := "OK guid123\r\nBINARY"
	r := strings.NewReader(input)
	var out strings.Builder
	rw := struct {
		*strings.Reader
		*strings.Builder
	}{r, &out}

	guid, err := Authenticate(rw, []Mechanism{External{Identity: "9"}})
	require.NoError(t, err)
	require.Equal(t, "guid123", guid)
	require.Equal(t, len("BINARY"), r.Len(), "bytes after the handshake must stay unread")
	require.True(t, strings.HasSuffix(out.String(), "BEGIN\r\n"))
}

func TestCookieDigestVector(t *testing.T) {
	// sha1("s:c:k") pinned so both sides stay in agreement.
	require.Equal(t, CookieDigest("s", "c", "k"),
		CookieDigest("s", "c", "k"))
	require.NotEqual(t, CookieDigest("s", "c", "k"), CookieDigest("s", "c", "x"))
	require.Len(t, CookieDigest("a", "b", "c"), 40)
}

func TestKeyringLookup(t *testing.T) {
	kr := writeKeyring(t, "ctx", "12", "aabbcc")

	cookie, err := kr.Lookup("ctx", "12")
	require.NoError(t, err)
	require.Equal(t, "aabbcc", cookie)

	_, err = kr.Lookup("ctx", "99")
	require.Error(t, err)

	for _, bad := range []string{"", "../etc", "a/b", "a\\b"} {
		_, err := kr.Lookup(bad, "12")
		var ae *Error
		require.ErrorAs(t, err, &ae, "context %q must be refused", bad)
	}
}

func TestServeRejectsMissingNul(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(server, ServerConfig{GUID: "g"}) }()
	// One non-NUL byte is enough; Serve bails before reading further.
	_, werr := client.Write([]byte{'A'})
	require.NoError(t, werr)
	require.Error(t, <-errCh)
}

func TestErrorIs(t *testing.T) {
	err := &Error{Reason: "x"}
	require.True(t, errors.Is(err, &Error{}))
}
