// Package socks5auth implements SOCKS5 method negotiation and the RFC 1929
// username/password subnegotiation.
package socks5auth

import (
	"crypto/subtle"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928.
const (
	MethodNoAuth       = 0x00
	MethodGSSAPI       = 0x01
	MethodUserPass     = 0x02
	MethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	StatusSuccess = 0x00
	StatusFailure = 0xFF
)

// Authenticator handles SOCKS5 authentication.
type Authenticator interface {
	// Authenticate performs authentication and returns the username if successful.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// Method returns the authentication method code.
	Method() byte
}

// NoAuthAuthenticator allows connections without authentication.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

// Method returns the no-auth method.
func (a *NoAuthAuthenticator) Method() byte {
	return MethodNoAuth
}

// CredentialStore validates username/password credentials.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials stores username to bcrypt hash mappings.
// This is the recommended credential store for production use.
type HashedCredentials map[string]string

// Valid checks if the username/password combination is valid.
// Uses bcrypt comparison which is inherently constant-time.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		// Dummy bcrypt comparison keeps the unknown-username path the same
		// shape as the known-username path.
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// dummyHash is a pre-computed bcrypt hash compared against when the
// username doesn't exist, to keep the miss path constant-time-shaped.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// StaticCredentials is a static credential store with plaintext passwords,
// compared in constant time. Holds a single configured username/password
// pair.
type StaticCredentials map[string]string

// Valid checks if the username/password combination is valid.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword creates a bcrypt hash of the password for SOCKS5 authentication.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UserPassAuthenticator handles username/password authentication (RFC 1929).
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// NewUserPassAuthenticator creates a new username/password authenticator.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

// Method returns the username/password method.
func (a *UserPassAuthenticator) Method() byte {
	return MethodUserPass
}

// Authenticate performs username/password authentication.
// Protocol (RFC 1929):
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// Response:
//
//	+----+--------+
//	|VER | STATUS |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return "", err
	}

	if header[0] != 0x01 {
		return "", errors.New("unsupported auth subnegotiation version")
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", errors.New("username is empty")
	}

	username := make([]byte, uLen)
	if _, err := io.ReadFull(reader, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", err
	}

	pLen := int(pLenBuf[0])
	password := make([]byte, pLen)
	if pLen > 0 {
		if _, err := io.ReadFull(reader, password); err != nil {
			return "", err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		writer.Write([]byte{0x01, StatusFailure})
		return "", errors.New("authentication failed")
	}

	if _, err := writer.Write([]byte{0x01, StatusSuccess}); err != nil {
		return "", err
	}

	return string(username), nil
}

// bcryptPrefixes are the identifying prefixes of a bcrypt hash, per the
// modular crypt format ($2a$, $2b$, $2y$).
var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// isBcryptHash reports whether password is a bcrypt hash (as produced by
// the "hash" CLI subcommand) rather than a plaintext password.
func isBcryptHash(password string) bool {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(password, p) {
			return true
		}
	}
	return false
}

// Build returns the Authenticator set for the given accepted method codes
// (a subset of {MethodNoAuth, MethodUserPass}) and, when MethodUserPass is
// present, the single configured username/password pair. If password looks
// like a bcrypt hash, credentials are checked with HashedCredentials;
// otherwise it is treated as plaintext and checked with StaticCredentials.
func Build(methods []byte, username, password string) []Authenticator {
	var auths []Authenticator
	for _, m := range methods {
		switch m {
		case MethodNoAuth:
			auths = append(auths, &NoAuthAuthenticator{})
		case MethodUserPass:
			var creds CredentialStore
			if isBcryptHash(password) {
				creds = HashedCredentials{username: password}
			} else {
				creds = StaticCredentials{username: password}
			}
			auths = append(auths, NewUserPassAuthenticator(creds))
		}
	}
	return auths
}

// Select returns the first authenticator whose method appears in the
// client's offered list: the server picks the first method from the
// client's order that it accepts, not the first method in its own
// configured order.
func Select(auths []Authenticator, clientMethods []byte) Authenticator {
	byMethod := make(map[byte]Authenticator, len(auths))
	for _, a := range auths {
		byMethod[a.Method()] = a
	}
	for _, m := range clientMethods {
		if a, ok := byMethod[m]; ok {
			return a
		}
	}
	return nil
}
