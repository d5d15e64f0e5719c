// Package smtp implements the intercepting SMTP front-end: a STARTTLS and AUTH
// capable server that hands every completed transaction to a Handler.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	errBadEncoding = errors.New("invalid base64 encoding")
	errBadFormat   = errors.New("invalid AUTH PLAIN format")
	errAuthFailed  = errors.New("authentication failed")
)

// Authenticator checks SMTP AUTH credentials. A password starting with "$2"
// is treated as a bcrypt hash.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator. Authentication is disabled when
// either value is empty.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled reports whether credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks an AUTH PLAIN response, base64(authzid\0authcid\0passwd).
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errBadEncoding
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errBadFormat
	}
	return a.check(parts[1], parts[2])
}

// VerifyLogin checks base64-encoded AUTH LOGIN answers.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errBadEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errBadEncoding
	}
	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(user, pass string) error {
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) != 1 {
		return errAuthFailed
	}
	if strings.HasPrefix(a.password, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(a.password), []byte(pass)) != nil {
			return errAuthFailed
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) != 1 {
		return errAuthFailed
	}
	return nil
}
