// Package auth provides the authentication capabilities consumed by the IMAP
// client core. A capability takes a connected, unauthenticated session and
// leaves it in authenticated state, or fails with *Error.
package auth

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// Context carries the endpoint being authenticated against.
type Context struct {
	Host string
	Port int
}

// IMAPAuth authenticates a connected IMAP session.
type IMAPAuth interface {
	ApplyIMAP(client *imapclient.Client, ctx Context) error
}

// Error reports a failed authentication attempt.
type Error struct {
	Mechanism string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s authentication failed: %v", e.Mechanism, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PasswordAuth authenticates with LOGIN, or AUTHENTICATE PLAIN when the
// server advertises LOGINDISABLED. A failed AUTHENTICATE can corrupt the wire
// state on some servers, so LOGIN stays the default.
type PasswordAuth struct {
	Username string
	Password string
}

func (a PasswordAuth) ApplyIMAP(client *imapclient.Client, _ Context) error {
	if client.Caps().Has(imap.CapLoginDisabled) {
		saslClient := sasl.NewPlainClient("", a.Username, a.Password)
		if err := client.Authenticate(saslClient); err != nil {
			return &Error{Mechanism: "PLAIN", Err: err}
		}
		return nil
	}

	if err := client.Login(a.Username, a.Password).Wait(); err != nil {
		return &Error{Mechanism: "LOGIN", Err: err}
	}
	return nil
}
