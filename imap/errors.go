package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
)

// ConfigError reports invalid client configuration, detected at construction.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "imap: invalid config: " + e.Reason
}

// Error wraps everything the server or the core can reject at runtime: tagged
// NO/BAD responses, malformed responses, misuse of the batch API, pool
// exhaustion, and operations on a closed client.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return "imap: " + e.Err.Error()
	}
	return fmt.Sprintf("imap: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrPoolExhausted is returned when no connection becomes available
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("client is closed")
)

func opErr(op string, err error) error {
	return &Error{Op: op, Err: err}
}

func opErrf(op, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}

// connectionErrorSubstrings mirror the usual ways dead sockets surface as
// error text across platforms and TLS stacks.
var connectionErrorSubstrings = []string{
	"use of closed network connection",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"connection refused",
	"no such host",
	"network is unreachable",
	"imapclient: connection closed",
}

// IsConnectionError reports whether err indicates a dead or broken
// connection. These errors warrant replacing the connection and retrying;
// tagged NO/BAD protocol responses do not.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var imapErr *goimap.Error
	if errors.As(err, &imapErr) {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	errStr := err.Error()
	for _, s := range connectionErrorSubstrings {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	if strings.Contains(errStr, "tls:") || strings.HasSuffix(errStr, "EOF") {
		return true
	}
	return false
}
